// lobbyctl is an operator CLI for a running lobbyserver: it exercises the
// stats surface and manual force-close outside of HTTP test tooling.
//
// Usage:
//
//	lobbyctl stats <gameId>
//	lobbyctl force-close <gameId> <lobbyId>
//
// Global flags:
//
//	--addr <url>   - Base URL of the lobbyserver (default: http://localhost:8080)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lobbyctl",
	Short: "Operator CLI for the lobby coordination service",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "http://localhost:8080", "base URL of the lobbyserver")
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(forceCloseCmd)
}
