package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var forceCloseCmd = &cobra.Command{
	Use:   "force-close <gameId> <lobbyId>",
	Short: "Immediately evict every member and tear down a lobby",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := flagAddr + "/games/" + args[0] + "/lobbies/" + args[1] + "/force-close"
		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNoContent {
			return fmt.Errorf("server returned %s", resp.Status)
		}
		fmt.Println("lobby force-closed")
		return nil
	},
}
