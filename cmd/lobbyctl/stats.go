package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats <gameId>",
	Short: "Print global and per-game lobby/player counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(flagAddr + "/games/" + args[0] + "/stats")
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned %s", resp.Status)
		}

		var stats struct {
			GlobalLobbyCount  int `json:"globalLobbyCount"`
			GlobalPlayerCount int `json:"globalPlayerCount"`
			LobbyCount        int `json:"lobbyCount"`
			PlayerCount       int `json:"playerCount"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}

		fmt.Printf("global lobbies: %d\n", stats.GlobalLobbyCount)
		fmt.Printf("global players: %d\n", stats.GlobalPlayerCount)
		fmt.Printf("lobbies in game: %d\n", stats.LobbyCount)
		fmt.Printf("players in game: %d\n", stats.PlayerCount)
		return nil
	},
}
