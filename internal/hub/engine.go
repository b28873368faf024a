package hub

import (
	"context"

	"github.com/hearthlobby/lobbyhub/internal/lobby"
)

// Engine is the narrow view of the Lobby State Engine the Hub depends on:
// eviction of dead members and a read-only membership snapshot for the
// idle/force-close teardown paths. Implemented by *lobby.Engine; injected at
// construction so the Engine<->Hub cycle never needs a shared mutable
// reference (see design notes).
type Engine interface {
	LeaveLobby(ctx context.Context, gameID lobby.GameID, lobbyID lobby.ID, token string) error
	LeaveLobbyByToken(ctx context.Context, gameID lobby.GameID, token string) error
	GetLobbyMembers(gameID lobby.GameID, lobbyID lobby.ID) ([]lobby.Member, error)
}
