package hub

import (
	"context"

	"github.com/coder/websocket"
)

// transport is the minimal bidirectional text-frame channel the Hub needs.
// *websocket.Conn satisfies it without any adapter; hub_test.go substitutes
// a fake to drive the heartbeat and admission paths without a real socket.
type transport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}
