package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hearthlobby/lobbyhub/internal/lobby"
)

const subscriberOutboxSize = 16

// subscriber is a connected peer in the Event Hub: a transport handle plus
// the identity it was admitted with and the heartbeat liveness watermark.
type subscriber struct {
	conn   transport
	token  string
	userID string
	outCh  chan lobby.Event
	cancel context.CancelFunc

	mu              sync.Mutex
	lastResponseUtc time.Time
}

func newSubscriber(conn transport, token, userID string, cancel context.CancelFunc) *subscriber {
	s := &subscriber{
		conn:   conn,
		token:  token,
		userID: userID,
		outCh:  make(chan lobby.Event, subscriberOutboxSize),
		cancel: cancel,
	}
	s.touch()
	return s
}

func (s *subscriber) touch() {
	s.mu.Lock()
	s.lastResponseUtc = time.Now().UTC()
	s.mu.Unlock()
}

// respondedSince reports whether the subscriber's last heartbeat response
// is at or after t, per the pingSentAt/lastResponseUtc comparison in §4.2.3.
func (s *subscriber) respondedSince(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastResponseUtc.Before(t)
}

// send is a best-effort, non-blocking enqueue; a full outbox marks the
// transport as unresponsive rather than blocking the broadcaster.
func (s *subscriber) send(ev lobby.Event) bool {
	select {
	case s.outCh <- ev:
		return true
	default:
		return false
	}
}

var heartbeatTokens = map[string]bool{"pong": true, "hb": true, "heartbeat": true}

// isHeartbeatResponse matches the literal strings pong/hb/heartbeat
// (case-insensitive, trimmed) or a structured {"type": "..."} payload
// carrying one of those values in its type field.
func isHeartbeatResponse(msg []byte) bool {
	text := strings.ToLower(strings.TrimSpace(string(msg)))
	if heartbeatTokens[text] {
		return true
	}
	var payload struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &payload); err == nil {
		return heartbeatTokens[strings.ToLower(strings.TrimSpace(payload.Type))]
	}
	return false
}

// writePump drains outCh to the transport until ctx is cancelled or a write
// fails. One goroutine per subscriber, mirroring the teacher's
// conn.OutChan -> websocket.Write pump.
func (h *Hub) writePump(ctx context.Context, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.outCh:
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.WithError(err).Warn("failed to marshal outbound event")
				continue
			}
			if err := sub.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
