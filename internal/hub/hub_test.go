package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/hearthlobby/lobbyhub/internal/config"
	"github.com/hearthlobby/lobbyhub/internal/lobby"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory stand-in for *websocket.Conn.
type fakeTransport struct {
	mu      sync.Mutex
	inbox   chan []byte
	written [][]byte
	closed  bool
	code    websocket.StatusCode
	reason  string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan []byte, 8)}
}

func (f *fakeTransport) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case msg, ok := <-f.inbox:
		if !ok {
			return 0, nil, errors.New("transport closed")
		}
		return websocket.MessageText, msg, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), p...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeTransport) clientSends(msg string) {
	f.inbox <- []byte(msg)
}

func (f *fakeTransport) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeEngine stands in for the narrow hub.Engine dependency.
type fakeEngine struct {
	mu      sync.Mutex
	members []lobby.Member
	left    []string
}

func (f *fakeEngine) LeaveLobby(_ context.Context, _ lobby.GameID, _ lobby.ID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, token)
	for i, m := range f.members {
		if m.SessionToken == token {
			f.members = append(f.members[:i], f.members[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeEngine) LeaveLobbyByToken(ctx context.Context, gameID lobby.GameID, token string) error {
	return f.LeaveLobby(ctx, gameID, lobby.ID{}, token)
}

func (f *fakeEngine) GetLobbyMembers(_ lobby.GameID, _ lobby.ID) ([]lobby.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]lobby.Member, len(f.members))
	copy(out, f.members)
	return out, nil
}

type fakeValidator struct {
	identity lobby.Identity
	reject   bool
}

func (f fakeValidator) Validate(_ context.Context, _ string) (lobby.Identity, error) {
	if f.reject {
		return lobby.Identity{}, errors.New("invalid token")
	}
	return f.identity, nil
}

func testHeartbeatConfig() config.Heartbeat {
	return config.Heartbeat{
		PongTimeout:  30 * time.Millisecond,
		PingInterval: 10 * time.Millisecond,
		IdleReap:     30 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestHandleConnectionRejectsInvalidToken(t *testing.T) {
	h := New(&fakeEngine{}, fakeValidator{reject: true}, testHeartbeatConfig(), nil)
	defer h.Stop()

	tr := newFakeTransport()
	h.HandleConnection(context.Background(), uuid.New(), uuid.New(), "bad-token", tr)

	assert.True(t, tr.isClosed())
	assert.Equal(t, websocket.StatusPolicyViolation, tr.code)
}

func TestBroadcastDeliversAndDropsSubscriberOnClose(t *testing.T) {
	h := New(&fakeEngine{}, fakeValidator{identity: lobby.Identity{UserID: "u1", DisplayName: "Alice"}}, testHeartbeatConfig(), nil)
	defer h.Stop()

	gameID, lobbyID := uuid.New(), uuid.New()
	tr := newFakeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	go h.HandleConnection(ctx, gameID, lobbyID, "t1", tr)

	waitFor(t, time.Second, func() bool { return h.subscriberCount(lobbyKey{gameID, lobbyID}) == 1 })

	h.Broadcast(gameID, lobbyID, lobby.Event{"type": "member_joined", "userId": "u2"})
	waitFor(t, time.Second, func() bool { return tr.writtenCount() >= 1 })

	cancel() // simulate transport close
	waitFor(t, time.Second, func() bool { return h.subscriberCount(lobbyKey{gameID, lobbyID}) == 0 })
}

func TestHeartbeatEvictsNonResponder(t *testing.T) {
	eng := &fakeEngine{members: []lobby.Member{{UserID: "u1", SessionToken: "t1"}}}
	h := New(eng, fakeValidator{identity: lobby.Identity{UserID: "u1"}}, testHeartbeatConfig(), nil)
	defer h.Stop()

	gameID, lobbyID := uuid.New(), uuid.New()
	tr := newFakeTransport()
	go h.HandleConnection(context.Background(), gameID, lobbyID, "t1", tr)

	waitFor(t, time.Second, func() bool { return h.subscriberCount(lobbyKey{gameID, lobbyID}) == 1 })

	// Never respond to pings; expect eviction within a couple of heartbeat cycles.
	waitFor(t, 2*time.Second, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		for _, tok := range eng.left {
			if tok == "t1" {
				return true
			}
		}
		return false
	})
}

func TestHeartbeatRespondingSubscriberSurvives(t *testing.T) {
	eng := &fakeEngine{members: []lobby.Member{{UserID: "u1", SessionToken: "t1"}}}
	h := New(eng, fakeValidator{identity: lobby.Identity{UserID: "u1"}}, testHeartbeatConfig(), nil)
	defer h.Stop()

	gameID, lobbyID := uuid.New(), uuid.New()
	tr := newFakeTransport()
	go h.HandleConnection(context.Background(), gameID, lobbyID, "t1", tr)

	waitFor(t, time.Second, func() bool { return h.subscriberCount(lobbyKey{gameID, lobbyID}) == 1 })

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				tr.clientSends("pong")
			}
		}
	}()
	defer close(stop)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, h.subscriberCount(lobbyKey{gameID, lobbyID}))
}

func TestCloseLobbyBroadcastsLobbyDeleted(t *testing.T) {
	h := New(&fakeEngine{}, fakeValidator{identity: lobby.Identity{UserID: "u1"}}, testHeartbeatConfig(), nil)
	defer h.Stop()

	gameID, lobbyID := uuid.New(), uuid.New()
	tr := newFakeTransport()
	go h.HandleConnection(context.Background(), gameID, lobbyID, "t1", tr)
	waitFor(t, time.Second, func() bool { return h.subscriberCount(lobbyKey{gameID, lobbyID}) == 1 })

	h.CloseLobby(gameID, lobbyID)
	waitFor(t, time.Second, func() bool { return tr.isClosed() })
	require.GreaterOrEqual(t, tr.writtenCount(), 1)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	sawDeleted := false
	for _, w := range tr.written {
		if strings.Contains(string(w), `"type":"lobby_deleted"`) {
			sawDeleted = true
		}
	}
	assert.True(t, sawDeleted, "lobby_deleted must be written before the transport closes")
}
