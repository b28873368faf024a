// Package hub implements the Event Hub: the per-lobby subscriber registry,
// broadcast fan-out, server-initiated heartbeat with liveness-driven
// eviction, and idle/force-close teardown. It reaches back into the Lobby
// State Engine through the narrow Engine interface to evict dead members
// and to read a fresh membership snapshot for teardown.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hearthlobby/lobbyhub/internal/config"
	"github.com/hearthlobby/lobbyhub/internal/lobby"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type lobbyKey struct {
	gameID  lobby.GameID
	lobbyID lobby.ID
}

// Hub holds the live subscriber sets and drives heartbeat/reap for every
// lobby that currently has at least one connected subscriber.
type Hub struct {
	log       *logrus.Logger
	engine    Engine
	validator lobby.Validator
	cfg       config.Heartbeat

	mu              sync.Mutex
	subs            map[lobbyKey]map[*subscriber]struct{}
	heartbeatActive map[lobbyKey]bool
	idlePending     map[lobbyKey]bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a Hub. engine must implement the narrow Engine interface
// (typically *lobby.Engine); validator authenticates inbound subscribe
// calls independently of any particular Engine operation.
func New(engine Engine, validator lobby.Validator, cfg config.Heartbeat, log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	return &Hub{
		log:             log,
		engine:          engine,
		validator:       validator,
		cfg:             cfg,
		subs:            make(map[lobbyKey]map[*subscriber]struct{}),
		heartbeatActive: make(map[lobbyKey]bool),
		idlePending:     make(map[lobbyKey]bool),
		ctx:             gctx,
		cancel:          cancel,
		group:           group,
	}
}

// Stop cancels every running heartbeat/idle-cleanup goroutine and waits for
// them to exit.
func (h *Hub) Stop() error {
	h.cancel()
	return h.group.Wait()
}

// HandleConnection admits a newly-accepted transport into lobbyId's
// subscriber set and blocks in the receive loop until the transport closes.
// Per §4.2.1: an invalid token closes the transport immediately and returns.
func (h *Hub) HandleConnection(ctx context.Context, gameID lobby.GameID, lobbyID lobby.ID, token string, conn transport) {
	identity, err := h.validator.Validate(ctx, token)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid auth token")
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := newSubscriber(conn, token, identity.UserID, cancel)
	key := lobbyKey{gameID: gameID, lobbyID: lobbyID}

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[*subscriber]struct{})
	}
	h.subs[key][sub] = struct{}{}
	h.mu.Unlock()

	h.ensureHeartbeat(key)
	go h.writePump(subCtx, sub)

	h.readLoop(subCtx, key, sub)
}

// readLoop consumes inbound text frames until the transport errors, treating
// recognized heartbeat-response frames as a liveness signal and ignoring
// everything else (consumed by higher layers, out of scope here).
func (h *Hub) readLoop(ctx context.Context, key lobbyKey, sub *subscriber) {
	defer func() {
		sub.cancel()
		h.removeSubscriber(key, sub)
		_ = sub.conn.Close(websocket.StatusNormalClosure, "closing")
	}()

	for {
		typ, msg, err := sub.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if isHeartbeatResponse(msg) {
			sub.touch()
		}
	}
}

// removeSubscriber drops sub from key's set. If the set becomes empty, idle
// cleanup is armed.
func (h *Hub) removeSubscriber(key lobbyKey, sub *subscriber) {
	h.mu.Lock()
	set, ok := h.subs[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(set, sub)
	empty := len(set) == 0
	if empty {
		delete(h.subs, key)
	}
	h.mu.Unlock()

	if empty {
		h.scheduleIdleCleanup(key)
	}
}

func (h *Hub) snapshot(key lobbyKey) []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[key]
	out := make([]*subscriber, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (h *Hub) subscriberCount(key lobbyKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

// Broadcast implements lobby.Broadcaster: fan the event out to every
// currently-open subscriber of (gameId, lobbyId), dropping any whose outbox
// is saturated (treated as a dead transport per §4.2.2).
func (h *Hub) Broadcast(gameID lobby.GameID, lobbyID lobby.ID, event lobby.Event) {
	key := lobbyKey{gameID: gameID, lobbyID: lobbyID}
	subs := h.snapshot(key)

	var dead []*subscriber
	for _, s := range subs {
		if !s.send(event) {
			dead = append(dead, s)
		}
	}
	for _, s := range dead {
		h.removeSubscriber(key, s)
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "send buffer full")
	}

	if h.subscriberCount(key) == 0 {
		h.scheduleIdleCleanup(key)
	} else {
		h.ensureHeartbeat(key)
	}
}

// CloseLobby implements lobby.Broadcaster: drop the subscriber set and
// notify every open transport, invoked by the Engine when a lobby's last
// member leaves.
func (h *Hub) CloseLobby(gameID lobby.GameID, lobbyID lobby.ID) {
	h.closeLobby(lobbyKey{gameID: gameID, lobbyID: lobbyID})
}

// closeLobby is the single teardown routine shared by Engine-triggered
// closes, idle cleanup, and force close (§4.2.6). Safe to call more than
// once for the same key; the second call is a no-op.
func (h *Hub) closeLobby(key lobbyKey) {
	h.mu.Lock()
	set, ok := h.subs[key]
	delete(h.subs, key)
	h.mu.Unlock()
	if !ok {
		return
	}

	// lobby_deleted is written directly rather than queued: the write pump
	// is cancelled and the transport closed right after, which would drop a
	// queued event.
	ev := lobby.Event{"type": "lobby_deleted", "lobbyId": key.lobbyID, "gameId": key.gameID}
	data, err := json.Marshal(ev)
	for s := range set {
		if err == nil {
			wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
			_ = s.conn.Write(wctx, websocket.MessageText, data)
			wcancel()
		}
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "lobby closed")
	}
}

// evictAllMembers drives every current member of key through the Engine's
// own leave path, so member_left/lobby_empty are emitted normally.
func (h *Hub) evictAllMembers(ctx context.Context, key lobbyKey) {
	members, err := h.engine.GetLobbyMembers(key.gameID, key.lobbyID)
	if err != nil {
		return
	}
	for _, m := range members {
		_ = h.engine.LeaveLobby(ctx, key.gameID, key.lobbyID, m.SessionToken)
	}
}

// forceCloseLobby is idle cleanup without the wait: every member is evicted
// and the lobby is torn down immediately (§4.2.5).
func (h *Hub) forceCloseLobby(key lobbyKey) {
	h.evictAllMembers(h.ctx, key)
	h.closeLobby(key)
}

// ForceClose is the operator-facing entry point to §4.2.5's immediate
// teardown, used by the admin surface (lobbyctl) to close a lobby the
// heartbeat loop hasn't condemned on its own.
func (h *Hub) ForceClose(gameID lobby.GameID, lobbyID lobby.ID) {
	h.forceCloseLobby(lobbyKey{gameID: gameID, lobbyID: lobbyID})
}

func (h *Hub) markIdlePending(key lobbyKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idlePending[key] {
		return false
	}
	h.idlePending[key] = true
	return true
}

func (h *Hub) clearIdlePending(key lobbyKey) {
	h.mu.Lock()
	delete(h.idlePending, key)
	h.mu.Unlock()
}

// scheduleIdleCleanup arms a one-shot idleReap timer the first time a
// lobby's subscriber set transitions to empty (§4.2.4). Re-entrant calls
// while a timer is already pending are no-ops.
func (h *Hub) scheduleIdleCleanup(key lobbyKey) {
	if !h.markIdlePending(key) {
		return
	}
	h.group.Go(func() error {
		defer h.clearIdlePending(key)
		timer := time.NewTimer(h.cfg.IdleReap)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-h.ctx.Done():
			return nil
		}
		h.runIdleCleanup(key)
		return nil
	})
}

func (h *Hub) runIdleCleanup(key lobbyKey) {
	if h.subscriberCount(key) != 0 {
		return
	}
	h.evictAllMembers(h.ctx, key)
	h.closeLobby(key)
}

func (h *Hub) markHeartbeatActive(key lobbyKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.heartbeatActive[key] {
		return false
	}
	h.heartbeatActive[key] = true
	return true
}

func (h *Hub) clearHeartbeatActive(key lobbyKey) {
	h.mu.Lock()
	delete(h.heartbeatActive, key)
	h.mu.Unlock()
}

// ensureHeartbeat starts the per-lobby heartbeat loop if it is not already
// running. CAS-guarded by heartbeatActive so admission and broadcast can
// both call it freely.
func (h *Hub) ensureHeartbeat(key lobbyKey) {
	if !h.markHeartbeatActive(key) {
		return
	}
	h.group.Go(func() error {
		h.runHeartbeat(key)
		return nil
	})
}

func (h *Hub) pingAll(key lobbyKey, pingSentAt time.Time) {
	ev := lobby.Event{"type": "ping", "ts": pingSentAt.UnixMilli()}
	for _, s := range h.snapshot(key) {
		s.send(ev)
	}
}

func (h *Hub) partition(key lobbyKey, pingSentAt time.Time) (responders, nonResponders []*subscriber) {
	for _, s := range h.snapshot(key) {
		if s.respondedSince(pingSentAt) {
			responders = append(responders, s)
		} else {
			nonResponders = append(nonResponders, s)
		}
	}
	return responders, nonResponders
}

// runHeartbeat is the single per-(gameId,lobbyId) loop described in §4.2.3.
// It exits when the subscriber set empties, when every subscriber goes
// silent (after handing off to forceCloseLobby), or when the Hub is
// stopped.
func (h *Hub) runHeartbeat(key lobbyKey) {
	defer h.clearHeartbeatActive(key)

	for {
		if h.subscriberCount(key) == 0 {
			return
		}

		pingSentAt := time.Now()
		h.pingAll(key, pingSentAt)

		select {
		case <-time.After(h.cfg.PongTimeout):
		case <-h.ctx.Done():
			return
		}

		responders, nonResponders := h.partition(key, pingSentAt)
		if len(responders) == 0 {
			if len(nonResponders) == 0 {
				return // set emptied during the wait
			}
			h.forceCloseLobby(key)
			return
		}

		for _, s := range nonResponders {
			h.removeSubscriber(key, s)
			s.cancel()
			_ = s.conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
			_ = h.engine.LeaveLobbyByToken(h.ctx, key.gameID, s.token)
		}

		select {
		case <-time.After(h.cfg.PingInterval):
		case <-h.ctx.Done():
			return
		}
	}
}
