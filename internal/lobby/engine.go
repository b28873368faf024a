// Package lobby implements the authoritative, in-memory lobby registry: the
// Lobby State Engine half of the coordination service. It enforces the
// per-game single-membership invariant, owner election, capacity, and
// lifecycle locking, and emits events for the Event Hub to fan out.
package lobby

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxIdentifierLen = 128

// membershipKey indexes userLobbyByGame: a (gameId, sessionToken) pair maps
// to at most one lobby, enforcing single-lobby-per-(game,token).
type membershipKey struct {
	gameID GameID
	token  string
}

// Engine is the concurrent, sharded lobby store. The zero value is not
// usable; construct with NewEngine.
type Engine struct {
	validator   Validator
	log         *logrus.Logger
	broadcaster Broadcaster

	lobbies sync.Map // ID -> *Lobby
	byToken sync.Map // membershipKey -> ID
	codes   *codeRegistry

	mu sync.Mutex
}

// NewEngine constructs an Engine with no broadcaster attached. Call
// SetBroadcaster once the Hub exists (construction is two-phase to break
// the Engine<->Hub cycle).
func NewEngine(validator Validator, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		validator: validator,
		log:       log,
		codes:     newCodeRegistry(),
	}
}

// SetBroadcaster wires the Event Hub in. Must be called before any
// lobby-mutating operation runs in production; tests may leave it nil to
// exercise the Engine in isolation (events are then simply dropped).
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcaster = b
}

func (e *Engine) emit(gameID GameID, lobbyID ID, ev Event) {
	e.mu.Lock()
	b := e.broadcaster
	e.mu.Unlock()
	if b == nil {
		return
	}
	b.Broadcast(gameID, lobbyID, ev)
}

func (e *Engine) closeLobbyOnHub(gameID GameID, lobbyID ID) {
	e.mu.Lock()
	b := e.broadcaster
	e.mu.Unlock()
	if b == nil {
		return
	}
	b.CloseLobby(gameID, lobbyID)
}

func (e *Engine) validate(ctx context.Context, op string, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, newErr(op, KindInternal, "cancelled")
	}
	if token == "" {
		return Identity{}, newErr(op, KindUnauthorized, "empty token")
	}
	if len(token) > maxIdentifierLen*4 {
		return Identity{}, newErr(op, KindInvalid, "token exceeds maximum length")
	}
	id, err := e.validator.Validate(ctx, token)
	if err != nil {
		return Identity{}, newErr(op, KindUnauthorized, "token validation failed")
	}
	return id, nil
}

// CreateLobby validates the token, clamps maxPlayers, sanitizes properties,
// and installs a fresh single-member lobby owned by the caller.
func (e *Engine) CreateLobby(ctx context.Context, gameID GameID, token string, maxPlayers int, properties map[string]string) (LobbyView, error) {
	const op = "createLobby"
	if gameID == uuid.Nil {
		return LobbyView{}, newErr(op, KindInvalid, "gameId required")
	}
	ident, err := e.validate(ctx, op, token)
	if err != nil {
		return LobbyView{}, err
	}

	maxPlayers = clampMaxPlayers(maxPlayers)

	owner := &Member{
		UserID:       ident.UserID,
		DisplayName:  sanitizeDisplayName(ident.DisplayName),
		SessionToken: token,
		IsReady:      false,
	}

	id := uuid.New()
	code := e.codes.reserve(id)
	l := newLobby(id, code, gameID, maxPlayers, owner)

	if len(properties) > maxProperties {
		// silently cap at creation time; callers that need the rejection
		// signal use setLobbyData post-create.
		i := 0
		capped := make(map[string]string, maxProperties)
		for k, v := range properties {
			if i >= maxProperties {
				break
			}
			capped[k] = v
			i++
		}
		properties = capped
	}
	for k, v := range properties {
		k = sanitizePropertyKey(k)
		v = sanitizePropertyValue(v)
		if k == "" {
			continue
		}
		l.setPropertyUnsafe(k, v)
	}

	e.lobbies.Store(id, l)
	e.byToken.Store(membershipKey{gameID: gameID, token: token}, id)

	l.mu.Lock()
	view := l.viewUnsafe(ident.UserID)
	l.mu.Unlock()

	e.emit(gameID, id, evLobbyCreated(id, owner.UserID, owner.DisplayName, maxPlayers))
	return view, nil
}

// lookup fetches a lobby by id, verifying it belongs to gameID.
func (e *Engine) lookup(op string, gameID GameID, lobbyID ID) (*Lobby, error) {
	v, ok := e.lobbies.Load(lobbyID)
	if !ok {
		return nil, newErr(op, KindNotFound, "lobby not found")
	}
	l := v.(*Lobby)
	if l.GameID != gameID {
		return nil, newErr(op, KindNotFound, "lobby not in game scope")
	}
	return l, nil
}

// JoinLobby admits the caller to lobbyID, or returns the existing view
// idempotently if already a member.
func (e *Engine) JoinLobby(ctx context.Context, gameID GameID, lobbyID ID, token string) (LobbyView, error) {
	const op = "joinLobby"
	ident, err := e.validate(ctx, op, token)
	if err != nil {
		return LobbyView{}, err
	}
	l, err := e.lookup(op, gameID, lobbyID)
	if err != nil {
		return LobbyView{}, err
	}

	key := membershipKey{gameID: gameID, token: token}
	if existing, ok := e.byToken.Load(key); ok && existing.(ID) != lobbyID {
		return LobbyView{}, newErr(op, KindNotFound, "caller already in a different lobby")
	}

	l.mu.Lock()

	if l.Started {
		l.mu.Unlock()
		return LobbyView{}, newErr(op, KindNotFound, "lobby already started")
	}
	if m, _ := l.memberByToken(token); m != nil {
		view := l.viewUnsafe(ident.UserID)
		l.mu.Unlock()
		return view, nil
	}
	if len(l.members) >= l.MaxPlayers {
		l.mu.Unlock()
		return LobbyView{}, newErr(op, KindNotFound, "lobby full")
	}

	member := &Member{
		UserID:       ident.UserID,
		DisplayName:  sanitizeDisplayName(ident.DisplayName),
		SessionToken: token,
		IsReady:      false,
	}
	l.members = append(l.members, member)
	e.byToken.Store(key, lobbyID)

	view := l.viewUnsafe(ident.UserID)
	l.mu.Unlock()

	e.emit(gameID, lobbyID, evMemberJoined(member.UserID, member.DisplayName))
	return view, nil
}

// LeaveLobby removes the caller's membership, handing off ownership and
// tearing the lobby down if it becomes empty.
func (e *Engine) LeaveLobby(ctx context.Context, gameID GameID, lobbyID ID, token string) error {
	const op = "leaveLobby"
	_, err := e.validate(ctx, op, token)
	if err != nil {
		return err
	}
	v, ok := e.lobbies.Load(lobbyID)
	if !ok {
		return newErr(op, KindNotFound, "lobby not found")
	}
	l := v.(*Lobby)
	if l.GameID != gameID {
		return newErr(op, KindNotFound, "lobby not in game scope")
	}

	l.mu.Lock()
	m, idx := l.memberByToken(token)
	if m == nil {
		l.mu.Unlock()
		return newErr(op, KindNotFound, "not a member")
	}
	l.removeAt(idx)
	e.byToken.Delete(membershipKey{gameID: gameID, token: token})

	wasOwner := l.OwnerUserID == m.UserID
	empty := len(l.members) == 0
	var newOwner string
	if !empty && wasOwner {
		l.OwnerUserID = l.members[0].UserID
		newOwner = l.OwnerUserID
	}
	l.mu.Unlock()

	if empty {
		e.lobbies.Delete(lobbyID)
		e.codes.release(l.Code)
		e.emit(gameID, lobbyID, evLobbyEmpty())
		e.closeLobbyOnHub(gameID, lobbyID)
		return nil
	}

	e.emit(gameID, lobbyID, evMemberLeft(m.UserID, newOwner))
	return nil
}

// LeaveLobbyByToken resolves the caller's current lobby via the game-scoped
// index and delegates to LeaveLobby.
func (e *Engine) LeaveLobbyByToken(ctx context.Context, gameID GameID, token string) error {
	const op = "leaveLobbyByToken"
	v, ok := e.byToken.Load(membershipKey{gameID: gameID, token: token})
	if !ok {
		return newErr(op, KindNotFound, "caller has no active lobby")
	}
	return e.LeaveLobby(ctx, gameID, v.(ID), token)
}

// SetReady flips the caller's ready flag, rejected once the lobby started.
func (e *Engine) SetReady(ctx context.Context, gameID GameID, lobbyID ID, token string, isReady bool) error {
	const op = "setReady"
	_, err := e.validate(ctx, op, token)
	if err != nil {
		return err
	}
	l, err := e.lookup(op, gameID, lobbyID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.Started {
		l.mu.Unlock()
		return newErr(op, KindConflict, "lobby already started")
	}
	m, _ := l.memberByToken(token)
	if m == nil {
		l.mu.Unlock()
		return newErr(op, KindNotFound, "not a member")
	}
	m.IsReady = isReady
	userID := m.UserID
	l.mu.Unlock()

	e.emit(gameID, lobbyID, evMemberReady(userID, isReady))
	return nil
}

// SetEveryoneReady is owner-only: marks every current member ready.
func (e *Engine) SetEveryoneReady(ctx context.Context, gameID GameID, lobbyID ID, token string) error {
	const op = "setEveryoneReady"
	ident, err := e.validate(ctx, op, token)
	if err != nil {
		return err
	}
	l, err := e.lookup(op, gameID, lobbyID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.OwnerUserID != ident.UserID {
		l.mu.Unlock()
		return newErr(op, KindForbidden, "caller is not owner")
	}
	if l.Started {
		l.mu.Unlock()
		return newErr(op, KindConflict, "lobby already started")
	}
	affected := make([]string, 0, len(l.members))
	for _, m := range l.members {
		m.IsReady = true
		affected = append(affected, m.UserID)
	}
	l.mu.Unlock()

	e.emit(gameID, lobbyID, evEveryoneReady(affected))
	return nil
}

// SetLobbyData is owner-only: writes a sanitized key/value property,
// mirroring the privileged Name key, rejecting the 33rd distinct key.
func (e *Engine) SetLobbyData(ctx context.Context, gameID GameID, lobbyID ID, token, key, value string) error {
	const op = "setLobbyData"
	ident, err := e.validate(ctx, op, token)
	if err != nil {
		return err
	}
	if key == "" {
		return newErr(op, KindInvalid, "key required")
	}
	l, err := e.lookup(op, gameID, lobbyID)
	if err != nil {
		return err
	}

	key = sanitizePropertyKey(key)
	value = sanitizePropertyValue(value)

	l.mu.Lock()
	if l.OwnerUserID != ident.UserID {
		l.mu.Unlock()
		return newErr(op, KindForbidden, "caller is not owner")
	}
	norm := normalizeKey(key)
	_, existed := l.properties[norm]
	if !existed && l.propertyCountUnsafe() >= maxProperties {
		l.mu.Unlock()
		return newErr(op, KindConflict, "property cap reached")
	}
	l.setPropertyUnsafe(key, value)
	l.mu.Unlock()

	e.emit(gameID, lobbyID, evLobbyData(key, value))
	return nil
}

// GetLobbyData is a read-only, unauthenticated property lookup.
func (e *Engine) GetLobbyData(gameID GameID, lobbyID ID, key string) (string, bool) {
	v, ok := e.lobbies.Load(lobbyID)
	if !ok {
		return "", false
	}
	l := v.(*Lobby)
	if l.GameID != gameID {
		return "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getPropertyUnsafe(key)
}

// GetLobbyMembers returns a read-only snapshot of current members.
func (e *Engine) GetLobbyMembers(gameID GameID, lobbyID ID) ([]Member, error) {
	const op = "getLobbyMembers"
	v, ok := e.lobbies.Load(lobbyID)
	if !ok {
		return nil, newErr(op, KindNotFound, "lobby not found")
	}
	l := v.(*Lobby)
	if l.GameID != gameID {
		return nil, newErr(op, KindNotFound, "lobby not in game scope")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.membersSnapshotUnsafe(), nil
}

// GetLobby returns the LobbyView visible to token's caller; visibility is
// restricted to current members.
func (e *Engine) GetLobby(ctx context.Context, gameID GameID, lobbyID ID, token string) (LobbyView, error) {
	const op = "getLobby"
	ident, err := e.validate(ctx, op, token)
	if err != nil {
		return LobbyView{}, err
	}
	l, err := e.lookup(op, gameID, lobbyID)
	if err != nil {
		return LobbyView{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if m, _ := l.memberByToken(token); m == nil {
		return LobbyView{}, newErr(op, KindNotFound, "caller is not a member")
	}
	return l.viewUnsafe(ident.UserID), nil
}

// StartLobby is owner-only: flips started irreversibly.
func (e *Engine) StartLobby(ctx context.Context, gameID GameID, lobbyID ID, token string) error {
	const op = "startLobby"
	ident, err := e.validate(ctx, op, token)
	if err != nil {
		return err
	}
	l, err := e.lookup(op, gameID, lobbyID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.OwnerUserID != ident.UserID {
		l.mu.Unlock()
		return newErr(op, KindForbidden, "caller is not owner")
	}
	if l.Started {
		l.mu.Unlock()
		return newErr(op, KindConflict, "already started")
	}
	l.Started = true
	l.mu.Unlock()

	e.emit(gameID, lobbyID, evLobbyStarted())
	return nil
}

// SearchLobbies returns open, not-yet-started lobbies in gameID matching
// every filter, newest first, capped at maxRooms. The returned views carry
// no caller context: IsOwner is always false.
func (e *Engine) SearchLobbies(gameID GameID, maxRooms int, filters map[string]string) []LobbyView {
	maxRooms = clampMaxRooms(maxRooms)

	var matches []LobbyView
	e.lobbies.Range(func(_, value interface{}) bool {
		l := value.(*Lobby)
		if l.GameID != gameID {
			return true
		}
		l.mu.Lock()
		if !l.Started && len(l.members) < l.MaxPlayers && l.matchesFiltersUnsafe(filters) {
			matches = append(matches, l.viewUnsafe(""))
		}
		l.mu.Unlock()
		return true
	})

	sortLobbiesByCreatedDesc(matches)
	if len(matches) > maxRooms {
		matches = matches[:maxRooms]
	}
	return matches
}

// GlobalPlayerCount sums member counts across every active lobby.
func (e *Engine) GlobalPlayerCount() int {
	total := 0
	e.lobbies.Range(func(_, value interface{}) bool {
		l := value.(*Lobby)
		l.mu.Lock()
		total += len(l.members)
		l.mu.Unlock()
		return true
	})
	return total
}

// GlobalLobbyCount is the cardinality of the active lobby registry.
func (e *Engine) GlobalLobbyCount() int {
	count := 0
	e.lobbies.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// LobbyCountByGame counts active lobbies scoped to gameID.
func (e *Engine) LobbyCountByGame(gameID GameID) int {
	count := 0
	e.lobbies.Range(func(_, value interface{}) bool {
		if value.(*Lobby).GameID == gameID {
			count++
		}
		return true
	})
	return count
}

// ActivePlayersByGame returns a de-duplicated (by UserID) snapshot of every
// member currently in a lobby scoped to gameID.
func (e *Engine) ActivePlayersByGame(gameID GameID) []Member {
	seen := make(map[string]Member)
	e.lobbies.Range(func(_, value interface{}) bool {
		l := value.(*Lobby)
		if l.GameID != gameID {
			return true
		}
		l.mu.Lock()
		for _, m := range l.members {
			seen[m.UserID] = *m
		}
		l.mu.Unlock()
		return true
	})
	out := make([]Member, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	return out
}
