package lobby

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeValidator resolves a fixed token->Identity table, set up before any
// concurrent engine calls begin.
type fakeValidator struct {
	identities map[string]Identity
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{identities: make(map[string]Identity)}
}

func (f *fakeValidator) add(token, userID, displayName string) {
	f.identities[token] = Identity{UserID: userID, DisplayName: displayName}
}

func (f *fakeValidator) Validate(_ context.Context, token string) (Identity, error) {
	id, ok := f.identities[token]
	if !ok {
		return Identity{}, fmt.Errorf("unknown token")
	}
	return id, nil
}

// recordingBroadcaster captures every event and close call for assertions.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []Event
	closed []ID
}

func (r *recordingBroadcaster) Broadcast(_ GameID, _ ID, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingBroadcaster) CloseLobby(_ GameID, lobbyID ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, lobbyID)
}

func (r *recordingBroadcaster) typesOf() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e["type"].(string)
	}
	return out
}

func newTestEngine() (*Engine, *fakeValidator, *recordingBroadcaster) {
	v := newFakeValidator()
	e := NewEngine(v, nil)
	b := &recordingBroadcaster{}
	e.SetBroadcaster(b)
	return e, v, b
}

func TestOwnerHandoff(t *testing.T) {
	e, v, _ := newTestEngine()
	ctx := context.Background()
	g := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	v.add("t1", "u1", "Alice")
	v.add("t2", "u2", "Bob")
	v.add("t3", "u3", "Carol")

	lv, err := e.CreateLobby(ctx, g, "t1", 4, nil)
	require.NoError(t, err)
	require.True(t, lv.IsOwner)
	require.Equal(t, "u1", lv.OwnerUserID)

	_, err = e.JoinLobby(ctx, g, lv.LobbyID, "t2")
	require.NoError(t, err)
	_, err = e.JoinLobby(ctx, g, lv.LobbyID, "t3")
	require.NoError(t, err)

	members, err := e.GetLobbyMembers(g, lv.LobbyID)
	require.NoError(t, err)
	require.Len(t, members, 3)

	err = e.LeaveLobby(ctx, g, lv.LobbyID, "t1")
	require.NoError(t, err)

	after, err := e.GetLobby(ctx, g, lv.LobbyID, "t2")
	require.NoError(t, err)
	assert.Equal(t, "u2", after.OwnerUserID)
	assert.Len(t, after.Members, 2)
}

func TestCapacityRace(t *testing.T) {
	e, v, _ := newTestEngine()
	ctx := context.Background()
	g := uuid.New()

	v.add("t1", "u1", "Alice")
	v.add("t2", "u2", "Bob")
	v.add("t3", "u3", "Carol")

	lv, err := e.CreateLobby(ctx, g, "t1", 2, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	tokens := []string{"t2", "t3"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.JoinLobby(ctx, g, lv.LobbyID, tokens[i])
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)

	members, err := e.GetLobbyMembers(g, lv.LobbyID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestStartedLockdown(t *testing.T) {
	e, v, _ := newTestEngine()
	ctx := context.Background()
	g := uuid.New()

	v.add("t1", "u1", "Alice")
	v.add("t2", "u2", "Bob")

	lv, err := e.CreateLobby(ctx, g, "t1", 4, nil)
	require.NoError(t, err)

	require.NoError(t, e.StartLobby(ctx, g, lv.LobbyID, "t1"))

	_, err = e.JoinLobby(ctx, g, lv.LobbyID, "t2")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))

	err = e.SetReady(ctx, g, lv.LobbyID, "t1", true)
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))

	err = e.SetLobbyData(ctx, g, lv.LobbyID, "t1", "map", "dust")
	assert.NoError(t, err)

	err = e.StartLobby(ctx, g, lv.LobbyID, "t1")
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestJoinIsIdempotentForCurrentMember(t *testing.T) {
	e, v, b := newTestEngine()
	ctx := context.Background()
	g := uuid.New()
	v.add("t1", "u1", "Alice")

	lv, err := e.CreateLobby(ctx, g, "t1", 4, nil)
	require.NoError(t, err)

	before := len(b.typesOf())
	again, err := e.JoinLobby(ctx, g, lv.LobbyID, "t1")
	require.NoError(t, err)
	assert.Equal(t, lv.LobbyID, again.LobbyID)
	assert.Len(t, again.Members, 1)
	assert.Equal(t, before, len(b.typesOf()), "idempotent join must not emit an event")
}

func TestSetLobbyDataOwnerOnly(t *testing.T) {
	e, v, _ := newTestEngine()
	ctx := context.Background()
	g := uuid.New()
	v.add("t1", "u1", "Alice")
	v.add("t2", "u2", "Bob")

	lv, err := e.CreateLobby(ctx, g, "t1", 4, nil)
	require.NoError(t, err)
	_, err = e.JoinLobby(ctx, g, lv.LobbyID, "t2")
	require.NoError(t, err)

	err = e.SetLobbyData(ctx, g, lv.LobbyID, "t2", "map", "dust")
	require.Error(t, err)
	assert.Equal(t, KindForbidden, KindOf(err))

	require.NoError(t, e.SetLobbyData(ctx, g, lv.LobbyID, "t1", "map", "dust"))
	val, ok := e.GetLobbyData(g, lv.LobbyID, "map")
	require.True(t, ok)
	assert.Equal(t, "dust", val)
}

func TestPropertyCapRejectsThirtyThird(t *testing.T) {
	e, v, _ := newTestEngine()
	ctx := context.Background()
	g := uuid.New()
	v.add("t1", "u1", "Alice")

	lv, err := e.CreateLobby(ctx, g, "t1", 4, nil)
	require.NoError(t, err)

	for i := 0; i < maxProperties; i++ {
		key := fmt.Sprintf("k%02d", i)
		require.NoError(t, e.SetLobbyData(ctx, g, lv.LobbyID, "t1", key, "v"))
	}
	err = e.SetLobbyData(ctx, g, lv.LobbyID, "t1", "one-too-many", "v")
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestMaxPlayersClamped(t *testing.T) {
	e, v, _ := newTestEngine()
	ctx := context.Background()
	g := uuid.New()
	v.add("t1", "u1", "Alice")
	v.add("t2", "u2", "Bob")

	lv, err := e.CreateLobby(ctx, g, "t1", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, lv.MaxPlayers)

	lv2, err := e.CreateLobby(ctx, g, "t2", 1000, nil)
	require.NoError(t, err)
	assert.Equal(t, 64, lv2.MaxPlayers)
}

func TestCrossGameIsolation(t *testing.T) {
	e, v, _ := newTestEngine()
	ctx := context.Background()
	g1 := uuid.New()
	g2 := uuid.New()
	v.add("t1", "u1", "Alice")
	v.add("t2", "u2", "Bob")

	lv, err := e.CreateLobby(ctx, g1, "t1", 4, map[string]string{"mode": "ranked"})
	require.NoError(t, err)

	_, err = e.JoinLobby(ctx, g2, lv.LobbyID, "t2")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))

	results := e.SearchLobbies(g2, 10, map[string]string{"mode": "ranked"})
	assert.Empty(t, results)

	results = e.SearchLobbies(g1, 10, map[string]string{"mode": "ranked"})
	assert.Len(t, results, 1)
}

func TestLeaveEmptiesAndClosesLobby(t *testing.T) {
	e, v, b := newTestEngine()
	ctx := context.Background()
	g := uuid.New()
	v.add("t1", "u1", "Alice")

	lv, err := e.CreateLobby(ctx, g, "t1", 4, nil)
	require.NoError(t, err)

	require.NoError(t, e.LeaveLobby(ctx, g, lv.LobbyID, "t1"))

	_, err = e.GetLobbyMembers(g, lv.LobbyID)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.closed, 1)
	assert.Equal(t, lv.LobbyID, b.closed[0])

	found := false
	for _, e := range b.events {
		if e["type"] == "lobby_empty" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSetEveryoneReadyRequiresOwner(t *testing.T) {
	e, v, _ := newTestEngine()
	ctx := context.Background()
	g := uuid.New()
	v.add("t1", "u1", "Alice")
	v.add("t2", "u2", "Bob")

	lv, err := e.CreateLobby(ctx, g, "t1", 4, nil)
	require.NoError(t, err)
	_, err = e.JoinLobby(ctx, g, lv.LobbyID, "t2")
	require.NoError(t, err)

	err = e.SetEveryoneReady(ctx, g, lv.LobbyID, "t2")
	require.Error(t, err)
	assert.Equal(t, KindForbidden, KindOf(err))

	require.NoError(t, e.SetEveryoneReady(ctx, g, lv.LobbyID, "t1"))
	members, _ := e.GetLobbyMembers(g, lv.LobbyID)
	for _, m := range members {
		assert.True(t, m.IsReady)
	}
}

func TestStatsAcrossGames(t *testing.T) {
	e, v, _ := newTestEngine()
	ctx := context.Background()
	g1 := uuid.New()
	g2 := uuid.New()
	v.add("t1", "u1", "Alice")
	v.add("t2", "u2", "Bob")
	v.add("t3", "u3", "Carol")

	_, err := e.CreateLobby(ctx, g1, "t1", 4, nil)
	require.NoError(t, err)
	_, err = e.CreateLobby(ctx, g1, "t2", 4, nil)
	require.NoError(t, err)
	_, err = e.CreateLobby(ctx, g2, "t3", 4, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, e.GlobalLobbyCount())
	assert.Equal(t, 3, e.GlobalPlayerCount())
	assert.Equal(t, 2, e.LobbyCountByGame(g1))
	assert.Equal(t, 1, e.LobbyCountByGame(g2))
	assert.Len(t, e.ActivePlayersByGame(g1), 2)
}
