package lobby

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// GameID scopes a lobby to a tenant. Lobbies in different games are
// invisible to each other.
type GameID = uuid.UUID

// ID uniquely identifies a lobby for the lifetime of the process.
type ID = uuid.UUID

// codeAlphabet omits the visually ambiguous glyphs 0/O and 1/I.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 6

const codeCollisionRetries = 10

// codeRegistry hands out unique 6-character human codes, retrying on
// collision and falling back to a hex-derived code after codeCollisionRetries
// attempts. It is the uniqueness authority backing invariant 7 in the data
// model: lobbyCode unique over active lobbies.
type codeRegistry struct {
	mu     sync.Mutex
	byCode map[string]ID
}

func newCodeRegistry() *codeRegistry {
	return &codeRegistry{byCode: make(map[string]ID)}
}

// reserve generates and atomically reserves a fresh code for id. The
// uniqueness check and the reservation happen under the same lock, so the
// result is linearizable with respect to other reservations.
func (r *codeRegistry) reserve(id ID) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < codeCollisionRetries; i++ {
		candidate := randomCode()
		if _, exists := r.byCode[candidate]; !exists {
			r.byCode[candidate] = id
			return candidate
		}
	}

	for {
		candidate := strings.ToUpper(hex.EncodeToString(uuid.New().NodeID())[:codeLength])
		if _, exists := r.byCode[candidate]; !exists {
			r.byCode[candidate] = id
			return candidate
		}
	}
}

// release frees a code so it may be reused by a future lobby.
func (r *codeRegistry) release(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byCode, code)
}

func randomCode() string {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the system entropy source is broken;
		// fall back to a fixed-but-unique-enough seed derived from a uuid.
		u := uuid.New()
		copy(buf, u[:codeLength])
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out)
}
