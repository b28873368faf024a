package auth

import (
	"context"

	"github.com/hearthlobby/lobbyhub/internal/lobby"
)

// JWTValidator adapts the package-level ed25519 JWT functions to
// lobby.Validator, the interface the Engine consumes as the external Token
// Validator (spec §6.1).
type JWTValidator struct{}

// NewJWTValidator returns a Validator backed by the process's ed25519
// keypair. Init or InitFromPath must have run first.
func NewJWTValidator() *JWTValidator {
	return &JWTValidator{}
}

func (JWTValidator) Validate(_ context.Context, token string) (lobby.Identity, error) {
	userID, displayName, err := AuthenticateJWT(token)
	if err != nil {
		return lobby.Identity{}, err
	}
	return lobby.Identity{UserID: userID, DisplayName: displayName}, nil
}
