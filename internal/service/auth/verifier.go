package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Identity is the authenticated principal extracted from a verified token.
type Identity struct {
	UserID    uuid.UUID
	Email     string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Verifier validates bearer tokens presented during the realtime handshake.
type Verifier interface {
	// Verify parses and validates the token, returning the identity it
	// carries. Returns ErrMissingToken for empty input, ErrExpiredToken
	// for expired tokens, and ErrInvalidToken for everything else that
	// fails validation.
	Verify(ctx context.Context, token string) (*Identity, error)
}

// TokenIssuer mints tokens. The realtime layer never issues tokens itself;
// this exists for the companion API and for tests that need valid
// credentials.
type TokenIssuer interface {
	// IssueToken creates a signed token for the given user.
	IssueToken(ctx context.Context, userID uuid.UUID, email string) (string, error)

	// IssueTokenWithExpiry creates a signed token with a custom expiry,
	// used to exercise expiration paths in tests.
	IssueTokenWithExpiry(ctx context.Context, userID uuid.UUID, email string, expiresAt time.Time) (string, error)
}
