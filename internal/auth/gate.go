package auth

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated means the credential was missing, malformed,
	// expired, or did not resolve to a known account.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized means the identity is valid but not a member of the
	// requested room.
	ErrUnauthorized = errors.New("unauthorized")
)

// Identity is the resolved account behind a connection. It is immutable
// for the connection's lifetime.
type Identity struct {
	UserID   uint
	Username string
}

// Directory is the membership/account lookup the gate consults. The store
// package satisfies it.
type Directory interface {
	UserByUsername(ctx context.Context, username string) (DirectoryUser, error)
	IsMember(ctx context.Context, userID, roomID uint) (bool, error)
}

// DirectoryUser is the minimal account view the gate needs.
type DirectoryUser struct {
	ID       uint
	Username string
}

// Gate admits or rejects connections. It never mutates relay state.
type Gate struct {
	tokens    *TokenManager
	directory Directory
}

// NewGate creates a Gate over the given token manager and directory.
func NewGate(tokens *TokenManager, directory Directory) *Gate {
	return &Gate{tokens: tokens, directory: directory}
}

// Admit verifies the bearer token and checks that the resolved identity is
// a member of the room. It returns ErrUnauthenticated for credential
// failures and ErrUnauthorized for membership failures.
func (g *Gate) Admit(ctx context.Context, token string, roomID uint) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}

	claims, err := g.tokens.Validate(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	user, err := g.directory.UserByUsername(ctx, claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: unknown subject", ErrUnauthenticated)
	}

	member, err := g.directory.IsMember(ctx, user.ID, roomID)
	if err != nil {
		return Identity{}, fmt.Errorf("membership check: %w", err)
	}
	if !member {
		return Identity{}, ErrUnauthorized
	}

	return Identity{UserID: user.ID, Username: user.Username}, nil
}
