package database

import (
	"context"
	"errors"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
)

// UserStore keeps registered accounts. Implementations must be safe for
// concurrent use by many sessions.
type UserStore interface {
	IsRegistered(ctx context.Context, username string) (bool, error)
	// Register returns ErrUserExists when the username is taken.
	Register(ctx context.Context, username, password string) error
	// Verify reports whether password matches the stored hash. An unknown
	// username is not an error.
	Verify(ctx context.Context, username, password string) (bool, error)
	Close() error
}
