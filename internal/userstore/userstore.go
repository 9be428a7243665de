// Package userstore defines the persistent credential contract the
// router consumes, plus a SQLite-backed implementation of it.
package userstore

import "context"

// RegisterOutcome is the result of a registration attempt.
type RegisterOutcome int

const (
	RegisterOK RegisterOutcome = iota
	RegisterAlreadyExists
	RegisterError
)

// AuthOutcome is the result of an authentication attempt.
type AuthOutcome int

const (
	AuthOK AuthOutcome = iota
	AuthFailed
	AuthError
)

// Store is the persistent user store contract. Implementations must
// hash passwords with a salted, adaptive KDF before persistence and
// compare them in constant time; neither is this package's caller's
// concern.
type Store interface {
	Register(ctx context.Context, username, password string) (RegisterOutcome, error)
	Authenticate(ctx context.Context, username, password string) (AuthOutcome, error)
	TouchLastLogin(ctx context.Context, username string) error
	Close() error
}
