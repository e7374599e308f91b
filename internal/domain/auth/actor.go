// Package auth defines the caller identity model shared by all order-scoped
// operations.
package auth

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

// ErrUnauthenticated is returned when a request carries neither a valid API
// key nor a session token.
var ErrUnauthenticated = errors.New("invalid authentication credentials")

// Actor is the resolved identity of a request: either a registered principal
// (PrincipalID set) or an anonymous session (SessionID set).
type Actor struct {
	PrincipalID int64
	SessionID   string
	Email       string
	Staff       bool
	Vendor      bool
}

// Authenticated reports whether the actor is a registered principal.
func (a Actor) Authenticated() bool { return a.PrincipalID != 0 }

// Known reports whether the actor carries any identity at all.
func (a Actor) Known() bool { return a.Authenticated() || a.SessionID != "" }

// OwnerKey returns the cart/order ownership key for the actor.
func (a Actor) OwnerKey() string {
	if a.Authenticated() {
		return fmt.Sprintf("user:%d", a.PrincipalID)
	}
	return fmt.Sprintf("session:%s", a.SessionID)
}

// Principal holds the stored identity data for an API key.
type Principal struct {
	ID     int64
	Name   string
	Email  string
	Staff  bool
	Vendor bool
}

// PrincipalRepository provides lookup of principals by the SHA-256 hash of
// their API key.
type PrincipalRepository interface {
	FindByHash(ctx context.Context, hash string) (*Principal, error)
}

// ErrPrincipalNotFound is returned when no principal matches a key hash.
var ErrPrincipalNotFound = errors.New("principal not found")
