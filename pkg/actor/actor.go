// Package actor identifies the user or system performing an action. Every code
// state change and scan is attributed to an actor ID.
package actor

import (
	"context"
	"fmt"
)

// SystemID is the actor ID of background work with no calling user.
const SystemID = "system"

// Actor represents the entity performing an action in the system.
type Actor struct {
	// ID is the identifier recorded on codes and scan log entries
	ID string `json:"id"`

	Email string `json:"email,omitempty"`

	// RoleName is the caller's role as forwarded by the gateway
	RoleName string `json:"role_name,omitempty"`
}

// String returns a string representation of the actor for logging
func (a *Actor) String() string {
	if a == nil {
		return SystemID
	}
	if a.Email == "" {
		return a.ID
	}
	return fmt.Sprintf("%s (%s)", a.ID, a.Email)
}

// IDOrSystem returns the actor ID, or SystemID for a nil actor.
func (a *Actor) IDOrSystem() string {
	if a == nil || a.ID == "" {
		return SystemID
	}
	return a.ID
}

// System returns an actor for a named background process, e.g. "system:inventory-events".
func System(process string) *Actor {
	if process == "" {
		return &Actor{ID: SystemID}
	}
	return &Actor{ID: SystemID + ":" + process}
}

type contextKey string

const actorContextKey contextKey = "actor"

// FromContext retrieves the Actor from the context.
// Returns nil if no actor is present.
func FromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	a, ok := ctx.Value(actorContextKey).(*Actor)
	if !ok {
		return nil
	}
	return a
}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a *Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, a)
}
