// Package identity generates the ephemeral token a peer attaches to every
// signaling envelope it sends.
package identity

import "github.com/google/uuid"

// ID is a per-session peer identity. It is never persisted and only needs to
// be unique among the peers of one room.
type ID string

// New returns a fresh random identity.
func New() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string {
	return string(id)
}

// Matches reports whether sender names this identity.
func (id ID) Matches(sender string) bool {
	return id != "" && string(id) == sender
}
