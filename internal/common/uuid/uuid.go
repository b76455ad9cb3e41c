// Package uuid wraps github.com/google/uuid with UUIDv7 as the default
// version. Request and entity identifiers are time-ordered so they sort
// chronologically in logs and indexes.
package uuid

import (
	"github.com/google/uuid"
)

// UUID is aliased from github.com/google/uuid.UUID.
type UUID = uuid.UUID

// NewRandom returns a new UUIDv7 and any error encountered during generation.
func NewRandom() (UUID, error) {
	return uuid.NewV7()
}

// New returns a new UUIDv7. Panics if generation fails.
func New() UUID {
	u, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return u
}

// Parse parses a UUID string. Returns an error if the string is not a valid
// UUID.
func Parse(s string) (UUID, error) {
	return uuid.Parse(s)
}

// Nil is the zero UUID value.
var Nil = uuid.Nil
