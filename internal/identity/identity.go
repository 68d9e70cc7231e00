// Package identity assigns the global identifiers that records carry across
// nodes. Identifiers are random 128-bit UUIDs, so no coordination between
// nodes is needed.
package identity

import (
	"github.com/google/uuid"
)

// Assign returns a new global id.
func Assign() string {
	return uuid.New().String()
}

// Valid reports whether id is a well-formed global id.
func Valid(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.String() == id
}
