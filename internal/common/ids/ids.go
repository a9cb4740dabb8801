// Package ids generates identifiers for Agor entities.
package ids

import "github.com/google/uuid"

// New returns a time-ordered UUIDv7 string. Falls back to a random v4
// when v7 generation fails (entropy exhaustion).
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
