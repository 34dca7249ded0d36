// Package uuidv7 mints time-ordered identifiers. Message ids, claim tokens,
// lease ids and in-process ETags all come from here so that lexical order of
// ids follows creation order.
package uuidv7

import (
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value (time-ordered) or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}

// Time extracts the embedded creation time from a UUIDv7 string.
func Time(id string) (time.Time, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}
