package mailbox

import (
	"errors"
	"fmt"

	"pkt.systems/attractor/internal/storage"
)

var (
	// ErrClaimExpired is returned when a claim token no longer holds the
	// record: it was redelivered, consumed, or its visibility lapsed.
	ErrClaimExpired = errors.New("mailbox: claim expired")
	// ErrPayloadTooLarge is returned by Enqueue when the payload exceeds the
	// configured limit.
	ErrPayloadTooLarge = errors.New("mailbox: payload too large")
)

// storeError annotates err with op and makes sure transient backend
// failures surface as storage.ErrUnavailable.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrUnavailable) && storage.IsTransient(err) {
		return fmt.Errorf("mailbox: %s: %w: %w", op, storage.ErrUnavailable, err)
	}
	return fmt.Errorf("mailbox: %s: %w", op, err)
}
