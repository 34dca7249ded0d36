package attractor

import (
	"errors"

	"pkt.systems/attractor/internal/addressbook"
	"pkt.systems/attractor/internal/mailbox"
	"pkt.systems/attractor/internal/storage"
)

var (
	// ErrStoreUnavailable reports that the message store could not be
	// reached after retrying.
	ErrStoreUnavailable = storage.ErrUnavailable
	// ErrClaimExpired reports that a claim token no longer matches the record
	// or that its visibility window has lapsed.
	ErrClaimExpired = mailbox.ErrClaimExpired
	// ErrLeaseLost reports that an address lease was taken over or removed.
	ErrLeaseLost = addressbook.ErrLeaseLost
	// ErrAddressConflict reports that another owner holds a live lease on the
	// address.
	ErrAddressConflict = addressbook.ErrAddressConflict
	// ErrAlreadyConsumed is returned by ReceivedMessage.Consume and Release
	// once the delivery has been settled.
	ErrAlreadyConsumed = errors.New("attractor: message already consumed")
	// ErrPayloadTooLarge rejects payloads above Config.MaxPayloadBytes.
	ErrPayloadTooLarge = mailbox.ErrPayloadTooLarge
	// ErrHostStarted rejects registrations after Start.
	ErrHostStarted = errors.New("attractor: host already started")
	// ErrHostClosed is returned by operations on a host that has shut down.
	ErrHostClosed = errors.New("attractor: host closed")
)
