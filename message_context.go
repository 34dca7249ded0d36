package attractor

import (
	"context"
	"sync"
	"time"

	"pkt.systems/attractor/address"
	"pkt.systems/attractor/internal/mailbox"
	"pkt.systems/attractor/metadata"
)

// Handler processes one delivered message. A returned error is logged and the
// message is left to reappear once its visibility timeout lapses. Handlers
// settle a delivery through msg.Received().
type Handler func(ctx context.Context, msg *MessageContext) error

// MessageContext is what a Handler receives for each delivery.
type MessageContext struct {
	ID       string
	Address  address.Address
	Payload  []byte
	Metadata metadata.Bag
	// Features carries in-process capabilities for this delivery, among them
	// the *ReceivedMessage used to settle it.
	Features *metadata.Features
}

// Received returns the delivery's *ReceivedMessage feature.
func (m *MessageContext) Received() *ReceivedMessage {
	r, _ := metadata.Feature[*ReceivedMessage](m.Features)
	return r
}

type settlement int

const (
	unsettled settlement = iota
	consumed
	released
)

// ReceivedMessage settles one delivery. It is safe for concurrent use.
type ReceivedMessage struct {
	mb    *mailbox.Mailbox
	claim *mailbox.Claim

	mu        sync.Mutex
	state     settlement
	visibleAt time.Time
}

func newReceivedMessage(mb *mailbox.Mailbox, claim *mailbox.Claim) *ReceivedMessage {
	return &ReceivedMessage{mb: mb, claim: claim, visibleAt: claim.VisibleAt}
}

// Consume removes the message for good. A second call on the same delivery
// returns ErrAlreadyConsumed; a claim that already lapsed returns
// ErrClaimExpired.
func (r *ReceivedMessage) Consume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case consumed:
		return ErrAlreadyConsumed
	case released:
		return ErrClaimExpired
	}
	if err := r.mb.Consume(ctx, r.claim.Address, r.claim.ID, r.claim.Token); err != nil {
		return err
	}
	r.state = consumed
	return nil
}

// Release hands the message back so it can be claimed again immediately.
func (r *ReceivedMessage) Release(ctx context.Context) error {
	return r.ReleaseWithError(ctx, "")
}

// ReleaseWithError is Release that also records reason on the message.
func (r *ReceivedMessage) ReleaseWithError(ctx context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case consumed:
		return ErrAlreadyConsumed
	case released:
		return ErrClaimExpired
	}
	if err := r.mb.Release(ctx, r.claim.Address, r.claim.ID, r.claim.Token, reason); err != nil {
		return err
	}
	r.state = released
	return nil
}

// Extend keeps the claim for d more, measured from now, and returns the new
// visibility deadline.
func (r *ReceivedMessage) Extend(ctx context.Context, d time.Duration) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case consumed:
		return time.Time{}, ErrAlreadyConsumed
	case released:
		return time.Time{}, ErrClaimExpired
	}
	until, err := r.mb.Extend(ctx, r.claim.Address, r.claim.ID, r.claim.Token, d)
	if err != nil {
		return time.Time{}, err
	}
	r.visibleAt = until
	return until, nil
}

// Attempts is the number of times the message has been claimed, this
// delivery included.
func (r *ReceivedMessage) Attempts() int { return r.claim.Attempts }

// VisibleUntil is the current claim deadline.
func (r *ReceivedMessage) VisibleUntil() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visibleAt
}

// EnqueuedAt is when the message was sent.
func (r *ReceivedMessage) EnqueuedAt() time.Time { return r.claim.EnqueuedAt }

func newMessageContext(mb *mailbox.Mailbox, claim *mailbox.Claim) *MessageContext {
	features := metadata.NewFeatures()
	metadata.SetFeature(features, newReceivedMessage(mb, claim))
	return &MessageContext{
		ID:       claim.ID,
		Address:  claim.Address,
		Payload:  claim.Payload,
		Metadata: claim.Metadata,
		Features: features,
	}
}
