package attractor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/attractor/address"
	"pkt.systems/attractor/internal/uuidv7"
	"pkt.systems/attractor/metadata"
)

// Inspector reads the address book and mailboxes of a store without serving
// or sending.
type Inspector struct {
	rt        *hostRuntime
	closeOnce sync.Once
	closeErr  error
}

// AddressEntry is one address book record.
type AddressEntry struct {
	Address      address.Address
	Owner        string
	Host         string
	ExpiresAt    time.Time
	RegisteredAt time.Time
	// Live is false when the lease has lapsed and the address is free to take.
	Live bool
}

// MessageInfo describes a stored message.
type MessageInfo struct {
	ID string
	// Address is decoded from the record itself, not from the listing key.
	Address address.Address
	// MintedAt is the creation time embedded in the id by the sending host.
	MintedAt   time.Time
	State      string
	Attempts   int
	Size       int
	VisibleAt  time.Time
	EnqueuedAt time.Time
	LastError  string
	Metadata   metadata.Bag
}

// OpenInspector opens the store named by cfg for read-only inspection.
func OpenInspector(cfg Config, opts ...Option) (*Inspector, error) {
	cfgCopy := cfg
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	rt, err := openRuntime(context.Background(), cfgCopy, collectOptions(opts))
	if err != nil {
		return nil, err
	}
	return &Inspector{rt: rt}, nil
}

// Resolve reports the live owner of addr, if any.
func (i *Inspector) Resolve(ctx context.Context, addr address.Address) (string, bool, error) {
	return i.rt.book.Resolve(ctx, addr)
}

// Addresses lists every address book entry in key order.
func (i *Inspector) Addresses(ctx context.Context) ([]AddressEntry, error) {
	entries, err := i.rt.book.List(ctx)
	if err != nil {
		return nil, err
	}
	now := i.rt.clock.Now()
	out := make([]AddressEntry, 0, len(entries))
	for _, e := range entries {
		addr, err := address.Decode(e.Address)
		if err != nil {
			i.rt.logger.Warn("inspector.address.undecodable", "address", e.Address, "error", err)
			continue
		}
		out = append(out, AddressEntry{
			Address:      addr,
			Owner:        e.Owner,
			Host:         e.Host,
			ExpiresAt:    e.ExpiresAt,
			RegisteredAt: e.RegisteredAt,
			Live:         e.ExpiresAt.After(now),
		})
	}
	return out, nil
}

// Peek returns up to limit messages waiting for addr without claiming them.
func (i *Inspector) Peek(ctx context.Context, addr address.Address, limit int) ([]MessageInfo, error) {
	records, err := i.rt.mailbox.Peek(ctx, addr, limit)
	if err != nil {
		return nil, err
	}
	out := make([]MessageInfo, 0, len(records))
	for _, rec := range records {
		owner, err := rec.Addr()
		if err != nil {
			return nil, fmt.Errorf("attractor: message %s: %w", rec.ID, err)
		}
		minted, _ := uuidv7.Time(rec.ID)
		out = append(out, MessageInfo{
			ID:         rec.ID,
			Address:    owner,
			MintedAt:   minted,
			State:      string(rec.State),
			Attempts:   rec.Attempts,
			Size:       len(rec.Payload),
			VisibleAt:  rec.VisibleAt,
			EnqueuedAt: rec.EnqueuedAt,
			LastError:  rec.LastError,
			Metadata:   rec.Metadata,
		})
	}
	return out, nil
}

// Depth counts the messages stored for addr, claimed ones included.
func (i *Inspector) Depth(ctx context.Context, addr address.Address) (int, error) {
	return i.rt.mailbox.Depth(ctx, addr)
}

// DeadLetters lists the ids of messages parked after exhausting
// Config.MaxAttempts.
func (i *Inspector) DeadLetters(ctx context.Context, addr address.Address) ([]string, error) {
	return i.rt.mailbox.DeadLetters(ctx, addr)
}

// Close releases the store.
func (i *Inspector) Close() error {
	i.closeOnce.Do(func() {
		i.closeErr = i.rt.close()
	})
	return i.closeErr
}
