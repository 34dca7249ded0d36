// Package addressbook records which process owns each address. Ownership is
// an exclusive lease kept alive by heartbeats; an expired lease can be taken
// over by anyone.
package addressbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/attractor/address"
	"pkt.systems/attractor/internal/clock"
	"pkt.systems/attractor/internal/loggingutil"
	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/svcfields"
	"pkt.systems/attractor/internal/uuidv7"
)

const (
	// DefaultCollection is the key prefix that holds address book entries.
	DefaultCollection = "addressBook"
	listLimit         = 512
	maxCASRounds      = 8
)

var (
	// ErrAddressConflict is returned when another owner holds a live lease.
	ErrAddressConflict = errors.New("addressbook: address owned by another process")
	// ErrLeaseLost is returned when a lease was taken over or removed.
	ErrLeaseLost = errors.New("addressbook: lease lost")
)

// Entry is the persisted ownership record of one address.
type Entry struct {
	Address      string    `json:"address"`
	Owner        string    `json:"owner"`
	Host         string    `json:"host,omitempty"`
	LeaseID      string    `json:"lease_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Lease is a held ownership of an address.
type Lease struct {
	Address   address.Address
	Owner     string
	LeaseID   string
	TTL       time.Duration
	ExpiresAt time.Time
}

// Config governs the address book.
type Config struct {
	Namespace  string
	Collection string
	// Host is recorded on entries for diagnostics.
	Host   string
	Logger pslog.Logger
}

// Book is the address book.
type Book struct {
	store  storage.Backend
	clk    clock.Clock
	cfg    Config
	logger pslog.Logger
}

// New constructs a Book over store.
func New(store storage.Backend, clk clock.Clock, cfg Config) (*Book, error) {
	if store == nil {
		return nil, fmt.Errorf("addressbook: backend required")
	}
	if strings.TrimSpace(cfg.Namespace) == "" {
		return nil, fmt.Errorf("addressbook: namespace required")
	}
	cfg.Collection = strings.Trim(cfg.Collection, "/")
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	return &Book{
		store:  store,
		clk:    clock.Or(clk),
		cfg:    cfg,
		logger: svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "addressbook"),
	}, nil
}

func (b *Book) entryKey(addr address.Address) string {
	return b.cfg.Collection + "/" + addr.Encode()
}

// Register claims addr for owner. It renews the entry when owner already
// holds it, takes over an expired lease and fails with ErrAddressConflict
// while a different owner holds a live one.
func (b *Book) Register(ctx context.Context, addr address.Address, owner string, ttl time.Duration) (*Lease, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("addressbook: owner required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("addressbook: ttl must be > 0")
	}
	key := b.entryKey(addr)
	for range maxCASRounds {
		now := b.clk.Now().UTC()
		var current Entry
		etag, err := storage.GetJSON(ctx, b.store, b.cfg.Namespace, key, &current)
		opts := storage.PutObjectOptions{}
		entry := Entry{
			Address:      addr.Encode(),
			Owner:        owner,
			Host:         b.cfg.Host,
			LeaseID:      uuidv7.NewString(),
			ExpiresAt:    now.Add(ttl),
			RegisteredAt: now,
			UpdatedAt:    now,
		}
		switch {
		case errors.Is(err, storage.ErrNotFound):
			opts.IfNotExists = true
		case err != nil:
			return nil, storeError("register", err)
		case current.Owner == owner:
			entry.RegisteredAt = current.RegisteredAt
			opts.ExpectedETag = etag
		case clock.Expired(b.clk, current.ExpiresAt):
			b.logger.Info("addressbook.lease.takeover",
				svcfields.AddressKey, addr.String(), svcfields.OwnerKey, owner, "previous_owner", current.Owner)
			opts.ExpectedETag = etag
		default:
			return nil, fmt.Errorf("%w: %q held by %s until %s",
				ErrAddressConflict, addr.String(), current.Owner, current.ExpiresAt.Format(time.RFC3339))
		}
		_, err = storage.PutJSON(ctx, b.store, b.cfg.Namespace, key, &entry, opts)
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, storeError("register", err)
		}
		b.logger.Debug("addressbook.register",
			svcfields.AddressKey, addr.String(), svcfields.OwnerKey, owner, "lease_id", entry.LeaseID, "expires_at", entry.ExpiresAt)
		return &Lease{
			Address:   addr,
			Owner:     owner,
			LeaseID:   entry.LeaseID,
			TTL:       ttl,
			ExpiresAt: entry.ExpiresAt,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q contended", ErrAddressConflict, addr.String())
}

// Renew extends lease by its TTL. It fails with ErrLeaseLost when the entry
// is gone or now carries a different lease.
func (b *Book) Renew(ctx context.Context, lease *Lease) (*Lease, error) {
	if lease == nil {
		return nil, ErrLeaseLost
	}
	key := b.entryKey(lease.Address)
	var current Entry
	etag, err := storage.GetJSON(ctx, b.store, b.cfg.Namespace, key, &current)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, storeError("renew", err)
	}
	if current.LeaseID != lease.LeaseID || current.Owner != lease.Owner {
		return nil, ErrLeaseLost
	}
	now := b.clk.Now().UTC()
	current.ExpiresAt = now.Add(lease.TTL)
	current.UpdatedAt = now
	_, err = storage.PutJSON(ctx, b.store, b.cfg.Namespace, key, &current, storage.PutObjectOptions{ExpectedETag: etag})
	if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, storeError("renew", err)
	}
	renewed := *lease
	renewed.ExpiresAt = current.ExpiresAt
	return &renewed, nil
}

// Unregister removes the entry when lease still holds it.
func (b *Book) Unregister(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	key := b.entryKey(lease.Address)
	var current Entry
	etag, err := storage.GetJSON(ctx, b.store, b.cfg.Namespace, key, &current)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError("unregister", err)
	}
	if current.LeaseID != lease.LeaseID {
		return ErrLeaseLost
	}
	err = b.store.DeleteObject(ctx, b.cfg.Namespace, key, storage.DeleteObjectOptions{ExpectedETag: etag, IgnoreNotFound: true})
	if errors.Is(err, storage.ErrCASMismatch) {
		return ErrLeaseLost
	}
	if err != nil {
		return storeError("unregister", err)
	}
	b.logger.Debug("addressbook.unregister", svcfields.AddressKey, lease.Address.String(), svcfields.OwnerKey, lease.Owner)
	return nil
}

// Lookup returns the live entry for addr. Expired entries resolve to none.
func (b *Book) Lookup(ctx context.Context, addr address.Address) (*Entry, bool, error) {
	if err := addr.Validate(); err != nil {
		return nil, false, err
	}
	var entry Entry
	_, err := storage.GetJSON(ctx, b.store, b.cfg.Namespace, b.entryKey(addr), &entry)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeError("resolve", err)
	}
	if clock.Expired(b.clk, entry.ExpiresAt) {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Resolve returns the owner of addr when a live lease exists.
func (b *Book) Resolve(ctx context.Context, addr address.Address) (string, bool, error) {
	entry, ok, err := b.Lookup(ctx, addr)
	if err != nil || !ok {
		return "", ok, err
	}
	return entry.Owner, true, nil
}

// List returns every entry, live or expired, in key order.
func (b *Book) List(ctx context.Context) ([]Entry, error) {
	var (
		entries    []Entry
		startAfter string
	)
	for {
		list, err := b.store.ListObjects(ctx, b.cfg.Namespace, storage.ListOptions{
			Prefix:     b.cfg.Collection + "/",
			StartAfter: startAfter,
			Limit:      listLimit,
		})
		if err != nil {
			return nil, storeError("list", err)
		}
		for _, obj := range list.Objects {
			var entry Entry
			if _, err := storage.GetJSON(ctx, b.store, b.cfg.Namespace, obj.Key, &entry); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return nil, storeError("list", err)
			}
			entries = append(entries, entry)
		}
		if !list.Truncated || list.NextStartAfter == "" {
			return entries, nil
		}
		startAfter = list.NextStartAfter
	}
}

func storeError(op string, err error) error {
	if !errors.Is(err, storage.ErrUnavailable) && storage.IsTransient(err) {
		return fmt.Errorf("addressbook: %s: %w: %w", op, storage.ErrUnavailable, err)
	}
	return fmt.Errorf("addressbook: %s: %w", op, err)
}
