// Package mailbox implements durable per-address FIFO queues on top of an
// optimistic object store. Claiming is a conditional write on the record's
// ETag, so two claimants can never both win the same record.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/attractor/address"
	"pkt.systems/attractor/internal/clock"
	"pkt.systems/attractor/internal/loggingutil"
	"pkt.systems/attractor/internal/sealer"
	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/svcfields"
	"pkt.systems/attractor/internal/uuidv7"
	"pkt.systems/attractor/metadata"
)

const (
	// DefaultCollection is the key prefix that holds all mailboxes.
	DefaultCollection = "mailbox"
	// DefaultVisibility applies when ClaimNext receives a non-positive timeout.
	DefaultVisibility = 30 * time.Second
	// DefaultPageSize bounds each listing round trip while scanning for a
	// claimable record.
	DefaultPageSize = 64
)

// Config governs mailbox behaviour.
type Config struct {
	// Namespace is the storage namespace shared with the address book.
	Namespace  string
	Collection string
	// MaxPayloadBytes rejects larger payloads at enqueue time. Zero disables
	// the check.
	MaxPayloadBytes int64
	// MaxAttempts parks a record under the dead-letter prefix once it has
	// been claimed that many times without being consumed. Zero keeps
	// redelivering forever.
	MaxAttempts int
	PageSize    int
	Sealer      *sealer.Sealer
	Logger      pslog.Logger
}

// Mailbox implements enqueue, claim, consume and release.
type Mailbox struct {
	store   storage.Backend
	clk     clock.Clock
	cfg     Config
	logger  pslog.Logger
	metrics *mailboxMetrics

	subsMu sync.Mutex
	subs   map[string]map[*Subscription]struct{}
}

// Claim is a successfully claimed message.
type Claim struct {
	ID         string
	Address    address.Address
	Token      string
	Payload    []byte
	Metadata   metadata.Bag
	Attempts   int
	VisibleAt  time.Time
	EnqueuedAt time.Time
}

// New constructs a Mailbox over store.
func New(store storage.Backend, clk clock.Clock, cfg Config) (*Mailbox, error) {
	if store == nil {
		return nil, fmt.Errorf("mailbox: backend required")
	}
	if strings.TrimSpace(cfg.Namespace) == "" {
		return nil, fmt.Errorf("mailbox: namespace required")
	}
	cfg.Collection = strings.Trim(cfg.Collection, "/")
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	logger := svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "mailbox")
	return &Mailbox{
		store:   store,
		clk:     clock.Or(clk),
		cfg:     cfg,
		logger:  logger,
		metrics: newMailboxMetrics(logger),
		subs:    make(map[string]map[*Subscription]struct{}),
	}, nil
}

// Enqueue persists a new pending record for addr and returns its id.
func (m *Mailbox) Enqueue(ctx context.Context, addr address.Address, payload []byte, md metadata.Bag) (string, error) {
	if err := addr.Validate(); err != nil {
		return "", err
	}
	if m.cfg.MaxPayloadBytes > 0 && int64(len(payload)) > m.cfg.MaxPayloadBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), m.cfg.MaxPayloadBytes)
	}
	id := uuidv7.NewString()
	now := m.clk.Now().UTC()
	bag := md.Clone()
	if err := metadata.Set(&bag, metadata.EnqueuedAt, now); err != nil {
		return "", err
	}
	sealed, descriptor, err := m.cfg.Sealer.Seal(sealContext(m.cfg.Collection, addr, id), payload)
	if err != nil {
		return "", fmt.Errorf("mailbox: enqueue: %w", err)
	}
	rec := Record{
		ID:                id,
		Address:           addr.Encode(),
		Payload:           sealed,
		PayloadDescriptor: descriptor,
		Metadata:          bag,
		State:             StatePending,
		VisibleAt:         now,
		EnqueuedAt:        now,
		UpdatedAt:         now,
	}
	key := messageKey(m.cfg.Collection, addr, id)
	if _, err := storage.PutJSON(ctx, m.store, m.cfg.Namespace, key, &rec, storage.PutObjectOptions{IfNotExists: true}); err != nil {
		if _, ok := m.confirmWrite(ctx, key, err, func(stored *Record) bool { return stored.ID == id }); !ok {
			m.logger.Warn("mailbox.enqueue.error", svcfields.AddressKey, addr.String(), "id", id, "error", err)
			return "", storeError("enqueue", err)
		}
	}
	add(ctx, m.metrics.enqueued)
	m.logger.Trace("mailbox.enqueue", svcfields.AddressKey, addr.String(), "id", id, "bytes", len(payload))
	m.Notify(addr)
	return id, nil
}

// ClaimNext claims the oldest visible record for addr. It returns (nil, nil)
// when nothing is claimable.
func (m *Mailbox) ClaimNext(ctx context.Context, addr address.Address, visibility time.Duration) (*Claim, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	prefix := messagePrefix(m.cfg.Collection, addr)
	startAfter := ""
	for {
		list, err := m.store.ListObjects(ctx, m.cfg.Namespace, storage.ListOptions{
			Prefix:     prefix,
			StartAfter: startAfter,
			Limit:      m.cfg.PageSize,
		})
		if err != nil {
			return nil, storeError("claim list", err)
		}
		for _, obj := range list.Objects {
			claim, err := m.tryClaim(ctx, addr, obj.Key, visibility)
			if err != nil {
				return nil, err
			}
			if claim != nil {
				return claim, nil
			}
		}
		if !list.Truncated || list.NextStartAfter == "" {
			return nil, nil
		}
		startAfter = list.NextStartAfter
	}
}

func (m *Mailbox) tryClaim(ctx context.Context, addr address.Address, key string, visibility time.Duration) (*Claim, error) {
	var rec Record
	etag, err := storage.GetJSON(ctx, m.store, m.cfg.Namespace, key, &rec)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, storeError("claim read", err)
	}
	now := m.clk.Now().UTC()
	if rec.State == StateConsumed {
		m.removeTombstone(ctx, key, etag)
		return nil, nil
	}
	if !rec.Claimable(now) {
		return nil, nil
	}
	if m.cfg.MaxAttempts > 0 && rec.Attempts >= m.cfg.MaxAttempts {
		if err := m.deadLetter(ctx, addr, key, &rec, etag); err != nil {
			return nil, err
		}
		return nil, nil
	}
	rec.State = StateClaimed
	rec.ClaimToken = uuidv7.NewString()
	rec.VisibleAt = now.Add(visibility)
	rec.Attempts++
	rec.UpdatedAt = now
	if rec.Metadata == nil {
		rec.Metadata = metadata.Bag{}
	}
	if err := metadata.Set(&rec.Metadata, metadata.Attempts, rec.Attempts); err != nil {
		return nil, err
	}
	if err := metadata.Set(&rec.Metadata, metadata.ClaimedAt, now); err != nil {
		return nil, err
	}
	if _, err := storage.PutJSON(ctx, m.store, m.cfg.Namespace, key, &rec, storage.PutObjectOptions{ExpectedETag: etag}); err != nil {
		token := rec.ClaimToken
		_, ours := m.confirmWrite(ctx, key, err, func(stored *Record) bool {
			return stored.State == StateClaimed && stored.ClaimToken == token
		})
		switch {
		case ours:
		case errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound):
			add(ctx, m.metrics.claimConflict)
			m.logger.Debug("mailbox.claim.cas_lost", svcfields.AddressKey, addr.String(), "id", rec.ID)
			return nil, nil
		default:
			return nil, storeError("claim", err)
		}
	}
	payload, err := m.cfg.Sealer.Open(sealContext(m.cfg.Collection, addr, rec.ID), rec.PayloadDescriptor, rec.Payload)
	if err != nil {
		// The claim stands and lapses like any unhandled delivery.
		return nil, fmt.Errorf("mailbox: open payload %s: %w", rec.ID, err)
	}
	add(ctx, m.metrics.claimed)
	m.logger.Trace("mailbox.claim", svcfields.AddressKey, addr.String(), "id", rec.ID, "attempts", rec.Attempts)
	return &Claim{
		ID:         rec.ID,
		Address:    addr,
		Token:      rec.ClaimToken,
		Payload:    payload,
		Metadata:   rec.Metadata.Clone(),
		Attempts:   rec.Attempts,
		VisibleAt:  rec.VisibleAt,
		EnqueuedAt: rec.EnqueuedAt,
	}, nil
}

// loadClaimed reads the record and checks that token still holds it.
func (m *Mailbox) loadClaimed(ctx context.Context, addr address.Address, id, token, op string) (string, *Record, string, error) {
	if err := addr.Validate(); err != nil {
		return "", nil, "", err
	}
	if id == "" || token == "" {
		return "", nil, "", ErrClaimExpired
	}
	key := messageKey(m.cfg.Collection, addr, id)
	var rec Record
	etag, err := storage.GetJSON(ctx, m.store, m.cfg.Namespace, key, &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil, "", ErrClaimExpired
	}
	if err != nil {
		return "", nil, "", storeError(op, err)
	}
	if rec.State != StateClaimed || rec.ClaimToken != token || clock.Expired(m.clk, rec.VisibleAt) {
		return "", nil, "", ErrClaimExpired
	}
	return key, &rec, etag, nil
}

// Consume finalizes the record claimed under token. Once Consume returns nil
// the record is never delivered again.
func (m *Mailbox) Consume(ctx context.Context, addr address.Address, id, token string) error {
	key, rec, etag, err := m.loadClaimed(ctx, addr, id, token, "consume")
	if err != nil {
		return err
	}
	rec.State = StateConsumed
	rec.UpdatedAt = m.clk.Now().UTC()
	tombstoneETag, err := storage.PutJSON(ctx, m.store, m.cfg.Namespace, key, rec, storage.PutObjectOptions{ExpectedETag: etag})
	if err != nil {
		stored, ours := m.confirmWrite(ctx, key, err, func(stored *Record) bool {
			return stored.State == StateConsumed && stored.ClaimToken == token
		})
		switch {
		case ours:
			tombstoneETag = stored
		case errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound):
			return ErrClaimExpired
		default:
			return storeError("consume", err)
		}
	}
	m.removeTombstone(ctx, key, tombstoneETag)
	add(ctx, m.metrics.consumed)
	m.logger.Trace("mailbox.consume", svcfields.AddressKey, addr.String(), "id", id)
	return nil
}

// Release returns the claimed record to pending so it can be claimed again
// immediately. lastError is recorded on the record when non-empty.
func (m *Mailbox) Release(ctx context.Context, addr address.Address, id, token, lastError string) error {
	key, rec, etag, err := m.loadClaimed(ctx, addr, id, token, "release")
	if err != nil {
		return err
	}
	now := m.clk.Now().UTC()
	rec.State = StatePending
	rec.ClaimToken = ""
	rec.VisibleAt = now
	rec.UpdatedAt = now
	if lastError != "" {
		rec.LastError = lastError
	}
	if _, err := storage.PutJSON(ctx, m.store, m.cfg.Namespace, key, rec, storage.PutObjectOptions{ExpectedETag: etag}); err != nil {
		_, ours := m.confirmWrite(ctx, key, err, func(stored *Record) bool {
			return stored.State == StatePending && stored.ClaimToken == "" && stored.UpdatedAt.Equal(now)
		})
		switch {
		case ours:
		case errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound):
			return ErrClaimExpired
		default:
			return storeError("release", err)
		}
	}
	add(ctx, m.metrics.released)
	m.logger.Trace("mailbox.release", svcfields.AddressKey, addr.String(), "id", id)
	m.Notify(addr)
	return nil
}

// Extend pushes the visibility deadline of a held claim to now+d and returns
// the new deadline.
func (m *Mailbox) Extend(ctx context.Context, addr address.Address, id, token string, d time.Duration) (time.Time, error) {
	if d <= 0 {
		d = DefaultVisibility
	}
	key, rec, etag, err := m.loadClaimed(ctx, addr, id, token, "extend")
	if err != nil {
		return time.Time{}, err
	}
	now := m.clk.Now().UTC()
	rec.VisibleAt = now.Add(d)
	rec.UpdatedAt = now
	if _, err := storage.PutJSON(ctx, m.store, m.cfg.Namespace, key, rec, storage.PutObjectOptions{ExpectedETag: etag}); err != nil {
		_, ours := m.confirmWrite(ctx, key, err, func(stored *Record) bool {
			return stored.State == StateClaimed && stored.ClaimToken == token && stored.VisibleAt.Equal(rec.VisibleAt)
		})
		switch {
		case ours:
		case errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound):
			return time.Time{}, ErrClaimExpired
		default:
			return time.Time{}, storeError("extend", err)
		}
	}
	return rec.VisibleAt, nil
}

// Peek returns up to limit records for addr in id order without changing
// them. Consumed tombstones are skipped.
func (m *Mailbox) Peek(ctx context.Context, addr address.Address, limit int) ([]Record, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = m.cfg.PageSize
	}
	out := make([]Record, 0, limit)
	startAfter := ""
	for len(out) < limit {
		list, err := m.store.ListObjects(ctx, m.cfg.Namespace, storage.ListOptions{
			Prefix:     messagePrefix(m.cfg.Collection, addr),
			StartAfter: startAfter,
			Limit:      m.cfg.PageSize,
		})
		if err != nil {
			return nil, storeError("peek", err)
		}
		for _, obj := range list.Objects {
			var rec Record
			if _, err := storage.GetJSON(ctx, m.store, m.cfg.Namespace, obj.Key, &rec); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return nil, storeError("peek", err)
			}
			if rec.State == StateConsumed {
				continue
			}
			payload, err := m.cfg.Sealer.Open(sealContext(m.cfg.Collection, addr, rec.ID), rec.PayloadDescriptor, rec.Payload)
			if err != nil {
				return nil, fmt.Errorf("mailbox: open payload %s: %w", rec.ID, err)
			}
			rec.Payload = payload
			rec.PayloadDescriptor = nil
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
		if !list.Truncated || list.NextStartAfter == "" {
			break
		}
		startAfter = list.NextStartAfter
	}
	return out, nil
}

// Depth counts the records waiting for addr, claimed ones included.
// Consumed tombstones are not counted.
func (m *Mailbox) Depth(ctx context.Context, addr address.Address) (int, error) {
	if err := addr.Validate(); err != nil {
		return 0, err
	}
	total := 0
	startAfter := ""
	for {
		list, err := m.store.ListObjects(ctx, m.cfg.Namespace, storage.ListOptions{
			Prefix:     messagePrefix(m.cfg.Collection, addr),
			StartAfter: startAfter,
			Limit:      m.cfg.PageSize,
		})
		if err != nil {
			return 0, storeError("depth", err)
		}
		for _, obj := range list.Objects {
			var rec Record
			if _, err := storage.GetJSON(ctx, m.store, m.cfg.Namespace, obj.Key, &rec); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return 0, storeError("depth", err)
			}
			if rec.State != StateConsumed {
				total++
			}
		}
		if !list.Truncated || list.NextStartAfter == "" {
			return total, nil
		}
		startAfter = list.NextStartAfter
	}
}

// DeadLetters lists the ids parked under the dead-letter prefix for addr.
func (m *Mailbox) DeadLetters(ctx context.Context, addr address.Address) ([]string, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	var ids []string
	startAfter := ""
	for {
		list, err := m.store.ListObjects(ctx, m.cfg.Namespace, storage.ListOptions{
			Prefix:     deadLetterPrefix(m.cfg.Collection, addr),
			StartAfter: startAfter,
			Limit:      m.cfg.PageSize,
		})
		if err != nil {
			return nil, storeError("dead letters", err)
		}
		for _, obj := range list.Objects {
			ids = append(ids, idFromKey(obj.Key))
		}
		if !list.Truncated || list.NextStartAfter == "" {
			return ids, nil
		}
		startAfter = list.NextStartAfter
	}
}

func (m *Mailbox) deadLetter(ctx context.Context, addr address.Address, key string, rec *Record, etag string) error {
	now := m.clk.Now().UTC()
	dead := *rec
	dead.State = StateDead
	dead.ClaimToken = ""
	dead.UpdatedAt = now
	dead.LastError = fmt.Sprintf("max attempts exceeded (%d)", rec.Attempts)
	deadKey := deadLetterKey(m.cfg.Collection, addr, rec.ID)
	if _, err := storage.PutJSON(ctx, m.store, m.cfg.Namespace, deadKey, &dead, storage.PutObjectOptions{IfNotExists: true}); err != nil && !errors.Is(err, storage.ErrCASMismatch) {
		return storeError("dead letter", err)
	}
	if err := m.store.DeleteObject(ctx, m.cfg.Namespace, key, storage.DeleteObjectOptions{ExpectedETag: etag}); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return storeError("dead letter", err)
	}
	add(ctx, m.metrics.deadLettered)
	m.logger.Warn("mailbox.claim.dead_letter", svcfields.AddressKey, addr.String(), "id", rec.ID, "attempts", rec.Attempts)
	return nil
}

// confirmWrite reads key back after a conditional write failed. A retried
// write whose first attempt committed fails against its own result; ours
// recognises that result. It returns the stored ETag and whether ours matched.
func (m *Mailbox) confirmWrite(ctx context.Context, key string, writeErr error, ours func(*Record) bool) (string, bool) {
	if !errors.Is(writeErr, storage.ErrCASMismatch) {
		return "", false
	}
	var stored Record
	etag, err := storage.GetJSON(ctx, m.store, m.cfg.Namespace, key, &stored)
	if err != nil {
		return "", false
	}
	return etag, ours(&stored)
}

func (m *Mailbox) removeTombstone(ctx context.Context, key, etag string) {
	err := m.store.DeleteObject(ctx, m.cfg.Namespace, key, storage.DeleteObjectOptions{ExpectedETag: etag, IgnoreNotFound: true})
	if err != nil && !errors.Is(err, storage.ErrCASMismatch) {
		m.logger.Debug("mailbox.consume.cleanup_deferred", "key", key, "error", err)
	}
}

// WatchStore subscribes to backend change notifications for addr. It
// returns storage.ErrNotImplemented when the backend has no change feed.
func (m *Mailbox) WatchStore(addr address.Address) (storage.ChangeSubscription, error) {
	feed, ok := m.store.(storage.ChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	return feed.SubscribeChanges(m.cfg.Namespace, messagePrefix(m.cfg.Collection, addr))
}
