package addressbook

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/attractor/internal/clock"
	"pkt.systems/attractor/internal/svcfields"
)

// Keeper renews a lease every interval until its context ends or the lease
// is lost.
type Keeper struct {
	book     *Book
	interval time.Duration

	mu    sync.RWMutex
	lease *Lease

	lost     chan struct{}
	lostOnce sync.Once
}

// NewKeeper returns a Keeper for lease. A non-positive interval defaults to
// a third of the lease TTL.
func NewKeeper(book *Book, lease *Lease, interval time.Duration) *Keeper {
	if interval <= 0 {
		interval = lease.TTL / 3
	}
	return &Keeper{
		book:     book,
		interval: interval,
		lease:    lease,
		lost:     make(chan struct{}),
	}
}

// Lease returns the most recently renewed lease.
func (k *Keeper) Lease() *Lease {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.lease
}

// Lost is closed once the lease can no longer be held.
func (k *Keeper) Lost() <-chan struct{} { return k.lost }

// Run renews until ctx ends (returning ctx.Err()) or the lease is lost
// (returning ErrLeaseLost). Store failures are retried on the next tick for
// as long as the lease has not expired locally.
func (k *Keeper) Run(ctx context.Context) error {
	logger := k.book.logger
	for {
		if err := clock.SleepContext(ctx, k.book.clk, k.interval); err != nil {
			return err
		}
		current := k.Lease()
		renewed, err := k.book.Renew(ctx, current)
		switch {
		case err == nil:
			k.mu.Lock()
			k.lease = renewed
			k.mu.Unlock()
			logger.Trace("addressbook.lease.renewed",
				svcfields.AddressKey, current.Address.String(), "expires_at", renewed.ExpiresAt)
		case errors.Is(err, ErrLeaseLost):
			logger.Warn("addressbook.lease.lost", svcfields.AddressKey, current.Address.String(), svcfields.OwnerKey, current.Owner)
			k.markLost()
			return ErrLeaseLost
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			logger.Warn("addressbook.lease.renew_failed", svcfields.AddressKey, current.Address.String(), "error", err)
			if clock.Expired(k.book.clk, current.ExpiresAt) {
				logger.Warn("addressbook.lease.lost", svcfields.AddressKey, current.Address.String(), "reason", "expired while store unreachable")
				k.markLost()
				return ErrLeaseLost
			}
		}
	}
}

func (k *Keeper) markLost() {
	k.lostOnce.Do(func() { close(k.lost) })
}
