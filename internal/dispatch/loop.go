// Package dispatch runs the per-registration loop: hold the address lease,
// claim the next message, hand it to the handler and wait for more.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"pkt.systems/pslog"

	"pkt.systems/attractor/address"
	"pkt.systems/attractor/internal/addressbook"
	"pkt.systems/attractor/internal/clock"
	"pkt.systems/attractor/internal/loggingutil"
	"pkt.systems/attractor/internal/mailbox"
	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/svcfields"
)

// Handler processes one claimed message. Errors are logged and the message
// is left to time out.
type Handler func(ctx context.Context, claim *mailbox.Claim) error

// Config governs one loop.
type Config struct {
	Name          string
	Address       address.Address
	Owner         string
	Visibility    time.Duration
	LeaseTTL      time.Duration
	Heartbeat     time.Duration
	PollInterval  time.Duration
	PollJitter    time.Duration
	MaxInFlight   int
	ShutdownGrace time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	// DisableStoreWatch skips the backend change feed even when available.
	DisableStoreWatch bool
}

// Stats is a point-in-time snapshot of a loop.
type Stats struct {
	Deliveries    int64
	HandlerErrors int64
	StoreFailures int64
	LeaseLosses   int64
	InFlight      int64
	Leased        bool
}

// Loop is one dispatch loop.
type Loop struct {
	mb      *mailbox.Mailbox
	book    *addressbook.Book
	clk     clock.Clock
	handler Handler
	cfg     Config
	logger  pslog.Logger
	metrics *loopMetrics
	tracer  trace.Tracer
	backoff backoff.Strategy

	pollInterval atomic.Int64

	mu    sync.Mutex
	lease *addressbook.Lease

	deliveries    atomic.Int64
	handlerErrors atomic.Int64
	storeFailures atomic.Int64
	leaseLosses   atomic.Int64
	inFlight      atomic.Int64
}

var errLeaseLost = addressbook.ErrLeaseLost

// New constructs a Loop. Call Acquire before Run to surface address
// conflicts synchronously.
func New(mb *mailbox.Mailbox, book *addressbook.Book, clk clock.Clock, handler Handler, cfg Config, logger pslog.Logger) (*Loop, error) {
	if mb == nil || book == nil {
		return nil, fmt.Errorf("dispatch: mailbox and address book required")
	}
	if handler == nil {
		return nil, fmt.Errorf("dispatch: handler required")
	}
	if err := cfg.Address.Validate(); err != nil {
		return nil, err
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("dispatch: owner required")
	}
	applyDefaults(&cfg)
	logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "dispatch").
		With(svcfields.ActorKey, cfg.Name, svcfields.AddressKey, cfg.Address.String())
	l := &Loop{
		mb:      mb,
		book:    book,
		clk:     clock.Or(clk),
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		metrics: newLoopMetrics(logger, cfg.Name),
		tracer:  otel.Tracer("pkt.systems/attractor/dispatch"),
		backoff: backoff.WithTransforms(
			backoff.Exponential(cfg.BackoffMin),
			linger.FullJitter,
			linger.Limiter(0, cfg.BackoffMax),
		),
	}
	l.pollInterval.Store(int64(cfg.PollInterval))
	return l, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = cfg.Address.String()
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = mailbox.DefaultVisibility
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Second
	}
	if cfg.Heartbeat <= 0 || cfg.Heartbeat >= cfg.LeaseTTL {
		cfg.Heartbeat = cfg.LeaseTTL / 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.PollJitter < 0 {
		cfg.PollJitter = 0
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 100 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 5 * time.Second
	}
}

// Name returns the loop's actor name.
func (l *Loop) Name() string { return l.cfg.Name }

// Address returns the address the loop serves.
func (l *Loop) Address() address.Address { return l.cfg.Address }

// SetPollInterval changes the idle poll interval of a running loop.
func (l *Loop) SetPollInterval(d time.Duration) {
	if d > 0 {
		l.pollInterval.Store(int64(d))
	}
}

// Stats returns counters for the loop.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	leased := l.lease != nil
	l.mu.Unlock()
	return Stats{
		Deliveries:    l.deliveries.Load(),
		HandlerErrors: l.handlerErrors.Load(),
		StoreFailures: l.storeFailures.Load(),
		LeaseLosses:   l.leaseLosses.Load(),
		InFlight:      l.inFlight.Load(),
		Leased:        leased,
	}
}

// Acquire registers the address once. It returns
// addressbook.ErrAddressConflict when another process holds it.
func (l *Loop) Acquire(ctx context.Context) error {
	lease, err := l.book.Register(ctx, l.cfg.Address, l.cfg.Owner, l.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	l.setLease(lease)
	l.logger.Info("dispatch.lease.acquired", "expires_at", lease.ExpiresAt)
	return nil
}

func (l *Loop) setLease(lease *addressbook.Lease) {
	l.mu.Lock()
	l.lease = lease
	l.mu.Unlock()
}

func (l *Loop) currentLease() *addressbook.Lease {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lease
}

// Run drives the loop until ctx ends, then drains in-flight handlers for up
// to the shutdown grace and unregisters the lease.
func (l *Loop) Run(ctx context.Context) error {
	if l.currentLease() == nil {
		if !l.reacquire(ctx) {
			return nil
		}
	}
	local := l.mb.Subscribe(l.cfg.Address)
	defer local.Close()
	var storeEvents <-chan struct{}
	if !l.cfg.DisableStoreWatch {
		sub, err := l.mb.WatchStore(l.cfg.Address)
		switch {
		case err == nil:
			defer sub.Close()
			storeEvents = sub.Events()
		case errors.Is(err, storage.ErrNotImplemented):
			l.logger.Debug("dispatch.watch.unavailable")
		default:
			l.logger.Warn("dispatch.watch.error", "error", err)
		}
	}

	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()
	sem := semaphore.NewWeighted(int64(l.cfg.MaxInFlight))
	var wg sync.WaitGroup

	l.logger.Info("dispatch.loop.start", "max_in_flight", l.cfg.MaxInFlight, "visibility", l.cfg.Visibility)
	for ctx.Err() == nil {
		lease := l.currentLease()
		keeperCtx, stopKeeper := context.WithCancel(ctx)
		keeper := addressbook.NewKeeper(l.book, lease, l.cfg.Heartbeat)
		keeperDone := make(chan struct{})
		go func() {
			defer close(keeperDone)
			_ = keeper.Run(keeperCtx)
		}()
		err := l.claimLoop(ctx, handlerCtx, keeper.Lost(), local.C(), &storeEvents, sem, &wg)
		stopKeeper()
		<-keeperDone
		l.setLease(keeper.Lease())
		if !errors.Is(err, errLeaseLost) {
			break
		}
		l.leaseLosses.Add(1)
		l.metrics.inc(ctx, l.metrics.leaseLosses)
		l.setLease(nil)
		if !l.reacquire(ctx) {
			break
		}
	}
	l.drain(cancelHandlers, &wg)
	l.Release(ctx)
	l.logger.Info("dispatch.loop.stop")
	return nil
}

func (l *Loop) claimLoop(ctx, handlerCtx context.Context, lost <-chan struct{}, local <-chan struct{}, storeEvents *<-chan struct{}, sem *semaphore.Weighted, wg *sync.WaitGroup) error {
	counter := backoff.Counter{Strategy: l.backoff}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return errLeaseLost
		default:
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		claim, err := l.mb.ClaimNext(ctx, l.cfg.Address, l.cfg.Visibility)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, storage.ErrUnavailable) {
				l.storeFailures.Add(1)
				l.metrics.inc(ctx, l.metrics.storeFailures)
				l.logger.Warn("dispatch.claim.store_unavailable", "error", err)
			} else {
				l.logger.Error("dispatch.claim.error", "error", err)
			}
			if err := counter.Sleep(ctx, err); err != nil {
				return err
			}
			continue
		}
		counter.Reset()
		if claim == nil {
			sem.Release(1)
			if err := l.idle(ctx, lost, local, storeEvents); err != nil {
				return err
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			l.deliver(handlerCtx, claim)
		}()
	}
}

// idle waits for the next reason to look at the mailbox again.
func (l *Loop) idle(ctx context.Context, lost <-chan struct{}, local <-chan struct{}, storeEvents *<-chan struct{}) error {
	wait := time.Duration(l.pollInterval.Load())
	if l.cfg.PollJitter > 0 {
		wait += rand.N(l.cfg.PollJitter)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-lost:
		return errLeaseLost
	case <-local:
		l.logger.Trace("dispatch.wake", "reason", "local")
	case _, ok := <-*storeEvents:
		if !ok {
			l.logger.Debug("dispatch.watch.closed")
			*storeEvents = nil
			return nil
		}
		l.logger.Trace("dispatch.wake", "reason", "store")
	case <-l.clk.After(wait):
		l.logger.Trace("dispatch.wake", "reason", "poll")
	}
	return nil
}

func (l *Loop) deliver(ctx context.Context, claim *mailbox.Claim) {
	ctx, span := l.tracer.Start(ctx, "attractor.dispatch.deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("attractor.actor", l.cfg.Name),
			attribute.String("attractor.message_id", claim.ID),
			attribute.Int("attractor.attempts", claim.Attempts),
		))
	defer span.End()
	l.deliveries.Add(1)
	l.inFlight.Add(1)
	l.metrics.inc(ctx, l.metrics.deliveries)
	l.metrics.inFlightAdd(ctx, 1)
	defer func() {
		l.inFlight.Add(-1)
		l.metrics.inFlightAdd(ctx, -1)
	}()
	ctx = pslog.ContextWithLogger(ctx, l.logger.With("id", claim.ID, "attempts", claim.Attempts))
	started := l.clk.Now()
	err := l.invoke(ctx, claim)
	l.metrics.observeHandler(ctx, l.clk.Now().Sub(started).Seconds())
	if err != nil {
		l.handlerErrors.Add(1)
		l.metrics.inc(ctx, l.metrics.handlerErrors)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Warn("dispatch.handler.error", "id", claim.ID, "attempts", claim.Attempts, "error", err)
		return
	}
	l.logger.Trace("dispatch.handler.done", "id", claim.ID)
}

func (l *Loop) invoke(ctx context.Context, claim *mailbox.Claim) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: handler panic: %v", r)
		}
	}()
	return l.handler(ctx, claim)
}

// reacquire retries Register every heartbeat until it wins or ctx ends.
func (l *Loop) reacquire(ctx context.Context) bool {
	for {
		err := l.Acquire(ctx)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, addressbook.ErrAddressConflict) {
			l.logger.Debug("dispatch.lease.waiting", "error", err)
		} else {
			l.logger.Warn("dispatch.lease.acquire_failed", "error", err)
		}
		if err := clock.SleepContext(ctx, l.clk, l.cfg.Heartbeat); err != nil {
			return false
		}
	}
}

// drain waits for in-flight handlers up to the shutdown grace, then cancels
// them. Their claims expire on their own.
func (l *Loop) drain(cancel context.CancelFunc, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-l.clk.After(l.cfg.ShutdownGrace):
	}
	l.logger.Warn("dispatch.shutdown.abandon", "in_flight", l.inFlight.Load())
	cancel()
}

// Release unregisters the held lease, if any.
func (l *Loop) Release(ctx context.Context) {
	lease := l.currentLease()
	if lease == nil {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.book.Unregister(releaseCtx, lease); err != nil && !errors.Is(err, addressbook.ErrLeaseLost) {
		l.logger.Warn("dispatch.lease.unregister_failed", "error", err)
	}
	l.setLease(nil)
}
