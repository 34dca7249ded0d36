package attractor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"

	"pkt.systems/attractor/address"
	"pkt.systems/attractor/internal/addressbook"
	"pkt.systems/attractor/internal/clock"
	"pkt.systems/attractor/internal/dispatch"
	"pkt.systems/attractor/internal/hostinfo"
	"pkt.systems/attractor/internal/httpapi"
	"pkt.systems/attractor/internal/loggingutil"
	"pkt.systems/attractor/internal/mailbox"
	"pkt.systems/attractor/internal/sealer"
	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/svcfields"
)

// Option customises New and NewOutbox.
type Option func(*options)

type options struct {
	logger  pslog.Logger
	backend storage.Backend
	clock   clock.Clock
	owner   string
}

// WithLogger supplies the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithBackend injects an already-open store; cfg.Store is ignored and the
// caller keeps ownership of the backend.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithClock overrides the clock used for claims, leases and polling.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithOwner overrides the address book owner identity.
func WithOwner(owner string) Option {
	return func(o *options) {
		o.owner = owner
	}
}

func collectOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// hostRuntime is the store-backed core shared by Host and NewOutbox.
type hostRuntime struct {
	logger      pslog.Logger
	clock       clock.Clock
	info        hostinfo.Info
	owner       string
	backend     storage.Backend
	ownsBackend bool
	mailbox     *mailbox.Mailbox
	book        *addressbook.Book
}

func openRuntime(ctx context.Context, cfg Config, o options) (*hostRuntime, error) {
	logger := loggingutil.EnsureLogger(o.logger)
	clk := clock.Or(o.clock)
	info, err := hostinfo.Collect(ctx)
	if err != nil {
		logger.Warn("host.info.incomplete", "error", err)
	}
	owner := o.owner
	if owner == "" {
		owner = cfg.Owner
	}
	if owner == "" {
		owner = fmt.Sprintf("%s/%d/%s", info.Hostname, info.PID, xid.New().String())
	}
	logger = logger.With(svcfields.OwnerKey, owner)

	var seal *sealer.Sealer
	if cfg.KeystorePath != "" {
		seal, err = sealer.FromKeystore(cfg.KeystorePath, cfg.SealSnappy)
		if err != nil {
			return nil, fmt.Errorf("attractor: load keystore: %w", err)
		}
		logger.Info("host.sealing.enabled", "keystore", cfg.KeystorePath, "snappy", cfg.SealSnappy)
	}

	rt := &hostRuntime{logger: logger, clock: clk, info: info, owner: owner}
	if o.backend != nil {
		rt.backend = decorateBackend(o.backend, cfg, clk, logger)
	} else {
		rt.backend, err = openStore(ctx, cfg, clk, logger)
		if err != nil {
			return nil, err
		}
		rt.ownsBackend = true
	}
	rt.mailbox, err = mailbox.New(rt.backend, clk, mailbox.Config{
		Namespace:       cfg.MailboxNamespace,
		Collection:      cfg.MailboxCollection,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		MaxAttempts:     cfg.MaxAttempts,
		Sealer:          seal,
		Logger:          logger,
	})
	if err != nil {
		_ = rt.close()
		return nil, err
	}
	rt.book, err = addressbook.New(rt.backend, clk, addressbook.Config{
		Namespace:  cfg.AddressBookNamespace,
		Collection: cfg.AddressBookCollection,
		Host:       info.Hostname,
		Logger:     logger,
	})
	if err != nil {
		_ = rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *hostRuntime) close() error {
	if !rt.ownsBackend || rt.backend == nil {
		return nil
	}
	return rt.backend.Close()
}

// Host runs registered actors against a shared store.
type Host struct {
	cfg       Config
	rt        *hostRuntime
	logger    pslog.Logger
	mailbox   *mailbox.Mailbox
	book      *addressbook.Book
	outbox    *Outbox
	telemetry *telemetryBundle
	observer  *hostinfo.Observer

	mu            sync.Mutex
	registrations []*registration
	loops         []*dispatch.Loop
	started       bool
	closed        bool
	cancel        context.CancelFunc
	api           *httpapi.Server

	done     chan struct{}
	doneOnce sync.Once
	runErr   error
}

// ActorStatus is a point-in-time view of one registration.
type ActorStatus struct {
	Name          string
	Address       address.Address
	Leased        bool
	Deliveries    int64
	HandlerErrors int64
	StoreFailures int64
	LeaseLosses   int64
	InFlight      int64
}

// New opens the store and prepares a host. Failing to reach the store is
// the only error New reports for a valid configuration.
func New(cfg Config, opts ...Option) (*Host, error) {
	cfgCopy := cfg
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	cfg = cfgCopy
	o := collectOptions(opts)
	ctx := context.Background()
	logger := loggingutil.EnsureLogger(o.logger)

	rt, err := openRuntime(ctx, cfg, o)
	if err != nil {
		return nil, err
	}
	telemetry, err := setupTelemetry(ctx, cfg, rt.owner, rt.info, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		_ = rt.close()
		return nil, err
	}
	sender := cfg.Sender
	if sender == "" {
		sender = rt.owner
	}
	h := &Host{
		cfg:       cfg,
		rt:        rt,
		logger:    svcfields.WithSubsystem(rt.logger, "host"),
		mailbox:   rt.mailbox,
		book:      rt.book,
		outbox:    newOutbox(rt.mailbox, sender, rt.logger),
		telemetry: telemetry,
		done:      make(chan struct{}),
	}
	if cfg.HostSampleInterval > 0 {
		h.observer = hostinfo.NewObserver(cfg.HostSampleInterval, rt.logger)
	}
	h.logger.Info("host.ready",
		"store", redactStoreURL(cfg.Store),
		"address_book_namespace", cfg.AddressBookNamespace,
		"mailbox_namespace", cfg.MailboxNamespace,
		"hostname", rt.info.Hostname,
	)
	return h, nil
}

// Owner is the identity this host records in the address book.
func (h *Host) Owner() string { return h.rt.owner }

// Outbox returns an outbox bound to the host's store.
func (h *Host) Outbox() *Outbox { return h.outbox }

// Resolve reports the live owner of addr, if any.
func (h *Host) Resolve(ctx context.Context, addr address.Address) (string, bool, error) {
	return h.book.Resolve(ctx, addr)
}

// Start resolves every registration's address, acquires its lease and starts
// the dispatch loops. Lease conflicts surface here; nothing is left leased
// when Start fails. Loops run until ctx ends or Shutdown is called.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHostClosed
	}
	if h.started {
		h.mu.Unlock()
		return ErrHostStarted
	}
	h.started = true
	regs := append([]*registration(nil), h.registrations...)
	h.mu.Unlock()

	loops, err := h.acquire(ctx, regs)
	if err != nil {
		h.abortStart()
		return err
	}

	var api *httpapi.Server
	if h.cfg.Listen != "" {
		api, err = h.listen()
		if err != nil {
			for _, loop := range loops {
				loop.Release(ctx)
			}
			h.abortStart()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	for _, loop := range loops {
		group.Go(func() error {
			return loop.Run(groupCtx)
		})
	}
	if api != nil {
		group.Go(func() error {
			if err := api.Serve(); err != nil {
				return fmt.Errorf("attractor: http api: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(groupCtx), h.cfg.ShutdownGrace)
			defer stop()
			return api.Shutdown(shutdownCtx)
		})
	}
	if h.observer != nil {
		h.observer.Start(runCtx)
	}

	h.mu.Lock()
	h.loops = loops
	h.cancel = cancel
	h.api = api
	if h.closed {
		cancel()
	}
	h.mu.Unlock()

	h.logger.Info("host.started", "actors", len(loops))
	go func() {
		err := group.Wait()
		cancel()
		h.finish(err)
	}()
	return nil
}

func (h *Host) acquire(ctx context.Context, regs []*registration) ([]*dispatch.Loop, error) {
	loops := make([]*dispatch.Loop, 0, len(regs))
	fail := func(err error) ([]*dispatch.Loop, error) {
		for _, loop := range loops {
			loop.Release(ctx)
		}
		return nil, err
	}
	seen := make(map[address.Address]string, len(regs))
	for i, reg := range regs {
		rc := RegistrationContext{Owner: h.rt.owner, Host: h.rt.info.Hostname, Index: i, Name: reg.name}
		addr, err := reg.policy(rc)
		if err != nil {
			return fail(fmt.Errorf("attractor: registration %d: address policy: %w", i, err))
		}
		if err := addr.Validate(); err != nil {
			return fail(fmt.Errorf("attractor: registration %d: %w", i, err))
		}
		name := reg.name
		if name == "" {
			name = addr.String()
		}
		if prev, dup := seen[addr]; dup {
			return fail(fmt.Errorf("%w: %q is served twice in this host (%s, %s)", ErrAddressConflict, addr.String(), prev, name))
		}
		seen[addr] = name
		loop, err := dispatch.New(h.mailbox, h.book, h.rt.clock, h.dispatchHandler(reg.handler), dispatch.Config{
			Name:              name,
			Address:           addr,
			Owner:             h.rt.owner,
			Visibility:        reg.visibility,
			LeaseTTL:          reg.leaseTTL,
			Heartbeat:         h.cfg.HeartbeatInterval,
			PollInterval:      h.cfg.PollInterval,
			PollJitter:        h.cfg.PollJitter,
			MaxInFlight:       reg.maxInFlight,
			ShutdownGrace:     h.cfg.ShutdownGrace,
			BackoffMin:        h.cfg.LoopBackoffMin,
			BackoffMax:        h.cfg.LoopBackoffMax,
			DisableStoreWatch: h.cfg.DisableStoreWatch,
		}, h.rt.logger)
		if err != nil {
			return fail(fmt.Errorf("attractor: actor %q: %w", name, err))
		}
		if err := loop.Acquire(ctx); err != nil {
			return fail(fmt.Errorf("attractor: actor %q: acquire %q: %w", name, addr.String(), err))
		}
		loops = append(loops, loop)
	}
	return loops, nil
}

func (h *Host) listen() (*httpapi.Server, error) {
	handler, err := httpapi.New(httpapi.Config{
		Service:         outboxService{outbox: h.outbox, host: h},
		Logger:          h.rt.logger,
		MaxPayloadBytes: h.cfg.MaxPayloadBytes,
	})
	if err != nil {
		return nil, err
	}
	return httpapi.Listen(httpapi.ServerConfig{
		Listen:               h.cfg.Listen,
		MaxConcurrentStreams: h.cfg.HTTPMaxConcurrentStreams,
		Logger:               h.rt.logger,
	}, handler.Mux())
}

func (h *Host) dispatchHandler(handler Handler) dispatch.Handler {
	return func(ctx context.Context, claim *mailbox.Claim) error {
		return handler(ctx, newMessageContext(h.mailbox, claim))
	}
}

// abortStart lets Start be retried after a failure that left nothing running.
func (h *Host) abortStart() {
	h.mu.Lock()
	h.started = false
	h.mu.Unlock()
}

func (h *Host) finish(err error) {
	h.doneOnce.Do(func() {
		h.runErr = err
		close(h.done)
	})
}

// Wait blocks until the host has stopped and returns the first fatal error
// from its loops or HTTP API.
func (h *Host) Wait() error {
	<-h.done
	return h.runErr
}

// Done is closed once the host has stopped.
func (h *Host) Done() <-chan struct{} { return h.done }

// APIAddr is the bound HTTP API address, or nil when the API is disabled or
// not started.
func (h *Host) APIAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.api == nil {
		return nil
	}
	return h.api.Addr()
}

// Actors reports the status of every started registration.
func (h *Host) Actors() []ActorStatus {
	h.mu.Lock()
	loops := append([]*dispatch.Loop(nil), h.loops...)
	h.mu.Unlock()
	out := make([]ActorStatus, 0, len(loops))
	for _, loop := range loops {
		st := loop.Stats()
		out = append(out, ActorStatus{
			Name:          loop.Name(),
			Address:       loop.Address(),
			Leased:        st.Leased,
			Deliveries:    st.Deliveries,
			HandlerErrors: st.HandlerErrors,
			StoreFailures: st.StoreFailures,
			LeaseLosses:   st.LeaseLosses,
			InFlight:      st.InFlight,
		})
	}
	return out
}

// SetPollInterval changes the idle poll interval of every running loop.
func (h *Host) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.cfg.PollInterval = d
	loops := append([]*dispatch.Loop(nil), h.loops...)
	h.mu.Unlock()
	for _, loop := range loops {
		loop.SetPollInterval(d)
	}
	h.logger.Info("host.poll_interval.updated", "poll_interval", d)
}

// Shutdown stops claiming, waits for in-flight handlers up to the shutdown
// grace, releases every lease and closes the store. ctx bounds the wait.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cancel := h.cancel
	started := h.started
	h.mu.Unlock()

	h.logger.Info("host.shutdown.begin")
	var errs []error
	if cancel != nil {
		cancel()
	}
	if !started {
		h.finish(nil)
	}
	select {
	case <-h.done:
		if h.runErr != nil {
			errs = append(errs, h.runErr)
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("attractor: shutdown: %w", ctx.Err()))
	}
	if h.observer != nil {
		h.observer.Wait()
	}
	if err := h.rt.close(); err != nil {
		errs = append(errs, fmt.Errorf("attractor: close store: %w", err))
	}
	if err := h.telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		h.logger.Warn("host.shutdown.error", "error", err)
		return err
	}
	h.logger.Info("host.shutdown.complete")
	return nil
}

// Close is Shutdown without a deadline.
func (h *Host) Close() error {
	return h.Shutdown(context.Background())
}
