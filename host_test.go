package attractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/attractor/address"
	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/storage/memory"
	"pkt.systems/attractor/metadata"
)

func testConfig() Config {
	return Config{
		PollInterval:      20 * time.Millisecond,
		PollJitter:        5 * time.Millisecond,
		LeaseTTL:          2 * time.Second,
		VisibilityTimeout: 5 * time.Second,
		ShutdownGrace:     2 * time.Second,
		LoopBackoffMin:    10 * time.Millisecond,
		LoopBackoffMax:    50 * time.Millisecond,
	}
}

func newTestHost(t *testing.T, backend storage.Backend, cfg Config, opts ...Option) *Host {
	t.Helper()
	opts = append([]Option{WithBackend(backend)}, opts...)
	h, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

type collector struct {
	mu       sync.Mutex
	payloads []string
	msgs     []*MessageContext
	ch       chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 64)}
}

func (c *collector) add(msg *MessageContext) {
	c.mu.Lock()
	c.payloads = append(c.payloads, string(msg.Payload))
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for range n {
		select {
		case <-c.ch:
		case <-deadline:
			c.mu.Lock()
			defer c.mu.Unlock()
			t.Fatalf("timed out waiting for %d deliveries, got %v", n, c.payloads)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

func TestRegistrationEndToEnd(t *testing.T) {
	backend := memory.New()
	h := newTestHost(t, backend, testConfig())
	got := newCollector()
	addr := address.Parse("orders")
	err := h.RegisterActor(func(ctx context.Context, msg *MessageContext) error {
		if err := msg.Received().Consume(ctx); err != nil {
			return err
		}
		got.add(msg)
		return nil
	}, UseAddress(addr), WithName("orders"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx := context.Background()
	for i := range 3 {
		if _, err := h.Outbox().Send(ctx, addr, []byte(fmt.Sprintf("payload %d", i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	payloads := got.wait(t, 3)
	want := map[string]bool{"payload 0": true, "payload 1": true, "payload 2": true}
	for _, p := range payloads {
		if !want[p] {
			t.Fatalf("unexpected payload %q", p)
		}
		delete(want, p)
	}
	if len(want) != 0 {
		t.Fatalf("missing payloads: %v", want)
	}

	owner, ok, err := h.Resolve(ctx, addr)
	if err != nil || !ok || owner != h.Owner() {
		t.Fatalf("resolve = %q %v %v", owner, ok, err)
	}
	actors := h.Actors()
	if len(actors) != 1 || actors[0].Name != "orders" || !actors[0].Leased {
		t.Fatalf("unexpected actors: %+v", actors)
	}
	depth, err := h.mailbox.Depth(ctx, addr)
	if err != nil || depth != 0 {
		t.Fatalf("depth = %d, %v", depth, err)
	}
}

func TestComponentsUseTheirOwnNamespaces(t *testing.T) {
	backend := memory.New()
	cfg := testConfig()
	cfg.AddressBookNamespace = "addresses"
	cfg.MailboxNamespace = "messages"
	cfg.AddressBookCollection = "records"
	cfg.MailboxCollection = "records"
	h := newTestHost(t, backend, cfg)
	addr := address.Parse("split")
	if err := h.RegisterActor(func(ctx context.Context, msg *MessageContext) error {
		return nil
	}, UseAddress(addr)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx := context.Background()
	if _, err := h.Outbox().Send(ctx, address.Parse("unclaimed"), []byte("parked")); err != nil {
		t.Fatalf("send: %v", err)
	}

	keys := func(namespace string) []string {
		t.Helper()
		list, err := backend.ListObjects(ctx, namespace, storage.ListOptions{Prefix: "records/"})
		if err != nil {
			t.Fatalf("list %s: %v", namespace, err)
		}
		out := make([]string, 0, len(list.Objects))
		for _, obj := range list.Objects {
			out = append(out, obj.Key)
		}
		return out
	}
	mailKeys := keys("messages")
	if len(mailKeys) != 1 || !strings.Contains(mailKeys[0], "/msg/") {
		t.Fatalf("expected one mailbox record in messages namespace, got %v", mailKeys)
	}
	bookKeys := keys("addresses")
	if len(bookKeys) != 1 || strings.Contains(bookKeys[0], "/msg/") {
		t.Fatalf("expected only the lease entry in addresses namespace, got %v", bookKeys)
	}
	if got := keys(DefaultNamespace); len(got) != 0 {
		t.Fatalf("nothing should land in the shared namespace, got %v", got)
	}
}

func TestConsumeTwiceReturnsAlreadyConsumed(t *testing.T) {
	h := newTestHost(t, memory.New(), testConfig())
	addr := address.Parse("once")
	results := make(chan error, 1)
	err := h.RegisterActor(func(ctx context.Context, msg *MessageContext) error {
		rm := msg.Received()
		if err := rm.Consume(ctx); err != nil {
			results <- err
			return err
		}
		results <- rm.Consume(ctx)
		return nil
	}, UseAddress(addr))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.Outbox().Send(context.Background(), addr, []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case err := <-results:
		if !errors.Is(err, ErrAlreadyConsumed) {
			t.Fatalf("expected ErrAlreadyConsumed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestHandlerErrorRedelivers(t *testing.T) {
	h := newTestHost(t, memory.New(), testConfig())
	addr := address.Parse("flaky")
	got := newCollector()
	var (
		mu       sync.Mutex
		attempts []int
	)
	err := h.RegisterActor(func(ctx context.Context, msg *MessageContext) error {
		rm := msg.Received()
		mu.Lock()
		attempts = append(attempts, rm.Attempts())
		first := len(attempts) == 1
		mu.Unlock()
		if first {
			return errors.New("boom")
		}
		if err := rm.Consume(ctx); err != nil {
			return err
		}
		got.add(msg)
		return nil
	}, UseAddress(addr), WithVisibilityTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.Outbox().Send(context.Background(), addr, []byte("retry me")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got.wait(t, 1)
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("unexpected attempts: %v", attempts)
	}
}

func TestReleaseMakesMessageVisibleAgain(t *testing.T) {
	h := newTestHost(t, memory.New(), testConfig())
	addr := address.Parse("bounce")
	got := newCollector()
	var once sync.Once
	err := h.RegisterActor(func(ctx context.Context, msg *MessageContext) error {
		rm := msg.Received()
		released := false
		once.Do(func() {
			released = true
		})
		if released {
			if err := rm.ReleaseWithError(ctx, "not yet"); err != nil {
				return err
			}
			if err := rm.Consume(ctx); !errors.Is(err, ErrClaimExpired) {
				return fmt.Errorf("consume after release: %v", err)
			}
			return nil
		}
		if err := rm.Consume(ctx); err != nil {
			return err
		}
		got.add(msg)
		return nil
	}, UseAddress(addr))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.Outbox().Send(context.Background(), addr, []byte("again")); err != nil {
		t.Fatalf("send: %v", err)
	}
	payloads := got.wait(t, 1)
	if payloads[0] != "again" {
		t.Fatalf("unexpected payload %q", payloads[0])
	}
	if actors := h.Actors(); actors[0].HandlerErrors != 0 {
		t.Fatalf("handler reported errors: %+v", actors[0])
	}
}

func TestDuplicateAddressInHostConflicts(t *testing.T) {
	backend := memory.New()
	h := newTestHost(t, backend, testConfig())
	addr := address.Parse("dup")
	noop := func(context.Context, *MessageContext) error { return nil }
	if err := h.RegisterActor(noop, UseAddress(addr)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.RegisterActor(noop, UseAddress(addr)); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := h.Start(context.Background())
	if !errors.Is(err, ErrAddressConflict) {
		t.Fatalf("expected ErrAddressConflict, got %v", err)
	}
	if _, ok, _ := h.Resolve(context.Background(), addr); ok {
		t.Fatal("failed start left the address leased")
	}
}

func TestSecondHostConflictsAtStart(t *testing.T) {
	backend := memory.New()
	addr := address.Parse("singleton")
	noop := func(context.Context, *MessageContext) error { return nil }

	first := newTestHost(t, backend, testConfig(), WithOwner("host-a"))
	if err := first.RegisterActor(noop, UseAddress(addr)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("start first: %v", err)
	}

	second := newTestHost(t, backend, testConfig(), WithOwner("host-b"))
	if err := second.RegisterActor(noop, UseAddress(addr)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := second.Start(context.Background()); !errors.Is(err, ErrAddressConflict) {
		t.Fatalf("expected ErrAddressConflict, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown first: %v", err)
	}
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("second start after release: %v", err)
	}
	owner, ok, err := second.Resolve(context.Background(), addr)
	if err != nil || !ok || owner != "host-b" {
		t.Fatalf("resolve = %q %v %v", owner, ok, err)
	}
}

func TestShutdownReleasesLease(t *testing.T) {
	backend := memory.New()
	h := newTestHost(t, backend, testConfig())
	addr := address.Parse("ephemeral")
	if err := h.RegisterActor(func(context.Context, *MessageContext) error { return nil }, UseAddress(addr)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("host not done after shutdown")
	}

	probe := newTestHost(t, backend, testConfig())
	if _, ok, err := probe.Resolve(context.Background(), addr); err != nil || ok {
		t.Fatalf("address still resolves after shutdown: ok=%v err=%v", ok, err)
	}
	if err := h.RegisterActor(func(context.Context, *MessageContext) error { return nil }, UseAddress(addr)); !errors.Is(err, ErrHostClosed) {
		t.Fatalf("expected ErrHostClosed, got %v", err)
	}
}

func TestRegisterAfterStart(t *testing.T) {
	h := newTestHost(t, memory.New(), testConfig())
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := h.RegisterActor(func(context.Context, *MessageContext) error { return nil }, UseAddress(address.Parse("late")))
	if !errors.Is(err, ErrHostStarted) {
		t.Fatalf("expected ErrHostStarted, got %v", err)
	}
	if err := h.Start(context.Background()); !errors.Is(err, ErrHostStarted) {
		t.Fatalf("expected ErrHostStarted on second start, got %v", err)
	}
}

func TestRegisterActorValidation(t *testing.T) {
	h := newTestHost(t, memory.New(), testConfig())
	if err := h.RegisterActor(nil, UseAddress(address.Parse("x"))); err == nil {
		t.Fatal("expected error for nil handler")
	}
	noop := func(context.Context, *MessageContext) error { return nil }
	if err := h.RegisterActor(noop); err == nil {
		t.Fatal("expected error without an address policy")
	}
	if err := h.RegisterActor(noop, UseAddress(address.Parse("x")), WithMaxInFlight(-1)); err == nil {
		t.Fatal("expected error for negative in-flight")
	}
	if err := h.RegisterActor(noop, UseAddress(address.Address{})); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Start(context.Background()); !errors.Is(err, address.ErrEmpty) {
		t.Fatalf("expected address.ErrEmpty at start, got %v", err)
	}
}

func TestAddressPolicyReceivesContext(t *testing.T) {
	h := newTestHost(t, memory.New(), testConfig(), WithOwner("node-1"))
	var seen []RegistrationContext
	policy := func(rc RegistrationContext) (address.Address, error) {
		seen = append(seen, rc)
		return address.Parse(fmt.Sprintf("%s/worker-%d", rc.Owner, rc.Index)), nil
	}
	noop := func(context.Context, *MessageContext) error { return nil }
	for range 2 {
		if err := h.RegisterActor(noop, UseAddressPolicy(policy), WithName("worker")); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(seen) != 2 || seen[1].Index != 1 || seen[0].Owner != "node-1" || seen[0].Name != "worker" {
		t.Fatalf("unexpected registration contexts: %+v", seen)
	}
	if _, ok, _ := h.Resolve(context.Background(), address.Parse("node-1/worker-1")); !ok {
		t.Fatal("policy address not leased")
	}
}

func TestOutboxRecordsSender(t *testing.T) {
	backend := memory.New()
	cfg := testConfig()
	cfg.Sender = "billing-cron"
	out, err := NewOutbox(cfg, WithBackend(backend))
	if err != nil {
		t.Fatalf("new outbox: %v", err)
	}
	defer out.Close()

	h := newTestHost(t, backend, testConfig())
	addr := address.Parse("invoices")
	got := newCollector()
	err = h.RegisterActor(func(ctx context.Context, msg *MessageContext) error {
		if err := msg.Received().Consume(ctx); err != nil {
			return err
		}
		got.add(msg)
		return nil
	}, UseAddress(addr))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	extra := metadata.Bag{}
	if err := metadata.Set(&extra, metadata.NewKey[string]("trace"), "abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := out.Send(context.Background(), addr, []byte("{}"), WithMetadata(extra), WithContentType("application/json")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got.wait(t, 1)
	got.mu.Lock()
	msg := got.msgs[0]
	got.mu.Unlock()
	if sender, ok := metadata.Lookup(msg.Metadata, metadata.Sender); !ok || sender != "billing-cron" {
		t.Fatalf("sender = %q (%v)", sender, ok)
	}
	if ct, ok := metadata.Lookup(msg.Metadata, metadata.ContentType); !ok || ct != "application/json" {
		t.Fatalf("content type = %q (%v)", ct, ok)
	}
	if trace, ok := metadata.Lookup(msg.Metadata, metadata.NewKey[string]("trace")); !ok || trace != "abc" {
		t.Fatalf("trace = %q (%v)", trace, ok)
	}
}

func TestOutboxRejectsOversizedPayload(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPayloadBytes = 4
	out, err := NewOutbox(cfg, WithBackend(memory.New()))
	if err != nil {
		t.Fatalf("new outbox: %v", err)
	}
	defer out.Close()
	if _, err := out.Send(context.Background(), address.Parse("a"), []byte("too large")); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestHostServesHTTPAPI(t *testing.T) {
	cfg := testConfig()
	cfg.Listen = "127.0.0.1:0"
	h := newTestHost(t, memory.New(), cfg)
	addr := address.Parse("web")
	got := newCollector()
	err := h.RegisterActor(func(ctx context.Context, msg *MessageContext) error {
		if err := msg.Received().Consume(ctx); err != nil {
			return err
		}
		got.add(msg)
		return nil
	}, UseAddress(addr))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	apiAddr := h.APIAddr()
	if apiAddr == nil {
		t.Fatal("api not listening")
	}
	resp, err := http.Post("http://"+apiAddr.String()+"/v1/send?address=web", "text/plain", strings.NewReader("over http"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	payloads := got.wait(t, 1)
	if payloads[0] != "over http" {
		t.Fatalf("unexpected payload %q", payloads[0])
	}
}
