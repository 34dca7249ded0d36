package attractor

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/attractor/address"
	"pkt.systems/attractor/internal/storage/memory"
	"pkt.systems/attractor/metadata"
)

func TestInspectorPeekAndDepth(t *testing.T) {
	backend := memory.New()
	out, err := NewOutbox(testConfig(), WithBackend(backend))
	if err != nil {
		t.Fatalf("new outbox: %v", err)
	}
	defer out.Close()
	ctx := context.Background()
	addr := address.Parse("ledger")
	before := time.Now().Add(-time.Second)
	first, err := out.Send(ctx, addr, []byte("one"), WithContentType("text/plain"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := out.Send(ctx, addr, []byte("three")); err != nil {
		t.Fatalf("send: %v", err)
	}

	insp, err := OpenInspector(testConfig(), WithBackend(backend))
	if err != nil {
		t.Fatalf("open inspector: %v", err)
	}
	defer insp.Close()

	depth, err := insp.Depth(ctx, addr)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("depth=%d want 2", depth)
	}
	msgs, err := insp.Peek(ctx, addr, 1)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("peek returned %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != first || msgs[0].Size != 3 || msgs[0].Attempts != 0 {
		t.Fatalf("unexpected first message %+v", msgs[0])
	}
	if !msgs[0].Address.Equal(addr) {
		t.Fatalf("address=%q want %q", msgs[0].Address, addr)
	}
	if minted := msgs[0].MintedAt; minted.Before(before) || minted.After(time.Now().Add(time.Second)) {
		t.Fatalf("minted at %s, expected around the send", minted)
	}
	if ct, ok := metadata.Lookup[string](msgs[0].Metadata, metadata.ContentType); !ok || ct != "text/plain" {
		t.Fatalf("content type=%q ok=%v", ct, ok)
	}
	if empty, err := insp.Depth(ctx, address.Parse("nobody")); err != nil || empty != 0 {
		t.Fatalf("empty depth=%d err=%v", empty, err)
	}
}

func TestInspectorAddressesTracksLeases(t *testing.T) {
	backend := memory.New()
	h := newTestHost(t, backend, testConfig())
	addr := address.Parse("payments")
	if err := h.RegisterActor(func(ctx context.Context, msg *MessageContext) error {
		return msg.Received().Consume(ctx)
	}, UseAddress(addr)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	insp, err := OpenInspector(testConfig(), WithBackend(backend))
	if err != nil {
		t.Fatalf("open inspector: %v", err)
	}
	defer insp.Close()
	ctx := context.Background()

	entries, err := insp.Addresses(ctx)
	if err != nil {
		t.Fatalf("addresses: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %+v", entries)
	}
	e := entries[0]
	if !e.Address.Equal(addr) || e.Owner != h.Owner() || !e.Live {
		t.Fatalf("unexpected entry %+v", e)
	}
	owner, ok, err := insp.Resolve(ctx, addr)
	if err != nil || !ok || owner != h.Owner() {
		t.Fatalf("resolve owner=%q ok=%v err=%v", owner, ok, err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, ok, err := insp.Resolve(ctx, addr); err != nil || ok {
		t.Fatalf("expected address free after shutdown, ok=%v err=%v", ok, err)
	}
}

func TestInspectorDeadLetters(t *testing.T) {
	backend := memory.New()
	cfg := testConfig()
	cfg.MaxAttempts = 1
	h := newTestHost(t, backend, cfg)
	addr := address.Parse("poison")
	failed := make(chan struct{}, 8)
	if err := h.RegisterActor(func(ctx context.Context, msg *MessageContext) error {
		failed <- struct{}{}
		return errors.New("cannot handle")
	}, UseAddress(addr), WithVisibilityTimeout(50*time.Millisecond)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx := context.Background()
	id, err := h.Outbox().Send(ctx, addr, []byte("bad"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}

	insp, err := OpenInspector(cfg, WithBackend(backend))
	if err != nil {
		t.Fatalf("open inspector: %v", err)
	}
	defer insp.Close()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ids, err := insp.DeadLetters(ctx, addr)
		if err != nil {
			t.Fatalf("dead letters: %v", err)
		}
		if len(ids) == 1 && ids[0] == id {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("message %s was never parked", id)
}

func TestInspectorCloseIsIdempotent(t *testing.T) {
	insp, err := OpenInspector(testConfig(), WithBackend(memory.New()))
	if err != nil {
		t.Fatalf("open inspector: %v", err)
	}
	if err := insp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := insp.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
