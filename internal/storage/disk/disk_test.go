package disk

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: filepath.Join(t.TempDir(), "store")})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDiskBackendSuite(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	storagetest.Run(t, store, storagetest.Options{Namespace: "attractor"})
}

func TestDiskStoreRoundTripPreservesHeader(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "store")
	fixed := time.Unix(1700000000, 0)
	store, err := New(Config{Root: root, Now: func() time.Time { return fixed }})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	payload := []byte("{\"hello\":\"world\"}\nsecond line")
	info, err := store.PutObject(ctx, "attractor", "mailbox/abc/msg/1", bytes.NewReader(payload), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := store.GetObject(ctx, "attractor", "mailbox/abc/msg/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Reader.Close()
	body, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("body mismatch: %q", body)
	}
	if res.Info.ETag != info.ETag || res.Info.ContentType != storage.ContentTypeJSON {
		t.Fatalf("unexpected info %+v", res.Info)
	}
	if !res.Info.LastModified.Equal(fixed) {
		t.Fatalf("last modified = %v want %v", res.Info.LastModified, fixed)
	}
	if res.Info.Size != int64(len(payload)) {
		t.Fatalf("size = %d want %d", res.Info.Size, len(payload))
	}
}

func TestDiskRejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"../escape", "a/../../b", "trailing/", ""} {
		if _, err := store.PutObject(ctx, "attractor", key, bytes.NewBufferString("x"), storage.PutObjectOptions{}); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
	if _, err := store.PutObject(ctx, "../ns", "k", bytes.NewBufferString("x"), storage.PutObjectOptions{}); err == nil {
		t.Fatalf("expected error for escaping namespace")
	}
}

func TestDiskSharedRootAcrossStores(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "shared")
	a, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, store := range []*Store{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.PutObject(ctx, "attractor", "addressBook/x", bytes.NewBufferString("owner"), storage.PutObjectOptions{IfNotExists: true})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	var wins, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, storage.ErrCASMismatch):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestDiskSweepsStaleTempFiles(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "store")
	if err := os.MkdirAll(filepath.Join(root, ".tmp"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := filepath.Join(root, ".tmp", "object-stale")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if _, err := New(Config{Root: root}); err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected stale temp file removed, stat err=%v", err)
	}
}

func TestDiskWatchDisabled(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Root: t.TempDir(), DisableWatch: true})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.SubscribeChanges("attractor", "mailbox/"); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if enabled, reason := store.WatchStatus(); enabled || reason != "disabled" {
		t.Fatalf("unexpected watch status %v %q", enabled, reason)
	}
}
