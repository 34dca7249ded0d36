// Package storagetest holds the behavioural checks every storage.Backend
// must pass. Backend packages call Run from their own tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/attractor/internal/storage"
)

// Options tweaks the suite for backends with limited capabilities.
type Options struct {
	// Namespace isolates the suite's objects. Defaults to a per-run name.
	Namespace string
	// SkipChangeFeed skips change notification checks even when the backend
	// implements storage.ChangeFeed.
	SkipChangeFeed bool
	// ChangeTimeout bounds how long the suite waits for a change event.
	ChangeTimeout time.Duration
}

// Run executes the backend conformance suite against backend.
func Run(t *testing.T, backend storage.Backend, opts Options) {
	t.Helper()
	ns := opts.Namespace
	if ns == "" {
		ns = fmt.Sprintf("suite-%d", time.Now().UnixNano())
	}
	if opts.ChangeTimeout <= 0 {
		opts.ChangeTimeout = 5 * time.Second
	}
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, backend, ns) })
	t.Run("PutGetRoundTrip", func(t *testing.T) { testPutGet(t, backend, ns) })
	t.Run("IfNotExists", func(t *testing.T) { testIfNotExists(t, backend, ns) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCAS(t, backend, ns) })
	t.Run("ConditionalDelete", func(t *testing.T) { testDelete(t, backend, ns) })
	t.Run("ListOrderAndPaging", func(t *testing.T) { testList(t, backend, ns) })
	t.Run("ConcurrentCreateSingleWinner", func(t *testing.T) { testCreateRace(t, backend, ns) })
	if feed, ok := backend.(storage.ChangeFeed); ok && !opts.SkipChangeFeed {
		t.Run("ChangeFeed", func(t *testing.T) { testChangeFeed(t, backend, feed, ns, opts.ChangeTimeout) })
	}
}

func put(t *testing.T, backend storage.Backend, ns, key, body string, opts storage.PutObjectOptions) *storage.ObjectInfo {
	t.Helper()
	info, err := backend.PutObject(context.Background(), ns, key, bytes.NewBufferString(body), opts)
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	if info == nil || info.ETag == "" {
		t.Fatalf("put %s: expected etag, got %+v", key, info)
	}
	return info
}

func read(t *testing.T, backend storage.Backend, ns, key string) (string, *storage.ObjectInfo) {
	t.Helper()
	res, err := backend.GetObject(context.Background(), ns, key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return string(data), res.Info
}

func testGetMissing(t *testing.T, backend storage.Backend, ns string) {
	_, err := backend.GetObject(context.Background(), ns, "missing/key")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testPutGet(t *testing.T, backend storage.Backend, ns string) {
	info := put(t, backend, ns, "roundtrip/a", "hello", storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	body, got := read(t, backend, ns, "roundtrip/a")
	if body != "hello" {
		t.Fatalf("unexpected body %q", body)
	}
	if got.ETag != info.ETag {
		t.Fatalf("etag mismatch: put %q get %q", info.ETag, got.ETag)
	}
}

func testIfNotExists(t *testing.T, backend storage.Backend, ns string) {
	put(t, backend, ns, "create/a", "first", storage.PutObjectOptions{IfNotExists: true})
	_, err := backend.PutObject(context.Background(), ns, "create/a", bytes.NewBufferString("second"), storage.PutObjectOptions{IfNotExists: true})
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch on second create, got %v", err)
	}
	if body, _ := read(t, backend, ns, "create/a"); body != "first" {
		t.Fatalf("create-only write replaced object: %q", body)
	}
}

func testCAS(t *testing.T, backend storage.Backend, ns string) {
	first := put(t, backend, ns, "cas/a", "v1", storage.PutObjectOptions{})
	second := put(t, backend, ns, "cas/a", "v2", storage.PutObjectOptions{ExpectedETag: first.ETag})
	if second.ETag == first.ETag {
		t.Fatalf("expected etag to change after write")
	}
	_, err := backend.PutObject(context.Background(), ns, "cas/a", bytes.NewBufferString("v3"), storage.PutObjectOptions{ExpectedETag: first.ETag})
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch for stale etag, got %v", err)
	}
	_, err = backend.PutObject(context.Background(), ns, "cas/missing", bytes.NewBufferString("v1"), storage.PutObjectOptions{ExpectedETag: first.ETag})
	if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrNotFound or ErrCASMismatch for missing key, got %v", err)
	}
	if body, _ := read(t, backend, ns, "cas/a"); body != "v2" {
		t.Fatalf("unexpected body after cas: %q", body)
	}
}

func testDelete(t *testing.T, backend storage.Backend, ns string) {
	ctx := context.Background()
	info := put(t, backend, ns, "delete/a", "x", storage.PutObjectOptions{})
	if err := backend.DeleteObject(ctx, ns, "delete/a", storage.DeleteObjectOptions{ExpectedETag: "stale"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch for stale delete, got %v", err)
	}
	if err := backend.DeleteObject(ctx, ns, "delete/a", storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := backend.DeleteObject(ctx, ns, "delete/a", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for second delete, got %v", err)
	}
	if err := backend.DeleteObject(ctx, ns, "delete/a", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore-not-found delete: %v", err)
	}
}

func testList(t *testing.T, backend storage.Backend, ns string) {
	ctx := context.Background()
	keys := []string{"list/c", "list/a", "list/b", "list/d", "listing/x", "other/z"}
	for _, key := range keys {
		put(t, backend, ns, key, key, storage.PutObjectOptions{})
	}
	var seen []string
	startAfter := ""
	for range 10 {
		res, err := backend.ListObjects(ctx, ns, storage.ListOptions{Prefix: "list/", StartAfter: startAfter, Limit: 3})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, obj := range res.Objects {
			seen = append(seen, obj.Key)
		}
		if !res.Truncated {
			break
		}
		startAfter = res.NextStartAfter
	}
	want := []string{"list/a", "list/b", "list/c", "list/d"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("unexpected listing: got %v want %v", seen, want)
	}
}

func testCreateRace(t *testing.T, backend storage.Backend, ns string) {
	const writers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := backend.PutObject(context.Background(), ns, "race/a", bytes.NewBufferString(fmt.Sprint(i)), storage.PutObjectOptions{IfNotExists: true})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrCASMismatch):
			default:
				t.Errorf("writer %d: %v", i, err)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func testChangeFeed(t *testing.T, backend storage.Backend, feed storage.ChangeFeed, ns string, timeout time.Duration) {
	sub, err := feed.SubscribeChanges(ns, "feed/watched/")
	if errors.Is(err, storage.ErrNotImplemented) {
		t.Skip("change feed disabled")
	}
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	put(t, backend, ns, "feed/watched/a", "x", storage.PutObjectOptions{})
	select {
	case <-sub.Events():
	case <-time.After(timeout):
		t.Fatalf("no change event within %s", timeout)
	}
}
