package bolt

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/storage/storagetest"
)

func TestBoltBackendSuite(t *testing.T) {
	store, err := New(Config{Path: filepath.Join(t.TempDir(), "attractor.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	storagetest.Run(t, store, storagetest.Options{Namespace: "attractor"})
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attractor.db")
	store, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	info, err := store.PutObject(ctx, "attractor", "addressBook/abc", bytes.NewBufferString("entry"), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	res, err := reopened.GetObject(ctx, "attractor", "addressBook/abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Reader.Close()
	if res.Info.ETag != info.ETag {
		t.Fatalf("etag changed across reopen: %q vs %q", res.Info.ETag, info.ETag)
	}
}
