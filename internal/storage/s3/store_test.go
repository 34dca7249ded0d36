package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"

	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/storage/storagetest"
)

func TestS3BackendSuite(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	storagetest.Run(t, store, storagetest.Options{Namespace: "attractor"})
}

func TestS3PrefixIsolatesStores(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	cfgA := cfg
	cfgA.Prefix = "/tenant-a/"
	a, err := New(cfgA)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cfgB := cfg
	cfgB.Prefix = "tenant-b"
	b, err := New(cfgB)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if _, err := a.PutObject(ctx, "attractor", "mailbox/x/msg/1", bytes.NewBufferString("a"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := b.ListObjects(ctx, "attractor", storage.ListOptions{Prefix: "mailbox/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 0 {
		t.Fatalf("expected tenant-b to see nothing, got %+v", res.Objects)
	}
	res, err = a.ListObjects(ctx, "attractor", storage.ListOptions{Prefix: "mailbox/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 1 || res.Objects[0].Key != "mailbox/x/msg/1" {
		t.Fatalf("unexpected listing %+v", res.Objects)
	}
}

func TestPingMissingBucket(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	cfg.Bucket = "does-not-exist"
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail for missing bucket")
	}
}

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "attractor-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	endpoint := strings.TrimPrefix(server.URL, "http://")
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		Bucket:         bucket,
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "net op timeout", err: &net.OpError{Err: fakeTimeoutErr{}}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, expected: true},
		{name: "io EOF", err: io.EOF, expected: true},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := isRetryable(tc.err)
			if got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

type stubObject struct {
	readErr error
	closed  bool
}

func (s *stubObject) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, io.EOF
}

func (s *stubObject) Close() error {
	s.closed = true
	return nil
}

func TestNotFoundAwareObjectConverts404(t *testing.T) {
	err404 := minio.ErrorResponse{StatusCode: http.StatusNotFound}
	obj := &stubObject{readErr: err404}
	reader := &notFoundAwareObject{object: obj}

	if _, err := reader.Read(make([]byte, 1)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Read: expected ErrNotFound, got %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}
	if !obj.closed {
		t.Fatal("Close: expected underlying close to be called")
	}
}

func TestClassifyPutObjectError(t *testing.T) {
	precondition := minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}
	conflict := minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "ConditionalRequestConflict"}
	missing := minio.ErrorResponse{StatusCode: http.StatusNotFound}
	if got := classifyPutObjectError(precondition, false); got != storage.ErrCASMismatch {
		t.Fatalf("precondition: got %v", got)
	}
	if got := classifyPutObjectError(conflict, true); got != storage.ErrCASMismatch {
		t.Fatalf("conflict: got %v", got)
	}
	if got := classifyPutObjectError(missing, true); got != storage.ErrNotFound {
		t.Fatalf("missing with etag: got %v", got)
	}
	if got := classifyPutObjectError(missing, false); got != nil {
		t.Fatalf("missing without etag: got %v", got)
	}
}
