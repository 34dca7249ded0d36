// Package storage defines the object-store contract the mailbox and the
// address book are built on. Every mutation is optimistic: writers name the
// ETag they read (or demand the key is absent) and lose with ErrCASMismatch
// when someone else got there first.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content type constants used for documents stored by the runtime.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a concurrent writer.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented indicates an optional capability is unavailable.
	ErrNotImplemented = errors.New("storage: not implemented")
	// ErrUnavailable indicates the store could not be reached after retries.
	ErrUnavailable = errors.New("storage: unavailable")
)

// Backend defines the storage contract expected by the runtime.
type Backend interface {
	// GetObject fetches the raw bytes for key and returns a reader alongside
	// metadata. Callers must close the returned reader.
	GetObject(ctx context.Context, namespace, key string) (GetObjectResult, error)
	// PutObject writes a blob to the provided key, applying conditional
	// semantics when opts.ExpectedETag or opts.IfNotExists are set.
	PutObject(ctx context.Context, namespace, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes the object identified by key, optionally enforcing a
	// matching ETag when opts.ExpectedETag is set.
	DeleteObject(ctx context.Context, namespace, key string, opts DeleteObjectOptions) error
	// ListObjects enumerates objects under the supplied prefix in ascending
	// lexical order within the namespace. Results are limited by opts.Limit
	// when >0 and resume from opts.StartAfter when provided.
	ListObjects(ctx context.Context, namespace string, opts ListOptions) (*ListResult, error)
	// Close releases backend resources.
	Close() error
}

// ObjectInfo captures metadata exposed by object-oriented backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls conditional semantics and metadata for PutObject.
type PutObjectOptions struct {
	// ExpectedETag enables CAS semantics. When empty, no CAS is enforced.
	ExpectedETag string
	// IfNotExists enforces creation-only semantics. Ignored when
	// ExpectedETag is provided.
	IfNotExists bool
	ContentType string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult captures an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// ChangeSubscription receives notifications when objects under a prefix
// change. Events are coalesced: one pending signal stands for any number of
// changes.
type ChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// ChangeFeed indicates the backend can emit change notifications for
// object prefixes.
type ChangeFeed interface {
	SubscribeChanges(namespace, prefix string) (ChangeSubscription, error)
}

// Pinger is implemented by backends that can verify connectivity up front.
type Pinger interface {
	Ping(ctx context.Context) error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// Ping checks backend connectivity when the backend supports it.
func Ping(ctx context.Context, backend Backend) error {
	if p, ok := backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	_, err := backend.ListObjects(ctx, ".attractor", ListOptions{Limit: 1})
	return err
}
