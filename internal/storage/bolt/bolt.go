// Package bolt implements storage.Backend on a single bbolt database file.
// bbolt holds an exclusive file lock, so the store serves one process; the
// change feed is therefore in-process only.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/uuidv7"
)

var objectsBucketKey = []byte("objects")

// Config configures the bolt store.
type Config struct {
	Path    string
	Mode    os.FileMode
	Timeout time.Duration
}

// Store implements storage.Backend on bbolt.
type Store struct {
	db *bbolt.DB

	watchMu  sync.Mutex
	watchers map[*subscription]struct{}
}

type record struct {
	ETag        string `json:"etag"`
	ContentType string `json:"content_type,omitempty"`
	UpdatedAt   int64  `json:"updated_at_unix_nano"`
	Payload     []byte `json:"payload"`
}

// New opens (creating if needed) the database at cfg.Path.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("bolt: path required")
	}
	mode := cfg.Mode
	if mode == 0 {
		mode = 0o600
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	db, err := bbolt.Open(cfg.Path, mode, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %q: %w", cfg.Path, err)
	}
	return &Store{db: db, watchers: make(map[*subscription]struct{})}, nil
}

// Close closes subscriptions and the database.
func (s *Store) Close() error {
	s.watchMu.Lock()
	subs := s.watchers
	s.watchers = make(map[*subscription]struct{})
	s.watchMu.Unlock()
	for sub := range subs {
		sub.close()
	}
	return s.db.Close()
}

// Ping reports whether the database is open.
func (s *Store) Ping(context.Context) error {
	return s.db.View(func(*bbolt.Tx) error { return nil })
}

func objects(tx *bbolt.Tx, namespace string, create bool) (*bbolt.Bucket, error) {
	if namespace == "" {
		return nil, fmt.Errorf("bolt: namespace required")
	}
	if !create {
		ns := tx.Bucket([]byte(namespace))
		if ns == nil {
			return nil, nil
		}
		return ns.Bucket(objectsBucketKey), nil
	}
	ns, err := tx.CreateBucketIfNotExists([]byte(namespace))
	if err != nil {
		return nil, err
	}
	return ns.CreateBucketIfNotExists(objectsBucketKey)
}

func decode(key string, raw []byte) (*record, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("bolt: decode %q: %w", key, err)
	}
	return &rec, nil
}

func (r *record) info(key string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         r.ETag,
		Size:         int64(len(r.Payload)),
		LastModified: time.Unix(0, r.UpdatedAt).UTC(),
		ContentType:  r.ContentType,
	}
}

// GetObject returns the payload for key.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.GetObjectResult{}, err
	}
	var rec *record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := objects(tx, namespace, false)
		if err != nil {
			return err
		}
		if b == nil {
			return storage.ErrNotFound
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return storage.ErrNotFound
		}
		rec, err = decode(key, raw)
		return err
	})
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	info := rec.info(key)
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(rec.Payload)), Info: &info}, nil
}

// PutObject writes key inside a single update transaction.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if key == "" {
		return nil, fmt.Errorf("bolt: key required")
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := &record{
		ETag:        uuidv7.NewString(),
		ContentType: opts.ContentType,
		UpdatedAt:   time.Now().UnixNano(),
		Payload:     payload,
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := objects(tx, namespace, true)
		if err != nil {
			return err
		}
		current := b.Get([]byte(key))
		switch {
		case opts.ExpectedETag != "":
			if current == nil {
				return storage.ErrNotFound
			}
			cur, err := decode(key, current)
			if err != nil {
				return err
			}
			if cur.ETag != opts.ExpectedETag {
				return storage.ErrCASMismatch
			}
		case opts.IfNotExists && current != nil:
			return storage.ErrCASMismatch
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
	if err != nil {
		return nil, err
	}
	s.notify(namespace, key)
	info := rec.info(key)
	return &info, nil
}

// DeleteObject removes key, optionally enforcing a matching ETag.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := objects(tx, namespace, false)
		if err != nil {
			return err
		}
		var current []byte
		if b != nil {
			current = b.Get([]byte(key))
		}
		if current == nil {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		if opts.ExpectedETag != "" {
			cur, err := decode(key, current)
			if err != nil {
				return err
			}
			if cur.ETag != opts.ExpectedETag {
				return storage.ErrCASMismatch
			}
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	s.notify(namespace, key)
	return nil
}

// ListObjects seeks to the prefix and walks keys in byte order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := &storage.ListResult{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := objects(tx, namespace, false)
		if err != nil || b == nil {
			return err
		}
		prefix := []byte(opts.Prefix)
		c := b.Cursor()
		k, v := c.Seek(prefix)
		if opts.StartAfter != "" && opts.StartAfter >= opts.Prefix {
			k, v = c.Seek([]byte(opts.StartAfter))
			if k != nil && string(k) == opts.StartAfter {
				k, v = c.Next()
			}
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				return nil
			}
			rec, err := decode(string(k), v)
			if err != nil {
				return err
			}
			result.Objects = append(result.Objects, rec.info(string(k)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SubscribeChanges implements storage.ChangeFeed for writes made through
// this Store.
func (s *Store) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	sub := &subscription{
		store:     s,
		namespace: namespace,
		prefix:    prefix,
		events:    make(chan struct{}, 1),
	}
	s.watchMu.Lock()
	s.watchers[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

func (s *Store) notify(namespace, key string) {
	s.watchMu.Lock()
	var subs []*subscription
	for sub := range s.watchers {
		if sub.namespace == namespace && strings.HasPrefix(key, sub.prefix) {
			subs = append(subs, sub)
		}
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.signal()
	}
}

type subscription struct {
	store     *Store
	namespace string
	prefix    string
	events    chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) Close() error {
	if s.close() {
		s.store.watchMu.Lock()
		delete(s.store.watchers, s)
		s.store.watchMu.Unlock()
	}
	return nil
}

func (s *subscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.events)
	return true
}
