// Package memory implements storage.Backend in process memory. It is the
// default store for tests and single-process development hosts.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/uuidv7"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// DisableWatch turns off in-process change notifications.
	DisableWatch bool
}

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]*bucket

	watchEnabled bool
	watchMu      sync.Mutex
	watchers     map[string]map[*subscription]struct{}
}

type bucket struct {
	objs       map[string]*objectEntry
	sortedKeys []string
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store with change notifications enabled.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns a ready to use in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	return &Store{
		namespaces:   make(map[string]*bucket),
		watchEnabled: !cfg.DisableWatch,
		watchers:     make(map[string]map[*subscription]struct{}),
	}
}

// Close releases all subscriptions. The stored objects stay readable.
func (s *Store) Close() error {
	s.watchMu.Lock()
	var subs []*subscription
	for _, set := range s.watchers {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	s.watchers = make(map[string]map[*subscription]struct{})
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) bucketLocked(namespace string, create bool) *bucket {
	b := s.namespaces[namespace]
	if b == nil && create {
		b = &bucket{objs: make(map[string]*objectEntry)}
		s.namespaces[namespace] = b
	}
	return b
}

// ListObjects returns in-memory objects sorted lexicographically.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := &storage.ListResult{}
	b := s.bucketLocked(namespace, false)
	if b == nil {
		return result, nil
	}
	keys := b.sortedKeys
	start := sort.SearchStrings(keys, opts.Prefix)
	if opts.StartAfter != "" {
		if idx := sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter }); idx > start {
			start = idx
		}
	}
	for idx := start; idx < len(keys); idx++ {
		key := keys[idx]
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		entry := b.objs[key]
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         entry.etag,
			Size:         int64(len(entry.payload)),
			LastModified: entry.updated,
			ContentType:  entry.contentType,
		})
	}
	return result, nil
}

// GetObject returns the payload for key if present.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.GetObjectResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.bucketLocked(namespace, false)
	if b == nil {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	entry, ok := b.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         entry.etag,
		Size:         int64(len(entry.payload)),
		LastModified: entry.updated,
		ContentType:  entry.contentType,
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(entry.payload)), Info: info}, nil
}

// PutObject stores or replaces the object for key depending on opts.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	b := s.bucketLocked(namespace, true)
	entry, exists := b.objs[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			s.mu.Unlock()
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			s.mu.Unlock()
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		s.mu.Unlock()
		return nil, storage.ErrCASMismatch
	}
	etag := uuidv7.NewString()
	now := time.Now().UTC()
	b.objs[key] = &objectEntry{
		payload:     payload,
		etag:        etag,
		contentType: opts.ContentType,
		updated:     now,
	}
	if !exists {
		b.insertKey(key)
	}
	s.mu.Unlock()

	s.notify(namespace, key)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(payload)),
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// DeleteObject removes the object for key with optional CAS.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	b := s.bucketLocked(namespace, false)
	var entry *objectEntry
	if b != nil {
		entry = b.objs[key]
	}
	if entry == nil {
		s.mu.Unlock()
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		s.mu.Unlock()
		return storage.ErrCASMismatch
	}
	delete(b.objs, key)
	b.removeKey(key)
	s.mu.Unlock()

	s.notify(namespace, key)
	return nil
}

// SubscribeChanges implements storage.ChangeFeed for the in-memory backend.
func (s *Store) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	if !s.watchEnabled {
		return nil, storage.ErrNotImplemented
	}
	if strings.TrimSpace(namespace) == "" {
		return nil, fmt.Errorf("memory: namespace required")
	}
	sub := &subscription{
		store:     s,
		namespace: namespace,
		prefix:    prefix,
		events:    make(chan struct{}, 1),
	}
	s.watchMu.Lock()
	set := s.watchers[namespace]
	if set == nil {
		set = make(map[*subscription]struct{})
		s.watchers[namespace] = set
	}
	set[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

func (s *Store) notify(namespace, key string) {
	if !s.watchEnabled {
		return
	}
	s.watchMu.Lock()
	var subs []*subscription
	for sub := range s.watchers[namespace] {
		if strings.HasPrefix(key, sub.prefix) {
			subs = append(subs, sub)
		}
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.signal()
	}
}

func (s *Store) removeSubscription(sub *subscription) {
	s.watchMu.Lock()
	if set, ok := s.watchers[sub.namespace]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.watchers, sub.namespace)
		}
	}
	s.watchMu.Unlock()
}

func (b *bucket) insertKey(key string) {
	idx := sort.SearchStrings(b.sortedKeys, key)
	if idx < len(b.sortedKeys) && b.sortedKeys[idx] == key {
		return
	}
	b.sortedKeys = append(b.sortedKeys, "")
	copy(b.sortedKeys[idx+1:], b.sortedKeys[idx:])
	b.sortedKeys[idx] = key
}

func (b *bucket) removeKey(key string) {
	idx := sort.SearchStrings(b.sortedKeys, key)
	if idx < len(b.sortedKeys) && b.sortedKeys[idx] == key {
		b.sortedKeys = append(b.sortedKeys[:idx], b.sortedKeys[idx+1:]...)
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

func (s *subscription) Events() <-chan struct{} {
	return s.events
}

func (s *subscription) Close() error {
	if !s.close() {
		return nil
	}
	s.store.removeSubscription(s)
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
