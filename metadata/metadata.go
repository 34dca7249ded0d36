// Package metadata implements the extensible feature bag attached to every
// message. Persisted metadata is a map from feature name to JSON data, read
// and written through typed keys; in-process features handed to handlers
// live in a Features collection keyed by Go type.
package metadata

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"sync"
	"time"
)

// Bag is the persisted metadata of a message: feature name to JSON data.
type Bag map[string]json.RawMessage

// Key names a feature and fixes the Go type of its data.
type Key[T any] struct {
	name string
}

// NewKey returns a typed key for the named feature.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the feature name.
func (k Key[T]) Name() string { return k.name }

// Well-known features maintained by the runtime.
var (
	EnqueuedAt  = NewKey[time.Time]("attractor.enqueued_at")
	ClaimedAt   = NewKey[time.Time]("attractor.claimed_at")
	Attempts    = NewKey[int]("attractor.attempts")
	Sender      = NewKey[string]("attractor.sender")
	ContentType = NewKey[string]("attractor.content_type")
)

// Get decodes the feature stored under key. The boolean is false when the
// feature is absent; an error means it is present but not decodable as T.
func Get[T any](b Bag, key Key[T]) (T, bool, error) {
	var out T
	raw, ok := b[key.name]
	if !ok {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, true, fmt.Errorf("metadata: decode %s: %w", key.name, err)
	}
	return out, true, nil
}

// Lookup is Get without the error: undecodable data reads as absent.
func Lookup[T any](b Bag, key Key[T]) (T, bool) {
	v, ok, err := Get(b, key)
	if err != nil {
		var zero T
		return zero, false
	}
	return v, ok
}

// Set encodes value under key, allocating the bag when nil.
func Set[T any](b *Bag, key Key[T], value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("metadata: encode %s: %w", key.name, err)
	}
	if *b == nil {
		*b = make(Bag)
	}
	(*b)[key.name] = raw
	return nil
}

// Has reports whether the named feature is present.
func (b Bag) Has(name string) bool {
	_, ok := b[name]
	return ok
}

// Delete removes the named feature.
func (b Bag) Delete(name string) {
	delete(b, name)
}

// Clone returns a deep copy of b.
func (b Bag) Clone() Bag {
	if b == nil {
		return nil
	}
	out := make(Bag, len(b))
	for k, v := range b {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Merge returns a copy of b overlaid with other.
func (b Bag) Merge(other Bag) Bag {
	out := b.Clone()
	if out == nil && len(other) > 0 {
		out = make(Bag, len(other))
	}
	maps.Copy(out, other.Clone())
	return out
}

// Features is the in-process feature collection a handler receives with a
// message. Features are keyed by their Go type and never persisted.
type Features struct {
	mu    sync.RWMutex
	items map[reflect.Type]any
}

// NewFeatures returns an empty collection.
func NewFeatures() *Features {
	return &Features{items: make(map[reflect.Type]any)}
}

// SetFeature stores value as the feature of type T.
func SetFeature[T any](f *Features, value T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items == nil {
		f.items = make(map[reflect.Type]any)
	}
	f.items[reflect.TypeFor[T]()] = value
}

// Feature returns the feature of type T when present.
func Feature[T any](f *Features) (T, bool) {
	var zero T
	if f == nil {
		return zero, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.items[reflect.TypeFor[T]()]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}
