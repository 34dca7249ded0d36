// Package sealer encrypts mailbox payloads at rest with kryptograf. Every
// payload gets its own data key minted from the root key; the descriptor
// needed to reconstruct it travels with the record.
package sealer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

const defaultStreamChunkSize = 8 * 1024

var (
	bufferPool           sync.Pool
	sourceReadBufferPool = sync.Pool{
		New: func() any {
			return bufio.NewReaderSize(bytes.NewReader(nil), defaultStreamChunkSize)
		},
	}
)

// Config drives New.
type Config struct {
	RootKey keymgmt.RootKey
	Snappy  bool
}

// Sealer seals and opens payloads. A nil *Sealer passes data through.
type Sealer struct {
	kg kryptograf.Kryptograf
}

// New returns a Sealer for cfg.
func New(cfg Config) (*Sealer, error) {
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("sealer: root key required")
	}
	kg := kryptograf.New(cfg.RootKey).
		WithChunkSize(defaultStreamChunkSize).
		WithOptions(
			kryptograf.WithBufferPool(&bufferPool),
			kryptograf.WithSourceReadBufferPool(&sourceReadBufferPool),
		)
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	return &Sealer{kg: kg}, nil
}

// FromKeystore loads the root key from a kryptograf PEM keystore.
func FromKeystore(path string, snappy bool) (*Sealer, error) {
	store, err := keymgmt.LoadPEM(path)
	if err != nil {
		return nil, fmt.Errorf("sealer: load keystore %s: %w", path, err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return nil, fmt.Errorf("sealer: read root key: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("sealer: keystore %s has no root key", path)
	}
	return New(Config{RootKey: root, Snappy: snappy})
}

// GenerateKeystore writes a new PEM keystore holding a fresh root key to
// path. It refuses to overwrite an existing file unless force is set.
func GenerateKeystore(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("sealer: %s already exists", path)
		}
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto([]byte(nil), &out)
	if err != nil {
		return fmt.Errorf("sealer: init keystore: %w", err)
	}
	if _, err := store.EnsureRootKey(); err != nil {
		return fmt.Errorf("sealer: ensure root key: %w", err)
	}
	if err := store.Commit(); err != nil {
		return fmt.Errorf("sealer: commit keystore: %w", err)
	}
	if len(out) == 0 {
		raw, err := store.Bytes()
		if err != nil {
			return fmt.Errorf("sealer: serialize keystore: %w", err)
		}
		out = raw
	}
	return os.WriteFile(path, out, 0o600)
}

// Enabled reports whether s encrypts.
func (s *Sealer) Enabled() bool { return s != nil }

// Seal encrypts plaintext under a fresh data key bound to context and
// returns the ciphertext with the descriptor required by Open.
func (s *Sealer) Seal(context string, plaintext []byte) ([]byte, []byte, error) {
	if !s.Enabled() {
		return plaintext, nil, nil
	}
	mat, err := s.kg.MintDEK([]byte(context))
	if err != nil {
		return nil, nil, fmt.Errorf("sealer: mint key: %w", err)
	}
	defer mat.Zero()
	descriptor, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("sealer: marshal descriptor: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(plaintext) + 256)
	writer, err := s.kg.EncryptWriter(&buf, mat)
	if err != nil {
		return nil, nil, fmt.Errorf("sealer: encrypt: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		writer.Close()
		return nil, nil, fmt.Errorf("sealer: encrypt write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, nil, fmt.Errorf("sealer: encrypt close: %w", err)
	}
	return buf.Bytes(), descriptor, nil
}

// Open decrypts ciphertext sealed under context. An empty descriptor means
// the payload was stored in the clear and is returned as is.
func (s *Sealer) Open(context string, descriptor, ciphertext []byte) ([]byte, error) {
	if len(descriptor) == 0 {
		return ciphertext, nil
	}
	if !s.Enabled() {
		return nil, fmt.Errorf("sealer: payload is sealed but no keystore is configured")
	}
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(descriptor); err != nil {
		return nil, fmt.Errorf("sealer: decode descriptor: %w", err)
	}
	mat, err := s.kg.ReconstructDEK([]byte(context), desc)
	if err != nil {
		return nil, fmt.Errorf("sealer: reconstruct key: %w", err)
	}
	defer mat.Zero()
	reader, err := s.kg.DecryptReader(bytes.NewReader(ciphertext), mat)
	if err != nil {
		return nil, fmt.Errorf("sealer: decrypt: %w", err)
	}
	defer reader.Close()
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealer: decrypt read: %w", err)
	}
	return plaintext, nil
}
