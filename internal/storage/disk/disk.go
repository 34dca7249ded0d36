// Package disk implements storage.Backend on a local (or shared) filesystem.
//
// Every object is one file holding a single JSON header line followed by the
// raw payload. Writes land in a temp file and are renamed into place, so
// readers never observe a torn object. Conditional writes are serialised per
// namespace with an in-process mutex plus an advisory file lock, which lets
// several processes share one root.
package disk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/attractor/internal/loggingutil"
	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/uuidv7"
	"pkt.systems/pslog"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// DisableWatch turns off fsnotify change notifications.
	DisableWatch bool
	Now          func() time.Time
	Logger       pslog.Logger
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root   string
	tmpDir string
	now    func() time.Time
	logger pslog.Logger

	watchEnabled bool
	watchReason  string
}

// Advisory file locks are per process, so goroutines (and Stores sharing a
// root) in this process also need a mutex keyed by namespace directory.
var globalLocks sync.Map

func globalDirMutex(dir string) *sync.Mutex {
	mu, _ := globalLocks.LoadOrStore(dir, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type header struct {
	ETag        string `json:"etag"`
	ContentType string `json:"content_type,omitempty"`
	UpdatedAt   int64  `json:"updated_at_unix_nano"`
	Size        int64  `json:"size"`
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	tmpDir := filepath.Join(root, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare directory %q: %w", tmpDir, err)
	}
	s := &Store{
		root:   root,
		tmpDir: tmpDir,
		now:    cfg.Now,
		logger: loggingutil.EnsureLogger(cfg.Logger).With("storage_backend", "disk"),
	}
	switch {
	case cfg.DisableWatch:
		s.watchReason = "disabled"
	case isNFS(root):
		s.watchReason = "nfs"
	default:
		s.watchEnabled = true
	}
	s.sweepTemp()
	return s, nil
}

// Close releases backend resources. Subscriptions are closed by their owners.
func (s *Store) Close() error { return nil }

// Ping verifies the root directory is still reachable.
func (s *Store) Ping(context.Context) error {
	if _, err := os.Stat(s.root); err != nil {
		return storage.NewTransientError(fmt.Errorf("disk: stat root: %w", err))
	}
	return nil
}

// WatchStatus reports whether filesystem notifications are active and, if
// not, why.
func (s *Store) WatchStatus() (bool, string) {
	return s.watchEnabled, s.watchReason
}

func (s *Store) namespaceDir(namespace string) (string, error) {
	ns := strings.TrimSpace(namespace)
	if ns == "" || strings.ContainsAny(ns, `/\`) || ns == "." || ns == ".." || strings.HasPrefix(ns, ".") {
		return "", fmt.Errorf("disk: invalid namespace %q", namespace)
	}
	return filepath.Join(s.root, ns), nil
}

func (s *Store) objectsDir(namespace string) (string, error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "objects"), nil
}

func normalizeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := path.Clean("/" + key)
	if clean == "/" || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	clean = strings.TrimPrefix(clean, "/")
	if clean != key {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return clean, nil
}

func (s *Store) objectPath(namespace, key string) (string, error) {
	dir, err := s.objectsDir(namespace)
	if err != nil {
		return "", err
	}
	normalized, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(normalized)), nil
}

// lock serialises mutations in namespace across goroutines and processes.
func (s *Store) lock(namespace string) (func(), error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return nil, err
	}
	mu := globalDirMutex(dir)
	mu.Lock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: prepare namespace %q: %w", namespace, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock namespace: %w", err)
	}
	fl := &fileLock{file: f}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("disk.unlock.error", "namespace", namespace, "error", err)
		}
		mu.Unlock()
	}, nil
}

func readHeader(r *bufio.Reader) (header, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return header{}, fmt.Errorf("disk: read header: %w", err)
	}
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return header{}, fmt.Errorf("disk: decode header: %w", err)
	}
	return h, nil
}

func (s *Store) statObject(dataPath string) (*header, error) {
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: open object: %w", err)
	}
	defer f.Close()
	h, err := readHeader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (h header) info(key string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         h.ETag,
		Size:         h.Size,
		LastModified: time.Unix(0, h.UpdatedAt).UTC(),
		ContentType:  h.ContentType,
	}
}

type objectReader struct {
	*bufio.Reader
	file *os.File
}

func (o *objectReader) Close() error { return o.file.Close() }

// GetObject opens key and returns a reader positioned at the payload.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.GetObjectResult{}, err
	}
	dataPath, err := s.objectPath(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	br := bufio.NewReader(f)
	h, err := readHeader(br)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	info := h.info(key)
	return storage.GetObjectResult{Reader: &objectReader{Reader: br, file: f}, Info: &info}, nil
}

// PutObject writes key atomically, enforcing the conditions in opts.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dataPath, err := s.objectPath(namespace, key)
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("disk: read body for %q: %w", key, err)
	}
	unlock, err := s.lock(namespace)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if opts.ExpectedETag != "" || opts.IfNotExists {
		current, err := s.statObject(dataPath)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		switch {
		case opts.ExpectedETag != "" && current == nil:
			return nil, storage.ErrNotFound
		case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
			s.logger.Trace("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag == "" && current != nil:
			return nil, storage.ErrCASMismatch
		}
	}
	h := header{
		ETag:        uuidv7.NewString(),
		ContentType: opts.ContentType,
		UpdatedAt:   s.now().UnixNano(),
		Size:        int64(len(payload)),
	}
	if err := s.writeAtomic(dataPath, h, payload); err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	info := h.info(key)
	return &info, nil
}

// DeleteObject removes key, optionally enforcing a matching ETag.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dataPath, err := s.objectPath(namespace, key)
	if err != nil {
		return err
	}
	unlock, err := s.lock(namespace)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.statObject(dataPath)
	if errors.Is(err, storage.ErrNotFound) {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(dataPath))
	return nil
}

// ListObjects walks the namespace under opts.Prefix and returns keys in
// lexical order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	objectsDir, err := s.objectsDir(namespace)
	if err != nil {
		return nil, err
	}
	walkRoot := objectsDir
	if dir := path.Dir(opts.Prefix); opts.Prefix != "" && dir != "." {
		walkRoot = filepath.Join(objectsDir, filepath.FromSlash(dir))
	}
	var keys []string
	err = filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(objectsDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, opts.Prefix) || (opts.StartAfter != "" && key <= opts.StartAfter) {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disk: list %q: %w", opts.Prefix, err)
	}
	sort.Strings(keys)
	result := &storage.ListResult{}
	for _, key := range keys {
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		dataPath := filepath.Join(objectsDir, filepath.FromSlash(key))
		h, err := s.statObject(dataPath)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Objects = append(result.Objects, h.info(key))
	}
	return result, nil
}

func (s *Store) writeAtomic(dest string, h header, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(h)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(append(line, '\n')); err != nil {
		cleanup()
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		cleanup()
		return err
	}
	if err := syncFile(tmp); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

// sweepTemp removes temp files left behind by a crashed writer.
func (s *Store) sweepTemp() {
	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		return
	}
	cutoff := s.now().Add(-time.Hour)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(s.tmpDir, entry.Name()))
	}
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
