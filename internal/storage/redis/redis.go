// Package redis implements storage.Backend on Redis. Each object is a hash,
// a sorted set per namespace gives lexical listing, Lua scripts make the
// conditional writes atomic and every mutation is published so other
// processes can wake up without polling.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/uuidv7"
)

// Config configures the Redis store.
type Config struct {
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string
	// KeyPrefix namespaces every Redis key. Defaults to "attractor".
	KeyPrefix string
}

// Store implements storage.Backend on Redis.
type Store struct {
	client *redis.Client
	prefix string
}

const (
	fieldETag        = "etag"
	fieldContentType = "ct"
	fieldUpdated     = "updated"
	fieldPayload     = "payload"

	resultOK       = "ok"
	resultCAS      = "cas"
	resultMissing  = "missing"
	modeUncond     = "none"
	modeCreate     = "create"
	modeMatch      = "match"
	maxLexSentinel = "\xff"
)

var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'etag')
if ARGV[1] == 'create' and cur then return 'cas' end
if ARGV[1] == 'match' then
  if not cur then return 'missing' end
  if cur ~= ARGV[2] then return 'cas' end
end
redis.call('HSET', KEYS[1], 'etag', ARGV[3], 'ct', ARGV[4], 'updated', ARGV[5], 'payload', ARGV[6])
redis.call('ZADD', KEYS[2], 0, ARGV[7])
redis.call('PUBLISH', KEYS[3], ARGV[7])
return 'ok'
`)

var deleteScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'etag')
if not cur then return 'missing' end
if ARGV[1] ~= '' and cur ~= ARGV[1] then return 'cas' end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('PUBLISH', KEYS[3], ARGV[2])
return 'ok'
`)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	store, err := Dial(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		store.client.Close()
		return nil, err
	}
	return store, nil
}

// Dial builds a client without contacting the server.
func Dial(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis: addr required")
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.TLSServerName,
		}
	}
	return NewWithClient(redis.NewClient(opts), cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	keyPrefix = strings.Trim(keyPrefix, ":")
	if keyPrefix == "" {
		keyPrefix = "attractor"
	}
	return &Store{client: client, prefix: keyPrefix}
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.client.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapError(err, "redis: ping")
	}
	return nil
}

func (s *Store) objectKey(namespace, key string) string {
	return s.prefix + ":" + namespace + ":obj:" + key
}

func (s *Store) indexKey(namespace string) string {
	return s.prefix + ":" + namespace + ":idx"
}

func (s *Store) channel(namespace string) string {
	return s.prefix + ":" + namespace + ":changes"
}

func validate(namespace, key string) error {
	if namespace == "" {
		return fmt.Errorf("redis: namespace required")
	}
	if key == "" {
		return fmt.Errorf("redis: key required")
	}
	return nil
}

// GetObject returns the payload for key.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	if err := validate(namespace, key); err != nil {
		return storage.GetObjectResult{}, err
	}
	fields, err := s.client.HGetAll(ctx, s.objectKey(namespace, key)).Result()
	if err != nil {
		return storage.GetObjectResult{}, wrapError(err, "redis: get object")
	}
	if len(fields) == 0 || fields[fieldETag] == "" {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	payload := fields[fieldPayload]
	info := objectInfo(key, fields[fieldETag], fields[fieldContentType], fields[fieldUpdated], int64(len(payload)))
	return storage.GetObjectResult{Reader: io.NopCloser(strings.NewReader(payload)), Info: &info}, nil
}

// PutObject writes key atomically via a Lua script.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := validate(namespace, key); err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	mode := modeUncond
	switch {
	case opts.ExpectedETag != "":
		mode = modeMatch
	case opts.IfNotExists:
		mode = modeCreate
	}
	etag := uuidv7.NewString()
	updated := strconv.FormatInt(time.Now().UnixNano(), 10)
	res, err := putScript.Run(ctx, s.client,
		[]string{s.objectKey(namespace, key), s.indexKey(namespace), s.channel(namespace)},
		mode, opts.ExpectedETag, etag, opts.ContentType, updated, payload, key,
	).Text()
	if err != nil {
		return nil, wrapError(err, "redis: put object")
	}
	switch res {
	case resultOK:
	case resultCAS:
		return nil, storage.ErrCASMismatch
	case resultMissing:
		return nil, storage.ErrNotFound
	default:
		return nil, fmt.Errorf("redis: unexpected put result %q", res)
	}
	info := objectInfo(key, etag, opts.ContentType, updated, int64(len(payload)))
	return &info, nil
}

// DeleteObject removes key, optionally enforcing a matching ETag.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	if err := validate(namespace, key); err != nil {
		return err
	}
	res, err := deleteScript.Run(ctx, s.client,
		[]string{s.objectKey(namespace, key), s.indexKey(namespace), s.channel(namespace)},
		opts.ExpectedETag, key,
	).Text()
	if err != nil {
		return wrapError(err, "redis: delete object")
	}
	switch res {
	case resultOK:
		return nil
	case resultCAS:
		return storage.ErrCASMismatch
	case resultMissing:
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	default:
		return fmt.Errorf("redis: unexpected delete result %q", res)
	}
}

// lexRange converts list options into ZRANGEBYLEX bounds.
func lexRange(opts storage.ListOptions) (string, string) {
	min, max := "-", "+"
	if opts.Prefix != "" {
		min = "[" + opts.Prefix
		max = "[" + opts.Prefix + maxLexSentinel
	}
	if opts.StartAfter != "" && opts.StartAfter >= opts.Prefix {
		min = "(" + opts.StartAfter
	}
	return min, max
}

// ListObjects walks the namespace index in lexical order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	if namespace == "" {
		return nil, fmt.Errorf("redis: namespace required")
	}
	min, max := lexRange(opts)
	by := &redis.ZRangeBy{Min: min, Max: max}
	if opts.Limit > 0 {
		by.Count = int64(opts.Limit + 1)
	}
	keys, err := s.client.ZRangeByLex(ctx, s.indexKey(namespace), by).Result()
	if err != nil {
		return nil, wrapError(err, "redis: list objects")
	}
	result := &storage.ListResult{}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
		result.Truncated = true
		result.NextStartAfter = keys[len(keys)-1]
	}
	if len(keys) == 0 {
		return result, nil
	}
	pipe := s.client.Pipeline()
	metas := make([]*redis.SliceCmd, len(keys))
	sizes := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		objKey := s.objectKey(namespace, key)
		metas[i] = pipe.HMGet(ctx, objKey, fieldETag, fieldContentType, fieldUpdated)
		sizes[i] = pipe.HStrLen(ctx, objKey, fieldPayload)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapError(err, "redis: list objects")
	}
	for i, key := range keys {
		vals := metas[i].Val()
		if len(vals) != 3 || vals[0] == nil {
			continue
		}
		etag, _ := vals[0].(string)
		ct, _ := vals[1].(string)
		updated, _ := vals[2].(string)
		result.Objects = append(result.Objects, objectInfo(key, etag, ct, updated, sizes[i].Val()))
	}
	return result, nil
}

func objectInfo(key, etag, contentType, updated string, size int64) storage.ObjectInfo {
	nanos, _ := strconv.ParseInt(updated, 10, 64)
	return storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         size,
		LastModified: time.Unix(0, nanos).UTC(),
		ContentType:  contentType,
	}
}

// SubscribeChanges listens on the namespace change channel and signals for
// keys under prefix.
func (s *Store) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	if namespace == "" {
		return nil, fmt.Errorf("redis: namespace required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := s.client.Subscribe(ctx, s.channel(namespace))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, wrapError(err, "redis: subscribe")
	}
	sub := &subscription{
		pubsub: pubsub,
		cancel: cancel,
		prefix: prefix,
		events: make(chan struct{}, 1),
	}
	go sub.run(pubsub.Channel())
	return sub, nil
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	prefix string
	events chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}

func (s *subscription) run(ch <-chan *redis.Message) {
	defer close(s.events)
	for msg := range ch {
		if !strings.HasPrefix(msg.Payload, s.prefix) {
			continue
		}
		select {
		case s.events <- struct{}{}:
		default:
		}
	}
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, redis.ErrClosed) || isBusy(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "BUSY") || strings.HasPrefix(msg, "TRYAGAIN")
}
