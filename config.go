package attractor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultStore points the host at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultNamespace is the storage namespace shared by mailboxes and the address book.
	DefaultNamespace = "attractor"
	// DefaultAddressBookCollection is the key prefix of address book entries.
	DefaultAddressBookCollection = "addressBook"
	// DefaultMailboxCollection is the key prefix of mailbox records.
	DefaultMailboxCollection = "mailbox"
	// DefaultVisibilityTimeout is how long a claimed message stays invisible to other claimants.
	DefaultVisibilityTimeout = 30 * time.Second
	// DefaultLeaseTTL is how long an address lease survives without a heartbeat.
	DefaultLeaseTTL = 15 * time.Second
	// DefaultHeartbeatInterval controls how often address leases are renewed.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultPollInterval controls how often idle loops poll storage when no wakeup arrives.
	DefaultPollInterval = 3 * time.Second
	// DefaultPollJitter adds randomised delay to poll intervals to stagger load.
	DefaultPollJitter = 500 * time.Millisecond
	// DefaultStoreRetryMaxAttempts bounds attempts per storage call on transient failures.
	DefaultStoreRetryMaxAttempts = 6
	// DefaultStoreRetryBaseDelay is the first backoff delay between storage attempts.
	DefaultStoreRetryBaseDelay = 100 * time.Millisecond
	// DefaultStoreRetryMaxDelay caps the backoff delay between storage attempts.
	DefaultStoreRetryMaxDelay = 5 * time.Second
	// DefaultStoreRetryMultiplier grows the backoff delay between storage attempts.
	DefaultStoreRetryMultiplier = 2.0
	// DefaultShutdownGrace bounds how long Shutdown waits for in-flight handlers.
	DefaultShutdownGrace = 10 * time.Second
	// DefaultMaxPayloadBytes bounds message payloads accepted by Send.
	DefaultMaxPayloadBytes = int64(16 << 20)
	// DefaultMaxInFlight is the number of concurrent deliveries per registration.
	DefaultMaxInFlight = 1
	// DefaultLoopBackoffMin is the first delay a loop waits after a store outage.
	DefaultLoopBackoffMin = 250 * time.Millisecond
	// DefaultLoopBackoffMax caps the delay a loop waits after a store outage.
	DefaultLoopBackoffMax = 30 * time.Second
	// DefaultStoreConnectTimeout bounds the reachability check performed by New.
	DefaultStoreConnectTimeout = 10 * time.Second
	// DefaultHTTPMaxConcurrentStreams caps HTTP/2 streams per connection on the API listener.
	DefaultHTTPMaxConcurrentStreams = 256
	// DefaultListen is empty: the HTTP API is disabled unless configured.
	DefaultListen = ""
	// DefaultMetricsListen is empty: metrics are disabled unless configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultConfigFileName is the YAML file looked up under DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables of a Host and of a standalone Outbox.
type Config struct {
	// Store is the message store URL (mem://, disk:///path, bolt:///file.db,
	// s3://host/bucket, aws://bucket, azure://account/container,
	// redis://host:port/db).
	Store string
	// Namespace is the storage namespace used for all records unless a
	// component namespace overrides it.
	Namespace string
	// AddressBookNamespace is the storage namespace of address book entries.
	// Empty uses Namespace.
	AddressBookNamespace string
	// MailboxNamespace is the storage namespace of mailbox records. Empty
	// uses Namespace.
	MailboxNamespace string
	// AddressBookCollection is the key prefix of address book entries.
	AddressBookCollection string
	// MailboxCollection is the key prefix of mailbox records.
	MailboxCollection string
	// Owner overrides the owner identity recorded in the address book.
	// Empty derives "<hostname>/<pid>/<xid>".
	Owner string
	// Sender is recorded in the metadata of every message sent through the
	// outbox. Empty uses the owner identity.
	Sender string

	// VisibilityTimeout is the default claim window of registrations.
	VisibilityTimeout time.Duration
	// LeaseTTL is the default address lease duration.
	LeaseTTL time.Duration
	// HeartbeatInterval controls how often leases are renewed; must be below LeaseTTL.
	HeartbeatInterval time.Duration
	// PollInterval is the idle poll cadence of dispatch loops.
	PollInterval time.Duration
	// PollJitter adds up to this much random delay to each idle poll.
	PollJitter time.Duration
	// MaxInFlight is the default number of concurrent deliveries per registration.
	MaxInFlight int
	// MaxAttempts moves messages claimed that many times to the dead-letter
	// prefix. Zero redelivers forever.
	MaxAttempts int
	// MaxPayloadBytes rejects larger payloads at send time.
	MaxPayloadBytes int64
	// ShutdownGrace bounds how long Shutdown waits for in-flight handlers
	// before cancelling their contexts.
	ShutdownGrace time.Duration
	// LoopBackoffMin and LoopBackoffMax bound the backoff of a loop that
	// observes a store outage.
	LoopBackoffMin time.Duration
	LoopBackoffMax time.Duration
	// DisableStoreWatch skips backend change feeds and relies on polling and
	// in-process notifications.
	DisableStoreWatch bool

	// StoreRetryMaxAttempts bounds attempts per storage call on transient failures.
	StoreRetryMaxAttempts int
	// StoreRetryBaseDelay is the first delay between storage attempts.
	StoreRetryBaseDelay time.Duration
	// StoreRetryMaxDelay caps the delay between storage attempts.
	StoreRetryMaxDelay time.Duration
	// StoreRetryMultiplier grows the delay between storage attempts.
	StoreRetryMultiplier float64
	// StoreConnectTimeout bounds the reachability check performed by New.
	StoreConnectTimeout time.Duration

	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken authenticate
	// s3:// stores. Empty values fall back to ATTRACTOR_S3_* environment
	// variables.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// S3SSE selects server-side encryption ("AES256" or "aws:kms").
	S3SSE string
	// S3KMSKeyID is the KMS key used with aws:kms encryption.
	S3KMSKeyID string
	// AWSRegion is required by aws:// stores unless given in the URL.
	AWSRegion string
	// AWSKMSKeyID overrides S3KMSKeyID for aws:// stores.
	AWSKMSKeyID string
	// AzureAccount overrides the account name of azure:// URLs.
	AzureAccount string
	// AzureAccountKey authenticates with a shared key.
	AzureAccountKey string
	// AzureEndpoint overrides the blob endpoint (for Azurite and sovereign clouds).
	AzureEndpoint string
	// AzureSASToken authenticates with a SAS token.
	AzureSASToken string
	// RedisUsername and RedisPassword authenticate redis:// stores when the
	// URL carries no user info.
	RedisUsername string
	RedisPassword string
	// BoltTimeout bounds how long bolt:// stores wait for the file lock.
	BoltTimeout time.Duration

	// KeystorePath points at a kryptograf root key PEM. When set, payloads
	// are sealed at rest.
	KeystorePath string
	// SealSnappy compresses payloads before sealing.
	SealSnappy bool

	// Listen enables the HTTP API on this address.
	Listen string
	// HTTPMaxConcurrentStreams caps HTTP/2 streams per connection.
	HTTPMaxConcurrentStreams uint32
	// MetricsListen is the Prometheus scrape endpoint; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint; empty disables pprof.
	PprofListen string
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string
	// EnableProfilingMetrics exports Go runtime metrics; requires MetricsListen.
	EnableProfilingMetrics bool
	// HostSampleInterval controls how often host usage gauges are sampled.
	// Zero disables sampling.
	HostSampleInterval time.Duration
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	c.Namespace = strings.Trim(strings.TrimSpace(c.Namespace), "/")
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	c.AddressBookNamespace = strings.Trim(strings.TrimSpace(c.AddressBookNamespace), "/")
	if c.AddressBookNamespace == "" {
		c.AddressBookNamespace = c.Namespace
	}
	c.MailboxNamespace = strings.Trim(strings.TrimSpace(c.MailboxNamespace), "/")
	if c.MailboxNamespace == "" {
		c.MailboxNamespace = c.Namespace
	}
	for _, ns := range []string{c.Namespace, c.AddressBookNamespace, c.MailboxNamespace} {
		if strings.Contains(ns, "/") {
			return fmt.Errorf("config: namespace %q must not contain '/'", ns)
		}
	}
	c.AddressBookCollection = strings.Trim(strings.TrimSpace(c.AddressBookCollection), "/")
	if c.AddressBookCollection == "" {
		c.AddressBookCollection = DefaultAddressBookCollection
	}
	c.MailboxCollection = strings.Trim(strings.TrimSpace(c.MailboxCollection), "/")
	if c.MailboxCollection == "" {
		c.MailboxCollection = DefaultMailboxCollection
	}
	if c.AddressBookNamespace == c.MailboxNamespace && c.AddressBookCollection == c.MailboxCollection {
		return fmt.Errorf("config: address book and mailbox collections must differ within namespace %q", c.MailboxNamespace)
	}
	if c.VisibilityTimeout < 0 || c.LeaseTTL < 0 || c.HeartbeatInterval < 0 || c.PollInterval < 0 || c.PollJitter < 0 || c.ShutdownGrace < 0 {
		return fmt.Errorf("config: durations must be >= 0")
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
		if c.HeartbeatInterval >= c.LeaseTTL {
			c.HeartbeatInterval = c.LeaseTTL / 3
		}
	}
	if c.HeartbeatInterval >= c.LeaseTTL {
		return fmt.Errorf("config: heartbeat interval %s must be below lease ttl %s", c.HeartbeatInterval, c.LeaseTTL)
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollJitter == 0 {
		c.PollJitter = DefaultPollJitter
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("config: max in-flight must be >= 0")
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("config: max attempts must be >= 0")
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.LoopBackoffMin <= 0 {
		c.LoopBackoffMin = DefaultLoopBackoffMin
	}
	if c.LoopBackoffMax <= 0 {
		c.LoopBackoffMax = DefaultLoopBackoffMax
	}
	if c.LoopBackoffMax < c.LoopBackoffMin {
		c.LoopBackoffMax = c.LoopBackoffMin
	}
	if c.StoreRetryMaxAttempts <= 0 {
		c.StoreRetryMaxAttempts = DefaultStoreRetryMaxAttempts
	}
	if c.StoreRetryBaseDelay <= 0 {
		c.StoreRetryBaseDelay = DefaultStoreRetryBaseDelay
	}
	if c.StoreRetryMaxDelay <= 0 {
		c.StoreRetryMaxDelay = DefaultStoreRetryMaxDelay
	}
	if c.StoreRetryMultiplier < 1 {
		c.StoreRetryMultiplier = DefaultStoreRetryMultiplier
	}
	if c.StoreConnectTimeout <= 0 {
		c.StoreConnectTimeout = DefaultStoreConnectTimeout
	}
	if c.HTTPMaxConcurrentStreams == 0 {
		c.HTTPMaxConcurrentStreams = DefaultHTTPMaxConcurrentStreams
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.KeystorePath != "" {
		path, err := expandPath(c.KeystorePath)
		if err != nil {
			return fmt.Errorf("config: keystore path: %w", err)
		}
		c.KeystorePath = path
	} else {
		c.SealSnappy = false
	}
	return nil
}

// DefaultConfigDir returns $HOME/.attractor.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".attractor"), nil
}

// DefaultKeystorePath returns $HOME/.attractor/keystore.pem.
func DefaultKeystorePath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "keystore.pem"), nil
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
