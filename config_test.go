package attractor

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected default store, got %q", cfg.Store)
	}
	if cfg.Namespace != DefaultNamespace {
		t.Fatalf("expected default namespace, got %q", cfg.Namespace)
	}
	if cfg.AddressBookNamespace != DefaultNamespace || cfg.MailboxNamespace != DefaultNamespace {
		t.Fatalf("component namespaces should follow the shared one, got %q %q", cfg.AddressBookNamespace, cfg.MailboxNamespace)
	}
	if cfg.AddressBookCollection != DefaultAddressBookCollection || cfg.MailboxCollection != DefaultMailboxCollection {
		t.Fatalf("unexpected collections: %q %q", cfg.AddressBookCollection, cfg.MailboxCollection)
	}
	if cfg.VisibilityTimeout != DefaultVisibilityTimeout {
		t.Fatalf("expected default visibility timeout, got %s", cfg.VisibilityTimeout)
	}
	if cfg.LeaseTTL != DefaultLeaseTTL || cfg.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Fatalf("unexpected lease defaults: ttl=%s heartbeat=%s", cfg.LeaseTTL, cfg.HeartbeatInterval)
	}
	if cfg.PollInterval != DefaultPollInterval || cfg.PollJitter != DefaultPollJitter {
		t.Fatalf("unexpected poll defaults: %s %s", cfg.PollInterval, cfg.PollJitter)
	}
	if cfg.MaxInFlight != DefaultMaxInFlight {
		t.Fatalf("expected default max in-flight, got %d", cfg.MaxInFlight)
	}
	if cfg.MaxPayloadBytes != DefaultMaxPayloadBytes {
		t.Fatalf("expected default payload limit, got %d", cfg.MaxPayloadBytes)
	}
	if cfg.StoreRetryMaxAttempts != DefaultStoreRetryMaxAttempts || cfg.StoreRetryMultiplier != DefaultStoreRetryMultiplier {
		t.Fatalf("unexpected retry defaults: %d %.1f", cfg.StoreRetryMaxAttempts, cfg.StoreRetryMultiplier)
	}
	if cfg.HTTPMaxConcurrentStreams != DefaultHTTPMaxConcurrentStreams {
		t.Fatalf("expected default stream cap, got %d", cfg.HTTPMaxConcurrentStreams)
	}
	if cfg.MaxAttempts != 0 {
		t.Fatalf("max attempts should stay unlimited, got %d", cfg.MaxAttempts)
	}
}

func TestConfigValidateComponentNamespaces(t *testing.T) {
	cfg := Config{Namespace: "shared", MailboxNamespace: "/messages/"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.AddressBookNamespace != "shared" || cfg.MailboxNamespace != "messages" {
		t.Fatalf("unexpected namespaces: %q %q", cfg.AddressBookNamespace, cfg.MailboxNamespace)
	}

	split := Config{AddressBookNamespace: "addresses", MailboxNamespace: "messages", AddressBookCollection: "x", MailboxCollection: "x"}
	if err := split.Validate(); err != nil {
		t.Fatalf("same collection in separate namespaces should validate: %v", err)
	}
}

func TestConfigValidateShortLeaseScalesHeartbeat(t *testing.T) {
	cfg := Config{LeaseTTL: 3 * time.Second}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.HeartbeatInterval != time.Second {
		t.Fatalf("expected heartbeat of a third of the lease, got %s", cfg.HeartbeatInterval)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "namespace slash", cfg: Config{Namespace: "a/b"}, want: "namespace"},
		{name: "same collections", cfg: Config{AddressBookCollection: "x", MailboxCollection: "x"}, want: "collections must differ"},
		{name: "same collections in explicit namespace", cfg: Config{AddressBookNamespace: "n", MailboxNamespace: "n", AddressBookCollection: "x", MailboxCollection: "x"}, want: "collections must differ"},
		{name: "mailbox namespace slash", cfg: Config{MailboxNamespace: "a/b"}, want: "namespace"},
		{name: "negative duration", cfg: Config{VisibilityTimeout: -time.Second}, want: "durations"},
		{name: "heartbeat above ttl", cfg: Config{LeaseTTL: time.Second, HeartbeatInterval: 2 * time.Second}, want: "heartbeat"},
		{name: "negative in-flight", cfg: Config{MaxInFlight: -1}, want: "in-flight"},
		{name: "negative attempts", cfg: Config{MaxAttempts: -1}, want: "max attempts"},
		{name: "profiling without metrics", cfg: Config{EnableProfilingMetrics: true}, want: "metrics-listen"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestConfigValidateKeystorePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg := Config{KeystorePath: "~/keys/root.pem", SealSnappy: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.KeystorePath != filepath.Join(home, "keys", "root.pem") {
		t.Fatalf("keystore path not expanded: %q", cfg.KeystorePath)
	}
	if !cfg.SealSnappy {
		t.Fatal("snappy should stay enabled with a keystore")
	}

	cfg = Config{SealSnappy: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.SealSnappy {
		t.Fatal("snappy should be cleared without a keystore")
	}
}

func TestDefaultKeystorePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path, err := DefaultKeystorePath()
	if err != nil {
		t.Fatalf("default keystore path: %v", err)
	}
	if path != filepath.Join(home, ".attractor", "keystore.pem") {
		t.Fatalf("unexpected path %q", path)
	}
}
