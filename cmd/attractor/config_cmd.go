package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/attractor"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage attractor configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.attractor/" + attractor.DefaultConfigFileName
	if dir, err := attractor.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, attractor.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default attractor configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := attractor.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, attractor.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Store                    string   `yaml:"store"`
	Namespace                string   `yaml:"namespace"`
	AddressBookNamespace     string   `yaml:"address-book-namespace"`
	MailboxNamespace         string   `yaml:"mailbox-namespace"`
	AddressBookCollection    string   `yaml:"address-book-collection"`
	MailboxCollection        string   `yaml:"mailbox-collection"`
	Sender                   string   `yaml:"sender"`
	MaxPayload               string   `yaml:"max-payload"`
	Keystore                 string   `yaml:"keystore"`
	SealSnappy               bool     `yaml:"seal-snappy"`
	S3SSE                    string   `yaml:"s3-sse"`
	S3KMSKeyID               string   `yaml:"s3-kms-key-id"`
	AWSRegion                string   `yaml:"aws-region"`
	AWSKMSKeyID              string   `yaml:"aws-kms-key-id"`
	AzureAccount             string   `yaml:"azure-account"`
	AzureEndpoint            string   `yaml:"azure-endpoint"`
	RedisUsername            string   `yaml:"redis-username"`
	BoltTimeout              string   `yaml:"bolt-timeout"`
	StorageRetryMaxAttempts  int      `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay    string   `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay     string   `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier   float64  `yaml:"storage-retry-multiplier"`
	StoreConnectTimeout      string   `yaml:"store-connect-timeout"`
	Listen                   string   `yaml:"listen"`
	HTTP2MaxConcurrentStream uint32   `yaml:"http2-max-concurrent-streams"`
	MetricsListen            string   `yaml:"metrics-listen"`
	PprofListen              string   `yaml:"pprof-listen"`
	EnableProfilingMetrics   bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint             string   `yaml:"otlp-endpoint"`
	Owner                    string   `yaml:"owner"`
	VisibilityTimeout        string   `yaml:"visibility-timeout"`
	LeaseTTL                 string   `yaml:"lease-ttl"`
	Heartbeat                string   `yaml:"heartbeat"`
	PollInterval             string   `yaml:"poll-interval"`
	PollJitter               string   `yaml:"poll-jitter"`
	MaxInFlight              int      `yaml:"max-in-flight"`
	MaxAttempts              int      `yaml:"max-attempts"`
	ShutdownGrace            string   `yaml:"shutdown-grace"`
	DisableStoreWatch        bool     `yaml:"disable-store-watch"`
	HostSampleInterval       string   `yaml:"host-sample-interval"`
	Sinks                    []string `yaml:"sink"`
	LogLevel                 string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Store:                    attractor.DefaultStore,
		Namespace:                attractor.DefaultNamespace,
		AddressBookNamespace:     attractor.DefaultNamespace,
		MailboxNamespace:         attractor.DefaultNamespace,
		AddressBookCollection:    attractor.DefaultAddressBookCollection,
		MailboxCollection:        attractor.DefaultMailboxCollection,
		MaxPayload:               humanizeBytes(attractor.DefaultMaxPayloadBytes),
		BoltTimeout:              "1s",
		StorageRetryMaxAttempts:  attractor.DefaultStoreRetryMaxAttempts,
		StorageRetryBaseDelay:    attractor.DefaultStoreRetryBaseDelay.String(),
		StorageRetryMaxDelay:     attractor.DefaultStoreRetryMaxDelay.String(),
		StorageRetryMultiplier:   attractor.DefaultStoreRetryMultiplier,
		StoreConnectTimeout:      attractor.DefaultStoreConnectTimeout.String(),
		Listen:                   "127.0.0.1:9380",
		HTTP2MaxConcurrentStream: attractor.DefaultHTTPMaxConcurrentStreams,
		MetricsListen:            attractor.DefaultMetricsListen,
		PprofListen:              attractor.DefaultPprofListen,
		VisibilityTimeout:        attractor.DefaultVisibilityTimeout.String(),
		LeaseTTL:                 attractor.DefaultLeaseTTL.String(),
		Heartbeat:                attractor.DefaultHeartbeatInterval.String(),
		PollInterval:             attractor.DefaultPollInterval.String(),
		PollJitter:               attractor.DefaultPollJitter.String(),
		MaxInFlight:              attractor.DefaultMaxInFlight,
		ShutdownGrace:            attractor.DefaultShutdownGrace.String(),
		HostSampleInterval:       "0s",
		LogLevel:                 "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
