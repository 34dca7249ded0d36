package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/attractor"
	"pkt.systems/attractor/address"
	"pkt.systems/attractor/internal/svcfields"
	"pkt.systems/attractor/metadata"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("ATTRACTOR_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "attractor")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

// loadConfigFile reads the YAML config named by --config, or the default
// file when it exists. It returns the path read, if any.
func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := attractor.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, attractor.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	levels := newLevelSwitch(baseLogger)
	var configFile string

	cmd := &cobra.Command{
		Use:           "attractor",
		Short:         "attractor hosts actors whose mailboxes and addresses live in shared object storage",
		SilenceErrors: true,
		Example: `
  # Relay host with the HTTP API on the default listener, in-memory store
  attractor --store mem://

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  ATTRACTOR_STORE=s3://localhost:9000/actors?insecure=1 ATTRACTOR_S3_ACCESS_KEY_ID=minioadmin ATTRACTOR_S3_SECRET_ACCESS_KEY=minioadmin attractor

  # Consume and log everything sent to two addresses
  attractor --store disk:///var/lib/attractor --sink orders --sink invoices

  # Send a message from the shell
  echo '{"total":42}' | attractor send orders - --content-type application/json
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, err := loadConfigFile()
			if err != nil {
				return err
			}
			configFile = path
			level := strings.TrimSpace(viper.GetString("log-level"))
			if level == "" {
				return nil
			}
			parsed, ok := pslog.ParseLevel(level)
			if !ok {
				return fmt.Errorf("unknown log level %q", level)
			}
			levels.Set(parsed)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := levels.Logger()
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "host.lifecycle.init").WithLogLevel().Info(
				"welcome to attractor",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			var cfg attractor.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			bindHostConfig(&cfg)
			return runHost(cmd.Context(), cfg, hostRunOptions{
				sinks:       viper.GetStringSlice("sink"),
				sinkBase64:  viper.GetBool("sink-base64"),
				watchConfig: viper.GetBool("watch-config"),
				configFile:  configFile,
				levels:      levels,
			})
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.attractor/"+attractor.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	persistentFlags.String("store", attractor.DefaultStore, "storage backend URL (mem://, disk:///path, bolt:///file, s3://host[:port]/bucket, aws://bucket, azure://account/container, redis://host[:port]/db)")
	persistentFlags.StringP("namespace", "n", attractor.DefaultNamespace, "storage namespace shared by mailboxes and the address book")
	persistentFlags.String("address-book-namespace", "", "storage namespace of the address book (defaults to --namespace)")
	persistentFlags.String("mailbox-namespace", "", "storage namespace of mailboxes (defaults to --namespace)")
	persistentFlags.String("address-book-collection", attractor.DefaultAddressBookCollection, "key prefix of address book entries")
	persistentFlags.String("mailbox-collection", attractor.DefaultMailboxCollection, "key prefix of mailbox records")
	persistentFlags.String("sender", "", "sender identity recorded on sent messages (defaults to the owner identity)")
	persistentFlags.String("max-payload", humanizeBytes(attractor.DefaultMaxPayloadBytes), "maximum message payload size")
	persistentFlags.String("keystore", "", "kryptograf root key PEM; seals payloads at rest when set")
	persistentFlags.Bool("seal-snappy", false, "compress payloads with Snappy before sealing")
	persistentFlags.String("s3-sse", "", "server-side encryption mode for S3 objects")
	persistentFlags.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	persistentFlags.String("aws-region", "", "AWS region for aws:// backends")
	persistentFlags.String("aws-kms-key-id", "", "KMS key ID for aws:// backends")
	persistentFlags.String("azure-account", "", "Azure Storage account (overrides the URL host)")
	persistentFlags.String("azure-key", "", "Azure Storage account key (or use ATTRACTOR_AZURE_ACCOUNT_KEY)")
	persistentFlags.String("azure-endpoint", "", "Azure Blob service endpoint (Azurite, sovereign clouds)")
	persistentFlags.String("azure-sas-token", "", "Azure SAS token (optional alternative to account key)")
	persistentFlags.String("redis-username", "", "Redis ACL username when the URL has no user info")
	persistentFlags.String("redis-password", "", "Redis password when the URL has no user info")
	persistentFlags.Duration("bolt-timeout", time.Second, "how long bolt:// stores wait for the file lock")
	persistentFlags.Int("storage-retry-attempts", attractor.DefaultStoreRetryMaxAttempts, "maximum storage retry attempts")
	persistentFlags.Duration("storage-retry-base-delay", attractor.DefaultStoreRetryBaseDelay, "initial backoff for storage retries")
	persistentFlags.Duration("storage-retry-max-delay", attractor.DefaultStoreRetryMaxDelay, "maximum backoff delay for storage retries")
	persistentFlags.Float64("storage-retry-multiplier", attractor.DefaultStoreRetryMultiplier, "backoff multiplier for storage retries")
	persistentFlags.Duration("store-connect-timeout", attractor.DefaultStoreConnectTimeout, "how long to wait for the store to answer at startup")

	flags := cmd.Flags()
	flags.String("listen", "127.0.0.1:9380", "HTTP API listen address (empty disables)")
	flags.Uint32("http2-max-concurrent-streams", attractor.DefaultHTTPMaxConcurrentStreams, "maximum concurrent HTTP/2 streams per connection")
	flags.String("metrics-listen", attractor.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", attractor.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("owner", "", "address book owner identity (defaults to hostname/pid/random)")
	flags.Duration("visibility-timeout", attractor.DefaultVisibilityTimeout, "how long a claimed message stays invisible to other claimants")
	flags.Duration("lease-ttl", attractor.DefaultLeaseTTL, "address lease lifetime without a heartbeat")
	flags.Duration("heartbeat", attractor.DefaultHeartbeatInterval, "address lease renewal interval")
	flags.Duration("poll-interval", attractor.DefaultPollInterval, "idle mailbox poll interval")
	flags.Duration("poll-jitter", attractor.DefaultPollJitter, "random delay added to the poll interval (set 0 for the default)")
	flags.Int("max-in-flight", attractor.DefaultMaxInFlight, "concurrent deliveries per actor")
	flags.Int("max-attempts", 0, "claims before a message is parked as a dead letter (0 retries forever)")
	flags.Duration("shutdown-grace", attractor.DefaultShutdownGrace, "how long shutdown waits for in-flight handlers")
	flags.Bool("disable-store-watch", false, "poll only; ignore backend change notifications")
	flags.Duration("host-sample-interval", 0, "sample host CPU, memory and load into metrics at this interval (0 disables)")
	flags.StringSlice("sink", nil, "address to serve with a logging actor that consumes every message (repeatable)")
	flags.Bool("sink-base64", false, "treat --sink values as base64url-encoded binary addresses")
	flags.Bool("watch-config", false, "reload the config file on change (log level, poll interval)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("ATTRACTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level", "store", "namespace", "address-book-namespace", "mailbox-namespace", "address-book-collection", "mailbox-collection", "sender", "max-payload",
		"keystore", "seal-snappy",
		"s3-sse", "s3-kms-key-id", "aws-region", "aws-kms-key-id",
		"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
		"redis-username", "redis-password", "bolt-timeout",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier", "store-connect-timeout",
		"listen", "http2-max-concurrent-streams", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"owner", "visibility-timeout", "lease-ttl", "heartbeat", "poll-interval", "poll-jitter", "max-in-flight", "max-attempts",
		"shutdown-grace", "disable-store-watch", "host-sample-interval", "sink", "sink-base64", "watch-config",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newSendCommand(levels))
	cmd.AddCommand(newAddressCommand(levels))
	cmd.AddCommand(newMailboxCommand(levels))
	cmd.AddCommand(newKeystoreCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// bindConfig fills the store-facing settings shared by every command.
func bindConfig(cfg *attractor.Config) error {
	cfg.Store = viper.GetString("store")
	cfg.Namespace = viper.GetString("namespace")
	cfg.AddressBookNamespace = viper.GetString("address-book-namespace")
	cfg.MailboxNamespace = viper.GetString("mailbox-namespace")
	cfg.AddressBookCollection = viper.GetString("address-book-collection")
	cfg.MailboxCollection = viper.GetString("mailbox-collection")
	cfg.Sender = viper.GetString("sender")
	if maxPayload := viper.GetString("max-payload"); maxPayload != "" {
		size, err := humanize.ParseBytes(maxPayload)
		if err != nil {
			return fmt.Errorf("parse max-payload: %w", err)
		}
		cfg.MaxPayloadBytes = int64(size)
	}
	cfg.KeystorePath = viper.GetString("keystore")
	cfg.SealSnappy = viper.GetBool("seal-snappy")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.AWSRegion = strings.TrimSpace(viper.GetString("aws-region"))
	cfg.AWSKMSKeyID = strings.TrimSpace(viper.GetString("aws-kms-key-id"))
	if cfg.AWSKMSKeyID == "" {
		if v := strings.TrimSpace(os.Getenv("AWS_KMS_KEY_ID")); v != "" {
			cfg.AWSKMSKeyID = v
		}
	}
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.RedisUsername = viper.GetString("redis-username")
	cfg.RedisPassword = viper.GetString("redis-password")
	cfg.BoltTimeout = viper.GetDuration("bolt-timeout")
	cfg.StoreRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StoreRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StoreRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StoreRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.StoreConnectTimeout = viper.GetDuration("store-connect-timeout")
	return nil
}

// bindHostConfig fills the settings only a running host uses.
func bindHostConfig(cfg *attractor.Config) {
	cfg.Listen = viper.GetString("listen")
	cfg.HTTPMaxConcurrentStreams = viper.GetUint32("http2-max-concurrent-streams")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.Owner = viper.GetString("owner")
	cfg.VisibilityTimeout = viper.GetDuration("visibility-timeout")
	cfg.LeaseTTL = viper.GetDuration("lease-ttl")
	cfg.HeartbeatInterval = viper.GetDuration("heartbeat")
	cfg.PollInterval = viper.GetDuration("poll-interval")
	cfg.PollJitter = viper.GetDuration("poll-jitter")
	cfg.MaxInFlight = viper.GetInt("max-in-flight")
	cfg.MaxAttempts = viper.GetInt("max-attempts")
	cfg.ShutdownGrace = viper.GetDuration("shutdown-grace")
	cfg.DisableStoreWatch = viper.GetBool("disable-store-watch")
	cfg.HostSampleInterval = viper.GetDuration("host-sample-interval")
}

type hostRunOptions struct {
	sinks       []string
	sinkBase64  bool
	watchConfig bool
	configFile  string
	levels      *levelSwitch
}

func runHost(ctx context.Context, cfg attractor.Config, opts hostRunOptions) error {
	logger := opts.levels.Logger()
	cliLogger := svcfields.WithSubsystem(logger, "cli.root")
	host, err := attractor.New(cfg, attractor.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
		defer cancel()
		if err := host.Shutdown(shutdownCtx); err != nil {
			cliLogger.Error("shutdown failed", "error", err)
		}
	}()

	for _, raw := range opts.sinks {
		addr, err := parseAddressArg(raw, opts.sinkBase64)
		if err != nil {
			return fmt.Errorf("sink %q: %w", raw, err)
		}
		if err := host.RegisterActor(sinkHandler(logger), attractor.UseAddress(addr), attractor.WithName("sink:"+raw)); err != nil {
			return err
		}
	}

	if err := host.Start(ctx); err != nil {
		return err
	}
	if addr := host.APIAddr(); addr != nil {
		cliLogger.Info("http api listening", "addr", addr.String())
	}
	if opts.watchConfig {
		if opts.configFile == "" {
			cliLogger.Warn("watch-config requested without a config file; ignoring")
		} else {
			watcher, err := watchConfigFile(ctx, opts.configFile, opts.levels, host, svcfields.WithSubsystem(logger, "cli.config.watch"))
			if err != nil {
				return err
			}
			defer watcher.Close()
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case <-host.Done():
		return host.Wait()
	}
}

// sinkHandler logs every delivery and consumes it.
func sinkHandler(logger pslog.Logger) attractor.Handler {
	logger = svcfields.WithSubsystem(logger, "cli.sink")
	return func(ctx context.Context, msg *attractor.MessageContext) error {
		rm := msg.Received()
		sender, _ := metadata.Lookup(msg.Metadata, metadata.Sender)
		contentType, _ := metadata.Lookup(msg.Metadata, metadata.ContentType)
		logger.Info("sink.message",
			svcfields.AddressKey, msg.Address.String(),
			"id", msg.ID,
			"size", humanizeBytes(int64(len(msg.Payload))),
			"sender", sender,
			"content_type", contentType,
			"attempts", rm.Attempts(),
		)
		return rm.Consume(ctx)
	}
}

func parseAddressArg(raw string, b64 bool) (address.Address, error) {
	if b64 {
		return address.Decode(raw)
	}
	addr := address.Parse(raw)
	if err := addr.Validate(); err != nil {
		return address.Address{}, err
	}
	return addr, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
