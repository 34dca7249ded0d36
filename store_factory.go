package attractor

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/attractor/internal/clock"
	"pkt.systems/attractor/internal/storage"
	awsstore "pkt.systems/attractor/internal/storage/aws"
	azurestore "pkt.systems/attractor/internal/storage/azure"
	"pkt.systems/attractor/internal/storage/bolt"
	"pkt.systems/attractor/internal/storage/disk"
	storagelog "pkt.systems/attractor/internal/storage/logging"
	"pkt.systems/attractor/internal/storage/memory"
	redisstore "pkt.systems/attractor/internal/storage/redis"
	"pkt.systems/attractor/internal/storage/retry"
	"pkt.systems/attractor/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// openStore opens the backend named by cfg.Store, decorates it with span
// logging and transient-error retries, and verifies it is reachable.
func openStore(ctx context.Context, cfg Config, clk clock.Clock, logger pslog.Logger) (storage.Backend, error) {
	raw, err := openBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	backend := decorateBackend(raw, cfg, clk, logger)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreConnectTimeout)
	defer cancel()
	if err := storage.Ping(pingCtx, raw); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("%w: connect %s: %v", ErrStoreUnavailable, redactStoreURL(cfg.Store), err)
	}
	return backend, nil
}

func decorateBackend(raw storage.Backend, cfg Config, clk clock.Clock, logger pslog.Logger) storage.Backend {
	traced := storagelog.Wrap(raw, logger, "storage.backend")
	return retry.Wrap(traced, logger, clk, retry.Config{
		MaxAttempts: cfg.StoreRetryMaxAttempts,
		BaseDelay:   cfg.StoreRetryBaseDelay,
		MaxDelay:    cfg.StoreRetryMaxDelay,
		Multiplier:  cfg.StoreRetryMultiplier,
	})
}

func openBackend(cfg Config, logger pslog.Logger) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.NewWithConfig(memory.Config{DisableWatch: cfg.DisableStoreWatch}), nil
	case "disk":
		diskCfg, _, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Logger = logger
		return disk.New(diskCfg)
	case "bolt":
		boltCfg, err := BuildBoltConfig(cfg)
		if err != nil {
			return nil, err
		}
		return bolt.New(boltCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		return s3.New(s3cfg)
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return awsstore.New(awscfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	case "redis", "rediss":
		redisCfg, err := BuildRedisConfig(cfg)
		if err != nil {
			return nil, err
		}
		return redisstore.Dial(redisCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	root, err := urlPath(u)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("disk store path required (e.g. disk:///var/lib/attractor): %w", err)
	}
	return disk.Config{Root: root, DisableWatch: cfg.DisableStoreWatch}, root, nil
}

// BuildBoltConfig parses bolt:// URLs into a bolt.Config.
func BuildBoltConfig(cfg Config) (bolt.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return bolt.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "bolt" {
		return bolt.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	path, err := urlPath(u)
	if err != nil {
		return bolt.Config{}, fmt.Errorf("bolt store path required (e.g. bolt:///var/lib/attractor/store.db): %w", err)
	}
	return bolt.Config{Path: path, Mode: 0o600, Timeout: cfg.BoltTimeout}, nil
}

func urlPath(u *url.URL) (string, error) {
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("empty path")
	}
	return filepath.Clean(pathPart), nil
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitContainer(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	for _, name := range []string{"tls", "secure"} {
		if v := query.Get(name); v != "" {
			if ok, err := strconv.ParseBool(v); err == nil {
				secure = ok
			}
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 with regional
// configuration. Credentials come from the AWS SDK default chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	region := strings.TrimSpace(cfg.AWSRegion)
	query := u.Query()
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("ATTRACTOR_AWS_REGION", "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or ATTRACTOR_AWS_REGION)")
	}
	insecureTransport := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			insecureTransport = true
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.AWSKMSKeyID
	if kmsKey == "" {
		kmsKey = cfg.S3KMSKeyID
	}
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:       query.Get("endpoint"),
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecureTransport,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
	}, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("ATTRACTOR_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("ATTRACTOR_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("ATTRACTOR_S3_SESSION_TOKEN")
		source = "env:ATTRACTOR_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("ATTRACTOR_S3_ROOT_USER"))
		secretKey = os.Getenv("ATTRACTOR_S3_ROOT_PASSWORD")
		source = "env:ATTRACTOR_S3_ROOT_USER"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "anonymous"
		return minioCredentials.NewStaticV4("", "", ""), summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	container, prefix := splitContainer(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("ATTRACTOR_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("ATTRACTOR_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN", "AZURE_SAS_TOKEN")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildRedisConfig parses redis:// and rediss:// URLs. The path selects the
// logical database; the "prefix" query parameter namespaces keys.
func BuildRedisConfig(cfg Config) (redisstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return redisstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return redisstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	host := strings.TrimSpace(u.Host)
	if host == "" {
		return redisstore.Config{}, fmt.Errorf("redis store missing host (expected redis://host[:port][/db])")
	}
	if u.Port() == "" {
		host += ":6379"
	}
	out := redisstore.Config{
		Addr:      host,
		Username:  cfg.RedisUsername,
		Password:  cfg.RedisPassword,
		TLS:       u.Scheme == "rediss",
		KeyPrefix: u.Query().Get("prefix"),
	}
	if u.User != nil {
		out.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			out.Password = pw
		}
	}
	if out.Password == "" {
		out.Password = firstEnv("ATTRACTOR_REDIS_PASSWORD")
	}
	if db := strings.Trim(u.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil || n < 0 {
			return redisstore.Config{}, fmt.Errorf("redis store database %q must be a non-negative integer", db)
		}
		out.DB = n
	}
	if out.TLS {
		out.TLSServerName = u.Hostname()
	}
	return out, nil
}

func splitContainer(path string) (string, string) {
	path = strings.Trim(strings.TrimPrefix(path, "/"), "/")
	if path == "" {
		return "", ""
	}
	parts := strings.SplitN(path, "/", 2)
	container := strings.TrimSpace(parts[0])
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return container, prefix
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

func redactStoreURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
