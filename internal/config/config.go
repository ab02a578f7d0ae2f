package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the devboxd server. Every recognized
// option is a typed field; enum-valued knobs are validated at load time.
type Config struct {
	Port     int
	LogLevel string

	// Storage backend
	StorageBackend string // "local" or "s3"
	StorageRoot    string // root directory for the local backend

	// S3-compatible object storage
	S3Endpoint        string // e.g. "https://<account>.r2.cloudflarestorage.com"
	S3Bucket          string
	S3Region          string
	S3AccessKey       string
	S3SecretKey       string
	S3ForcePathStyle  bool // true for R2/MinIO
	MultipartMiB      int  // multipart upload threshold in MiB, default 16
	StorageRetryLimit int  // max attempts against the backend, default 5

	// Isolation
	IsolationBackend string // "auto", "microvm", "container", "process"
	WorkspacesRoot   string // per-user workspace tree, default /srv/workspaces

	// MicroVM driver
	MicroVMBin    string // path to the VMM binary
	KernelPath    string // path to the guest kernel image
	RootfsPath    string // path to the base rootfs image
	MicroVMMemMiB int
	MicroVMCPUs   int

	// Container driver
	ContainerBin      string // "podman" or "docker" compatible CLI
	ContainerImage    string
	ContainerHostname string

	// Process driver
	ProcessAllowList []string // extra commands allowed beyond the built-in set

	// Snapshots
	SnapshotRetention int // keep the N most recent snapshots per user, default 5
	CompressionLevel  int // zstd level, default 10
	PreserveMtimes    bool

	// Runtime
	ExecTimeoutSeconds     int // default 30
	KeepaliveTTLSeconds    int // default keepalive deadline extension, default 300
	SupervisorSweepSeconds int // reaper sweep interval, default 30

	// Preview proxy
	ProxyUpstreamTimeoutSeconds int // dial timeout, default 5
	ProxyErrorBudget            int // consecutive failures before promotion, default 3

	// Quota hard caps (0 = unlimited)
	QuotaExecPerHour    int
	QuotaConcurrentExec int
	QuotaMemoryBytes    int64
	QuotaStorageBytes   int64
	QuotaEgressBytes    int64
	QuotaCPUSeconds     int64

	// Auth: shared secret for verifying user tokens issued by the identity
	// collaborator. Empty enables the development token mode.
	JWTSecret string

	// NATS lifecycle event publishing (empty disables)
	NATSURL string

	// AWS Secrets Manager bootstrap — if set, secrets are fetched at
	// startup and applied to the environment before the rest of the
	// config is read.
	SecretsARN string
}

// Load reads configuration from environment variables with defaults.
// If DEVBOX_SECRETS_ARN is set, secrets are fetched from AWS Secrets
// Manager first, then environment variables are applied on top (env vars
// take precedence).
func Load() (*Config, error) {
	if arn := os.Getenv("DEVBOX_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     envOrDefaultInt("DEVBOX_PORT", 8080),
		LogLevel: envOrDefault("DEVBOX_LOG_LEVEL", "info"),

		StorageBackend: envOrDefault("STORAGE_BACKEND", "local"),
		StorageRoot:    envOrDefault("STORAGE_ROOT", "/var/lib/devbox/storage"),

		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3Region:          envOrDefault("S3_REGION", "us-east-1"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("S3_SECRET_KEY"),
		S3ForcePathStyle:  os.Getenv("S3_FORCE_PATH_STYLE") == "true",
		MultipartMiB:      envOrDefaultInt("S3_MULTIPART_THRESHOLD_MIB", 16),
		StorageRetryLimit: envOrDefaultInt("STORAGE_RETRY_LIMIT", 5),

		IsolationBackend: envOrDefault("ISOLATION_BACKEND", "auto"),
		WorkspacesRoot:   envOrDefault("WORKSPACES_ROOT", "/srv/workspaces"),

		MicroVMBin:    envOrDefault("MICROVM_BIN", "firecracker"),
		KernelPath:    os.Getenv("MICROVM_KERNEL_PATH"),
		RootfsPath:    os.Getenv("MICROVM_ROOTFS_PATH"),
		MicroVMMemMiB: envOrDefaultInt("MICROVM_MEM_MIB", 512),
		MicroVMCPUs:   envOrDefaultInt("MICROVM_CPUS", 1),

		ContainerBin:      envOrDefault("CONTAINER_BIN", "podman"),
		ContainerImage:    envOrDefault("CONTAINER_IMAGE", "docker.io/library/ubuntu:22.04"),
		ContainerHostname: envOrDefault("CONTAINER_HOSTNAME", "devbox"),

		ProcessAllowList: splitNonEmpty(os.Getenv("PROCESS_ALLOW_LIST"), ","),

		SnapshotRetention: envOrDefaultInt("SNAPSHOT_RETENTION", 5),
		CompressionLevel:  envOrDefaultInt("SNAPSHOT_COMPRESSION_LEVEL", 10),
		PreserveMtimes:    envOrDefault("SNAPSHOT_PRESERVE_MTIMES", "true") == "true",

		ExecTimeoutSeconds:     envOrDefaultInt("EXEC_TIMEOUT_SECONDS", 30),
		KeepaliveTTLSeconds:    envOrDefaultInt("KEEPALIVE_TTL_SECONDS", 300),
		SupervisorSweepSeconds: envOrDefaultInt("SUPERVISOR_SWEEP_SECONDS", 30),

		ProxyUpstreamTimeoutSeconds: envOrDefaultInt("PROXY_UPSTREAM_TIMEOUT_SECONDS", 5),
		ProxyErrorBudget:            envOrDefaultInt("PROXY_ERROR_BUDGET", 3),

		QuotaExecPerHour:    envOrDefaultInt("QUOTA_EXEC_PER_HOUR", 3600),
		QuotaConcurrentExec: envOrDefaultInt("QUOTA_CONCURRENT_EXEC", 8),
		QuotaMemoryBytes:    envOrDefaultInt64("QUOTA_MEMORY_BYTES", 2<<30),
		QuotaStorageBytes:   envOrDefaultInt64("QUOTA_STORAGE_BYTES", 10<<30),
		QuotaEgressBytes:    envOrDefaultInt64("QUOTA_EGRESS_BYTES", 5<<30),
		QuotaCPUSeconds:     envOrDefaultInt64("QUOTA_CPU_SECONDS", 7200),

		JWTSecret: os.Getenv("DEVBOX_JWT_SECRET"),
		NATSURL:   os.Getenv("DEVBOX_NATS_URL"),

		SecretsARN: os.Getenv("DEVBOX_SECRETS_ARN"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case "local", "s3":
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND %q (expected local or s3)", c.StorageBackend)
	}
	switch c.IsolationBackend {
	case "auto", "microvm", "container", "process":
	default:
		return fmt.Errorf("invalid ISOLATION_BACKEND %q (expected auto, microvm, container or process)", c.IsolationBackend)
	}
	if c.StorageBackend == "s3" && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
	}
	if c.SnapshotRetention < 1 {
		return fmt.Errorf("SNAPSHOT_RETENTION must be >= 1, got %d", c.SnapshotRetention)
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 22 {
		return fmt.Errorf("SNAPSHOT_COMPRESSION_LEVEL must be in [1,22], got %d", c.CompressionLevel)
	}
	if c.ExecTimeoutSeconds <= 0 {
		return fmt.Errorf("EXEC_TIMEOUT_SECONDS must be positive, got %d", c.ExecTimeoutSeconds)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and
// sets any values as environment variables (only if not already set, so
// explicit env vars always win). Uses the default AWS credential chain.
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (env overrides take precedence)", applied)
	return nil
}
