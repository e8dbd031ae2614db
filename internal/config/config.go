package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends selectable via MONGOBRANCH_STORE_BACKEND.
const (
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config holds all process-wide settings. It is resolved once at startup
// from environment variables (prefix MONGOBRANCH_) and optional flags;
// components receive it by value and never consult the environment again.
type Config struct {
	ListenAddr string

	StoreBackend       string
	S3Bucket           string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string

	DockerHost string
	MongoImage string

	CatalogPath     string
	BaseSnapshotKey string

	PortRangeStart int
	PortRangeEnd   int

	OperationTimeout time.Duration
	RetryAttempts    int
	RetryBackoff     time.Duration

	IdleSuspend   bool
	IdleThreshold time.Duration
	ScanInterval  time.Duration

	RateLimitPerHour int
	RateLimitBurst   int

	MaxConcurrentCreates int64
	PurgeOnDelete        bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen-addr", ":8080")
	v.SetDefault("store-backend", BackendS3)
	v.SetDefault("aws-region", "us-east-1")
	v.SetDefault("mongo-image", "mongo:7")
	v.SetDefault("catalog-path", "data/catalog.db")
	v.SetDefault("base-snapshot-key", "base/dump.archive")
	v.SetDefault("port-range-start", 30000)
	v.SetDefault("port-range-end", 40000)
	v.SetDefault("operation-timeout", 5*time.Minute)
	v.SetDefault("retry-attempts", 3)
	v.SetDefault("retry-backoff", 2*time.Second)
	v.SetDefault("idle-suspend", true)
	v.SetDefault("idle-threshold", 10*time.Minute)
	v.SetDefault("scan-interval", time.Minute)
	v.SetDefault("rate-limit-per-hour", 100)
	v.SetDefault("rate-limit-burst", 10)
	v.SetDefault("max-concurrent-creates", 10)
	v.SetDefault("purge-on-delete", true)
}

// Load resolves the configuration from the environment. The format of the
// environment variables is MONGOBRANCH_<key> with dashes replaced by
// underscores (e.g. MONGOBRANCH_S3_BUCKET, MONGOBRANCH_IDLE_THRESHOLD=15m).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("mongobranch")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		ListenAddr:           v.GetString("listen-addr"),
		StoreBackend:         v.GetString("store-backend"),
		S3Bucket:             v.GetString("s3-bucket"),
		AWSRegion:            v.GetString("aws-region"),
		AWSAccessKeyID:       v.GetString("aws-access-key-id"),
		AWSSecretAccessKey:   v.GetString("aws-secret-access-key"),
		DockerHost:           v.GetString("docker-host"),
		MongoImage:           v.GetString("mongo-image"),
		CatalogPath:          v.GetString("catalog-path"),
		BaseSnapshotKey:      v.GetString("base-snapshot-key"),
		PortRangeStart:       v.GetInt("port-range-start"),
		PortRangeEnd:         v.GetInt("port-range-end"),
		OperationTimeout:     v.GetDuration("operation-timeout"),
		RetryAttempts:        v.GetInt("retry-attempts"),
		RetryBackoff:         v.GetDuration("retry-backoff"),
		IdleSuspend:          v.GetBool("idle-suspend"),
		IdleThreshold:        v.GetDuration("idle-threshold"),
		ScanInterval:         v.GetDuration("scan-interval"),
		RateLimitPerHour:     v.GetInt("rate-limit-per-hour"),
		RateLimitBurst:       v.GetInt("rate-limit-burst"),
		MaxConcurrentCreates: v.GetInt64("max-concurrent-creates"),
		PurgeOnDelete:        v.GetBool("purge-on-delete"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on settings the process cannot run without.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("config: MONGOBRANCH_S3_BUCKET is required for the s3 store backend")
		}
		if c.AWSAccessKeyID == "" || c.AWSSecretAccessKey == "" {
			return fmt.Errorf("config: AWS credentials are required for the s3 store backend")
		}
	case BackendMemory:
		// nothing to validate, volatile backend for local development
	default:
		return fmt.Errorf("config: unknown store backend %q (expected s3 or memory)", c.StoreBackend)
	}

	if c.PortRangeStart <= 0 || c.PortRangeEnd <= c.PortRangeStart {
		return fmt.Errorf("config: invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("config: operation timeout must be positive")
	}
	if c.IdleSuspend && c.IdleThreshold <= 0 {
		return fmt.Errorf("config: idle threshold must be positive when idle suspend is enabled")
	}
	return nil
}
