// Package config loads the pool service's configuration from environment
// variables, following the same envconfig-tagged-struct pattern the rest of
// this codebase's Proxmox and cloning configs use.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every environment-configurable setting for the pool service.
type Config struct {
	// Proxmox VE connection
	PveAPIURL    string `envconfig:"PVE_API_URL" required:"true"`
	PveAPIToken  string `envconfig:"PVE_API_TOKEN" required:"true"`
	PveNode      string `envconfig:"PVE_NODE"`
	PveVerifyTLS bool   `envconfig:"PVE_VERIFY_TLS" default:"false"`

	// Pool sizing. PoolMinSize/PoolMaxSize are accepted for forward
	// compatibility with a future floor/ceiling policy but are never
	// consulted by this service today.
	PoolMinSize        int `envconfig:"POOL_MIN_SIZE" default:"3"`
	PoolMaxSize        int `envconfig:"POOL_MAX_SIZE" default:"10"`
	PoolTargetSize     int `envconfig:"POOL_TARGET_SIZE" default:"5"`
	ReplenishInterval  int `envconfig:"REPLENISH_INTERVAL_SECONDS" default:"30"`
	ReplenishBatchSize int `envconfig:"REPLENISH_BATCH_SIZE" default:"1"`

	ContainerHostnamePrefix string `envconfig:"CONTAINER_HOSTNAME_PREFIX" default:"pool-"`
	ContainerVMIDStart      int    `envconfig:"CONTAINER_VMID_START" default:"200"`

	CloneMaxRetries        int     `envconfig:"CLONE_MAX_RETRIES" default:"3"`
	CloneRetryDelaySeconds float64 `envconfig:"CLONE_RETRY_DELAY_SECONDS" default:"5"`
	CloneRetryJitterSeconds float64 `envconfig:"CLONE_RETRY_JITTER_SECONDS" default:"2"`

	// HTTP surface
	HTTPAddr    string `envconfig:"POOL_HTTP_ADDR" default:"0.0.0.0:8007"`
	APIToken    string `envconfig:"POOL_API_TOKEN"`

	// Optional cross-process clone serialization guard (internal/haguard).
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	// Optional tracing.
	OTLPEndpoint   string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure   bool   `envconfig:"OTEL_INSECURE" default:"true"`
	ServiceName    string `envconfig:"SERVICE_NAME" default:"pool-service"`

	// PVE task-wait tuning.
	CloneTimeoutSeconds     int `envconfig:"PVE_CLONE_TIMEOUT_SECONDS" default:"300"`
	StartStopTimeoutSeconds int `envconfig:"PVE_START_STOP_TIMEOUT_SECONDS" default:"120"`
	DeleteTimeoutSeconds    int `envconfig:"PVE_DELETE_TIMEOUT_SECONDS" default:"60"`
	TaskPollIntervalMillis  int `envconfig:"PVE_TASK_POLL_INTERVAL_MS" default:"1000"`
}

// Load reads the configuration from the environment, applying defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process pool service configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) CloneTimeout() time.Duration {
	return time.Duration(c.CloneTimeoutSeconds) * time.Second
}

func (c *Config) StartStopTimeout() time.Duration {
	return time.Duration(c.StartStopTimeoutSeconds) * time.Second
}

func (c *Config) DeleteTimeout() time.Duration {
	return time.Duration(c.DeleteTimeoutSeconds) * time.Second
}

func (c *Config) TaskPollInterval() time.Duration {
	return time.Duration(c.TaskPollIntervalMillis) * time.Millisecond
}

func (c *Config) ReplenishIntervalDuration() time.Duration {
	return time.Duration(c.ReplenishInterval) * time.Second
}

func (c *Config) CloneRetryDelay() time.Duration {
	return time.Duration(c.CloneRetryDelaySeconds * float64(time.Second))
}

func (c *Config) CloneRetryJitter() time.Duration {
	return time.Duration(c.CloneRetryJitterSeconds * float64(time.Second))
}
