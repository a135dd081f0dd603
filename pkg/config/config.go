package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/skyblockdynamic/nestworld/pkg/types"
)

// Config holds every tunable the control plane reads from the environment.
type Config struct {
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	LXDSocketPath       string   `mapstructure:"LXD_SOCKET_PATH"`
	LXDProject          string   `mapstructure:"LXD_PROJECT"`
	LXDBaseImage        string   `mapstructure:"LXD_BASE_IMAGE"`
	LXDNewBaseImage     string   `mapstructure:"LXD_NEW_BASE_IMAGE"`
	LXDOperationTimeout int      `mapstructure:"LXD_OPERATION_TIMEOUT"`
	LXDIPRetryAttempts  int      `mapstructure:"LXD_IP_RETRY_ATTEMPTS"`
	LXDIPRetryDelay     int      `mapstructure:"LXD_IP_RETRY_DELAY"`
	LXDDefaultProfiles  []string `mapstructure:"-"`

	MaxRunningServers     int `mapstructure:"MAX_RUNNING_SERVERS"`
	DefaultMCPortInternal int `mapstructure:"DEFAULT_MC_PORT_INTERNAL"`
	AdmissionTickSeconds  int `mapstructure:"CREATION_QUEUE_WORKER_INTERVAL"`

	UpdateStrategy             string `mapstructure:"UPDATE_STRATEGY"`
	IslandUpdateFileSourcePath string `mapstructure:"ISLAND_UPDATE_FILE_SOURCE_PATH"`
	IslandUpdateFileTargetPath string `mapstructure:"ISLAND_UPDATE_FILE_TARGET_PATH"`
	UpdateWorkerMaxRetries     int    `mapstructure:"UPDATE_WORKER_MAX_RETRIES"`
	UpdateWorkerPollInterval   int    `mapstructure:"UPDATE_WORKER_POLL_INTERVAL"`

	RedisURL     string `mapstructure:"REDIS_URL"`
	RedisChannel string `mapstructure:"REDIS_CHANNEL"`

	AdminAPIKey string `mapstructure:"ADMIN_API_KEY"`

	ListenAddr string `mapstructure:"LISTEN_ADDR"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	LogJSON    bool   `mapstructure:"LOG_JSON"`
}

// Load reads configuration from the environment (and an optional .env file)
// with the documented defaults. Environment variables always win.
func Load() (*Config, error) {
	// .env is optional; missing files are fine.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("LXD_SOCKET_PATH", "/var/snap/lxd/common/lxd/unix.socket")
	v.SetDefault("LXD_PROJECT", "default")
	v.SetDefault("LXD_BASE_IMAGE", "skyblock-template")
	v.SetDefault("LXD_NEW_BASE_IMAGE", "")
	v.SetDefault("LXD_OPERATION_TIMEOUT", 30)
	v.SetDefault("LXD_IP_RETRY_ATTEMPTS", 10)
	v.SetDefault("LXD_IP_RETRY_DELAY", 3)
	v.SetDefault("LXD_DEFAULT_PROFILES", "default,skyblock")
	v.SetDefault("MAX_RUNNING_SERVERS", 10)
	v.SetDefault("DEFAULT_MC_PORT_INTERNAL", 25565)
	v.SetDefault("CREATION_QUEUE_WORKER_INTERVAL", 10)
	v.SetDefault("UPDATE_STRATEGY", string(types.StrategyFiles))
	v.SetDefault("ISLAND_UPDATE_FILE_SOURCE_PATH", "")
	v.SetDefault("ISLAND_UPDATE_FILE_TARGET_PATH", "")
	v.SetDefault("UPDATE_WORKER_MAX_RETRIES", 3)
	v.SetDefault("UPDATE_WORKER_POLL_INTERVAL", 10)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("REDIS_CHANNEL", "nestworld:events")
	v.SetDefault("ADMIN_API_KEY", "")
	v.SetDefault("LISTEN_ADDR", ":8000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.LXDDefaultProfiles = splitProfiles(v.GetString("LXD_DEFAULT_PROFILES"))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations the workers cannot run with.
func (c *Config) Validate() error {
	if c.MaxRunningServers < 1 {
		return fmt.Errorf("MAX_RUNNING_SERVERS must be at least 1, got %d", c.MaxRunningServers)
	}
	switch types.UpdateStrategy(c.UpdateStrategy) {
	case types.StrategyFiles, types.StrategyImage:
	default:
		return fmt.Errorf("UPDATE_STRATEGY must be %q or %q, got %q",
			types.StrategyFiles, types.StrategyImage, c.UpdateStrategy)
	}
	if c.UpdateWorkerMaxRetries < 0 {
		return fmt.Errorf("UPDATE_WORKER_MAX_RETRIES must not be negative")
	}
	return nil
}

// OperationTimeout returns the per-call driver deadline.
func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.LXDOperationTimeout) * time.Second
}

// IPRetryDelay returns the pause between IPv4 resolution attempts.
func (c *Config) IPRetryDelay() time.Duration {
	return time.Duration(c.LXDIPRetryDelay) * time.Second
}

// AdmissionTick returns the admission worker polling interval.
func (c *Config) AdmissionTick() time.Duration {
	return time.Duration(c.AdmissionTickSeconds) * time.Second
}

// UpdatePollInterval returns the update worker fallback polling interval.
func (c *Config) UpdatePollInterval() time.Duration {
	return time.Duration(c.UpdateWorkerPollInterval) * time.Second
}

func splitProfiles(raw string) []string {
	parts := strings.Split(raw, ",")
	profiles := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			profiles = append(profiles, trimmed)
		}
	}
	return profiles
}
