package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.LXDProject)
	assert.Equal(t, 30, cfg.LXDOperationTimeout)
	assert.Equal(t, 10, cfg.LXDIPRetryAttempts)
	assert.Equal(t, 3, cfg.LXDIPRetryDelay)
	assert.Equal(t, []string{"default", "skyblock"}, cfg.LXDDefaultProfiles)
	assert.Equal(t, 10, cfg.MaxRunningServers)
	assert.Equal(t, 25565, cfg.DefaultMCPortInternal)
	assert.Equal(t, "files", cfg.UpdateStrategy)
	assert.Equal(t, 3, cfg.UpdateWorkerMaxRetries)
	assert.Equal(t, 10*time.Second, cfg.UpdatePollInterval())
	assert.Equal(t, 30*time.Second, cfg.OperationTimeout())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_RUNNING_SERVERS", "25")
	t.Setenv("LXD_PROJECT", "skyblock-prod")
	t.Setenv("LXD_DEFAULT_PROFILES", "default, skyblock, monitoring")
	t.Setenv("UPDATE_STRATEGY", "image")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.MaxRunningServers)
	assert.Equal(t, "skyblock-prod", cfg.LXDProject)
	assert.Equal(t, []string{"default", "skyblock", "monitoring"}, cfg.LXDDefaultProfiles)
	assert.Equal(t, "image", cfg.UpdateStrategy)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero running cap",
			mutate:  func(c *Config) { c.MaxRunningServers = 0 },
			wantErr: "MAX_RUNNING_SERVERS",
		},
		{
			name:    "unknown update strategy",
			mutate:  func(c *Config) { c.UpdateStrategy = "bluegreen" },
			wantErr: "UPDATE_STRATEGY",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.UpdateWorkerMaxRetries = -1 },
			wantErr: "UPDATE_WORKER_MAX_RETRIES",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSplitProfiles(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitProfiles("a,b"))
	assert.Equal(t, []string{"a", "b"}, splitProfiles(" a , b ,"))
	assert.Empty(t, splitProfiles(""))
}
