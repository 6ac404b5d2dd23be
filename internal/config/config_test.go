package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/types"
)

func TestLoadConfig(t *testing.T) {
	if err := os.Setenv("SERVER_PORT", "9090"); err != nil {
		t.Fatalf("Failed to set SERVER_PORT: %v", err)
	}
	if err := os.Setenv("EXCLUDED_ADDRESSES", "0x000000000000000000000000000000000000dEaD, ,0x1111111111111111111111111111111111111111"); err != nil {
		t.Fatalf("Failed to set EXCLUDED_ADDRESSES: %v", err)
	}
	if err := os.Setenv("FULL_FLOW_SYNTHETIC_START", "true"); err != nil {
		t.Fatalf("Failed to set FULL_FLOW_SYNTHETIC_START: %v", err)
	}
	defer func() {
		_ = os.Unsetenv("SERVER_PORT")
		_ = os.Unsetenv("EXCLUDED_ADDRESSES")
		_ = os.Unsetenv("FULL_FLOW_SYNTHETIC_START")
	}()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if len(cfg.Reward.ExcludedAddresses) != 2 {
		t.Errorf("Reward.ExcludedAddresses = %v, want 2 entries", cfg.Reward.ExcludedAddresses)
	}
	if !cfg.Jobs.FullFlowSyntheticStart {
		t.Errorf("Jobs.FullFlowSyntheticStart = false, want true")
	}
	if cfg.Provider.RequestDelay != 500*time.Millisecond {
		t.Errorf("Provider.RequestDelay = %v, want 500ms", cfg.Provider.RequestDelay)
	}
	if cfg.Jobs.LeaseDuration != 5*time.Minute {
		t.Errorf("Jobs.LeaseDuration = %v, want 5m", cfg.Jobs.LeaseDuration)
	}
}

func TestLoadConfig_RejectsMalformedDuration(t *testing.T) {
	t.Setenv("SCHEDULE_MODE", "interval")
	t.Setenv("CYCLE_INTERVAL", "1h")
	t.Setenv("OFFSET_START_SNAPSHOT", "5mins")

	cfg, err := LoadConfig()
	require.Error(t, err)
	assert.Nil(t, cfg)
	var catErr *apperrors.CategorizedError
	require.ErrorAs(t, err, &catErr)
	assert.Equal(t, "INVALID_CONFIG", catErr.Code)
	assert.Equal(t, "OFFSET_START_SNAPSHOT", catErr.Details["key"])

	t.Setenv("OFFSET_START_SNAPSHOT", "5m")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Schedule.StartSnapshotOffset)
	assert.Equal(t, time.Hour, cfg.Schedule.CycleInterval)
}

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Backend: "memory"},
		Token:    TokenConfig{Address: "0x1111111111111111111111111111111111111111", Chain: "eth"},
		Provider: ProviderConfig{PageSize: 100, MaxRetries: 5},
		Schedule: ScheduleConfig{
			CycleMode:     "weekly",
			Mode:          "cron",
			StartSnapshot: "0 0 * * 1",
			EndSnapshot:   "0 0 * * 0",
			Calculate:     "30 0 * * 0",
			Airdrop:       "0 1 * * 0",
		},
		Reward: RewardConfig{
			MinBalance: "1000",
			Pool:       "100",
			PoolSource: types.PoolFixed,
			BatchSize:  100,
		},
		Airdrop: AirdropConfig{MinNativeBalance: "0"},
		Jobs: JobsConfig{
			LeaseDuration:      5 * time.Minute,
			LeaseRenewInterval: time.Minute,
			SnapshotFlushSize:  100,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantKey string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing airdrop schedule", func(c *Config) { c.Schedule.Airdrop = " " }, "SCHEDULE_AIRDROP"},
		{"unknown schedule mode", func(c *Config) { c.Schedule.Mode = "manual" }, "SCHEDULE_MODE"},
		{"synthetic start outside test mode", func(c *Config) { c.Jobs.FullFlowSyntheticStart = true }, "FULL_FLOW_SYNTHETIC_START"},
		{"synthetic start in test mode", func(c *Config) {
			c.Jobs.FullFlowSyntheticStart = true
			c.Schedule.CycleMode = "test"
			c.Schedule.CycleInterval = time.Hour
		}, ""},
		{"zero batch size", func(c *Config) { c.Reward.BatchSize = 0 }, "BATCH_SIZE"},
		{"bad token", func(c *Config) { c.Token.Address = "nope" }, "TOKEN_ADDRESS"},
		{"zero fixed pool", func(c *Config) { c.Reward.Pool = "0" }, "REWARD_POOL"},
		{"wallet pool without key", func(c *Config) { c.Reward.PoolSource = types.PoolWallet }, "REWARD_POOL_SOURCE"},
		{"interval cycle without interval", func(c *Config) { c.Schedule.CycleMode = "interval" }, "CYCLE_INTERVAL"},
		{"interval offsets out of order", func(c *Config) {
			c.Schedule.Mode = "interval"
			c.Schedule.CycleInterval = time.Hour
			c.Schedule.StartSnapshotOffset = 0
			c.Schedule.EndSnapshotOffset = 30 * time.Minute
			c.Schedule.CalculateOffset = 20 * time.Minute
			c.Schedule.AirdropOffset = 40 * time.Minute
		}, "OFFSET_*"},
		{"interval offsets ok", func(c *Config) {
			c.Schedule.Mode = "interval"
			c.Schedule.CycleInterval = time.Hour
			c.Schedule.EndSnapshotOffset = 30 * time.Minute
			c.Schedule.CalculateOffset = 35 * time.Minute
			c.Schedule.AirdropOffset = 40 * time.Minute
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantKey == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var catErr *apperrors.CategorizedError
			require.ErrorAs(t, err, &catErr)
			assert.Equal(t, "INVALID_CONFIG", catErr.Code)
			assert.Equal(t, tt.wantKey, catErr.Details["key"])
		})
	}
}

func TestGetEnvAsList(t *testing.T) {
	t.Setenv("TEST_LIST", "a, b,,c ")
	assert.Equal(t, []string{"a", "b", "c"}, getEnvAsList("TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, getEnvAsList("TEST_LIST_NOTSET", []string{"x"}))
}

func TestGetEnvAsBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "1")
	t.Setenv("TEST_BOOL_INVALID", "maybe")
	assert.True(t, getEnvAsBool("TEST_BOOL", false))
	assert.True(t, getEnvAsBool("TEST_BOOL_INVALID", true))
	assert.False(t, getEnvAsBool("TEST_BOOL_NOTSET", false))
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{
			name:         "returns integer when valid",
			key:          "TEST_INT",
			defaultValue: 100,
			envValue:     "200",
			want:         200,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_INT_INVALID",
			defaultValue: 100,
			envValue:     "invalid",
			want:         100,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_INT_NOTSET",
			defaultValue: 100,
			envValue:     "",
			want:         100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{
			name:         "returns duration when valid",
			key:          "TEST_DURATION",
			defaultValue: 10 * time.Second,
			envValue:     "30s",
			want:         30 * time.Second,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_DURATION_INVALID",
			defaultValue: 10 * time.Second,
			envValue:     "invalid",
			want:         10 * time.Second,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_DURATION_NOTSET",
			defaultValue: 10 * time.Second,
			envValue:     "",
			want:         10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}
