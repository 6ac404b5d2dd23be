// Package config loads the orchestrator configuration from environment variables and .env files.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Token    TokenConfig
	Provider ProviderConfig
	Chain    ChainConfig
	Schedule ScheduleConfig
	Reward   RewardConfig
	Airdrop  AirdropConfig
	Jobs     JobsConfig
	Logging  LoggingConfig
}

// ServerConfig holds admin API configuration
type ServerConfig struct {
	Port            string
	Host            string
	RequestsPerSec  float64
	RequestBurst    int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds persistence configuration
type DatabaseConfig struct {
	// Backend is "postgres" or "memory"
	Backend    string
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	MigrationsPath string
}

// ClickHouseConfig holds ClickHouse configuration. The archive is optional.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration. An empty Host disables the leader lease.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// TokenConfig identifies the token whose holders are snapshotted
type TokenConfig struct {
	Address string
	Chain   string
}

// ProviderConfig holds the holder-balance provider settings
type ProviderConfig struct {
	Name         string
	BaseURL      string
	APIKey       string
	PageSize     int
	RequestDelay time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxRetries   int
	Timeout      time.Duration
}

// ChainConfig holds the payout chain settings
type ChainConfig struct {
	RPCURLs             []string
	ChainID             int64
	PrivateKey          string
	DisperseContract    string
	Confirmations       uint64
	ReceiptPollInterval time.Duration
	TxTimeout           time.Duration
}

// ScheduleConfig drives the cycle scheduler
type ScheduleConfig struct {
	Enabled bool
	// CycleMode is weekly, daily, interval or test
	CycleMode     string
	CycleInterval time.Duration
	// Mode is cron or interval
	Mode          string
	StartSnapshot string
	EndSnapshot   string
	Calculate     string
	Airdrop       string
	// Offsets into the repeating interval when Mode is interval
	StartSnapshotOffset time.Duration
	EndSnapshotOffset   time.Duration
	CalculateOffset     time.Duration
	AirdropOffset       time.Duration
	LeaderLeaseTTL      time.Duration
}

// RewardConfig holds the calculation parameters
type RewardConfig struct {
	MinBalance        string
	Pool              string
	PoolSource        types.PoolSource
	Token             string
	BatchSize         int
	ExcludedAddresses []string
}

// AirdropConfig holds the executor guard and pacing settings
type AirdropConfig struct {
	MaxGasPriceGwei  int64
	MinNativeBalance string
	BatchDelay       time.Duration
}

// JobsConfig holds coordinator settings
type JobsConfig struct {
	LeaseDuration          time.Duration
	LeaseRenewInterval     time.Duration
	RecorderBuffer         int
	SnapshotFlushSize      int
	FullFlowSyntheticStart bool
	ShutdownTimeout        time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	if err := checkDurations(
		"CYCLE_INTERVAL", "OFFSET_START_SNAPSHOT", "OFFSET_END_SNAPSHOT", "OFFSET_CALCULATE", "OFFSET_AIRDROP",
		"LEADER_LEASE_TTL", "SERVER_SHUTDOWN_TIMEOUT", "PROVIDER_REQUEST_DELAY", "PROVIDER_BACKOFF_BASE",
		"PROVIDER_BACKOFF_MAX", "PROVIDER_TIMEOUT", "RECEIPT_POLL_INTERVAL", "TX_TIMEOUT", "BATCH_DELAY",
		"JOB_LEASE_DURATION", "JOB_LEASE_RENEW_INTERVAL", "JOB_SHUTDOWN_TIMEOUT",
	); err != nil {
		return nil, err
	}

	tokenAddress := getEnv("TOKEN_ADDRESS", "")
	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerSec:  getEnvAsFloat("ADMIN_RATE_LIMIT_RPS", 20),
			RequestBurst:    getEnvAsInt("ADMIN_RATE_LIMIT_BURST", 40),
			AllowedOrigins:  getEnvAsList("ADMIN_ALLOWED_ORIGINS", []string{"*"}),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", "postgres")),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "reward_airdrop"),
				User:           getEnv("POSTGRES_USER", "airdrop"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				MigrationsPath: getEnv("POSTGRES_MIGRATIONS_PATH", "migrations/postgres"),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "reward_airdrop"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:     getEnv("REDIS_HOST", ""),
				Port:     getEnv("REDIS_PORT", "6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvAsInt("REDIS_DB", 0),
			},
		},
		Token: TokenConfig{
			Address: tokenAddress,
			Chain:   getEnv("TOKEN_CHAIN", "eth"),
		},
		Provider: ProviderConfig{
			Name:         getEnv("PROVIDER_NAME", "moralis"),
			BaseURL:      getEnv("PROVIDER_BASE_URL", "https://deep-index.moralis.io/api/v2.2"),
			APIKey:       getEnv("PROVIDER_API_KEY", ""),
			PageSize:     getEnvAsInt("PROVIDER_PAGE_SIZE", 100),
			RequestDelay: getEnvAsDuration("PROVIDER_REQUEST_DELAY", 500*time.Millisecond),
			BackoffBase:  getEnvAsDuration("PROVIDER_BACKOFF_BASE", time.Second),
			BackoffMax:   getEnvAsDuration("PROVIDER_BACKOFF_MAX", 30*time.Second),
			MaxRetries:   getEnvAsInt("PROVIDER_MAX_RETRIES", 5),
			Timeout:      getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
		},
		Chain: ChainConfig{
			RPCURLs:             getEnvAsList("RPC_URLS", nil),
			ChainID:             int64(getEnvAsInt("CHAIN_ID", 1)),
			PrivateKey:          getEnv("DISTRIBUTOR_PRIVATE_KEY", ""),
			DisperseContract:    getEnv("DISPERSE_CONTRACT", ""),
			Confirmations:       uint64(getEnvAsInt("CONFIRMATIONS", 2)),
			ReceiptPollInterval: getEnvAsDuration("RECEIPT_POLL_INTERVAL", 3*time.Second),
			TxTimeout:           getEnvAsDuration("TX_TIMEOUT", 10*time.Minute),
		},
		Schedule: ScheduleConfig{
			Enabled:             getEnvAsBool("SCHEDULER_ENABLED", true),
			CycleMode:           strings.ToLower(getEnv("CYCLE_MODE", "weekly")),
			CycleInterval:       getEnvAsDuration("CYCLE_INTERVAL", 0),
			Mode:                strings.ToLower(getEnv("SCHEDULE_MODE", "cron")),
			StartSnapshot:       getEnv("SCHEDULE_START_SNAPSHOT", ""),
			EndSnapshot:         getEnv("SCHEDULE_END_SNAPSHOT", ""),
			Calculate:           getEnv("SCHEDULE_CALCULATE", ""),
			Airdrop:             getEnv("SCHEDULE_AIRDROP", ""),
			StartSnapshotOffset: getEnvAsDuration("OFFSET_START_SNAPSHOT", 0),
			EndSnapshotOffset:   getEnvAsDuration("OFFSET_END_SNAPSHOT", 0),
			CalculateOffset:     getEnvAsDuration("OFFSET_CALCULATE", 0),
			AirdropOffset:       getEnvAsDuration("OFFSET_AIRDROP", 0),
			LeaderLeaseTTL:      getEnvAsDuration("LEADER_LEASE_TTL", 5*time.Minute),
		},
		Reward: RewardConfig{
			MinBalance:        getEnv("MIN_BALANCE", "0"),
			Pool:              getEnv("REWARD_POOL", ""),
			PoolSource:        types.PoolSource(strings.ToLower(getEnv("REWARD_POOL_SOURCE", string(types.PoolFixed)))),
			Token:             getEnv("REWARD_TOKEN", tokenAddress),
			BatchSize:         getEnvAsInt("BATCH_SIZE", 100),
			ExcludedAddresses: getEnvAsList("EXCLUDED_ADDRESSES", nil),
		},
		Airdrop: AirdropConfig{
			MaxGasPriceGwei:  int64(getEnvAsInt("MAX_GAS_PRICE_GWEI", 50)),
			MinNativeBalance: getEnv("MIN_NATIVE_BALANCE", "10000000000000000"),
			BatchDelay:       getEnvAsDuration("BATCH_DELAY", 5*time.Second),
		},
		Jobs: JobsConfig{
			LeaseDuration:          getEnvAsDuration("JOB_LEASE_DURATION", 5*time.Minute),
			LeaseRenewInterval:     getEnvAsDuration("JOB_LEASE_RENEW_INTERVAL", time.Minute),
			RecorderBuffer:         getEnvAsInt("JOB_RECORDER_BUFFER", 256),
			SnapshotFlushSize:      getEnvAsInt("SNAPSHOT_FLUSH_SIZE", 100),
			FullFlowSyntheticStart: getEnvAsBool("FULL_FLOW_SYNTHETIC_START", false),
			ShutdownTimeout:        getEnvAsDuration("JOB_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate enforces the rules that make a configuration unusable at startup
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "postgres", "memory":
	default:
		return apperrors.NewInvalidConfigError("STORE_BACKEND", fmt.Sprintf("unsupported backend %q", c.Database.Backend))
	}

	if !common.IsHexAddress(c.Token.Address) {
		return apperrors.NewInvalidConfigError("TOKEN_ADDRESS", "must be a hex address")
	}
	if c.Reward.Token != "" && !common.IsHexAddress(c.Reward.Token) {
		return apperrors.NewInvalidConfigError("REWARD_TOKEN", "must be a hex address")
	}
	for _, addr := range c.Reward.ExcludedAddresses {
		if !common.IsHexAddress(addr) {
			return apperrors.NewInvalidConfigError("EXCLUDED_ADDRESSES", fmt.Sprintf("invalid address %q", addr))
		}
	}

	if err := c.validateSchedule(); err != nil {
		return err
	}

	if c.Jobs.FullFlowSyntheticStart && c.Schedule.CycleMode != "test" {
		return apperrors.NewInvalidConfigError("FULL_FLOW_SYNTHETIC_START", "only allowed with CYCLE_MODE=test")
	}
	if c.Jobs.SnapshotFlushSize <= 0 {
		return apperrors.NewInvalidConfigError("SNAPSHOT_FLUSH_SIZE", "must be positive")
	}
	if c.Jobs.LeaseRenewInterval <= 0 || c.Jobs.LeaseRenewInterval >= c.Jobs.LeaseDuration {
		return apperrors.NewInvalidConfigError("JOB_LEASE_RENEW_INTERVAL", "must be positive and shorter than JOB_LEASE_DURATION")
	}

	if c.Reward.BatchSize <= 0 {
		return apperrors.NewInvalidConfigError("BATCH_SIZE", "must be positive")
	}
	if !isAmount(c.Reward.MinBalance) {
		return apperrors.NewInvalidConfigError("MIN_BALANCE", "must be a non-negative integer amount")
	}
	if !isAmount(c.Airdrop.MinNativeBalance) {
		return apperrors.NewInvalidConfigError("MIN_NATIVE_BALANCE", "must be a non-negative integer amount")
	}
	switch c.Reward.PoolSource {
	case types.PoolFixed:
		if !isAmount(c.Reward.Pool) || c.Reward.Pool == "0" {
			return apperrors.NewInvalidConfigError("REWARD_POOL", "must be a positive integer amount when REWARD_POOL_SOURCE=fixed")
		}
	case types.PoolWallet:
		if len(c.Chain.RPCURLs) == 0 || c.Chain.PrivateKey == "" {
			return apperrors.NewInvalidConfigError("REWARD_POOL_SOURCE", "wallet pool requires RPC_URLS and DISTRIBUTOR_PRIVATE_KEY")
		}
	default:
		return apperrors.NewInvalidConfigError("REWARD_POOL_SOURCE", fmt.Sprintf("unsupported source %q", c.Reward.PoolSource))
	}

	if c.Chain.PrivateKey != "" && !common.IsHexAddress(c.Chain.DisperseContract) {
		return apperrors.NewInvalidConfigError("DISPERSE_CONTRACT", "must be a hex address when DISTRIBUTOR_PRIVATE_KEY is set")
	}
	if c.Provider.PageSize <= 0 || c.Provider.MaxRetries <= 0 {
		return apperrors.NewInvalidConfigError("PROVIDER_PAGE_SIZE", "page size and retries must be positive")
	}
	return nil
}

func (c *Config) validateSchedule() error {
	s := c.Schedule
	switch s.CycleMode {
	case "weekly", "daily":
	case "interval", "test":
		if s.CycleInterval <= 0 {
			return apperrors.NewInvalidConfigError("CYCLE_INTERVAL", fmt.Sprintf("required for CYCLE_MODE=%s", s.CycleMode))
		}
	default:
		return apperrors.NewInvalidConfigError("CYCLE_MODE", fmt.Sprintf("unsupported mode %q", s.CycleMode))
	}

	switch s.Mode {
	case "cron":
		required := map[string]string{
			"SCHEDULE_START_SNAPSHOT": s.StartSnapshot,
			"SCHEDULE_END_SNAPSHOT":   s.EndSnapshot,
			"SCHEDULE_CALCULATE":      s.Calculate,
			"SCHEDULE_AIRDROP":        s.Airdrop,
		}
		for _, key := range []string{"SCHEDULE_START_SNAPSHOT", "SCHEDULE_END_SNAPSHOT", "SCHEDULE_CALCULATE", "SCHEDULE_AIRDROP"} {
			if strings.TrimSpace(required[key]) == "" {
				return apperrors.NewInvalidConfigError(key, "schedule expression is required")
			}
		}
	case "interval":
		if s.CycleInterval <= 0 {
			return apperrors.NewInvalidConfigError("CYCLE_INTERVAL", "required for SCHEDULE_MODE=interval")
		}
		offsets := []time.Duration{s.StartSnapshotOffset, s.EndSnapshotOffset, s.CalculateOffset, s.AirdropOffset}
		for i, off := range offsets {
			if off < 0 || off >= s.CycleInterval {
				return apperrors.NewInvalidConfigError("OFFSET_*", "offsets must lie inside CYCLE_INTERVAL")
			}
			if i > 0 && off <= offsets[i-1] {
				return apperrors.NewInvalidConfigError("OFFSET_*", "offsets must be strictly increasing in step order")
			}
		}
	default:
		return apperrors.NewInvalidConfigError("SCHEDULE_MODE", fmt.Sprintf("unsupported mode %q", s.Mode))
	}
	return nil
}

func isAmount(s string) bool {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	return ok && v.Sign() >= 0
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool accepts the strconv.ParseBool spellings
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// checkDurations rejects set but unparseable duration variables, which getEnvAsDuration
// would otherwise replace with their defaults
func checkDurations(keys ...string) error {
	for _, key := range keys {
		valueStr := getEnv(key, "")
		if valueStr == "" {
			continue
		}
		if _, err := time.ParseDuration(valueStr); err != nil {
			return apperrors.NewInvalidConfigError(key, fmt.Sprintf("invalid duration %q", valueStr))
		}
	}
	return nil
}

// getEnvAsList splits a comma separated variable, dropping empty entries
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
