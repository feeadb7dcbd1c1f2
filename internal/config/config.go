package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Chain    ChainConfig
	Engine   EngineConfig
	Server   ServerConfig
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" | "postgres"
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	RPCURL             string `mapstructure:"rpc_url"`
	ContractAddress    string `mapstructure:"contract_address"`
	OperatorPrivateKey string `mapstructure:"operator_private_key"`
	ChainID            int64  `mapstructure:"chain_id"`
	Confirmations      uint64 `mapstructure:"confirmations"`
	StartBlock         uint64 `mapstructure:"start_block"`
	BatchSize          uint64 `mapstructure:"batch_size"`
	PollIntervalSec    int64  `mapstructure:"poll_interval_sec"`
}

type EngineConfig struct {
	NodeID                int64 `mapstructure:"node_id"`
	Workers               int   `mapstructure:"workers"`
	RandomnessTimeoutSec  int64 `mapstructure:"randomness_timeout_sec"`
	RandomnessMaxAttempts int   `mapstructure:"randomness_max_attempts"`
	WatchdogIntervalSec   int64 `mapstructure:"watchdog_interval_sec"`
	SweepIntervalSec      int64 `mapstructure:"sweep_interval_sec"`
	RecoveryIntervalSec   int64 `mapstructure:"recovery_interval_sec"`
	LossRecoveryTTLHours  int64 `mapstructure:"loss_recovery_ttl_hours"`
	ItemCreditTTLHours    int64 `mapstructure:"item_credit_ttl_hours"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	AdminKey string `mapstructure:"admin_key"`
}

// PollInterval is the delay between ingestion polls when the pipeline is caught up.
func (c ChainConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c EngineConfig) RandomnessTimeout() time.Duration {
	return time.Duration(c.RandomnessTimeoutSec) * time.Second
}

func (c EngineConfig) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalSec) * time.Second
}

func (c EngineConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// RecoveryInterval is the period of the pass that settles terminal raffles
// whose settlement did not run.
func (c EngineConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSec) * time.Second
}

// LossRecoveryTTL is the lifetime of a general-scope loss-recovery credit.
func (c EngineConfig) LossRecoveryTTL() time.Duration {
	return time.Duration(c.LossRecoveryTTLHours) * time.Hour
}

// ItemCreditTTL is the lifetime of an item-scoped loss-recovery credit.
func (c EngineConfig) ItemCreditTTL() time.Duration {
	return time.Duration(c.ItemCreditTTLHours) * time.Hour
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:raffle.db?_pragma=busy_timeout(5000)")
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("chain.confirmations", 12)
	v.SetDefault("chain.batch_size", 500)
	v.SetDefault("chain.poll_interval_sec", 5)
	v.SetDefault("engine.node_id", 1)
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.randomness_timeout_sec", 600)
	v.SetDefault("engine.randomness_max_attempts", 3)
	v.SetDefault("engine.watchdog_interval_sec", 60)
	v.SetDefault("engine.sweep_interval_sec", 300)
	v.SetDefault("engine.recovery_interval_sec", 300)
	v.SetDefault("engine.loss_recovery_ttl_hours", 24*90)
	v.SetDefault("engine.item_credit_ttl_hours", 24*30)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"database.driver":                "DB_DRIVER",
		"database.dsn":                   "DB_DSN",
		"redis.addr":                     "REDIS_ADDR",
		"redis.password":                 "REDIS_PASSWORD",
		"chain.rpc_url":                  "RPC_URL",
		"chain.contract_address":         "RAFFLE_CONTRACT",
		"chain.operator_private_key":     "OPERATOR_PRIVATE_KEY",
		"chain.chain_id":                 "CHAIN_ID",
		"chain.confirmations":            "CONFIRMATIONS",
		"chain.start_block":              "START_BLOCK",
		"chain.batch_size":               "INGEST_BATCH_SIZE",
		"chain.poll_interval_sec":        "INGEST_POLL_INTERVAL_SEC",
		"engine.node_id":                 "NODE_ID",
		"engine.workers":                 "INGEST_WORKERS",
		"engine.randomness_timeout_sec":  "RANDOMNESS_TIMEOUT_SEC",
		"engine.randomness_max_attempts": "RANDOMNESS_MAX_ATTEMPTS",
		"engine.watchdog_interval_sec":   "WATCHDOG_INTERVAL_SEC",
		"engine.sweep_interval_sec":      "SWEEP_INTERVAL_SEC",
		"engine.recovery_interval_sec":   "SETTLEMENT_RECOVERY_INTERVAL_SEC",
		"engine.loss_recovery_ttl_hours": "LOSS_RECOVERY_TTL_HOURS",
		"engine.item_credit_ttl_hours":   "ITEM_CREDIT_TTL_HOURS",
		"server.port":                    "PORT",
		"server.admin_key":               "ADMIN_KEY",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Database.DSN, "DB_DSN"},
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.ContractAddress, "RAFFLE_CONTRACT"},
		{c.Chain.OperatorPrivateKey, "OPERATOR_PRIVATE_KEY"},
		{c.Server.AdminKey, "ADMIN_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be >= 1")
	}
	if c.Engine.RandomnessMaxAttempts < 1 {
		return fmt.Errorf("RANDOMNESS_MAX_ATTEMPTS must be >= 1")
	}
	if c.Chain.BatchSize == 0 {
		return fmt.Errorf("INGEST_BATCH_SIZE must be >= 1")
	}
	type positive struct {
		val  int64
		name string
	}
	for _, p := range []positive{
		{c.Chain.PollIntervalSec, "INGEST_POLL_INTERVAL_SEC"},
		{c.Engine.RandomnessTimeoutSec, "RANDOMNESS_TIMEOUT_SEC"},
		{c.Engine.WatchdogIntervalSec, "WATCHDOG_INTERVAL_SEC"},
		{c.Engine.SweepIntervalSec, "SWEEP_INTERVAL_SEC"},
		{c.Engine.RecoveryIntervalSec, "SETTLEMENT_RECOVERY_INTERVAL_SEC"},
		{c.Engine.LossRecoveryTTLHours, "LOSS_RECOVERY_TTL_HOURS"},
		{c.Engine.ItemCreditTTLHours, "ITEM_CREDIT_TTL_HOURS"},
	} {
		if p.val < 1 {
			return fmt.Errorf("%s must be >= 1", p.name)
		}
	}
	return nil
}
