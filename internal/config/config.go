package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Evaluation tuning
	RuleTimeoutMs   int `mapstructure:"RULE_TIMEOUT_MS"`
	EvalTimeoutMs   int `mapstructure:"EVAL_TIMEOUT_MS"`
	SlowEvalMs      int `mapstructure:"SLOW_EVAL_MS"`
	LabLookbackDays int `mapstructure:"LAB_LOOKBACK_DAYS"`

	// Circuit breaker guarding the cache backend
	BreakerFailureThreshold int `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerResetTimeoutS    int `mapstructure:"BREAKER_RESET_TIMEOUT_S"`

	// Cache TTLs per hook class, in seconds
	CacheTTLPrescribeS int `mapstructure:"CACHE_TTL_PRESCRIBE_S"`
	CacheTTLEncounterS int `mapstructure:"CACHE_TTL_ENCOUNTER_S"`
	CacheTTLViewS      int `mapstructure:"CACHE_TTL_VIEW_S"`

	// Target hit rate used by the metrics health derivation (0..1)
	CacheHitRateTarget float64 `mapstructure:"CACHE_HIT_RATE_TARGET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RULE_TIMEOUT_MS", 500)
	v.SetDefault("EVAL_TIMEOUT_MS", 2000)
	v.SetDefault("SLOW_EVAL_MS", 250)
	v.SetDefault("LAB_LOOKBACK_DAYS", 90)
	v.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("BREAKER_RESET_TIMEOUT_S", 60)
	v.SetDefault("CACHE_TTL_PRESCRIBE_S", 60)
	v.SetDefault("CACHE_TTL_ENCOUNTER_S", 120)
	v.SetDefault("CACHE_TTL_VIEW_S", 300)
	v.SetDefault("CACHE_HIT_RATE_TARGET", 0.5)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RULE_TIMEOUT_MS")
	v.BindEnv("EVAL_TIMEOUT_MS")
	v.BindEnv("SLOW_EVAL_MS")
	v.BindEnv("LAB_LOOKBACK_DAYS")
	v.BindEnv("BREAKER_FAILURE_THRESHOLD")
	v.BindEnv("BREAKER_RESET_TIMEOUT_S")
	v.BindEnv("CACHE_TTL_PRESCRIBE_S")
	v.BindEnv("CACHE_TTL_ENCOUNTER_S")
	v.BindEnv("CACHE_TTL_VIEW_S")
	v.BindEnv("CACHE_HIT_RATE_TARGET")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. The evaluation
// deadline must leave room for at least one rule timeout, and the breaker
// thresholds must be positive so the state machine can make progress.
func (c *Config) Validate() error {
	if c.RuleTimeoutMs <= 0 {
		return fmt.Errorf("RULE_TIMEOUT_MS must be positive, got %d", c.RuleTimeoutMs)
	}
	if c.EvalTimeoutMs < c.RuleTimeoutMs {
		return fmt.Errorf("EVAL_TIMEOUT_MS (%d) must be >= RULE_TIMEOUT_MS (%d)",
			c.EvalTimeoutMs, c.RuleTimeoutMs)
	}
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive, got %d", c.BreakerFailureThreshold)
	}
	if c.BreakerResetTimeoutS <= 0 {
		return fmt.Errorf("BREAKER_RESET_TIMEOUT_S must be positive, got %d", c.BreakerResetTimeoutS)
	}
	if c.CacheHitRateTarget < 0 || c.CacheHitRateTarget > 1 {
		return fmt.Errorf("CACHE_HIT_RATE_TARGET must be in [0,1], got %g", c.CacheHitRateTarget)
	}
	if c.LabLookbackDays <= 0 {
		return fmt.Errorf("LAB_LOOKBACK_DAYS must be positive, got %d", c.LabLookbackDays)
	}
	return nil
}

func (c *Config) RuleTimeout() time.Duration {
	return time.Duration(c.RuleTimeoutMs) * time.Millisecond
}

func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMs) * time.Millisecond
}

func (c *Config) SlowEvalThreshold() time.Duration {
	return time.Duration(c.SlowEvalMs) * time.Millisecond
}

func (c *Config) BreakerResetTimeout() time.Duration {
	return time.Duration(c.BreakerResetTimeoutS) * time.Second
}
