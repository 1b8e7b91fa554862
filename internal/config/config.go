package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Database  DatabaseConfig   `json:"database"`
	Agent     AgentConfig      `json:"agent"`
	Forecast  ForecastConfig   `json:"forecast"`
	Freshness FreshnessConfig  `json:"freshness"`
	Notify    NotifyConfig     `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	// TimeoutSec bounds a single completion call. Zero means the
	// provider default.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// AgentConfig holds the decision-loop policy knobs.
type AgentConfig struct {
	// MaxIterations bounds the REASON/ACT/REFLECT/ADAPT cycles per session.
	MaxIterations int `json:"max_iterations"`
	// OracleRetries is how many times a failed oracle call is retried
	// with a stricter contract reminder.
	OracleRetries int `json:"oracle_retries"`
	// PlanRetries is how many invalid plans are looped back to REASON
	// before the session fails.
	PlanRetries          int `json:"plan_retries"`
	OracleTimeoutSec     int `json:"oracle_timeout_sec"`
	CapabilityTimeoutSec int `json:"capability_timeout_sec"`
	// MaxParallelActs bounds concurrent execution of independent
	// invocations within one ACT phase.
	MaxParallelActs int `json:"max_parallel_acts"`
}

func (c AgentConfig) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutSec) * time.Second
}

func (c AgentConfig) CapabilityTimeout() time.Duration {
	return time.Duration(c.CapabilityTimeoutSec) * time.Second
}

// ForecastConfig holds model-arbitration policy.
type ForecastConfig struct {
	// PrimaryMetric ranks model candidates. Lower is better.
	PrimaryMetric string `json:"primary_metric"`
	// RetainPerKind keeps the most recent N candidates per model kind.
	RetainPerKind int `json:"retain_per_kind"`
	// HoldoutHours is withheld from training for evaluation.
	HoldoutHours int `json:"holdout_hours"`
	// SeasonalPeriodHours is the dominant cycle of the demand series.
	SeasonalPeriodHours int `json:"seasonal_period_hours"`
}

// FreshnessConfig holds the staleness policy consulted during PERCEIVE.
type FreshnessConfig struct {
	ExpectedIntervalMin int     `json:"expected_interval_min"`
	StalenessMultiplier float64 `json:"staleness_multiplier"`
}

func (c FreshnessConfig) ExpectedInterval() time.Duration {
	return time.Duration(c.ExpectedIntervalMin) * time.Minute
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Normalize fills zero-valued policy fields with their defaults.
func (c *Config) Normalize() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 6
	}
	if c.Agent.OracleRetries == 0 {
		c.Agent.OracleRetries = 1
	}
	if c.Agent.PlanRetries == 0 {
		c.Agent.PlanRetries = 3
	}
	if c.Agent.OracleTimeoutSec == 0 {
		c.Agent.OracleTimeoutSec = 60
	}
	if c.Agent.CapabilityTimeoutSec == 0 {
		c.Agent.CapabilityTimeoutSec = 120
	}
	if c.Agent.MaxParallelActs == 0 {
		c.Agent.MaxParallelActs = 4
	}
	if c.Forecast.PrimaryMetric == "" {
		c.Forecast.PrimaryMetric = "mape"
	}
	if c.Forecast.RetainPerKind == 0 {
		c.Forecast.RetainPerKind = 3
	}
	if c.Forecast.HoldoutHours == 0 {
		c.Forecast.HoldoutHours = 24
	}
	if c.Forecast.SeasonalPeriodHours == 0 {
		c.Forecast.SeasonalPeriodHours = 24
	}
	if c.Freshness.ExpectedIntervalMin == 0 {
		c.Freshness.ExpectedIntervalMin = 60
	}
	if c.Freshness.StalenessMultiplier == 0 {
		c.Freshness.StalenessMultiplier = 1.5
	}
}
