// Package config loads the application configuration from a YAML file,
// with .env loading and environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration shared by the server and
// worker processes.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Email     EmailConfig     `yaml:"email"`
	Voice     VoiceConfig     `yaml:"voice"`
	Network   NetworkConfig   `yaml:"network"`
	AI        AIConfig        `yaml:"ai"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type EmailConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type VoiceConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	WebhookURL string `yaml:"webhook_url"`
}

type NetworkConfig struct {
	GatewayURL         string `yaml:"gateway_url"`
	DailyCap           int    `yaml:"daily_cap"`
	MinIntervalSeconds int    `yaml:"min_interval_seconds"`
	MaxIntervalSeconds int    `yaml:"max_interval_seconds"`
}

type AIConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type SchedulerConfig struct {
	GlobalConcurrency     int `yaml:"global_concurrency"`
	PollSeconds           int `yaml:"poll_seconds"`
	DrainTimeoutSeconds   int `yaml:"drain_timeout_seconds"`
	StaleThresholdMinutes int `yaml:"stale_threshold_minutes"`
	MaxAttempts           int `yaml:"max_attempts"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads the YAML file at path, fills defaults, then applies
// environment overrides. A missing file is fine; env and defaults carry.
func Load(path string) (*Config, error) {
	// .env, if present, feeds the environment overrides below.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Email.Region == "" {
		c.Email.Region = "us-east-1"
	}
	if c.Voice.BaseURL == "" {
		c.Voice.BaseURL = "https://api.bland.ai"
	}
	if c.Network.DailyCap == 0 {
		c.Network.DailyCap = 25
	}
	if c.Network.MinIntervalSeconds == 0 {
		c.Network.MinIntervalSeconds = 90
	}
	if c.Network.MaxIntervalSeconds == 0 {
		c.Network.MaxIntervalSeconds = 300
	}
	if c.AI.Model == "" {
		c.AI.Model = "claude-3-5-haiku-20241022"
	}
	if c.AI.BaseURL == "" {
		c.AI.BaseURL = "https://api.anthropic.com"
	}
	if c.Scheduler.GlobalConcurrency == 0 {
		c.Scheduler.GlobalConcurrency = 8
	}
	if c.Scheduler.PollSeconds == 0 {
		c.Scheduler.PollSeconds = 10
	}
	if c.Scheduler.DrainTimeoutSeconds == 0 {
		c.Scheduler.DrainTimeoutSeconds = 60
	}
	if c.Scheduler.StaleThresholdMinutes == 0 {
		c.Scheduler.StaleThresholdMinutes = 10
	}
	if c.Scheduler.MaxAttempts == 0 {
		c.Scheduler.MaxAttempts = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// applyEnv lets deployments keep secrets out of the YAML file.
func (c *Config) applyEnv() {
	setStr(&c.Database.URL, "DATABASE_URL")
	setStr(&c.Redis.URL, "REDIS_URL")
	setStr(&c.Email.Region, "AWS_SES_REGION")
	setStr(&c.Email.AccessKey, "AWS_SES_ACCESS_KEY")
	setStr(&c.Email.SecretKey, "AWS_SES_SECRET_KEY")
	setStr(&c.Voice.APIKey, "VOICE_API_KEY")
	setStr(&c.Voice.BaseURL, "VOICE_BASE_URL")
	setStr(&c.Voice.WebhookURL, "VOICE_WEBHOOK_URL")
	setStr(&c.Network.GatewayURL, "NETWORK_GATEWAY_URL")
	setStr(&c.AI.APIKey, "AI_API_KEY")
	setStr(&c.AI.BaseURL, "AI_BASE_URL")
	setStr(&c.AI.Model, "AI_MODEL")
	if v := os.Getenv("AI_ENABLED"); v != "" {
		c.AI.Enabled, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the settings a process cannot run without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url (or DATABASE_URL) is required")
	}
	return nil
}
