package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN       string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL       string `env:"RABBITMQ_URL,required=true"`
	RedisURL          string `env:"REDIS_URL,required=true"`
	MailWebhookURL    string `env:"MAIL_WEBHOOK_URL,required=true"`
	MailRatePerSec    int    `env:"MAIL_RATE_PER_SEC,default=50"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=8"`
	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
	DebounceWindowSec int    `env:"DEBOUNCE_WINDOW_SEC,default=120"`
	GroupingWindowSec int    `env:"GROUPING_WINDOW_SEC,default=300"`
	SweepIntervalSec  int    `env:"SWEEP_INTERVAL_SEC,default=0"`
	StaleAfterSec     int    `env:"STALE_AFTER_SEC,default=900"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceWindowSec) * time.Second
}

func (c *Config) GroupingWindow() time.Duration {
	return time.Duration(c.GroupingWindowSec) * time.Second
}

// SweepInterval of zero leaves the sweeper disabled.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSec) * time.Second
}
