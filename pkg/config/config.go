package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends
const (
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Config holds all configuration for the application
type Config struct {
	Port             string `env:"PORT" envDefault:"8080"`
	DynamoDBEndpoint string `env:"DYNAMODB_ENDPOINT" envDefault:"http://localhost:8000"`
	DynamoDBRegion   string `env:"DYNAMODB_REGION" envDefault:"us-east-1"`
	AWSAccessKey     string `env:"AWS_ACCESS_KEY_ID" envDefault:"dummy"`
	AWSSecretKey     string `env:"AWS_SECRET_ACCESS_KEY" envDefault:"dummy"`
	TableName        string `env:"TABLE_NAME" envDefault:"cataglory-games"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	StoreBackend     string `env:"STORE_BACKEND" envDefault:"dynamodb"`

	// Game shape
	Rounds            int `env:"ROUNDS" envDefault:"3"`
	QuestionsPerRound int `env:"QUESTIONS_PER_ROUND" envDefault:"5"`

	StreamPollInterval time.Duration `env:"STREAM_POLL_INTERVAL" envDefault:"1s"`
	OTelEndpoint       string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configured values can run a game
func (c *Config) Validate() error {
	if c.Rounds < 1 {
		return errors.New("ROUNDS must be at least 1")
	}
	if c.QuestionsPerRound < 1 {
		return errors.New("QUESTIONS_PER_ROUND must be at least 1")
	}
	if c.StoreBackend != BackendDynamoDB && c.StoreBackend != BackendMemory {
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.StreamPollInterval <= 0 {
		return errors.New("STREAM_POLL_INTERVAL must be positive")
	}
	return nil
}
