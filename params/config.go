package params

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/uhyunpark/l2book/pkg/app/core/matching"
	"github.com/uhyunpark/l2book/pkg/crypto"
)

const (
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Domain is the EIP-712 domain order identities are hashed under.
// Changing either field changes every identity.
type Domain struct {
	Name    string `env:"NAME" envDefault:"DDX take-home"`
	Version string `env:"VERSION" envDefault:"0.1.0"`
}

type Matching struct {
	SelfTradePolicy string `env:"SELF_TRADE_POLICY" envDefault:"reject"`
	BookDepth       int    `env:"BOOK_DEPTH" envDefault:"50"`
}

type Store struct {
	Backend    string `env:"BACKEND" envDefault:"pebble"`
	PebblePath string `env:"PEBBLE_PATH" envDefault:"data/l2book"`
}

type API struct {
	Addr           string   `env:"ADDR" envDefault:"127.0.0.1:4321"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// Kafka publishing is off while Brokers is empty
type Kafka struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"l2book.fills"`
}

type Log struct {
	File  string `env:"FILE"`
	Level string `env:"LEVEL" envDefault:"info"`
}

type Config struct {
	Domain      Domain `envPrefix:"DOMAIN_"`
	Matching    Matching
	Store       Store  `envPrefix:"STORE_"`
	DatabaseURL string `env:"DATABASE_URL"`
	API         API    `envPrefix:"API_"`
	Kafka       Kafka  `envPrefix:"KAFKA_"`
	Log         Log    `envPrefix:"LOG_"`
}

// Default returns the configuration with every key at its default
func Default() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Errorf("invalid config defaults: %w", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	// Optional; a missing file is not an error
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if err := c.DomainSeparator().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := matching.ParseSelfTradePolicy(c.Matching.SelfTradePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Matching.BookDepth <= 0 {
		errs = append(errs, fmt.Errorf("BOOK_DEPTH must be positive, got %d", c.Matching.BookDepth))
	}
	switch c.Store.Backend {
	case BackendPebble:
		if c.Store.PebblePath == "" {
			errs = append(errs, errors.New("STORE_PEBBLE_PATH is required for the pebble backend"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}
	return errors.Join(errs...)
}

func (c Config) DomainSeparator() crypto.DomainSeparator {
	return crypto.DomainSeparator{Name: c.Domain.Name, Version: c.Domain.Version}
}

// MatchingConfig converts the matching section; call Validate first
func (c Config) MatchingConfig() matching.Config {
	policy, _ := matching.ParseSelfTradePolicy(c.Matching.SelfTradePolicy)
	return matching.Config{
		SelfTrade: policy,
		BookDepth: c.Matching.BookDepth,
	}
}
