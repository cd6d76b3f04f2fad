// Package config содержит логику чтения конфигурации сервиса momentum.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultFeedID — идентификатор прайс-фида нативной монеты к USD.
const DefaultFeedID = "0xef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"

// Config содержит параметры конфигурации сервиса momentum.
type Config struct {
	RunAddress         string        `env:"RUN_ADDRESS"`
	DatabaseURI        string        `env:"DATABASE_URI"`
	OracleAddress      string        `env:"ORACLE_ADDRESS"`
	MintAddress        string        `env:"MINT_ADDRESS"`
	PriceFeedID        string        `env:"PRICE_FEED_ID"`
	AuthSecret         string        `env:"AUTH_SECRET"`
	OracleMaxAge       time.Duration `env:"ORACLE_MAX_AGE"`
	OracleSkipAgeCheck bool          `env:"ORACLE_SKIP_AGE_CHECK"`
	OracleCacheSizeMB  int           `env:"ORACLE_CACHE_SIZE_MB"`
	PriceInterval      time.Duration `env:"PRICE_REFRESH_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envOracleAddress := cfg.OracleAddress
	envMintAddress := cfg.MintAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.OracleAddress, "o", "", "price oracle address")
	flag.StringVar(&cfg.MintAddress, "m", "", "reward mint address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envOracleAddress != "" {
		cfg.OracleAddress = envOracleAddress
	}
	if envMintAddress != "" {
		cfg.MintAddress = envMintAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.PriceFeedID == "" {
		cfg.PriceFeedID = DefaultFeedID
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "momentum-secret"
	}
	// Допустимый возраст чтения оракула, как в прайс-фиде: 30 минут.
	if cfg.OracleMaxAge <= 0 {
		cfg.OracleMaxAge = 30 * time.Minute
	}
	if cfg.PriceInterval <= 0 {
		cfg.PriceInterval = time.Minute
	}

	return cfg, nil
}
