package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type AppConfig struct {
	Port string
}

type PostgresConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MigrationsPath  string
}

// PricingConfig holds the flat pricing policy. It is passed explicitly into the
// pricing calculator so tests can vary the policy without touching process state.
type PricingConfig struct {
	TaxRate               decimal.Decimal
	ShippingFlatFee       decimal.Decimal
	FreeShippingThreshold decimal.Decimal
}

type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Pricing  PricingConfig
}

// NewConfig reads configuration from the environment. An optional .env file in
// the working directory is loaded first; missing DB settings are an error.
func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.App.Port = envOrDefault("APP_PORT", "8080")

	cfg.Postgres.Host = os.Getenv("DB_HOST")
	cfg.Postgres.Port = envOrDefault("DB_PORT", "5432")
	cfg.Postgres.User = os.Getenv("DB_USER")
	cfg.Postgres.Password = os.Getenv("DB_PASSWORD")
	cfg.Postgres.DBName = os.Getenv("DB_NAME")
	cfg.Postgres.SSLMode = envOrDefault("DB_SSLMODE", "disable")
	cfg.Postgres.MigrationsPath = envOrDefault("DB_MIGRATIONS_PATH", "migrations")

	for name, value := range map[string]string{
		"DB_HOST":     cfg.Postgres.Host,
		"DB_USER":     cfg.Postgres.User,
		"DB_PASSWORD": cfg.Postgres.Password,
		"DB_NAME":     cfg.Postgres.DBName,
	} {
		if value == "" {
			return nil, fmt.Errorf("config: %s is required", name)
		}
	}

	maxConns, err := envInt32("DB_MAX_CONNS", 10)
	if err != nil {
		return nil, err
	}
	minConns, err := envInt32("DB_MIN_CONNS", 2)
	if err != nil {
		return nil, err
	}
	cfg.Postgres.MaxConns = maxConns
	cfg.Postgres.MinConns = minConns
	cfg.Postgres.MaxConnLifetime = 30 * time.Minute

	pricing, err := loadPricing()
	if err != nil {
		return nil, err
	}
	cfg.Pricing = pricing

	return cfg, nil
}

func loadPricing() (PricingConfig, error) {
	taxRate, err := envDecimal("PRICING_TAX_RATE", "0.18")
	if err != nil {
		return PricingConfig{}, err
	}
	flatFee, err := envDecimal("PRICING_SHIPPING_FLAT_FEE", "200")
	if err != nil {
		return PricingConfig{}, err
	}
	threshold, err := envDecimal("PRICING_FREE_SHIPPING_THRESHOLD", "500")
	if err != nil {
		return PricingConfig{}, err
	}
	return PricingConfig{
		TaxRate:               taxRate,
		ShippingFlatFee:       flatFee,
		FreeShippingThreshold: threshold,
	}, nil
}

func envOrDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt32(name string, fallback int32) (int32, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", name, err)
	}
	return int32(n), nil
}

func envDecimal(name, fallback string) (decimal.Decimal, error) {
	v := os.Getenv(name)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("config: %s must be a decimal: %w", name, err)
	}
	return d, nil
}
