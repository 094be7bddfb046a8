package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Config holds the application configuration.
type Config struct {
	Environment      string
	DatabaseURL      string
	ChainGatewayURL  string
	ChainGatewayKey  string
	HotWalletAddress string
	KafkaBrokers     []string
	KafkaTopic       string
	HTTPAddr         string

	DepositScanSpec    string
	DepositScanBlocks  uint64
	MinConfirmations   uint64
	WithdrawFeeReserve decimal.Decimal
	MinWithdrawAmount  decimal.Decimal
}

// Load loads configuration from environment variables. Kafka is optional;
// everything that points at an external system is required.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:      os.Getenv("APP_ENV"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		ChainGatewayURL:  os.Getenv("CHAIN_GATEWAY_URL"),
		ChainGatewayKey:  os.Getenv("CHAIN_GATEWAY_KEY"),
		HotWalletAddress: os.Getenv("HOT_WALLET_ADDRESS"),
		KafkaTopic:       os.Getenv("KAFKA_TOPIC"),
		HTTPAddr:         envOr("HTTP_ADDR", ":8080"),
		DepositScanSpec:  envOr("DEPOSIT_SCAN_SPEC", "*/5 * * * *"),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	var err error
	if cfg.DepositScanBlocks, err = envUint("DEPOSIT_SCAN_BLOCKS", 300); err != nil {
		return nil, err
	}
	if cfg.MinConfirmations, err = envUint("MIN_CONFIRMATIONS", 3); err != nil {
		return nil, err
	}
	if cfg.WithdrawFeeReserve, err = envDecimal("WITHDRAW_FEE_RESERVE", "0.10"); err != nil {
		return nil, err
	}
	if cfg.MinWithdrawAmount, err = envDecimal("MIN_WITHDRAW_AMOUNT", "0.01"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.ChainGatewayURL == "" {
		missing = append(missing, "CHAIN_GATEWAY_URL")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.WithdrawFeeReserve.IsNegative() {
		return errors.New("WITHDRAW_FEE_RESERVE must not be negative")
	}
	if !c.MinWithdrawAmount.IsPositive() {
		return errors.New("MIN_WITHDRAW_AMOUNT must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envUint(key string, fallback uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", key, err)
	}
	return n, nil
}

func envDecimal(key, fallback string) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal amount: %w", key, err)
	}
	return d, nil
}
