package main

import (
	"fmt"
	"os"

	"github.com/raykavin/pricewatch/core"
	"github.com/spf13/viper"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	Driver string // bunt, sqlite or postgres
	Path   string // database file for bunt/sqlite
	DSN    string // connection string for postgres
}

// BinanceConfig holds the price source credentials
type BinanceConfig struct {
	APIKey     string
	APISecret  string
	UseTestnet bool
}

// AppConfig is everything the service needs to start
type AppConfig struct {
	Settings core.Settings
	Storage  StorageConfig
	Binance  BinanceConfig
}

// loadConfig reads configuration from an optional yaml file plus environment
// variables prefixed with PRICEWATCH_
func loadConfig(configPath string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEWATCH")
	v.AutomaticEnv()

	defaults := core.DefaultPipelineSettings()

	v.SetDefault("symbols", []string{"BTCUSDT"})
	v.SetDefault("telegram.enabled", true)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.token_ttl", "30m")
	v.SetDefault("storage.driver", "bunt")
	v.SetDefault("storage.path", "pricewatch.db")
	v.SetDefault("pipeline.tick_interval", defaults.TickInterval.String())
	v.SetDefault("pipeline.fetch_timeout", defaults.FetchTimeout.String())
	v.SetDefault("pipeline.delivery_timeout", defaults.DeliveryTimeout.String())
	v.SetDefault("pipeline.max_attempts", defaults.MaxAttempts)
	v.SetDefault("pipeline.backoff_base", defaults.BackoffBase.String())
	v.SetDefault("pipeline.backoff_cap", defaults.BackoffCap.String())
	v.SetDefault("pipeline.bucket_size", defaults.BucketSize)
	v.SetDefault("pipeline.refill_rate", defaults.RefillRate)
	v.SetDefault("pipeline.concurrency", defaults.Concurrency)
	v.SetDefault("pipeline.overlap", string(defaults.Overlap))
	v.SetDefault("pipeline.grace_period", defaults.GracePeriod.String())
	v.SetDefault("pipeline.storage_failure_limit", defaults.StorageFailureLimit)
	v.SetDefault("pipeline.trigger", string(defaults.Trigger))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
			}
		}
	}

	pipeline := core.PipelineSettings{
		MaxAttempts:         v.GetInt("pipeline.max_attempts"),
		BucketSize:          v.GetInt("pipeline.bucket_size"),
		RefillRate:          v.GetFloat64("pipeline.refill_rate"),
		Concurrency:         v.GetInt("pipeline.concurrency"),
		Overlap:             core.OverlapPolicy(v.GetString("pipeline.overlap")),
		StorageFailureLimit: v.GetInt("pipeline.storage_failure_limit"),
		Trigger:             core.TriggerPolicy(v.GetString("pipeline.trigger")),
	}

	var err error
	if pipeline.TickInterval, err = str2duration.ParseDuration(v.GetString("pipeline.tick_interval")); err != nil {
		return nil, fmt.Errorf("invalid tick_interval: %w", err)
	}
	if pipeline.FetchTimeout, err = str2duration.ParseDuration(v.GetString("pipeline.fetch_timeout")); err != nil {
		return nil, fmt.Errorf("invalid fetch_timeout: %w", err)
	}
	if pipeline.DeliveryTimeout, err = str2duration.ParseDuration(v.GetString("pipeline.delivery_timeout")); err != nil {
		return nil, fmt.Errorf("invalid delivery_timeout: %w", err)
	}
	if pipeline.BackoffBase, err = str2duration.ParseDuration(v.GetString("pipeline.backoff_base")); err != nil {
		return nil, fmt.Errorf("invalid backoff_base: %w", err)
	}
	if pipeline.BackoffCap, err = str2duration.ParseDuration(v.GetString("pipeline.backoff_cap")); err != nil {
		return nil, fmt.Errorf("invalid backoff_cap: %w", err)
	}
	if pipeline.GracePeriod, err = str2duration.ParseDuration(v.GetString("pipeline.grace_period")); err != nil {
		return nil, fmt.Errorf("invalid grace_period: %w", err)
	}

	tokenTTL, err := str2duration.ParseDuration(v.GetString("api.token_ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid token_ttl: %w", err)
	}

	config := &AppConfig{
		Settings: core.Settings{
			Symbols: v.GetStringSlice("symbols"),
			Telegram: core.TelegramSettings{
				Enabled: v.GetBool("telegram.enabled"),
				Token:   v.GetString("telegram.token"),
			},
			Pipeline: pipeline,
			API: core.APISettings{
				Addr:      v.GetString("api.addr"),
				JWTSecret: v.GetString("api.jwt_secret"),
				TokenTTL:  tokenTTL,
			},
		},
		Storage: StorageConfig{
			Driver: v.GetString("storage.driver"),
			Path:   v.GetString("storage.path"),
			DSN:    v.GetString("storage.dsn"),
		},
		Binance: BinanceConfig{
			APIKey:     v.GetString("binance.api_key"),
			APISecret:  v.GetString("binance.api_secret"),
			UseTestnet: v.GetBool("binance.use_testnet"),
		},
	}

	return config, nil
}
