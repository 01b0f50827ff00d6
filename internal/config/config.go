package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

// Config holds every environment-sourced setting for the pipeline and the
// aggregator. Field tags mirror the env var names enumerated in the spec.
type Config struct {
	Env      string `mapstructure:"ENV"`
	Port     string `mapstructure:"PORT"`
	LogLevel string `mapstructure:"LOGLEVEL"`

	FHIRBase         string `mapstructure:"FHIR_BASE"`
	FHIRClientID     string `mapstructure:"FHIR_CLIENT_ID"`
	FHIRClientSecret string `mapstructure:"FHIR_CLIENT_SECRET"`
	FHIRTokenURL     string `mapstructure:"FHIR_TOKEN_URL"`

	HL7Base string `mapstructure:"HL7_BASE"`
	FDABase string `mapstructure:"FDA_BASE"`
	AIBase  string `mapstructure:"AI_BASE"`

	RedisURL string `mapstructure:"REDIS_URL"`

	HL7RawStream  string `mapstructure:"HL7_RAW_STREAM"`
	HL7NormStream string `mapstructure:"HL7_NORM_STREAM"`
	HL7DLQStream  string `mapstructure:"HL7_DLQ_STREAM"`
	HL7Group      string `mapstructure:"HL7_GROUP"`
	Consumer      string `mapstructure:"CONSUMER"`

	HL7StreamMaxLen int64 `mapstructure:"HL7_STREAM_MAXLEN"`
	HL7NormMaxLen   int64 `mapstructure:"HL7_NORM_MAXLEN"`
	HL7DLQMaxLen    int64 `mapstructure:"HL7_DLQ_MAXLEN"`

	HL7IngestBatch      int     `mapstructure:"HL7_INGEST_BATCH"`
	HL7PollInterval     float64 `mapstructure:"HL7_POLL_INTERVAL"`
	HL7NormalizeCount   int64   `mapstructure:"HL7_NORMALIZE_COUNT"`
	HL7NormalizeBlockMS int64   `mapstructure:"HL7_NORMALIZE_BLOCK_MS"`
}

// Load reads configuration from the environment (and a best-effort .env
// file), applying the same defaults-then-bind-then-unmarshal recipe the
// rest of the platform uses for its own configuration.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("PORT", "8000")
	v.SetDefault("LOGLEVEL", "info")

	v.SetDefault("HL7_RAW_STREAM", "hl7:raw")
	v.SetDefault("HL7_NORM_STREAM", "hl7:norm")
	v.SetDefault("HL7_DLQ_STREAM", "hl7:dlq")
	v.SetDefault("HL7_GROUP", "normgrp")
	v.SetDefault("CONSUMER", "norm-1")

	v.SetDefault("HL7_STREAM_MAXLEN", 5000)
	v.SetDefault("HL7_NORM_MAXLEN", 100000)
	v.SetDefault("HL7_DLQ_MAXLEN", 50000)

	v.SetDefault("HL7_INGEST_BATCH", 100)
	v.SetDefault("HL7_POLL_INTERVAL", 0.5)
	v.SetDefault("HL7_NORMALIZE_COUNT", 256)
	v.SetDefault("HL7_NORMALIZE_BLOCK_MS", 1000)

	for _, key := range []string{
		"ENV", "PORT", "LOGLEVEL",
		"FHIR_BASE", "FHIR_CLIENT_ID", "FHIR_CLIENT_SECRET", "FHIR_TOKEN_URL",
		"HL7_BASE", "FDA_BASE", "AI_BASE",
		"REDIS_URL",
		"HL7_RAW_STREAM", "HL7_NORM_STREAM", "HL7_DLQ_STREAM", "HL7_GROUP", "CONSUMER",
		"HL7_STREAM_MAXLEN", "HL7_NORM_MAXLEN", "HL7_DLQ_MAXLEN",
		"HL7_INGEST_BATCH", "HL7_POLL_INTERVAL", "HL7_NORMALIZE_COUNT", "HL7_NORMALIZE_BLOCK_MS",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in development mode; verify FHIR/FDA/AI base URLs before trusting results")
	}

	return cfg, nil
}

// IsDev reports whether ENV=development.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that every required setting (spec.md §6) is present.
func (c *Config) Validate() error {
	required := map[string]string{
		"FHIR_BASE":           c.FHIRBase,
		"FHIR_CLIENT_ID":      c.FHIRClientID,
		"FHIR_CLIENT_SECRET":  c.FHIRClientSecret,
		"HL7_BASE":            c.HL7Base,
		"FDA_BASE":            c.FDABase,
		"AI_BASE":             c.AIBase,
		"REDIS_URL":           c.RedisURL,
	}
	for name, val := range required {
		if val == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}
