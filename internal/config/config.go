// Package config loads run and server configuration from the environment.
//
// Every key can be set as SNAPVAL_<KEY>, e.g. SNAPVAL_DEFAULT_DISCOUNT_RATE.
// DATABASE_URL, DART_API_KEY and PORT are also read without the prefix.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/mauv0809/snapval/internal/flags"
	"github.com/mauv0809/snapval/internal/fundamentals"
	"github.com/mauv0809/snapval/internal/ingest"
	"github.com/mauv0809/snapval/internal/quality"
	"github.com/mauv0809/snapval/internal/valuation"
)

// Config is the complete application configuration.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	DARTAPIKey  string `mapstructure:"dart_api_key"`
	Port        string `mapstructure:"port"`

	DefaultDiscountRate   float64 `mapstructure:"default_discount_rate"`
	Persistence           float64 `mapstructure:"persistence"`
	ClampNegativeResidual bool    `mapstructure:"clamp_negative_residual"`

	Concurrency    int           `mapstructure:"concurrency"`
	AttemptBackoff time.Duration `mapstructure:"attempt_backoff"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	ReportTypes    []string      `mapstructure:"report_types"`
	YearOffsets    []int         `mapstructure:"year_offsets"`
	MaxAbsAmount   float64       `mapstructure:"max_abs_amount"`
	CorpCodeCache  string        `mapstructure:"corp_code_cache"`
	LookbackDays   int           `mapstructure:"lookback_days"`

	ExcludeFlags          []string `mapstructure:"exclude_flags"`
	WarnFlags             []string `mapstructure:"warn_flags"`
	FinanceSectorKeywords []string `mapstructure:"finance_sector_keywords"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func keys(kinds []flags.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = k.String()
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("dart_api_key", "")
	v.SetDefault("port", "8080")

	v.SetDefault("default_discount_rate", 0.10)
	v.SetDefault("persistence", 1.0)
	v.SetDefault("clamp_negative_residual", true)

	v.SetDefault("concurrency", 4)
	v.SetDefault("attempt_backoff", 200*time.Millisecond)
	v.SetDefault("rate_limit", 5.0)
	v.SetDefault("report_types", []string{ingest.ReportAnnual, ingest.ReportQ3, ingest.ReportHalf, ingest.ReportQ1})
	v.SetDefault("year_offsets", []int{2, 3, 1})
	v.SetDefault("max_abs_amount", 1e18)
	v.SetDefault("corp_code_cache", "data/corpCode.xml")
	v.SetDefault("lookback_days", 14)

	v.SetDefault("exclude_flags", keys(quality.DefaultExclude))
	v.SetDefault("warn_flags", keys(quality.DefaultWarn))
	v.SetDefault("finance_sector_keywords", []string{"금융", "은행", "보험", "증권", "지주"})

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Load reads defaults and environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SNAPVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, bare := range map[string]string{
		"database_url": "DATABASE_URL",
		"dart_api_key": "DART_API_KEY",
		"port":         "PORT",
	} {
		if err := v.BindEnv(key, "SNAPVAL_"+bare, bare); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings no run can use.
func (c *Config) Validate() error {
	if !(c.DefaultDiscountRate > 0) || math.IsInf(c.DefaultDiscountRate, 0) {
		return fmt.Errorf("default_discount_rate must be positive, got %v", c.DefaultDiscountRate)
	}
	if c.Persistence < 0 || c.Persistence > 1 || math.IsNaN(c.Persistence) {
		return fmt.Errorf("persistence must be within [0, 1], got %v", c.Persistence)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative")
	}
	if c.LookbackDays <= 0 {
		return fmt.Errorf("lookback_days must be positive, got %d", c.LookbackDays)
	}
	if err := c.Policy().Validate(); err != nil {
		return err
	}
	if _, err := c.Classifier(); err != nil {
		return err
	}
	return nil
}

// Policy builds the fundamentals search policy.
func (c *Config) Policy() fundamentals.Policy {
	p := fundamentals.DefaultPolicy()
	p.ReportTypes = c.ReportTypes
	p.YearOffsets = c.YearOffsets
	p.Backoff = c.AttemptBackoff
	p.MaxAbsAmount = decimal.NewFromFloat(c.MaxAbsAmount)
	return p
}

// Classifier builds the quality classifier from the configured flag keys.
func (c *Config) Classifier() (*quality.Classifier, error) {
	exclude, err := flags.ParseKeys(c.ExcludeFlags)
	if err != nil {
		return nil, fmt.Errorf("exclude_flags: %w", err)
	}
	warn, err := flags.ParseKeys(c.WarnFlags)
	if err != nil {
		return nil, fmt.Errorf("warn_flags: %w", err)
	}
	return quality.NewClassifier(exclude, warn), nil
}

// Valuation returns the engine options.
func (c *Config) Valuation() valuation.Options {
	return valuation.Options{
		Persistence:           c.Persistence,
		ClampNegativeResidual: c.ClampNegativeResidual,
	}
}
