// Package config assembles the configuration of the reconciler CLI from
// defaults, an optional config file and RECONCILER_ environment variables.
//
// Example usage:
//
//	v := viper.New()
//	v.SetConfigFile("reconciler.yaml")
//	cfg, err := config.Load(v)
//	if err != nil {
//		return err
//	}
//	engine, err := reconciler.NewVerificationEngine(repo, cfg.Engine)
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"dues-reconciliation-service/internal/matcher"
	"dues-reconciliation-service/internal/parsers"
	"dues-reconciliation-service/internal/reconciler"
	"dues-reconciliation-service/internal/reporter"
	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

// Matching profiles selectable with the matching_profile key
const (
	ProfileDefault = "default"
	ProfileStrict  = "strict"
	ProfileRelaxed = "relaxed"
)

// Config is the complete configuration of one CLI run
type Config struct {
	// Database is the path of the SQLite store
	Database string `mapstructure:"database"`
	// Actor is recorded on operator decisions made from the CLI
	Actor string `mapstructure:"actor"`
	// Concurrency bounds how many statement files are parsed at once
	Concurrency int `mapstructure:"concurrency"`
	// MatchingProfile picks the base matching thresholds before overrides
	MatchingProfile string `mapstructure:"matching_profile"`

	Log    *logger.Config         `mapstructure:"log"`
	Parse  *parsers.ParseConfig   `mapstructure:"parse"`
	Engine *reconciler.Config     `mapstructure:"engine"`
	Report *reporter.ReportConfig `mapstructure:"report"`

	Preprocessing *reconciler.PreprocessingConfig `mapstructure:"-"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Database:        "reconciler.db",
		Actor:           "operator",
		Concurrency:     4,
		MatchingProfile: ProfileDefault,
		Log:             logger.DefaultConfig(),
		Parse:           parsers.DefaultParseConfig(),
		Engine:          reconciler.DefaultConfig(),
		Report:          reporter.DefaultReportConfig(),
		Preprocessing:   reconciler.DefaultPreprocessingConfig(),
	}
}

// MatchingProfile returns the base matching configuration of a profile
func MatchingProfile(name string) (*matcher.MatchingConfig, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ProfileDefault:
		return matcher.DefaultMatchingConfig(), nil
	case ProfileStrict:
		return matcher.StrictMatchingConfig(), nil
	case ProfileRelaxed:
		return matcher.RelaxedMatchingConfig(), nil
	default:
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "matching_profile", name,
			fmt.Errorf("profile must be one of default, strict, relaxed"))
	}
}

// Load builds the configuration from v. Keys set in v override the defaults
// of the selected matching profile; nested keys use the mapstructure names
// of the package configs, e.g. engine.matching.name.acceptance_floor.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()

	profile, err := MatchingProfile(v.GetString("matching_profile"))
	if err != nil {
		return nil, err
	}
	cfg.Engine.Matching = profile

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "config", v.ConfigFileUsed(), err).
			WithSuggestion("Check the keys and value types of the configuration file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section of the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database) == "" {
		return errors.ConfigurationError(errors.CodeMissingConfig, "database", nil, nil).
			WithSuggestion("Pass --db or set RECONCILER_DATABASE")
	}
	if strings.TrimSpace(c.Actor) == "" {
		return errors.ConfigurationError(errors.CodeMissingConfig, "actor", nil, nil)
	}
	if c.Concurrency <= 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "concurrency", c.Concurrency,
			fmt.Errorf("concurrency must be positive"))
	}
	if err := c.Log.Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "log", nil, err)
	}
	if err := c.Parse.Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "parse", nil, err)
	}
	if err := c.Engine.Validate(); err != nil {
		if _, ok := errors.AsReconcilerError(err); ok {
			return err
		}
		return errors.ConfigurationError(errors.CodeInvalidConfig, "engine", nil, err)
	}
	if err := c.Report.Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "report", nil, err)
	}
	return nil
}
