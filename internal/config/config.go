// Package config loads the verdictd configuration file.
//
// The file is YAML. Durations are Go duration strings ("24h", "90s").
// Unknown keys are rejected so that a misspelled option fails loudly instead
// of silently falling back to its default.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/gobeyondidentity/verdict/pkg/attestation"
)

// Config is the verdictd configuration.
type Config struct {
	Listen   string `mapstructure:"listen"`
	Database string `mapstructure:"database"`
	// Insecure stores the issuer key unsealed when no master key is set.
	// Development only.
	Insecure bool `mapstructure:"insecure"`

	Log        LogConfig        `mapstructure:"log"`
	Appraisal  AppraisalConfig  `mapstructure:"appraisal"`
	Evidence   EvidenceConfig   `mapstructure:"evidence"`
	Enrollment EnrollmentConfig `mapstructure:"enrollment"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// LogConfig selects the structured log output.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// AppraisalConfig configures the verdict engine.
type AppraisalConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// EvidenceConfig configures evidence verification.
type EvidenceConfig struct {
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	ClockSkew     time.Duration `mapstructure:"clock_skew"`
}

// EnrollmentConfig configures device enrollment.
type EnrollmentConfig struct {
	TemplatePCRs  []int         `mapstructure:"template_pcrs"`
	CredentialTTL time.Duration `mapstructure:"credential_ttl"`
}

// AuditConfig configures where audit events go besides the log.
type AuditConfig struct {
	Syslog       bool   `mapstructure:"syslog"`
	SyslogSocket string `mapstructure:"syslog_socket"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen: ":18080",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Appraisal: AppraisalConfig{
			TTL: attestation.DefaultAppraisalTTL,
		},
		Evidence: EvidenceConfig{
			VerifyTimeout: 5 * time.Second,
			MaxAge:        10 * time.Minute,
			ClockSkew:     time.Minute,
		},
		Enrollment: EnrollmentConfig{
			TemplatePCRs:  []int{0, 1, 2, 3, 4, 5, 6, 7},
			CredentialTTL: 365 * 24 * time.Hour,
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg, keeping the values of absent keys.
func Parse(data []byte, cfg *Config) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if raw == nil {
		return cfg.Validate()
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		ZeroFields:  true,
		Result:      cfg,
	})
	if err != nil {
		return fmt.Errorf("failed to create config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Appraisal.TTL <= 0 {
		errs = append(errs, errors.New("appraisal.ttl must be positive"))
	}
	if c.Evidence.VerifyTimeout <= 0 {
		errs = append(errs, errors.New("evidence.verify_timeout must be positive"))
	}
	if c.Evidence.MaxAge < 0 {
		errs = append(errs, errors.New("evidence.max_age must not be negative"))
	}
	if c.Evidence.ClockSkew < 0 {
		errs = append(errs, errors.New("evidence.clock_skew must not be negative"))
	}
	for _, idx := range c.Enrollment.TemplatePCRs {
		if idx < 0 || idx > attestation.MaxPCRIndex {
			errs = append(errs, fmt.Errorf("enrollment.template_pcrs: index %d out of range 0-%d", idx, attestation.MaxPCRIndex))
		}
	}
	if c.Enrollment.CredentialTTL <= 0 {
		errs = append(errs, errors.New("enrollment.credential_ttl must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses the configured log level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ValidatorConfig returns the evidence validator settings.
func (c *Config) ValidatorConfig() attestation.ValidatorConfig {
	return attestation.ValidatorConfig{
		VerifyTimeout:  c.Evidence.VerifyTimeout,
		MaxEvidenceAge: c.Evidence.MaxAge,
		MaxClockSkew:   c.Evidence.ClockSkew,
	}
}
