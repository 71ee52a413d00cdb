package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig to aid debugging.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads and validates the service configuration.
//
// The sequence is:
//  1. Set the process timezone to UTC.
//  2. Load a .env file if one exists. Existing variables are not overridden.
//  3. Populate Config from envconfig struct tags.
//  4. Attach linker-injected build metadata.
//  5. Validate. Missing required values are reported as ErrMissingEnv with the
//     variable names; any other rule violation is ErrValidation.
func LoadConfig() (*Config, error) {
	time.Local = time.UTC

	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct validation on cfg and classifies the failure.
func Validate(cfg *Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}

	var missing []string
	for _, fe := range fieldErrs {
		if fe.Tag() == "required" {
			missing = append(missing, envNameFor(fe.StructNamespace()))
		}
	}
	if len(missing) > 0 && len(missing) == len(fieldErrs) {
		sort.Strings(missing)
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "required environment variables not set: " + strings.Join(missing, ", "),
			Err:     err,
		}
	}
	return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
}

// envNames maps struct namespaces of required fields to their variables so
// MISSING_ENV errors name what the operator has to set.
var envNames = map[string]string{
	"Config.Environment":                 "APP_ENV",
	"Config.Server.DashboardURL":         "DASHBOARD_URL",
	"Config.Database.URL":                "DATABASE_URL",
	"Config.Billing.StripeSecretKey":     "STRIPE_SECRET_KEY",
	"Config.Billing.StripeWebhookSecret": "STRIPE_WEBHOOK_SECRET",
	"Config.Billing.StarterPriceID":      "STRIPE_STARTER_PRICE_ID",
	"Config.Billing.ProPriceID":          "STRIPE_PRO_PRICE_ID",
}

func envNameFor(namespace string) string {
	if name, ok := envNames[namespace]; ok {
		return name
	}
	return namespace
}
