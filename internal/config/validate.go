package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// logLevelNames maps every accepted LOG.min_level spelling onto its
// canonical name. Lookups are case-insensitive.
var logLevelNames = map[string]string{
	"DEBUG":    "DEBUG",
	"INFO":     "INFO",
	"WARNING":  "WARNING",
	"WARN":     "WARNING",
	"ERROR":    "ERROR",
	"CRITICAL": "CRITICAL",
}

// CanonicalLevel returns the canonical spelling of a LOG.min_level value.
func CanonicalLevel(name string) (string, bool) {
	canon, ok := logLevelNames[strings.ToUpper(strings.TrimSpace(name))]
	return canon, ok
}

// configValidate is the validator instance for the config document.
// Field names in errors follow the YAML keys.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	configValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = configValidate.RegisterValidation("loglevel", validateLogLevel)
	configValidate.RegisterStructValidation(validateStatusConnection, Config{})
}

func validateLogLevel(fl validator.FieldLevel) bool {
	_, ok := CanonicalLevel(fl.Field().String())
	return ok
}

// validateStatusConnection 狀態表必須位於已設定的 DB 連線上
func validateStatusConnection(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	if len(cfg.DB) == 0 {
		return
	}
	if cfg.Status.Connection == "" {
		sl.ReportError(cfg.Status.Connection, "status.connection", "Connection", "status_required", "")
		return
	}
	if _, ok := cfg.DB[cfg.Status.Connection]; !ok {
		sl.ReportError(cfg.Status.Connection, "status.connection", "Connection", "status_known", "")
	}
}

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate cfg.
func Validate(cfg *Config) error {
	err := configValidate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, errors.New(describe(fe)))
	}
	return errors.Join(errs...)
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gt":
		return fmt.Sprintf("%s must be > %s, got %v", field, fe.Param(), fe.Value())
	case "min", "max":
		return fmt.Sprintf("%s out of range: %v", field, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s: must be one of %s, got %q", field, fe.Param(), fe.Value())
	case "loglevel":
		return fmt.Sprintf("%s: unknown level %q", field, fe.Value())
	case "url":
		return fmt.Sprintf("%s must be an absolute URL, got %q", field, fe.Value())
	case "status_required":
		return "status.connection is required when more than one DB connection is configured"
	case "status_known":
		return fmt.Sprintf("status.connection %q is not a configured DB connection", fe.Value())
	default:
		return fmt.Sprintf("%s failed %q validation", field, fe.Tag())
	}
}
