package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	switch cfg.StoreDriver {
	case "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			errs = append(errs, ValidationError{
				Field:   "DATABASE_URL",
				Message: "required when STORE_DRIVER is postgres",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "STORE_DRIVER",
			Message: fmt.Sprintf("must be 'memory' or 'postgres', got %q", cfg.StoreDriver),
		})
	}

	if cfg.WorkspaceConfigDir == "" {
		errs = append(errs, ValidationError{
			Field:   "WORKSPACE_CONFIG_DIR",
			Message: "required",
		})
	}
	if cfg.PlaybookDir == "" {
		errs = append(errs, ValidationError{
			Field:   "PLAYBOOK_DIR",
			Message: "required",
		})
	}

	for _, dur := range []struct {
		field string
		raw   string
	}{
		{"CHECK_INTERVAL", cfg.CheckIntervalStr},
		{"STEP_TIMEOUT", cfg.StepTimeoutStr},
	} {
		if dur.raw == "" {
			continue
		}
		d, err := time.ParseDuration(dur.raw)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   dur.field,
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   dur.field,
				Message: "must be positive",
			})
		}
	}

	if cfg.NotifyWebhookURL != "" && cfg.NotifyWebhookSecret == "" {
		errs = append(errs, ValidationError{
			Field:   "NOTIFY_WEBHOOK_SECRET",
			Message: "required when NOTIFY_WEBHOOK_URL is set",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
