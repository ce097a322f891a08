package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		StoreDriver:        "memory",
		WorkspaceConfigDir: "/etc/hatest/workspaces",
		PlaybookDir:        "/usr/share/hatest/playbooks",
		CheckIntervalStr:   "30s",
		StepTimeoutStr:     "1h",
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("expected valid config, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "unknown store driver",
			mutate: func(c *Config) { c.StoreDriver = "sqlite" },
			field:  "STORE_DRIVER",
		},
		{
			name:   "postgres without database url",
			mutate: func(c *Config) { c.StoreDriver = "postgres" },
			field:  "DATABASE_URL",
		},
		{
			name:   "missing workspace config dir",
			mutate: func(c *Config) { c.WorkspaceConfigDir = "" },
			field:  "WORKSPACE_CONFIG_DIR",
		},
		{
			name:   "missing playbook dir",
			mutate: func(c *Config) { c.PlaybookDir = "" },
			field:  "PLAYBOOK_DIR",
		},
		{
			name:   "malformed check interval",
			mutate: func(c *Config) { c.CheckIntervalStr = "soon" },
			field:  "CHECK_INTERVAL",
		},
		{
			name:   "negative step timeout",
			mutate: func(c *Config) { c.StepTimeoutStr = "-5m" },
			field:  "STEP_TIMEOUT",
		},
		{
			name:   "webhook url without secret",
			mutate: func(c *Config) { c.NotifyWebhookURL = "https://hooks.example.com" },
			field:  "NOTIFY_WEBHOOK_SECRET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %s", err, tt.field)
			}
		})
	}
}

func TestValidate_CollectsMultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.WorkspaceConfigDir = ""
	cfg.PlaybookDir = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(verrs) != 2 {
		t.Errorf("expected 2 errors, got %d: %v", len(verrs), verrs)
	}
}
