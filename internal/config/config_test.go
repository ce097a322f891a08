package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"STORE_DRIVER", "HTTP_ADDR", "PORT", "CHECK_INTERVAL", "STEP_TIMEOUT",
		"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "HTTP_SHUTDOWN_TIMEOUT",
		"WORKER_DRAIN_TIMEOUT", "EVENT_BUFFER_SIZE", "ANSIBLE_BINARY",
		"RECONCILE_ENABLED", "RECONCILE_INTERVAL", "RECONCILE_GRACE_PERIOD",
	} {
		os.Unsetenv(key)
	}

	cfg := Load()

	if cfg.StoreDriver != "memory" {
		t.Errorf("StoreDriver: expected memory, got %q", cfg.StoreDriver)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr: expected :8080, got %q", cfg.HTTPAddr)
	}
	if cfg.CheckInterval != 30*time.Second {
		t.Errorf("CheckInterval: expected 30s, got %v", cfg.CheckInterval)
	}
	if cfg.StepTimeout != time.Hour {
		t.Errorf("StepTimeout: expected 1h, got %v", cfg.StepTimeout)
	}
	if cfg.WorkerDrainTimeout != 30*time.Second {
		t.Errorf("WorkerDrainTimeout: expected 30s, got %v", cfg.WorkerDrainTimeout)
	}
	if cfg.AnsibleBinary != "ansible-playbook" {
		t.Errorf("AnsibleBinary: expected ansible-playbook, got %q", cfg.AnsibleBinary)
	}
	if cfg.DBMaxOpenConns != 25 || cfg.DBMaxIdleConns != 5 {
		t.Errorf("DB pool: got open=%d idle=%d", cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	}
	if !cfg.ReconcileEnabled {
		t.Error("ReconcileEnabled: expected true by default")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("STORE_DRIVER", "postgres")
	os.Setenv("CHECK_INTERVAL", "10s")
	os.Setenv("STEP_TIMEOUT", "30m")
	os.Setenv("WORKER_DRAIN_TIMEOUT", "60s")
	os.Setenv("EVENT_BUFFER_SIZE", "500")
	os.Setenv("RECONCILE_ENABLED", "false")
	defer func() {
		for _, key := range []string{
			"STORE_DRIVER", "CHECK_INTERVAL", "STEP_TIMEOUT",
			"WORKER_DRAIN_TIMEOUT", "EVENT_BUFFER_SIZE", "RECONCILE_ENABLED",
		} {
			os.Unsetenv(key)
		}
	}()

	cfg := Load()

	if cfg.StoreDriver != "postgres" {
		t.Errorf("StoreDriver: expected postgres, got %q", cfg.StoreDriver)
	}
	if cfg.CheckInterval != 10*time.Second {
		t.Errorf("CheckInterval: expected 10s, got %v", cfg.CheckInterval)
	}
	if cfg.StepTimeout != 30*time.Minute {
		t.Errorf("StepTimeout: expected 30m, got %v", cfg.StepTimeout)
	}
	if cfg.WorkerDrainTimeout != 60*time.Second {
		t.Errorf("WorkerDrainTimeout: expected 60s, got %v", cfg.WorkerDrainTimeout)
	}
	if cfg.EventBufferSize != 500 {
		t.Errorf("EventBufferSize: expected 500, got %d", cfg.EventBufferSize)
	}
	if cfg.ReconcileEnabled {
		t.Error("ReconcileEnabled: expected false")
	}
}

func TestLoad_EventBufferSizeInvalidFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"negative", "-1"},
		{"zero", "0"},
		{"non-numeric", "abc"},
		{"float", "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv("EVENT_BUFFER_SIZE", tt.value)
			defer os.Unsetenv("EVENT_BUFFER_SIZE")

			cfg := Load()

			if cfg.EventBufferSize != 100 {
				t.Errorf("EventBufferSize: expected fallback to 100 for %q, got %d", tt.value, cfg.EventBufferSize)
			}
		})
	}
}

func TestMaskedJSON_MasksSecrets(t *testing.T) {
	os.Setenv("STORE_DRIVER", "postgres")
	os.Setenv("DATABASE_URL", "postgres://user:hunter2@db:5432/hatest")
	os.Setenv("NOTIFY_WEBHOOK_URL", "https://hooks.example.com/hatest")
	os.Setenv("NOTIFY_WEBHOOK_SECRET", "s3cret")
	defer func() {
		for _, key := range []string{"STORE_DRIVER", "DATABASE_URL", "NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_SECRET"} {
			os.Unsetenv(key)
		}
	}()

	cfg := Load()
	data, err := cfg.MaskedJSON()
	if err != nil {
		t.Fatalf("MaskedJSON failed: %v", err)
	}

	out := string(data)
	if strings.Contains(out, "hunter2") || strings.Contains(out, "s3cret") {
		t.Errorf("MaskedJSON leaked a secret:\n%s", out)
	}
	if !strings.Contains(out, `"postgres://***"`) {
		t.Errorf("MaskedJSON did not preserve the database scheme:\n%s", out)
	}
	for _, field := range []string{`"check_interval"`, `"step_timeout"`, `"event_buffer_size"`, `"worker_drain_timeout"`} {
		if !strings.Contains(out, field) {
			t.Errorf("MaskedJSON missing %s field", field)
		}
	}
}
