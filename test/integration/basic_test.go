//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnemos/mnemos/internal/config"
	"github.com/mnemos/mnemos/internal/engine"
)

// TestBasicIntegration covers engine bring-up paths that need a real
// filesystem but no external services.
func TestBasicIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("INTEGRATION_TESTS") != "true" {
		t.Skip("Integration tests not enabled. Set INTEGRATION_TESTS=true to run.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("engine_creation", func(t *testing.T) {
		cfg := config.NewDefault()
		cfg.Persistence.Backend = config.BackendNone

		eng, err := engine.New(ctx, cfg, nil)
		if err != nil {
			t.Fatalf("engine.New() error = %v", err)
		}
		defer eng.Close()

		if err := eng.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := eng.Stop(ctx); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	})

	t.Run("configuration_loading", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		yaml := []byte(`
global:
  log_level: warn
persistence:
  backend: none
memory:
  capacity: 128
`)
		if err := os.WriteFile(path, yaml, 0600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}

		cfg := config.NewDefault()
		if err := cfg.LoadFromFile(path); err != nil {
			t.Fatalf("LoadFromFile() error = %v", err)
		}
		if cfg.Memory.Capacity != 128 {
			t.Errorf("Expected capacity 128 from file, got %d", cfg.Memory.Capacity)
		}
		if cfg.Persistence.Backend != config.BackendNone {
			t.Errorf("Expected backend none from file, got %q", cfg.Persistence.Backend)
		}
	})

	t.Run("sqlite_ledger", func(t *testing.T) {
		cfg := config.NewDefault()
		cfg.Persistence.Backend = config.BackendSQLite
		cfg.Persistence.SQLite.Path = filepath.Join(t.TempDir(), "basic.db")

		eng, err := engine.New(ctx, cfg, nil)
		if err != nil {
			t.Fatalf("engine.New() error = %v", err)
		}
		defer eng.Close()

		if err := eng.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if _, err := eng.Remember("integration smoke record", 5.0); err != nil {
			t.Fatalf("Remember() error = %v", err)
		}
	})
}

// TestRedisIntegration checks the COLD store against a locally running
// Redis when one is configured.
func TestRedisIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Redis integration not enabled. Set REDIS_ADDR to run.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := config.NewDefault()
	cfg.Persistence.Backend = config.BackendNone
	cfg.Stores.Redis.Enabled = true
	cfg.Stores.Redis.Addr = addr
	cfg.Stores.Redis.Namespace = "mnemos-basic-test"

	eng, err := engine.New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	defer eng.Close()

	report := eng.Health(ctx)
	if store, ok := report.Components["store:redis"]; !ok || !store.Healthy {
		t.Errorf("Expected a healthy redis store, got %+v", report.Components)
	}
}
