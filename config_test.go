package render

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.PoolSize != 2 || cfg.MaxQueueLength != 20 {
		t.Errorf("pool defaults = %d/%d, want 2/20", cfg.PoolSize, cfg.MaxQueueLength)
	}
	if cfg.Retention() != time.Hour {
		t.Errorf("Retention = %v, want 1h", cfg.Retention())
	}
	if cfg.CacheTTL() != time.Minute {
		t.Errorf("CacheTTL = %v, want 1m", cfg.CacheTTL())
	}
}

func TestLoadConfig_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "render.yaml")
	data := []byte("listen_addr: \":9090\"\npool_size: 4\nretention_minutes: 5\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.PoolSize != 4 {
		t.Errorf("overlay not applied: %q / %d", cfg.ListenAddr, cfg.PoolSize)
	}
	if cfg.Retention() != 5*time.Minute {
		t.Errorf("Retention = %v, want 5m", cfg.Retention())
	}
	// Untouched keys keep their defaults.
	if cfg.MaxQueueLength != 20 {
		t.Errorf("MaxQueueLength = %d, want default 20", cfg.MaxQueueLength)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("RENDER_LISTEN_ADDR", ":7070")
	t.Setenv("RENDER_POOL_SIZE", "8")
	t.Setenv("RENDER_POOL_SIZE_BAD", "x") // unrelated var, must be ignored

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want :7070", cfg.ListenAddr)
	}
	if cfg.PoolSize != 8 {
		t.Errorf("PoolSize = %d, want 8", cfg.PoolSize)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero pool", "pool_size: 0\n"},
		{"negative queue", "max_queue_length: -1\n"},
		{"zero retention", "retention_minutes: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "render.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0644); err != nil {
				t.Fatalf("writing config: %v", err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Error("LoadConfig should reject invalid values")
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadConfig should fail for a missing explicit path")
	}
}
