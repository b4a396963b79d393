package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// isolate points the user config directory at an empty temp dir and runs
// the test from another one, so no stray config or .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("ANTHROPIC_API_KEY", "")
	work := t.TempDir()
	t.Chdir(work)
	return work
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Default()
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	if cfg.Sync.BatchSize != 3 || cfg.Sync.RetryInterval != 5*time.Second {
		t.Errorf("unexpected sync defaults: %+v", cfg.Sync)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	work := isolate(t)
	path := filepath.Join(work, "custom.yaml")
	data := `
data_dir: /var/lib/threadsync
remote:
  url: https://db.example.com
sync:
  batch_size: 5
  retry_interval: 2s
  max_attempts: 10
streaming:
  channel: none
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Remote.URL != "https://db.example.com" {
		t.Errorf("remote.url = %q", cfg.Remote.URL)
	}
	if cfg.Sync.BatchSize != 5 || cfg.Sync.RetryInterval != 2*time.Second || cfg.Sync.MaxAttempts != 10 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Sync.BatchYield != 50*time.Millisecond {
		t.Errorf("unset keys should keep defaults, batch_yield = %v", cfg.Sync.BatchYield)
	}
	if got := cfg.StorePath(); got != "/var/lib/threadsync/threadsync.db" {
		t.Errorf("StorePath = %q", got)
	}
}

func TestLoadDiscoversTOMLInWorkingDir(t *testing.T) {
	work := isolate(t)
	data := "[dashboard]\nenabled = true\naddr = \"127.0.0.1:9999\"\n"
	if err := os.WriteFile(filepath.Join(work, "threadsync.toml"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.Addr != "127.0.0.1:9999" {
		t.Errorf("dashboard = %+v", cfg.Dashboard)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	work := isolate(t)
	if _, err := Load(filepath.Join(work, "nope.yaml")); err == nil {
		t.Error("expected an error for a missing explicit config file")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	work := isolate(t)
	path := filepath.Join(work, "threadsync.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  batch_size: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("THREADSYNC_SYNC_BATCH_SIZE", "8")
	t.Setenv("THREADSYNC_STREAMING_RETENTION", "750ms")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.BatchSize != 8 {
		t.Errorf("batch_size = %d, want 8", cfg.Sync.BatchSize)
	}
	if cfg.Streaming.Retention != 750*time.Millisecond {
		t.Errorf("retention = %v", cfg.Streaming.Retention)
	}
	if cfg.Completion.APIKey != "sk-test" {
		t.Errorf("api key not taken from ANTHROPIC_API_KEY")
	}
}

func TestDotEnvIsLoaded(t *testing.T) {
	work := isolate(t)
	const key = "THREADSYNC_SYNC_PAGE_SIZE"
	t.Cleanup(func() { _ = os.Unsetenv(key) })
	if err := os.WriteFile(filepath.Join(work, ".env"), []byte(key+"=50\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.PageSize != 50 {
		t.Errorf("page_size = %d, want 50", cfg.Sync.PageSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"redis without addr", func(c *Config) { c.Streaming.Channel = ChannelRedis }, "redis_addr"},
		{"redis with addr", func(c *Config) {
			c.Streaming.Channel = ChannelRedis
			c.Streaming.RedisAddr = "localhost:6379"
		}, ""},
		{"unknown channel", func(c *Config) { c.Streaming.Channel = "carrier-pigeon" }, "unknown streaming channel"},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }, "batch_size"},
		{"negative attempts", func(c *Config) { c.Sync.MaxAttempts = -1 }, "max_attempts"},
		{"inverted backoff", func(c *Config) { c.Remote.ReconnectMin = time.Minute }, "reconnect_min"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolvePaths(t *testing.T) {
	cfg := &Config{DataDir: "/data", Store: StoreConfig{Path: "/abs/db.sqlite"}, Streaming: StreamingConfig{Dir: "tabs"}}
	if got := cfg.StorePath(); got != "/abs/db.sqlite" {
		t.Errorf("absolute store path rewritten to %q", got)
	}
	if got := cfg.StreamingDir(); got != "/data/tabs" {
		t.Errorf("StreamingDir = %q", got)
	}
}
