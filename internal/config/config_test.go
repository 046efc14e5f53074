package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"genrelay/internal/config"
)

func TestLoadDefaultConfigExpandsPathsAndUsesEnv(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("GENRELAY_NTFY_TOPIC", "https://ntfy.example/topic")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if want := filepath.Join(tempHome, ".local", "share", "genrelay"); cfg.Paths.DataDir != want {
		t.Fatalf("data dir = %q, want %q", cfg.Paths.DataDir, want)
	}
	if want := filepath.Join(tempHome, "Downloads", "genrelay"); cfg.Paths.DownloadDir != want {
		t.Fatalf("download dir = %q, want %q", cfg.Paths.DownloadDir, want)
	}
	if cfg.Notifications.NtfyTopic != "https://ntfy.example/topic" {
		t.Fatalf("expected ntfy topic from env, got %q", cfg.Notifications.NtfyTopic)
	}
	if cfg.Server.Listen != "127.0.0.1:7788" {
		t.Fatalf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Fatalf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.Download.BaseDelay() != 500*time.Millisecond || cfg.Download.MaxAttempts != 3 {
		t.Fatalf("unexpected download defaults: %+v", cfg.Download)
	}
	if cfg.Network.FlappingThreshold() != 5*time.Second {
		t.Fatalf("flapping threshold = %v", cfg.Network.FlappingThreshold())
	}
	if cfg.Login.Window() != 10*time.Minute {
		t.Fatalf("login window = %v", cfg.Login.Window())
	}
}

func TestLoadCustomConfig(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	path := filepath.Join(t.TempDir(), "genrelay.toml")
	payload := map[string]any{
		"paths": map[string]any{
			"data_dir":     "~/relay",
			"download_dir": "~/images",
		},
		"network": map[string]any{
			"destinations": []string{" Control ", "control", "worker", ""},
		},
		"logging": map[string]any{
			"format": "JSON",
			"level":  "DEBUG",
		},
	}
	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("resolved = %q exists = %v", resolved, exists)
	}
	if cfg.Paths.DataDir != filepath.Join(tempHome, "relay") {
		t.Fatalf("data dir = %q", cfg.Paths.DataDir)
	}
	if got := strings.Join(cfg.Network.Destinations, ","); got != "control,worker" {
		t.Fatalf("destinations = %q", got)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Fatalf("unset sections should keep defaults, got %+v", cfg.Retry)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*config.Config){
		"retry.factor":              func(c *config.Config) { c.Retry.Factor = 0 },
		"retry.max_retries":         func(c *config.Config) { c.Retry.MaxRetries = -1 },
		"download.base_delay_ms":    func(c *config.Config) { c.Download.BaseDelayMS = -5 },
		"storage.redis_addr":        func(c *config.Config) { c.Storage.Backend = "redis" },
		"storage.backend":           func(c *config.Config) { c.Storage.Backend = "etcd" },
		"target.trusted_host":       func(c *config.Config) { c.Target.TrustedHost = "" },
		"server.listen":             func(c *config.Config) { c.Server.Listen = "nonsense" },
		"login.max_attempts":        func(c *config.Config) { c.Login.MaxAttempts = 0 },
		"network.monitor_interval":  func(c *config.Config) { c.Network.MonitorIntervalMS = 0 },
		"generation.image_count":    func(c *config.Config) { c.Generation.ImageCount = 0 },
		"download.max_filename_len": func(c *config.Config) { c.Download.MaxFileNameLength = 3 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("sample should exist")
	}
	defaults := config.Default()
	if cfg.Download.MaxFileNameLength != defaults.Download.MaxFileNameLength || cfg.Network.ProbeAddress != defaults.Network.ProbeAddress {
		t.Fatalf("sample drifted from defaults: %+v", cfg)
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.DownloadDir = filepath.Join(base, "downloads")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Paths.DownloadDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
	if filepath.Dir(cfg.DatabasePath()) != cfg.Paths.DataDir {
		t.Fatalf("database path = %q", cfg.DatabasePath())
	}
}
