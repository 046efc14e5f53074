package testsupport

import (
	"path/filepath"
	"testing"

	"genrelay/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.DownloadDir = filepath.Join(base, "downloads")
	cfgVal.Server.Listen = "127.0.0.1:0"
	cfgVal.Network.Netlink = false
	cfgVal.Network.ProbeAddress = "127.0.0.1:1"
	cfgVal.Notifications.NtfyTopic = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithNtfyTopic points notifications at topic, typically an httptest URL.
func WithNtfyTopic(topic string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.NtfyTopic = topic
	}
}

// WithToken requires bearer token auth on the hub.
func WithToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Server.Token = token
	}
}

// WithRedis switches the paused-job backend to redis at addr.
func WithRedis(addr string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Storage.Backend = "redis"
		b.cfg.Storage.RedisAddr = addr
		b.cfg.Storage.KeyPrefix = "genrelay-test:" + filepath.Base(b.baseDir) + ":"
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
