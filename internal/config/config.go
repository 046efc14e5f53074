package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	LogDir      string `toml:"log_dir"`
	DownloadDir string `toml:"download_dir"`
}

// Server contains the websocket hub listener settings.
type Server struct {
	Listen        string `toml:"listen"`
	Token         string `toml:"token"`
	OpenerCommand string `toml:"opener_command"`
}

// Target describes the third-party page workers drive.
type Target struct {
	LoginURL    string `toml:"login_url"`
	MainURL     string `toml:"main_url"`
	TrustedHost string `toml:"trusted_host"`
	TabPattern  string `toml:"tab_pattern"`
}

// Retry holds the defaults for generic retry engines.
type Retry struct {
	MaxRetries  int     `toml:"max_retries"`
	BaseDelayMS int     `toml:"base_delay_ms"`
	Factor      float64 `toml:"factor"`
}

// Download contains download executor and retry scheduling settings.
type Download struct {
	MaxAttempts       int     `toml:"max_attempts"`
	BaseDelayMS       int     `toml:"base_delay_ms"`
	Factor            float64 `toml:"factor"`
	MaxFileNameLength int     `toml:"max_filename_length"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
}

// Login contains login detection thresholds.
type Login struct {
	MinSignalMS         int `toml:"min_signal_ms"`
	MaxAttempts         int `toml:"max_attempts"`
	WindowSeconds       int `toml:"window_seconds"`
	LatencyBudgetMS     int `toml:"latency_budget_ms"`
	StorageRetries      int `toml:"storage_retries"`
	StorageRetryDelayMS int `toml:"storage_retry_delay_ms"`
	CacheTTLMS          int `toml:"cache_ttl_ms"`
}

// Network contains connectivity monitoring and recovery settings.
type Network struct {
	FlappingThresholdMS int      `toml:"flapping_threshold_ms"`
	MonitorIntervalMS   int      `toml:"monitor_interval_ms"`
	ProbeAddress        string   `toml:"probe_address"`
	ProbeTimeoutMS      int      `toml:"probe_timeout_ms"`
	MaxConcurrent       int      `toml:"max_concurrent"`
	ResumeMaxRetries    int      `toml:"resume_max_retries"`
	StageBaseDelayMS    int      `toml:"stage_base_delay_ms"`
	StageFactor         float64  `toml:"stage_factor"`
	Netlink             bool     `toml:"netlink"`
	Destinations        []string `toml:"destinations"`
}

// Storage selects the key-value backend for paused jobs.
type Storage struct {
	Backend       string `toml:"backend"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	KeyPrefix     string `toml:"key_prefix"`
}

// Generation holds defaults used when the CLI composes a job.
type Generation struct {
	ImageCount       int    `toml:"image_count"`
	Seed             int64  `toml:"seed"`
	FileNameTemplate string `toml:"filename_template"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Login          bool   `toml:"login"`
	Network        bool   `toml:"network"`
	Downloads      bool   `toml:"downloads"`
	Errors         bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for genrelay.
//
// Configuration sections by subsystem:
//   - Paths: data, log, and download directories
//   - Server: websocket hub bind address and token
//   - Target: URLs of the page workers drive
//   - Retry, Download: backoff parameters
//   - Login, Network: pause/resume thresholds
//   - Storage: paused job backend (sqlite or redis)
//   - Generation: CLI job defaults
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Server        Server        `toml:"server"`
	Target        Target        `toml:"target"`
	Retry         Retry         `toml:"retry"`
	Download      Download      `toml:"download"`
	Login         Login         `toml:"login"`
	Network       Network       `toml:"network"`
	Storage       Storage       `toml:"storage"`
	Generation    Generation    `toml:"generation"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/genrelay/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("genrelay.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// DownloadDir is created on a best-effort basis so the daemon can run when
// removable storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.DownloadDir) != "" {
		_ = os.MkdirAll(c.Paths.DownloadDir, 0o755)
	}
	return nil
}

// DatabasePath returns the sqlite file backing the job store.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "genrelay.db")
}

// SocketPath returns the default IPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.DataDir, "genrelay.sock")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "genrelay.lock")
}

// PIDPath returns the daemon pid file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "genrelay.pid")
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// BaseDelay returns the generic retry base delay.
func (r Retry) BaseDelay() time.Duration { return ms(r.BaseDelayMS) }

// BaseDelay returns the download retry base delay.
func (d Download) BaseDelay() time.Duration { return ms(d.BaseDelayMS) }

// Timeout returns the per-download HTTP timeout.
func (d Download) Timeout() time.Duration { return time.Duration(d.TimeoutSeconds) * time.Second }

// MinSignal returns the minimum duration a login signal must persist.
func (l Login) MinSignal() time.Duration { return ms(l.MinSignalMS) }

// Window returns the rate-limit window.
func (l Login) Window() time.Duration { return time.Duration(l.WindowSeconds) * time.Second }

// LatencyBudget returns the detection-to-notification budget.
func (l Login) LatencyBudget() time.Duration { return ms(l.LatencyBudgetMS) }

// StorageRetryDelay returns the fixed backoff between persistence retries.
func (l Login) StorageRetryDelay() time.Duration { return ms(l.StorageRetryDelayMS) }

// CacheTTL returns the page-state presence cache lifetime.
func (l Login) CacheTTL() time.Duration { return ms(l.CacheTTLMS) }

// FlappingThreshold returns the minimum genuine state-change duration.
func (n Network) FlappingThreshold() time.Duration { return ms(n.FlappingThresholdMS) }

// MonitorInterval returns the requested poll interval.
func (n Network) MonitorInterval() time.Duration { return ms(n.MonitorIntervalMS) }

// ProbeTimeout returns the connectivity probe dial timeout.
func (n Network) ProbeTimeout() time.Duration { return ms(n.ProbeTimeoutMS) }

// StageBaseDelay returns the staged resume base delay.
func (n Network) StageBaseDelay() time.Duration { return ms(n.StageBaseDelayMS) }

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
