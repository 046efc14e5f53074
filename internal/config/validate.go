package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateServer,
		c.validateTarget,
		c.validateRetry,
		c.validateDownload,
		c.validateLogin,
		c.validateNetwork,
		c.validateStorage,
		c.validateGeneration,
		c.validateNotifications,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateServer() error {
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen must be host:port: %w", err)
	}
	return nil
}

func (c *Config) validateTarget() error {
	for key, value := range map[string]string{
		"target.login_url": c.Target.LoginURL,
		"target.main_url":  c.Target.MainURL,
	} {
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL", key)
		}
	}
	if c.Target.TrustedHost == "" {
		return errors.New("target.trusted_host must be set")
	}
	return nil
}

func validBackoff(prefix string, baseMS int, factor float64) error {
	if baseMS < 0 {
		return fmt.Errorf("%s.base_delay_ms must be >= 0", prefix)
	}
	if math.IsNaN(factor) || math.IsInf(factor, 0) || factor <= 0 {
		return fmt.Errorf("%s.factor must be a finite number > 0", prefix)
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must be >= 0")
	}
	return validBackoff("retry", c.Retry.BaseDelayMS, c.Retry.Factor)
}

func (c *Config) validateDownload() error {
	if c.Download.MaxAttempts < 0 {
		return errors.New("download.max_attempts must be >= 0")
	}
	if err := validBackoff("download", c.Download.BaseDelayMS, c.Download.Factor); err != nil {
		return err
	}
	if c.Download.MaxFileNameLength < 8 {
		return errors.New("download.max_filename_length must be >= 8")
	}
	if c.Download.TimeoutSeconds <= 0 {
		return errors.New("download.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateLogin() error {
	if err := ensurePositiveMap(map[string]int{
		"login.max_attempts":      c.Login.MaxAttempts,
		"login.window_seconds":    c.Login.WindowSeconds,
		"login.latency_budget_ms": c.Login.LatencyBudgetMS,
		"login.storage_retries":   c.Login.StorageRetries,
	}); err != nil {
		return err
	}
	if c.Login.MinSignalMS < 0 {
		return errors.New("login.min_signal_ms must be >= 0")
	}
	if c.Login.StorageRetryDelayMS < 0 {
		return errors.New("login.storage_retry_delay_ms must be >= 0")
	}
	if c.Login.CacheTTLMS < 0 {
		return errors.New("login.cache_ttl_ms must be >= 0")
	}
	return nil
}

func (c *Config) validateNetwork() error {
	if err := ensurePositiveMap(map[string]int{
		"network.monitor_interval_ms": c.Network.MonitorIntervalMS,
		"network.probe_timeout_ms":    c.Network.ProbeTimeoutMS,
	}); err != nil {
		return err
	}
	if c.Network.FlappingThresholdMS < 0 {
		return errors.New("network.flapping_threshold_ms must be >= 0")
	}
	if c.Network.MaxConcurrent < 0 {
		return errors.New("network.max_concurrent must be >= 0")
	}
	if c.Network.ResumeMaxRetries < 0 {
		return errors.New("network.resume_max_retries must be >= 0")
	}
	if c.Network.ProbeAddress != "" {
		if _, _, err := net.SplitHostPort(c.Network.ProbeAddress); err != nil {
			return fmt.Errorf("network.probe_address must be host:port: %w", err)
		}
	}
	if c.Network.StageBaseDelayMS < 0 {
		return errors.New("network.stage_base_delay_ms must be >= 0")
	}
	if math.IsNaN(c.Network.StageFactor) || c.Network.StageFactor <= 0 {
		return errors.New("network.stage_factor must be > 0")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "sqlite":
	case "redis":
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr must be set when storage.backend is redis (or set GENRELAY_REDIS_ADDR)")
		}
		if c.Storage.RedisDB < 0 {
			return errors.New("storage.redis_db must be >= 0")
		}
	default:
		return fmt.Errorf("storage.backend must be sqlite or redis, got %q", c.Storage.Backend)
	}
	return nil
}

func (c *Config) validateGeneration() error {
	if c.Generation.ImageCount < 1 {
		return errors.New("generation.image_count must be >= 1")
	}
	if strings.TrimSpace(c.Generation.FileNameTemplate) == "" {
		return errors.New("generation.filename_template must be set")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
