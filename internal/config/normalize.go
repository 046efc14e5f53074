package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeServer()
	c.normalizeTarget()
	c.normalizeNetwork()
	c.normalizeStorage()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.DownloadDir, err = expandPath(strings.TrimSpace(c.Paths.DownloadDir)); err != nil {
		return fmt.Errorf("paths.download_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeServer() {
	c.Server.Listen = strings.TrimSpace(c.Server.Listen)
	if c.Server.Listen == "" {
		c.Server.Listen = defaultListen
	}
	c.Server.Token = strings.TrimSpace(c.Server.Token)
	if c.Server.Token == "" {
		if value, ok := os.LookupEnv("GENRELAY_TOKEN"); ok {
			c.Server.Token = strings.TrimSpace(value)
		}
	}
	c.Server.OpenerCommand = strings.TrimSpace(c.Server.OpenerCommand)
}

func (c *Config) normalizeTarget() {
	c.Target.LoginURL = strings.TrimSpace(c.Target.LoginURL)
	c.Target.MainURL = strings.TrimSpace(c.Target.MainURL)
	c.Target.TrustedHost = strings.ToLower(strings.TrimSpace(c.Target.TrustedHost))
	c.Target.TabPattern = strings.TrimSpace(c.Target.TabPattern)
	if c.Target.TabPattern == "" {
		c.Target.TabPattern = defaultTabPattern
	}
}

func (c *Config) normalizeNetwork() {
	c.Network.ProbeAddress = strings.TrimSpace(c.Network.ProbeAddress)
	if len(c.Network.Destinations) == 0 {
		c.Network.Destinations = defaultDestinations()
		return
	}
	dests := make([]string, 0, len(c.Network.Destinations))
	seen := make(map[string]struct{}, len(c.Network.Destinations))
	for _, dest := range c.Network.Destinations {
		normalized := strings.ToLower(strings.TrimSpace(dest))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		dests = append(dests, normalized)
	}
	if len(dests) == 0 {
		dests = defaultDestinations()
	}
	c.Network.Destinations = dests
}

func (c *Config) normalizeStorage() {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaultStorageBackend
	}
	c.Storage.RedisAddr = strings.TrimSpace(c.Storage.RedisAddr)
	if c.Storage.RedisAddr == "" {
		if value, ok := os.LookupEnv("GENRELAY_REDIS_ADDR"); ok {
			c.Storage.RedisAddr = strings.TrimSpace(value)
		}
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = defaultKeyPrefix
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("GENRELAY_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
