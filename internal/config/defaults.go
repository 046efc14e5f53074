package config

const (
	defaultDataDir             = "~/.local/share/genrelay"
	defaultLogDir              = "~/.local/share/genrelay/logs"
	defaultDownloadDir         = "~/Downloads/genrelay"
	defaultListen              = "127.0.0.1:7788"
	defaultLoginURL            = "https://novelai.net/login"
	defaultMainURL             = "https://novelai.net/"
	defaultTrustedHost         = "novelai.net"
	defaultTabPattern          = "https://novelai.net/*"
	defaultRetryMaxRetries     = 5
	defaultRetryBaseDelayMS    = 500
	defaultRetryFactor         = 2.0
	defaultDownloadAttempts    = 3
	defaultMaxFileNameLength   = 128
	defaultDownloadTimeout     = 60
	defaultMinSignalMS         = 500
	defaultLoginMaxAttempts    = 5
	defaultLoginWindowSeconds  = 600
	defaultLatencyBudgetMS     = 1000
	defaultStorageRetries      = 3
	defaultStorageRetryDelayMS = 100
	defaultCacheTTLMS          = 1000
	defaultFlappingThresholdMS = 5000
	defaultMonitorIntervalMS   = 1000
	defaultProbeAddress        = "novelai.net:443"
	defaultProbeTimeoutMS      = 2000
	defaultMaxConcurrent       = 5
	defaultResumeMaxRetries    = 5
	defaultStorageBackend      = "sqlite"
	defaultKeyPrefix           = "genrelay:"
	defaultImageCount          = 1
	defaultSeed                = -1
	defaultFileNameTemplate    = "{date}_{prompt}_{seed}_{idx}"
	defaultNotifyTimeout       = 10
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultLogRetentionDays    = 30

	// MaxMonitorIntervalMS caps the connectivity poll interval.
	MaxMonitorIntervalMS = 1000
)

func defaultDestinations() []string {
	return []string{"control", "worker"}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			LogDir:      defaultLogDir,
			DownloadDir: defaultDownloadDir,
		},
		Server: Server{
			Listen: defaultListen,
		},
		Target: Target{
			LoginURL:    defaultLoginURL,
			MainURL:     defaultMainURL,
			TrustedHost: defaultTrustedHost,
			TabPattern:  defaultTabPattern,
		},
		Retry: Retry{
			MaxRetries:  defaultRetryMaxRetries,
			BaseDelayMS: defaultRetryBaseDelayMS,
			Factor:      defaultRetryFactor,
		},
		Download: Download{
			MaxAttempts:       defaultDownloadAttempts,
			BaseDelayMS:       defaultRetryBaseDelayMS,
			Factor:            defaultRetryFactor,
			MaxFileNameLength: defaultMaxFileNameLength,
			TimeoutSeconds:    defaultDownloadTimeout,
		},
		Login: Login{
			MinSignalMS:         defaultMinSignalMS,
			MaxAttempts:         defaultLoginMaxAttempts,
			WindowSeconds:       defaultLoginWindowSeconds,
			LatencyBudgetMS:     defaultLatencyBudgetMS,
			StorageRetries:      defaultStorageRetries,
			StorageRetryDelayMS: defaultStorageRetryDelayMS,
			CacheTTLMS:          defaultCacheTTLMS,
		},
		Network: Network{
			FlappingThresholdMS: defaultFlappingThresholdMS,
			MonitorIntervalMS:   defaultMonitorIntervalMS,
			ProbeAddress:        defaultProbeAddress,
			ProbeTimeoutMS:      defaultProbeTimeoutMS,
			MaxConcurrent:       defaultMaxConcurrent,
			ResumeMaxRetries:    defaultResumeMaxRetries,
			StageBaseDelayMS:    defaultRetryBaseDelayMS,
			StageFactor:         defaultRetryFactor,
			Netlink:             true,
			Destinations:        defaultDestinations(),
		},
		Storage: Storage{
			Backend:   defaultStorageBackend,
			KeyPrefix: defaultKeyPrefix,
		},
		Generation: Generation{
			ImageCount:       defaultImageCount,
			Seed:             defaultSeed,
			FileNameTemplate: defaultFileNameTemplate,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Login:          true,
			Network:        true,
			Downloads:      true,
			Errors:         true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
