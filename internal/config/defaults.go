package config

const (
	defaultBaseURL                 = "http://127.0.0.1:8000/api"
	defaultRequestTimeoutSeconds   = 10
	defaultUserAgent               = "parsewatch/dev"
	defaultStateDir                = "~/.local/share/parsewatch"
	defaultLogDir                  = "~/.local/share/parsewatch/logs"
	defaultDownloadDir             = "~/Downloads"
	defaultPollIntervalSeconds     = 3
	defaultMaxSilentFailures       = 3
	defaultRetentionMinutes        = 10
	defaultWarningThresholdSeconds = 120
	defaultRecheckIntervalSeconds  = 5
	defaultPostRegistrationTTL     = 60
	defaultPostPaymentTTL          = 30
	defaultMaxFetchFailures        = 5
	defaultSessionBackend          = SessionBackendSQLite
	defaultSessionFileName         = "session.db"
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
	defaultLogRetentionDays        = 14
	defaultNtfyTimeoutSeconds      = 10
	defaultResultsLimit            = 100
	maxResultsLimit                = 1000
)

// Session store backends.
const (
	SessionBackendSQLite   = "sqlite"
	SessionBackendFile     = "file"
	SessionBackendPostgres = "postgres"
	SessionBackendMemory   = "memory"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		API: API{
			BaseURL:               defaultBaseURL,
			RequestTimeoutSeconds: defaultRequestTimeoutSeconds,
			UserAgent:             defaultUserAgent,
		},
		Paths: Paths{
			StateDir:    defaultStateDir,
			LogDir:      defaultLogDir,
			DownloadDir: defaultDownloadDir,
		},
		Polling: Polling{
			IntervalSeconds:   defaultPollIntervalSeconds,
			MaxSilentFailures: defaultMaxSilentFailures,
		},
		Expiration: Expiration{
			RetentionMinutes:        defaultRetentionMinutes,
			WarningThresholdSeconds: defaultWarningThresholdSeconds,
		},
		Activation: Activation{
			RecheckIntervalSeconds:     defaultRecheckIntervalSeconds,
			PostRegistrationTTLSeconds: defaultPostRegistrationTTL,
			PostPaymentTTLSeconds:      defaultPostPaymentTTL,
			MaxFetchFailures:           defaultMaxFetchFailures,
		},
		Session: Session{
			Backend: defaultSessionBackend,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNtfyTimeoutSeconds,
			ExpiryWarnings:        true,
		},
		Results: Results{
			DefaultLimit: defaultResultsLimit,
		},
	}
}
