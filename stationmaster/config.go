//nolint:lll // struct tags can't be split
package stationmaster

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "STATIONMASTER_ENV_PREFIX"
	DefaultEnvPrefix   = "SM"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "stationmaster.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultLogLevel          = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultBloxlinkLogLevel  = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDiscordGatewayIntent  = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordStartupMessage = "Callsign sync online!"

	DefaultBloxlinkBaseURL     = "https://api.blox.link/v4/public"
	DefaultRobloxUsersBaseURL  = "https://users.roblox.com/v1"
	DefaultBloxlinkTimeout     = 10 * time.Second
	DefaultBloxlinkMaxAttempts = 3
	DefaultBloxlinkBackoffBase = time.Second

	// rate constraints: a fixed minimum delay between any two calls, a
	// rolling per-minute ceiling, and the daily quota
	DefaultBloxlinkMinRequestInterval = time.Second
	DefaultBloxlinkRequestsPerMinute  = 30
	DefaultBloxlinkDailyQuota         = 500
	DefaultIdentityCacheTTL           = 24 * time.Hour

	DefaultBulkConsecutiveFailureLimit = 5
	DefaultBulkFailureLimit            = 10

	DefaultResyncInterval       = time.Hour
	DefaultCacheRefreshInterval = 24 * time.Hour
	DefaultInactivityWindow     = 90 * 24 * time.Hour

	DefaultAPIListen     = "127.0.0.1:5000"
	defaultListenNetwork = "tcp"
	DefaultReadTimeout   = 5 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultIdleTimeout   = 30 * time.Second

	DefaultSheetsTabRegular = "Operational"
	DefaultSheetsTabCommand = "Command"
)

// Config is the top-level bot configuration, loaded via viper in cmd/.
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to initialize
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Discord configures the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Bloxlink configures the identity resolution client
	Bloxlink *BloxlinkConfig `yaml:"bloxlink" mapstructure:"bloxlink" json:"bloxlink"`

	// Sheets configures the spreadsheet mirror
	Sheets *SheetsConfig `yaml:"sheets" mapstructure:"sheets" json:"sheets"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Sync configures the background resync tasks
	Sync *SyncConfig `yaml:"sync" mapstructure:"sync" json:"sync"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the guild the bot manages callsigns for, and the guild
	// used for Bloxlink lookups
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// NotificationChannelID receives startup and rank-change notices, if set
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// StartupMessage is sent to the notification channel on connect
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// FENZRoles maps Discord role IDs to FENZ rank codes
	FENZRoles map[string]string `yaml:"fenz_roles" mapstructure:"fenz_roles" json:"fenz_roles"`

	// HHStJRoles maps Discord role IDs to HHStJ rank codes (composite codes
	// allowed, ex "WOM-MIKE30")
	HHStJRoles map[string]string `yaml:"hhstj_roles" mapstructure:"hhstj_roles" json:"hhstj_roles"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// BloxlinkConfig configures the identity resolution client and its rate
// constraints.
//
//nolint:lll // can't break tags
type BloxlinkConfig struct {
	// Bloxlink API key. Without it, every resolution returns no_api_key.
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`

	// BaseURL for the Bloxlink public API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required"`

	// UserAPIBaseURL for the secondary numeric-ID-to-name endpoint
	UserAPIBaseURL string `yaml:"user_api_base_url" mapstructure:"user_api_base_url" json:"user_api_base_url" binding:"required"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// RequestTimeout bounds each HTTP call
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// MaxAttempts bounds retries for one resolution
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts" binding:"min=1"`

	// RetryBackoffBase scales the exponential backoff applied on HTTP 429
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base" mapstructure:"retry_backoff_base" json:"retry_backoff_base"`

	// MinRequestInterval is the fixed minimum delay between any two calls
	MinRequestInterval time.Duration `yaml:"min_request_interval" mapstructure:"min_request_interval" json:"min_request_interval"`

	// RequestsPerMinute caps calls in any rolling sixty-second window
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute" json:"requests_per_minute"`

	// DailyQuota is the process-wide request budget per 24h
	DailyQuota int `yaml:"daily_quota" mapstructure:"daily_quota" json:"daily_quota" binding:"min=1"`

	// CacheTTL is how long resolved identities stay valid
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl" json:"cache_ttl" binding:"min=1m"`

	// BulkConsecutiveFailureLimit aborts a bulk pass after this many
	// failures in a row
	BulkConsecutiveFailureLimit int `yaml:"bulk_consecutive_failure_limit" mapstructure:"bulk_consecutive_failure_limit" json:"bulk_consecutive_failure_limit" binding:"min=1"`

	// BulkFailureLimit aborts a bulk pass after this many failures total
	BulkFailureLimit int `yaml:"bulk_failure_limit" mapstructure:"bulk_failure_limit" json:"bulk_failure_limit" binding:"min=1"`
}

// SheetsConfig configures the Google Sheets reporting mirror.
//
//nolint:lll // can't break tags
type SheetsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// SpreadsheetID of the reporting spreadsheet
	SpreadsheetID string `yaml:"spreadsheet_id" mapstructure:"spreadsheet_id" json:"spreadsheet_id" binding:"required_if=Enabled true"`

	// CredentialsFile is the path to a Google service account key
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file" json:"credentials_file" binding:"required_if=Enabled true"`

	// RegularTab and CommandTab are the two destination tabs; rows route by
	// rank tier
	RegularTab string `yaml:"regular_tab" mapstructure:"regular_tab" json:"regular_tab"`
	CommandTab string `yaml:"command_tab" mapstructure:"command_tab" json:"command_tab"`
}

// APIConfig configures the admin API server.
//
//nolint:lll // can't break tags
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix")
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// Token is the bearer token required on every request
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required_if=Enabled true"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// AllowOrigins for CORS; empty disables cross-origin access
	AllowOrigins []string `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`

	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true,min=1s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true,min=1s"`
}

// SyncConfig configures the recurring background tasks.
//
//nolint:lll // can't break tags
type SyncConfig struct {
	// ResyncInterval is how often nickname/rank corrections run
	ResyncInterval time.Duration `yaml:"resync_interval" mapstructure:"resync_interval" json:"resync_interval" binding:"min=1m"`

	// CacheRefreshInterval is how often the full identity-cache refresh and
	// expiry cleanup run
	CacheRefreshInterval time.Duration `yaml:"cache_refresh_interval" mapstructure:"cache_refresh_interval" json:"cache_refresh_interval" binding:"min=1h"`

	// InactivityWindow prunes callsign records untouched for this long;
	// 0 disables pruning
	InactivityWindow time.Duration `yaml:"inactivity_window" mapstructure:"inactivity_window" json:"inactivity_window"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	bloxlinkLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	bloxlinkLogLevel.Set(DefaultBloxlinkLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		Bloxlink: &BloxlinkConfig{
			BaseURL:                     DefaultBloxlinkBaseURL,
			UserAPIBaseURL:              DefaultRobloxUsersBaseURL,
			LogLevel:                    bloxlinkLogLevel,
			RequestTimeout:              DefaultBloxlinkTimeout,
			MaxAttempts:                 DefaultBloxlinkMaxAttempts,
			RetryBackoffBase:            DefaultBloxlinkBackoffBase,
			MinRequestInterval:          DefaultBloxlinkMinRequestInterval,
			RequestsPerMinute:           DefaultBloxlinkRequestsPerMinute,
			DailyQuota:                  DefaultBloxlinkDailyQuota,
			CacheTTL:                    DefaultIdentityCacheTTL,
			BulkConsecutiveFailureLimit: DefaultBulkConsecutiveFailureLimit,
			BulkFailureLimit:            DefaultBulkFailureLimit,
		},
		Sheets: &SheetsConfig{
			RegularTab: DefaultSheetsTabRegular,
			CommandTab: DefaultSheetsTabCommand,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			LogLevel:      apiLogLevel,
			ReadTimeout:   DefaultReadTimeout,
			WriteTimeout:  DefaultWriteTimeout,
			IdleTimeout:   DefaultIdleTimeout,
		},
		Sync: &SyncConfig{
			ResyncInterval:       DefaultResyncInterval,
			CacheRefreshInterval: DefaultCacheRefreshInterval,
			InactivityWindow:     DefaultInactivityWindow,
		},
	}
}
