package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuimorsa/stationmaster/stationmaster"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

SM_DATABASE=/home/foo/stationmaster.sqlite3
SM_DATABASE_TYPE=sqlite
SM_DATABASE_LOG_LEVEL=INFO
SM_DATABASE_SLOW_THRESHOLD=200ms
SM_LOG_LEVEL=INFO
SM_STARTUP_TIMEOUT=30s
SM_SHUTDOWN_TIMEOUT=60s

# Discord bot config

SM_DISCORD_TOKEN=your-discord-bot-token
SM_DISCORD_APPLICATION_ID=your-discord-bot-app-id
SM_DISCORD_GUILD_ID=guild-123
SM_DISCORD_NOTIFICATION_CHANNEL_ID=channel-456
SM_DISCORD_LOG_LEVEL=WARN
SM_DISCORD_DISCORDGO_LOG_LEVEL=WARN
SM_DISCORD_STARTUP_MESSAGE="Callsign sync online!"
SM_DISCORD_GATEWAY_INTENTS=3243773

# Bloxlink config

SM_BLOXLINK_API_KEY=your-bloxlink-key
SM_BLOXLINK_LOG_LEVEL=INFO
SM_BLOXLINK_REQUEST_TIMEOUT=10s
SM_BLOXLINK_MAX_ATTEMPTS=3
SM_BLOXLINK_MIN_REQUEST_INTERVAL=1s
SM_BLOXLINK_REQUESTS_PER_MINUTE=30
SM_BLOXLINK_DAILY_QUOTA=500
SM_BLOXLINK_CACHE_TTL=24h

# Sheets mirror

SM_SHEETS_ENABLED=false
SM_SHEETS_SPREADSHEET_ID=sheet-id
SM_SHEETS_CREDENTIALS_FILE=/etc/stationmaster/sa.json

# API server

SM_API_ENABLED=true
SM_API_LISTEN=127.0.0.1:5000
SM_API_LISTEN_NETWORK=tcp
SM_API_TOKEN=your-api-token
SM_API_LOG_LEVEL=DEBUG
SM_API_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
SM_API_READ_TIMEOUT=5s
SM_API_WRITE_TIMEOUT=10s
SM_API_IDLE_TIMEOUT=30s

# Background sync

SM_SYNC_RESYNC_INTERVAL=1h
SM_SYNC_CACHE_REFRESH_INTERVAL=24h
SM_SYNC_INACTIVITY_WINDOW=2160h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/stationmaster.sqlite3", cfg.Database)
	assert.Equal(
		t,
		"/home/foo/stationmaster.sqlite3",
		viper.GetString("database"),
	)
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(
		t,
		200*time.Millisecond,
		viper.GetDuration("database_slow_threshold"),
	)
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(
		t,
		"your-discord-bot-app-id",
		viper.GetString("discord.application_id"),
	)
	assert.Equal(t, "guild-123", viper.GetString("discord.guild_id"))
	assert.Equal(
		t,
		"channel-456",
		viper.GetString("discord.notification_channel_id"),
	)

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(
		t,
		"Callsign sync online!",
		viper.GetString("discord.startup_message"),
	)
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "your-bloxlink-key", viper.GetString("bloxlink.api_key"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("bloxlink.log_level"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("bloxlink.request_timeout"))
	assert.Equal(t, 3, viper.GetInt("bloxlink.max_attempts"))
	assert.Equal(
		t,
		time.Second,
		viper.GetDuration("bloxlink.min_request_interval"),
	)
	assert.Equal(t, 30, viper.GetInt("bloxlink.requests_per_minute"))
	assert.Equal(t, 500, viper.GetInt("bloxlink.daily_quota"))
	assert.Equal(t, 24*time.Hour, viper.GetDuration("bloxlink.cache_ttl"))

	assert.False(t, viper.GetBool("sheets.enabled"))
	assert.Equal(t, "sheet-id", viper.GetString("sheets.spreadsheet_id"))
	assert.Equal(
		t,
		"/etc/stationmaster/sa.json",
		viper.GetString("sheets.credentials_file"),
	)

	assert.True(t, viper.GetBool("api.enabled"))
	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "tcp", viper.GetString("api.listen_network"))
	assert.Equal(t, "your-api-token", viper.GetString("api.token"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.allow_origins"),
	)
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))

	assert.Equal(t, time.Hour, viper.GetDuration("sync.resync_interval"))
	assert.Equal(
		t,
		24*time.Hour,
		viper.GetDuration("sync.cache_refresh_interval"),
	)
	assert.Equal(t, 2160*time.Hour, viper.GetDuration("sync.inactivity_window"))

	// Unmarshal the configuration into a stationmaster.Config struct
	var config stationmaster.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/stationmaster.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "guild-123", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "Callsign sync online!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, "your-bloxlink-key", config.Bloxlink.APIKey)
	assert.Equal(t, stationmaster.DefaultBloxlinkBaseURL, config.Bloxlink.BaseURL)
	assert.Equal(t, 3, config.Bloxlink.MaxAttempts)
	assert.Equal(t, time.Second, config.Bloxlink.MinRequestInterval)
	assert.Equal(t, 30, config.Bloxlink.RequestsPerMinute)
	assert.Equal(t, 500, config.Bloxlink.DailyQuota)
	assert.Equal(t, 24*time.Hour, config.Bloxlink.CacheTTL)

	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "tcp", config.API.ListenNetwork)
	assert.Equal(t, "your-api-token", config.API.Token)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.AllowOrigins,
	)

	assert.Equal(t, time.Hour, config.Sync.ResyncInterval)
	assert.Equal(t, 24*time.Hour, config.Sync.CacheRefreshInterval)
	assert.Equal(t, 2160*time.Hour, config.Sync.InactivityWindow)
}

// Executing the root command more than once in the same process must not
// choke on the log-level keys initConfig already converted to level vars.
func TestExecuteTwiceKeepsLogLevels(t *testing.T) {
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	require.NoError(t, rootCmd.Execute())

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"bloxlink.log_level",
		"api.log_level",
	} {
		_, ok := viper.Get(key).(*slog.LevelVar)
		assert.Truef(t, ok, "%s is %T, not a *slog.LevelVar", key, viper.Get(key))
	}

	var config stationmaster.Config
	require.NoError(
		t, viper.Unmarshal(
			&config, viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		),
	)
	require.NotNil(t, config.LogLevel)
}
