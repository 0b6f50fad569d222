package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tuimorsa/stationmaster/stationmaster"
)

var (
	cfg        = stationmaster.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "stationmaster [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", stationmaster.DefaultDatabase)
	viper.SetDefault("database_type", stationmaster.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		stationmaster.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		stationmaster.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", stationmaster.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", stationmaster.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", stationmaster.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		stationmaster.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		stationmaster.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		stationmaster.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.startup_message",
		stationmaster.DefaultDiscordStartupMessage,
	)
	viper.SetDefault("discord.fenz_roles", map[string]string{})
	viper.SetDefault("discord.hhstj_roles", map[string]string{})

	// Bloxlink config
	viper.SetDefault("bloxlink.api_key", "")
	viper.SetDefault("bloxlink.base_url", stationmaster.DefaultBloxlinkBaseURL)
	viper.SetDefault(
		"bloxlink.user_api_base_url",
		stationmaster.DefaultRobloxUsersBaseURL,
	)
	viper.SetDefault(
		"bloxlink.log_level",
		stationmaster.DefaultBloxlinkLogLevel.String(),
	)
	viper.SetDefault(
		"bloxlink.request_timeout",
		stationmaster.DefaultBloxlinkTimeout,
	)
	viper.SetDefault(
		"bloxlink.max_attempts",
		stationmaster.DefaultBloxlinkMaxAttempts,
	)
	viper.SetDefault(
		"bloxlink.retry_backoff_base",
		stationmaster.DefaultBloxlinkBackoffBase,
	)
	viper.SetDefault(
		"bloxlink.min_request_interval",
		stationmaster.DefaultBloxlinkMinRequestInterval,
	)
	viper.SetDefault(
		"bloxlink.requests_per_minute",
		stationmaster.DefaultBloxlinkRequestsPerMinute,
	)
	viper.SetDefault(
		"bloxlink.daily_quota",
		stationmaster.DefaultBloxlinkDailyQuota,
	)
	viper.SetDefault("bloxlink.cache_ttl", stationmaster.DefaultIdentityCacheTTL)
	viper.SetDefault(
		"bloxlink.bulk_consecutive_failure_limit",
		stationmaster.DefaultBulkConsecutiveFailureLimit,
	)
	viper.SetDefault(
		"bloxlink.bulk_failure_limit",
		stationmaster.DefaultBulkFailureLimit,
	)

	// Sheets config
	viper.SetDefault("sheets.enabled", false)
	viper.SetDefault("sheets.spreadsheet_id", "")
	viper.SetDefault("sheets.credentials_file", "")
	viper.SetDefault("sheets.regular_tab", stationmaster.DefaultSheetsTabRegular)
	viper.SetDefault("sheets.command_tab", stationmaster.DefaultSheetsTabCommand)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", stationmaster.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.log_level", stationmaster.DefaultAPILogLevel.String())
	viper.SetDefault("api.allow_origins", []string{})
	viper.SetDefault("api.read_timeout", stationmaster.DefaultReadTimeout)
	viper.SetDefault("api.write_timeout", stationmaster.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", stationmaster.DefaultIdleTimeout)

	// Sync config
	viper.SetDefault("sync.resync_interval", stationmaster.DefaultResyncInterval)
	viper.SetDefault(
		"sync.cache_refresh_interval",
		stationmaster.DefaultCacheRefreshInterval,
	)
	viper.SetDefault(
		"sync.inactivity_window",
		stationmaster.DefaultInactivityWindow,
	)

	envPrefix := os.Getenv(stationmaster.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = stationmaster.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.allow_origins",
		viper.GetStringSlice("api.allow_origins"),
	)
	viper.Set(
		"discord.fenz_roles",
		viper.GetStringMapString("discord.fenz_roles"),
	)
	viper.Set(
		"discord.hhstj_roles",
		viper.GetStringMapString("discord.hhstj_roles"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"bloxlink.log_level",
		"api.log_level",
	} {
		// a prior Execute in the same process already replaced the
		// string with a level var; re-parsing its Stringer form fails
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
