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
	"github.com/radiantarchive/keybot/keybot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = keybot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "keybot [flags]",
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

	viper.SetDefault("database", keybot.DefaultDatabase)
	viper.SetDefault("database_type", keybot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		keybot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		keybot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", keybot.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", keybot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", keybot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.owner_id", "")
	viper.SetDefault("discord.owner_startup_dm", false)
	viper.SetDefault("discord.announce_channel_id", "")
	viper.SetDefault("discord.tickets_category_id", "")
	viper.SetDefault("discord.staff_role_id", "")
	viper.SetDefault("discord.dev_role_id", "")
	viper.SetDefault("discord.mod_role_id", "")
	viper.SetDefault("discord.github_issues_url", keybot.DefaultGitHubIssuesURL)
	viper.SetDefault(
		"discord.startup_message",
		keybot.DefaultDiscordStartupMessage,
	)
	viper.SetDefault("discord.custom_status", keybot.DefaultDiscordCustomStatus)
	viper.SetDefault(
		"discord.log_level",
		keybot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		keybot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		keybot.DefaultDiscordGatewayIntent,
	)

	// Backend config
	viper.SetDefault("backend.url", "")
	viper.SetDefault("backend.service_key", "")
	viper.SetDefault("backend.claims_table", keybot.DefaultClaimsTable)
	viper.SetDefault("backend.keys_table", keybot.DefaultKeysTable)
	viper.SetDefault("backend.validate_url", "")
	viper.SetDefault(
		"backend.log_level",
		keybot.DefaultBackendLogLevel.String(),
	)

	// Feed config
	viper.SetDefault("feed.url", "")
	viper.SetDefault("feed.mark_url", "")

	// Poller config
	viper.SetDefault("poller.interval", keybot.DefaultPollInterval)
	viper.SetDefault("poller.fetch_limit", keybot.DefaultClaimFetchLimit)
	viper.SetDefault(
		"poller.log_level",
		keybot.DefaultPollerLogLevel.String(),
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", keybot.DefaultAPIListen)
	viper.SetDefault("api.log_level", keybot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", keybot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		keybot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", keybot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", keybot.DefaultIdleTimeout)

	envPrefix := os.Getenv(keybot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = keybot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"backend.log_level",
		"poller.log_level",
		"api.log_level",
	} {
		// already coerced on a previous run in this process
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

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
