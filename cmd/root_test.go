package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

KEYBOT_DATABASE=/home/foo/keybot.sqlite3
KEYBOT_DATABASE_TYPE=sqlite
KEYBOT_DATABASE_LOG_LEVEL=INFO
KEYBOT_DATABASE_SLOW_THRESHOLD=200ms
KEYBOT_LOG_LEVEL=INFO
KEYBOT_STARTUP_TIMEOUT=30s
KEYBOT_SHUTDOWN_TIMEOUT=60s

# Discord bot config

KEYBOT_DISCORD_TOKEN=your-discord-bot-token
KEYBOT_DISCORD_APPLICATION_ID=your-discord-bot-app-id
KEYBOT_DISCORD_GUILD_ID=
KEYBOT_DISCORD_OWNER_ID=123456789012345678
KEYBOT_DISCORD_OWNER_STARTUP_DM=true
KEYBOT_DISCORD_ANNOUNCE_CHANNEL_ID=111111111111111111
KEYBOT_DISCORD_STAFF_ROLE_ID=222222222222222222
KEYBOT_DISCORD_LOG_LEVEL=WARN
KEYBOT_DISCORD_DISCORDGO_LOG_LEVEL=WARN
KEYBOT_DISCORD_STARTUP_MESSAGE="I'm here!"
KEYBOT_DISCORD_GATEWAY_INTENTS=3243773

# Key-management backend

KEYBOT_BACKEND_URL=https://example.supabase.co
KEYBOT_BACKEND_SERVICE_KEY=your-service-key
KEYBOT_BACKEND_CLAIMS_TABLE=user_key_claims
KEYBOT_BACKEND_KEYS_TABLE=user_keys
KEYBOT_BACKEND_LOG_LEVEL=INFO

# Claim feed

KEYBOT_FEED_URL=https://feed.example.com/pending
KEYBOT_FEED_MARK_URL=https://feed.example.com/mark

# Poller

KEYBOT_POLLER_INTERVAL=15s
KEYBOT_POLLER_FETCH_LIMIT=25
KEYBOT_POLLER_LOG_LEVEL=DEBUG

# API server

KEYBOT_API_ENABLED=true
KEYBOT_API_LISTEN=127.0.0.1:5000
KEYBOT_API_LOG_LEVEL=DEBUG
KEYBOT_API_READ_TIMEOUT=5s
KEYBOT_API_READ_HEADER_TIMEOUT=5s
KEYBOT_API_WRITE_TIMEOUT=10s
KEYBOT_API_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/keybot.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/keybot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))
	assert.Equal(t, "123456789012345678", viper.GetString("discord.owner_id"))
	assert.True(t, viper.GetBool("discord.owner_startup_dm"))
	assert.Equal(t, "111111111111111111", viper.GetString("discord.announce_channel_id"))
	assert.Equal(t, "222222222222222222", viper.GetString("discord.staff_role_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "https://example.supabase.co", viper.GetString("backend.url"))
	assert.Equal(t, "your-service-key", viper.GetString("backend.service_key"))
	assert.Equal(t, "user_key_claims", viper.GetString("backend.claims_table"))
	assert.Equal(t, "user_keys", viper.GetString("backend.keys_table"))
	assert.Equal(t, "https://example.supabase.co", cfg.Backend.URL)
	assert.True(t, cfg.Backend.Enabled())

	assert.Equal(t, "https://feed.example.com/pending", cfg.Feed.URL)
	assert.Equal(t, "https://feed.example.com/mark", cfg.Feed.MarkURL)

	assert.Equal(t, 15*time.Second, viper.GetDuration("poller.interval"))
	assert.Equal(t, 15*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 25, viper.GetInt("poller.fetch_limit"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("poller.log_level"))

	assert.True(t, viper.GetBool("api.enabled"))
	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
}

// initConfig runs once per Execute, so one process running the command
// twice hits the log-level coercion with values that are already
// *slog.LevelVar instead of strings.
func TestInitConfigRepeated(t *testing.T) {
	initConfig()
	initConfig()

	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
}

func TestGetLogLevel(t *testing.T) {
	for _, expected := range []slog.Level{
		slog.LevelDebug,
		slog.LevelInfo,
		slog.LevelWarn,
		slog.LevelError,
	} {
		lvl, err := getLogLevel(expected.String())
		require.NoError(t, err)
		assert.Equal(t, expected, lvl)
	}

	_, err := getLogLevel("LOUD")
	assert.Error(t, err)
}
