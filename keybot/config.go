//nolint:lll // struct tags can't be split
package keybot

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "KEYBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "KEYBOT"

	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "keybot.sqlite3"

	DefaultLogLevel          = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelInfo
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultDatabaseLogLevel  = slog.LevelInfo
	DefaultBackendLogLevel   = slog.LevelInfo
	DefaultPollerLogLevel    = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultPollInterval is how often the claim poller runs a cycle.
	DefaultPollInterval = 10 * time.Second

	// MinimumPollInterval is the enforced floor for the poll interval.
	MinimumPollInterval = 5 * time.Second

	// DefaultClaimFetchLimit caps how many claim rows are requested per cycle.
	DefaultClaimFetchLimit = 50

	DefaultClaimsTable = "user_key_claims"
	DefaultKeysTable   = "user_keys"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	defaultListenNetwork     = "tcp"

	DefaultDiscordStartupMessage = "Key courier online!"
	DefaultDiscordCustomStatus   = "Radiant Archive"
	DefaultGitHubIssuesURL       = "https://github.com/radiantarchive/keybot/issues"
)

// DefaultDiscordGatewayIntent covers the events the bot needs without
// privileged intents. Message content is added separately when
// [DiscordConfig.AllowMessageContent] is set.
const DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildMessageReactions |
	discordgo.IntentsDirectMessages

// Config is the top-level configuration for the bot process.
type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Backend configures the key-management backend (claims table,
	// keys table, auth admin lookup)
	Backend *BackendConfig `yaml:"backend" mapstructure:"backend" json:"backend"`

	// Feed configures the secondary push-style claim feed
	Feed *FeedConfig `yaml:"feed" mapstructure:"feed" json:"feed"`

	// Poller configures the claim ingestion loop
	Poller *PollerConfig `yaml:"poller" mapstructure:"poller" json:"poller"`

	// API configures the operational HTTP API
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to initialize. If this is
	// passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// validate checks the minimum viable configuration. A missing bot token is
// fatal at startup; everything else degrades to a no-op at runtime.
func (c *Config) validate() error {
	if c.Discord == nil || c.Discord.Token == "" {
		return errors.New("missing discord token")
	}
	return nil
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global. Commands are
	// additionally registered per connected guild on ready.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// OwnerID is the discord user ID allowed to use owner-only commands
	// (currently just /announce)
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id"`

	// OwnerStartupDM, when true, sends the owner a DM when the bot starts
	OwnerStartupDM bool `yaml:"owner_startup_dm" mapstructure:"owner_startup_dm" json:"owner_startup_dm"`

	// AllowMessageContent adds the (privileged) message content intent
	AllowMessageContent bool `yaml:"allow_message_content" mapstructure:"allow_message_content" json:"allow_message_content"`

	// AnnounceChannelID seeds the staff announce channel. The runtime value
	// can be changed with /announce, and the persisted value wins on restart.
	AnnounceChannelID string `yaml:"announce_channel_id" mapstructure:"announce_channel_id" json:"announce_channel_id"`

	// TicketsCategoryID seeds the category ticket channels are created under
	TicketsCategoryID string `yaml:"tickets_category_id" mapstructure:"tickets_category_id" json:"tickets_category_id"`

	// StaffRoleID is granted access to ticket channels, and gates /issue open
	StaffRoleID string `yaml:"staff_role_id" mapstructure:"staff_role_id" json:"staff_role_id"`

	// DevRoleID is always granted access to ticket channels
	DevRoleID string `yaml:"dev_role_id" mapstructure:"dev_role_id" json:"dev_role_id"`

	// ModRoleID is always granted access to ticket channels
	ModRoleID string `yaml:"mod_role_id" mapstructure:"mod_role_id" json:"mod_role_id"`

	// GitHubIssuesURL is linked from bug-report tickets
	GitHubIssuesURL string `yaml:"github_issues_url" mapstructure:"github_issues_url" json:"github_issues_url"`

	// StartupMessage is sent to the announce channel when the bot connects
	// to the discord gateway, if an announce channel is set
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is set as the bot's presence on ready
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// Intents returns the configured gateway intents, adding message content
// when enabled.
func (c DiscordConfig) Intents() discordgo.Intent {
	intents := c.GatewayIntents
	if c.AllowMessageContent {
		intents |= discordgo.IntentMessageContent
	}
	return intents
}

// BackendConfig configures the key-management REST backend.
//
//nolint:lll // can't break tags
type BackendConfig struct {
	// Base URL of the backend (e.g. https://xyz.supabase.co)
	URL string `yaml:"url" mapstructure:"url" json:"url"`

	// Service credential sent as both the apikey header and bearer token
	ServiceKey string `yaml:"service_key" mapstructure:"service_key" json:"service_key" log:"[redacted]"`

	// ClaimsTable is the REST resource holding claim rows
	ClaimsTable string `yaml:"claims_table" mapstructure:"claims_table" json:"claims_table"`

	// KeysTable is the REST resource holding issued keys, used as the
	// fallback for activation validation
	KeysTable string `yaml:"keys_table" mapstructure:"keys_table" json:"keys_table"`

	// ValidateURL is the web app endpoint used to validate activation keys.
	// When unset (or failing), the keys table is queried directly.
	ValidateURL string `yaml:"validate_url" mapstructure:"validate_url" json:"validate_url"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// Enabled reports whether the backend is configured at all. When false,
// claims-table fetches return nothing and marks are no-ops.
func (c BackendConfig) Enabled() bool {
	return c.URL != "" && c.ServiceKey != ""
}

// FeedConfig configures the secondary push-style claim feed.
type FeedConfig struct {
	// URL is polled for pending claim items each cycle
	URL string `yaml:"url" mapstructure:"url" json:"url"`

	// MarkURL receives a POST marking a feed item as handled
	MarkURL string `yaml:"mark_url" mapstructure:"mark_url" json:"mark_url"`
}

// PollerConfig configures the claim ingestion loop.
type PollerConfig struct {
	// Interval between polling cycles. Values below [MinimumPollInterval]
	// are raised to it.
	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval"`

	// FetchLimit caps how many claim rows are requested per cycle
	FetchLimit int `yaml:"fetch_limit" mapstructure:"fetch_limit" json:"fetch_limit"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the operational HTTP API.
//
//nolint:lll // can't break tags
type APIConfig struct {
	// Enabled determines whether the API server is started
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	backendLogLevel := &slog.LevelVar{}
	pollerLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	backendLogLevel.Set(DefaultBackendLogLevel)
	pollerLogLevel.Set(DefaultPollerLogLevel)
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
			CustomStatus:      DefaultDiscordCustomStatus,
			GitHubIssuesURL:   DefaultGitHubIssuesURL,
		},
		Backend: &BackendConfig{
			ClaimsTable: DefaultClaimsTable,
			KeysTable:   DefaultKeysTable,
			LogLevel:    backendLogLevel,
		},
		Feed: &FeedConfig{},
		Poller: &PollerConfig{
			Interval:   DefaultPollInterval,
			FetchLimit: DefaultClaimFetchLimit,
			LogLevel:   pollerLogLevel,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
