package keybot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/radiantarchive/keybot/keybot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// KeyBot is the main application struct: it owns the discord session, the
// claim poller, the key-management backend and feed clients, the database,
// and the operational API.
type KeyBot struct {
	config *Config

	db      *gorm.DB
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	backend *backendClient
	feed    *feedClient
	poller  *ClaimPoller
	api     *API

	// Runtime-configurable settings - things you may want to change
	// without restarting the bot (announce channel, tickets category).
	runtimeConfig *RuntimeConfig

	// protecc the runtime config
	cfgMu sync.RWMutex

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time

	// paces individual message deletions in /clear and /clear-dm so the
	// fallback path doesn't hammer the API
	deleteLimiter *rate.Limiter

	// counts tickets opened this process, for the status API
	ticketsOpened atomic.Int64
}

// New creates a KeyBot from the given config. The only hard requirement is
// a discord token; a missing backend or feed just disables that source.
func New(config *Config) (*KeyBot, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	logHandler := newLogHandler(defaultLogWriter, config.LogLevel)
	logger := slog.New(logHandler)

	k := &KeyBot{
		config:     config,
		logger:     logger,
		logHandler: logHandler,
	}

	k.discord = newDiscord(config.Discord)
	k.discord.bot = k
	k.discord.logger = slog.New(
		newLogHandler(defaultLogWriter, config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	if config.HTTPClient != nil {
		config.Discord.httpClient = config.HTTPClient
	}

	k.backend = newBackendClient(
		config.Backend,
		config.HTTPClient,
		newLogHandler(defaultLogWriter, config.Backend.LogLevel),
	)
	k.feed = newFeedClient(
		config.Feed,
		config.HTTPClient,
		newLogHandler(defaultLogWriter, config.Poller.LogLevel),
	)
	k.poller = newClaimPoller(k)
	k.api = newAPI(k, config.API)
	k.deleteLimiter = rate.NewLimiter(rate.Every(350*time.Millisecond), 1)

	return k, nil
}

// Run starts the bot and blocks until the context is cancelled or a fatal
// error occurs. Startup order: database, runtime config, discord session
// and command registration, then the poller and API under one errgroup.
func (k *KeyBot) Run(ctx context.Context) error {
	k.runMu.Lock()
	defer k.runMu.Unlock()
	k.startedAt = time.Now()

	startCtx, startCancel := context.WithTimeout(ctx, k.config.StartupTimeout)
	defer startCancel()

	if err := k.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	if err := k.loadRuntimeConfig(startCtx); err != nil {
		return fmt.Errorf("error loading runtime config: %w", err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		newLogHandler(defaultLogWriter, k.config.Discord.DiscordGoLogLevel),
	)

	session, err := k.discord.newSession()
	if err != nil {
		return err
	}
	k.discord.session = session

	k.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(k.discord.handlerReady()),
		session.AddHandler(k.discord.handlerConnect()),
		session.AddHandler(k.discord.handlerDisconnect()),
		session.AddHandler(k.handlerInteractionCreate()),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	// Global registration; per-guild registration happens on ready.
	if _, err = k.discord.registerCommands(k.config.Discord.GuildID); err != nil {
		k.logger.Error("command registration failed", tint.Err(err))
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := k.poller.Run(runCtx)
		if err != nil && runCtx.Err() != nil {
			return nil
		}
		return err
	})
	if k.config.API.Enabled {
		g.Go(func() error {
			return k.api.Serve(runCtx)
		})
	}

	k.logger.Info("started", "config", k.config)

	runErr := g.Wait()
	k.shutdown()
	return runErr
}

// shutdown closes the discord session and removes gateway handlers. The
// poller and API stop via context cancellation before this runs.
func (k *KeyBot) shutdown() {
	ctx, cancel := context.WithTimeout(
		context.Background(),
		k.config.ShutdownTimeout,
	)
	defer cancel()

	for _, remove := range k.discord.discordgoRemoveHandlerFuncs {
		remove()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := k.discord.session.Close(); err != nil {
			k.logger.Error("error closing discord session", tint.Err(err))
		}
	}()
	select {
	case <-done:
		k.logger.Info("shutdown complete")
	case <-ctx.Done():
		k.logger.Warn("shutdown timed out")
	}
}

func (k *KeyBot) initDB(ctx context.Context) error {
	db, err := CreateDB(
		ctx,
		k.config.DatabaseType,
		k.config.Database,
		&gorm.Config{
			Logger: newGORMLogger(
				newLogHandler(defaultLogWriter, k.config.DatabaseLogLevel),
				k.config.DatabaseSlowThreshold,
			),
		},
	)
	if err != nil {
		return err
	}
	k.db = db
	k.writeDB = NewDatabase(db, k.config.DatabaseType, k.logger)
	return nil
}

// announceClaim posts the claim announcement embed to the configured staff
// channel. Returns false (without error) when no channel is configured,
// the channel can't be fetched, or the send fails.
func (k *KeyBot) announceClaim(
	ctx context.Context,
	row ClaimRecord,
	discordID string,
) bool {
	channelID := k.RuntimeConfig().AnnounceChannelID
	if channelID == "" {
		return false
	}
	if _, err := k.discord.session.Channel(channelID); err != nil {
		k.logger.WarnContext(
			ctx,
			"announce channel unavailable",
			tint.Err(err),
			"channel_id", channelID,
		)
		return false
	}
	_, err := k.discord.session.ChannelMessageSendEmbed(
		channelID,
		newClaimEmbed(row, discordID),
	)
	if err != nil {
		k.logger.WarnContext(ctx, "announce failed", tint.Err(err), "claim", row)
		return false
	}
	k.logger.InfoContext(ctx, "announced claim", "claim", row)
	return true
}

// dmClaimant sends the raw token to the claimant in a DM. Returns false on
// any failure.
func (k *KeyBot) dmClaimant(
	ctx context.Context,
	discordID string,
	token string,
) bool {
	if !k.dmEmbed(discordID, newDMEmbed(token)) {
		k.logger.WarnContext(ctx, "dm failed", "discord_id", discordID)
		return false
	}
	k.logger.InfoContext(ctx, "dm sent", "discord_id", discordID)
	return true
}

// dmEmbed opens (or fetches) a DM channel with the given user and sends
// the embed.
func (k *KeyBot) dmEmbed(discordID string, embed *discordgo.MessageEmbed) bool {
	ch, err := k.discord.session.UserChannelCreate(discordID)
	if err != nil || ch == nil {
		return false
	}
	_, err = k.discord.session.ChannelMessageSendEmbed(ch.ID, embed)
	return err == nil
}

// handleRecover logs a recovered panic with a stack trace. Command handlers
// and the poller must never take the process down.
func (k *KeyBot) handleRecover(ctx context.Context, rc any) {
	if rc == nil {
		return
	}
	k.logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic", rc,
		"stack", string(debug.Stack()),
	)
}
