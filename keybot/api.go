package keybot

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// API is the operational HTTP surface: health, status, and the current
// runtime config. Read-only; mutation happens through slash commands.
type API struct {
	bot     *KeyBot
	config  *APIConfig
	engine  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
}

func newAPI(bot *KeyBot, config *APIConfig) *API {
	gin.SetMode(gin.ReleaseMode)

	a := &API{
		bot:    bot,
		config: config,
		logger: slog.New(
			newLogHandler(defaultLogWriter, config.LogLevel),
		).With(loggerNameKey, "api"),
	}

	engine := gin.New()
	engine.Use(a.requestLogger(), gin.Recovery())

	engine.GET("/health", a.getHealth)
	engine.GET("/api/status", a.getStatus)
	engine.GET("/api/runtime-config", a.getRuntimeConfig)

	a.engine = engine
	return a
}

// requestLogger logs each request with slog, in place of gin's default
// writer-based logger.
func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func (a *API) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) getStatus(c *gin.Context) {
	bot := a.bot
	c.JSON(http.StatusOK, gin.H{
		"version":         Version,
		"uptime":          time.Since(bot.startedAt).String(),
		"connected":       bot.discord.connected.Load(),
		"connects":        bot.discord.metricConnects.Load(),
		"disconnects":     bot.discord.metricDisconnects.Load(),
		"poller":          bot.poller.Status(),
		"tickets_opened":  bot.ticketsOpened.Load(),
		"backend_enabled": bot.config.Backend.Enabled(),
		"feed_enabled":    bot.config.Feed.URL != "",
	})
}

func (a *API) getRuntimeConfig(c *gin.Context) {
	c.JSON(http.StatusOK, a.bot.RuntimeConfig())
}

// Serve runs the API until the context is cancelled, then shuts down
// gracefully.
func (a *API) Serve(ctx context.Context) error {
	listenNetwork := a.config.ListenNetwork
	if listenNetwork == "" {
		listenNetwork = "tcp"
	}
	listener, err := net.Listen(listenNetwork, a.config.Listen)
	if err != nil {
		return err
	}

	a.httpSrv = &http.Server{
		Handler:           a.engine,
		ReadTimeout:       a.config.ReadTimeout,
		ReadHeaderTimeout: a.config.ReadHeaderTimeout,
		WriteTimeout:      a.config.WriteTimeout,
		IdleTimeout:       a.config.IdleTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpSrv.Serve(listener)
	}()
	a.logger.Info("listening", "address", a.config.Listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		if shutdownErr := a.httpSrv.Shutdown(shutdownCtx); shutdownErr != nil {
			a.logger.Warn("shutdown error", tint.Err(shutdownErr))
		}
		return nil
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
