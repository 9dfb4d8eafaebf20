package keybot

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// RuntimeConfig holds the settings privileged commands can change while the
// bot is running. It's persisted so /announce and ticket-category discovery
// survive restarts; the environment values only seed the first row.
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// AnnounceChannelID is the staff channel claim announcements are sent to.
	// Empty disables announcements.
	AnnounceChannelID string `json:"announce_channel_id" gorm:"type:string"`

	// TicketsCategoryID is the category ticket channels are created under.
	TicketsCategoryID string `json:"tickets_category_id" gorm:"type:string"`
}

func (RuntimeConfig) TableName() string {
	return "runtime_config"
}

func (c RuntimeConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("announce_channel_id", c.AnnounceChannelID),
		slog.String("tickets_category_id", c.TicketsCategoryID),
	)
}

// DefaultRuntimeConfig returns the runtime config seeded from the given
// static config.
func DefaultRuntimeConfig(cfg *Config) RuntimeConfig {
	rc := RuntimeConfig{}
	if cfg != nil && cfg.Discord != nil {
		rc.AnnounceChannelID = cfg.Discord.AnnounceChannelID
		rc.TicketsCategoryID = cfg.Discord.TicketsCategoryID
	}
	return rc
}

// RuntimeConfig returns a copy of the current runtime config.
func (k *KeyBot) RuntimeConfig() RuntimeConfig {
	k.cfgMu.RLock()
	defer k.cfgMu.RUnlock()
	if k.runtimeConfig == nil {
		return RuntimeConfig{}
	}
	return *k.runtimeConfig
}

// setAnnounceChannelID updates the announce channel, persisting the change.
func (k *KeyBot) setAnnounceChannelID(ctx context.Context, channelID string) {
	k.updateRuntimeConfig(ctx, map[string]any{"announce_channel_id": channelID})
}

// setTicketsCategoryID updates the tickets category, persisting the change.
func (k *KeyBot) setTicketsCategoryID(ctx context.Context, categoryID string) {
	k.updateRuntimeConfig(ctx, map[string]any{"tickets_category_id": categoryID})
}

func (k *KeyBot) updateRuntimeConfig(ctx context.Context, values map[string]any) {
	k.cfgMu.Lock()
	defer k.cfgMu.Unlock()
	if k.runtimeConfig == nil {
		k.runtimeConfig = &RuntimeConfig{}
	}
	if v, ok := values["announce_channel_id"].(string); ok {
		k.runtimeConfig.AnnounceChannelID = v
	}
	if v, ok := values["tickets_category_id"].(string); ok {
		k.runtimeConfig.TicketsCategoryID = v
	}
	if k.writeDB == nil {
		return
	}
	if _, err := k.writeDB.Updates(ctx, k.runtimeConfig, values); err != nil {
		k.logger.ErrorContext(
			ctx,
			"error persisting runtime config",
			tint.Err(err),
		)
	}
}

// loadRuntimeConfig fetches the persisted runtime config, creating the
// initial row from the static config when none exists.
func (k *KeyBot) loadRuntimeConfig(ctx context.Context) error {
	rc := RuntimeConfig{}
	rv := k.db.WithContext(ctx).Last(&rc)
	if rv.Error == nil {
		k.cfgMu.Lock()
		k.runtimeConfig = &rc
		k.cfgMu.Unlock()
		k.logger.InfoContext(ctx, "loaded runtime config", "runtime_config", rc)
		return nil
	}
	if !errors.Is(rv.Error, gorm.ErrRecordNotFound) {
		return rv.Error
	}

	rc = DefaultRuntimeConfig(k.config)
	if _, err := k.writeDB.Create(ctx, &rc); err != nil {
		return err
	}
	k.cfgMu.Lock()
	k.runtimeConfig = &rc
	k.cfgMu.Unlock()
	k.logger.InfoContext(ctx, "created runtime config", "runtime_config", rc)
	return nil
}
