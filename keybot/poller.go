package keybot

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

const (
	claimSourceTable = "table"
	claimSourceFeed  = "feed"

	claimStatusDMSent    = "dm_sent"
	claimStatusAnnounced = "announced"

	claimNoteSent        = "sent"
	claimNoteDMFailed    = "dm_failed"
	claimNoteNoDiscordID = "no discord id; announced only"
)

// ClaimPoller drives the claim ingestion loop: each cycle drains the claims
// table and the feed, delivering every new row through the announce channel
// and a claimant DM, then marking it handled at its source.
//
// Cycles never overlap: a timer tick that arrives while the previous cycle
// is still running is skipped.
type ClaimPoller struct {
	bot      *KeyBot
	interval time.Duration
	seen     *seenClaims
	logger   *slog.Logger

	inFlight atomic.Bool

	metricCycles       atomic.Int64
	metricTicksSkipped atomic.Int64
	metricProcessed    atomic.Int64
	metricAnnounced    atomic.Int64
	metricDMsSent      atomic.Int64

	lastCycleUnix atomic.Int64
}

func newClaimPoller(bot *KeyBot) *ClaimPoller {
	interval := bot.config.Poller.Interval
	if interval < MinimumPollInterval {
		interval = MinimumPollInterval
	}
	return &ClaimPoller{
		bot:      bot,
		interval: interval,
		seen:     newSeenClaims(),
		logger: slog.New(bot.logHandler).With(
			loggerNameKey, "claim_poller",
		),
	}
}

// Run executes poll cycles on the configured interval until the context is
// cancelled. Individual cycle failures never stop the loop.
func (p *ClaimPoller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "starting claim poller", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "claim poller stopped")
			return ctx.Err()
		case <-ticker.C:
			if !p.inFlight.CompareAndSwap(false, true) {
				p.metricTicksSkipped.Add(1)
				p.logger.WarnContext(ctx, "previous cycle still running, skipping tick")
				continue
			}
			p.runCycle(ctx)
			p.inFlight.Store(false)
		}
	}
}

// runCycle performs one ingestion cycle: the claims table first, then the
// feed. Each is polled unconditionally; neither aborts the other.
func (p *ClaimPoller) runCycle(ctx context.Context) {
	defer func() {
		if rc := recover(); rc != nil {
			p.logger.ErrorContext(ctx, "recovered from panic in poll cycle", "panic", rc)
		}
	}()
	p.metricCycles.Add(1)
	p.lastCycleUnix.Store(time.Now().Unix())

	p.pollTable(ctx)
	p.pollFeed(ctx)
}

// pollTable fetches pending rows from the claims table and processes each
// row not already marked processed by the backend or present in the ledger.
func (p *ClaimPoller) pollTable(ctx context.Context) {
	rows := p.bot.backend.FetchPendingClaims(ctx, p.bot.config.Poller.FetchLimit)
	if len(rows) == 0 {
		p.logger.DebugContext(ctx, "no claims fetched")
		return
	}
	for _, row := range rows {
		if row.Processed {
			continue
		}
		p.processTableClaim(ctx, row)
	}
}

// processTableClaim delivers one table-sourced claim: ledger insert,
// identity resolution, announce, DM when an identity resolved, then a mark
// with a status reflecting the outcome. Every side effect is independent
// and best-effort.
func (p *ClaimPoller) processTableClaim(ctx context.Context, row ClaimRecord) {
	rowID := row.RowID()
	if !p.seen.CheckAndMark(rowID) {
		return
	}
	p.metricProcessed.Add(1)

	discordID := p.bot.resolveDiscordID(ctx, row)

	announced := p.bot.announceClaim(ctx, row, discordID)
	if announced {
		p.metricAnnounced.Add(1)
	}

	delivery := ClaimDelivery{
		RowID:     rowID,
		UserID:    row.UserID,
		DiscordID: discordID,
		Source:    claimSourceTable,
		Announced: announced,
	}

	if discordID == "" {
		delivery.Status = claimStatusAnnounced
		delivery.Note = claimNoteNoDiscordID
	} else if p.bot.dmClaimant(ctx, discordID, row.RawToken) {
		p.metricDMsSent.Add(1)
		delivery.DMSent = true
		delivery.Status = claimStatusDMSent
		delivery.Note = claimNoteSent
	} else {
		delivery.Status = claimStatusAnnounced
		delivery.Note = claimNoteDMFailed
	}

	p.bot.backend.MarkClaimHandled(ctx, rowID, delivery.Status, delivery.Note)
	p.recordDelivery(ctx, delivery)
}

// pollFeed drains the feed. Feed items skip identity resolution: only a
// discord_id already present on the item gets a DM, and the mark always
// uses the fixed announced/sent pair.
func (p *ClaimPoller) pollFeed(ctx context.Context) {
	payload := p.bot.feed.FetchPending(ctx)
	if payload == nil {
		p.logger.DebugContext(ctx, "feed unavailable")
		return
	}
	for _, row := range payload.Items {
		rowID := row.RowID()
		if !p.seen.CheckAndMark(rowID) {
			continue
		}
		p.metricProcessed.Add(1)

		announced := p.bot.announceClaim(ctx, row, row.DiscordID)
		if announced {
			p.metricAnnounced.Add(1)
		}
		dmSent := false
		if row.DiscordID != "" {
			dmSent = p.bot.dmClaimant(ctx, row.DiscordID, row.RawToken)
			if dmSent {
				p.metricDMsSent.Add(1)
			}
		}
		p.bot.feed.MarkHandled(ctx, rowID, claimStatusAnnounced, claimNoteSent)
		p.recordDelivery(ctx, ClaimDelivery{
			RowID:     rowID,
			UserID:    row.UserID,
			DiscordID: row.DiscordID,
			Source:    claimSourceFeed,
			Announced: announced,
			DMSent:    dmSent,
			Status:    claimStatusAnnounced,
			Note:      claimNoteSent,
		})
	}
}

func (p *ClaimPoller) recordDelivery(ctx context.Context, delivery ClaimDelivery) {
	if p.bot.writeDB == nil {
		return
	}
	if _, err := p.bot.writeDB.Create(ctx, &delivery); err != nil {
		p.logger.ErrorContext(
			ctx,
			"error recording delivery",
			tint.Err(err),
			"delivery", delivery,
		)
	}
}

// Status summarizes the poller for the operational API and /status.
type PollerStatus struct {
	Interval      string `json:"interval"`
	Cycles        int64  `json:"cycles"`
	TicksSkipped  int64  `json:"ticks_skipped"`
	Processed     int64  `json:"processed"`
	Announced     int64  `json:"announced"`
	DMsSent       int64  `json:"dms_sent"`
	LedgerSize    int    `json:"ledger_size"`
	LastCycleUnix int64  `json:"last_cycle_unix"`
}

func (p *ClaimPoller) Status() PollerStatus {
	return PollerStatus{
		Interval:      p.interval.String(),
		Cycles:        p.metricCycles.Load(),
		TicksSkipped:  p.metricTicksSkipped.Load(),
		Processed:     p.metricProcessed.Load(),
		Announced:     p.metricAnnounced.Load(),
		DMsSent:       p.metricDMsSent.Load(),
		LedgerSize:    p.seen.Len(),
		LastCycleUnix: p.lastCycleUnix.Load(),
	}
}
