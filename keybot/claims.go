package keybot

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
)

// snowflakePattern matches a discord snowflake: 15-20 decimal digits.
var snowflakePattern = regexp.MustCompile(`^\d{15,20}$`)

// ClaimRecord is one granted access key awaiting delivery, as produced by
// the claims table or the feed. The bot only reads these and marks them
// handled at their source.
type ClaimRecord struct {
	ID        string `json:"id"`
	ClaimID   string `json:"claim_id"`
	UserID    string `json:"user_id"`
	DiscordID string `json:"discord_id"`
	RawToken  string `json:"raw_token"`
	CreatedAt string `json:"created_at"`
	ClaimedAt string `json:"claimed_at"`
	Processed bool   `json:"processed"`
}

// RowID returns the canonical identifier for the claim. Both sources carry
// claim_id when they share an underlying row, so preferring it keeps the
// dedup ledger keyed consistently across sources.
func (c ClaimRecord) RowID() string {
	if c.ClaimID != "" {
		return c.ClaimID
	}
	return c.ID
}

func (c ClaimRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("row_id", c.RowID()),
		slog.String("user_id", c.UserID),
		slog.String("discord_id", c.DiscordID),
		slog.String("created_at", c.CreatedAt),
		slog.Bool("processed", c.Processed),
	)
}

// seenClaims is the in-memory dedup ledger: row IDs already handled during
// this process lifetime. It only ever grows; the backend's processed flag
// is the durable source of truth, this just prevents duplicate deliveries
// between poll cycles.
type seenClaims struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newSeenClaims() *seenClaims {
	return &seenClaims{ids: map[string]struct{}{}}
}

// CheckAndMark inserts the given row ID, returning true if it was not
// already present. Check and insert happen under one lock so the same row
// can't be claimed twice.
func (s *seenClaims) CheckAndMark(rowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[rowID]; ok {
		return false
	}
	s.ids[rowID] = struct{}{}
	return true
}

// HasSeen reports whether the given row ID has been handled.
func (s *seenClaims) HasSeen(rowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[rowID]
	return ok
}

// Len returns the current ledger size.
func (s *seenClaims) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// AuthUser is the subset of the backend's auth admin user object the bot
// cares about.
type AuthUser struct {
	ID           string           `json:"id"`
	UserMetadata AuthUserMetadata `json:"user_metadata"`
	Identities   []AuthIdentity   `json:"identities"`
}

type AuthUserMetadata struct {
	Sub string `json:"sub"`
}

type AuthIdentity struct {
	Provider     string           `json:"provider"`
	IdentityData AuthIdentityData `json:"identity_data"`
}

type AuthIdentityData struct {
	Sub    string `json:"sub"`
	UserID string `json:"user_id"`
}

// extractDiscordID pulls a discord snowflake out of an auth user: first
// from user_metadata.sub, then from any discord-provider identity's
// sub/user_id. Returns "" when nothing matches the snowflake format.
func extractDiscordID(u *AuthUser) string {
	if u == nil {
		return ""
	}
	if snowflakePattern.MatchString(u.UserMetadata.Sub) {
		return u.UserMetadata.Sub
	}
	for _, ident := range u.Identities {
		if ident.Provider != "discord" {
			continue
		}
		if snowflakePattern.MatchString(ident.IdentityData.Sub) {
			return ident.IdentityData.Sub
		}
		if snowflakePattern.MatchString(ident.IdentityData.UserID) {
			return ident.IdentityData.UserID
		}
	}
	return ""
}

// resolveDiscordID resolves the discord identity for a claim: the row's own
// discord_id wins when it parses as an integer (no admin lookup is made),
// otherwise the auth admin lookup is tried. Returns "" when no identity can
// be resolved; never errors.
func (k *KeyBot) resolveDiscordID(ctx context.Context, claim ClaimRecord) string {
	if claim.DiscordID != "" {
		if _, err := strconv.ParseUint(claim.DiscordID, 10, 64); err == nil {
			return claim.DiscordID
		}
	}
	if claim.UserID == "" {
		return ""
	}
	return extractDiscordID(k.backend.FetchAuthUser(ctx, claim.UserID))
}
