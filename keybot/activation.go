package keybot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Key format checks are advisory: a malformed key gets a warning in the
// ephemeral reply but is still sent to the backend for the real verdict.
var (
	activationKeyPattern     = regexp.MustCompile(`(?i)^RA-[A-Z]+-[0-9A-Z-]+$`)
	activationBetaKeyPattern = regexp.MustCompile(`(?i)^RA-BETA-[0-9-]+$`)
)

const (
	activationReasonNotLinked         = "not_linked"
	activationReasonRevoked           = "revoked"
	activationReasonExpired           = "expired"
	activationReasonServiceKeyMissing = "service_key_missing"
	activationReasonBackendError      = "backend_error"
)

type keyLinkResult struct {
	OK     bool
	Reason string
	Row    *KeyRow
}

// activationReasonMessage maps a failed link check to the text shown to
// the user.
func activationReasonMessage(reason string) string {
	switch reason {
	case activationReasonNotLinked:
		return "This key is not linked to your Discord account. Claim it first, or open a ticket."
	case activationReasonRevoked:
		return "This key has been revoked. Open a ticket if you think this is a mistake."
	case activationReasonExpired:
		return "This key has expired. Open a ticket to request a new one."
	case activationReasonServiceKeyMissing:
		return "Key verification is unavailable right now. Please try again later."
	default:
		return "Could not verify your key right now. Please try again later."
	}
}

// validateKeyLink checks that the given key belongs to the given discord
// user. The dedicated validate endpoint is preferred when configured; it
// falls back to a direct keys-table lookup.
func (c *backendClient) validateKeyLink(
	ctx context.Context,
	key string,
	discordID string,
) keyLinkResult {
	if c.config.ValidateURL != "" {
		result, err := c.validateViaEndpoint(ctx, key, discordID)
		if err == nil {
			return result
		}
		c.logger.WarnContext(
			ctx,
			"validate endpoint failed, falling back to table lookup",
			tint.Err(err),
		)
	}
	return c.validateViaTable(ctx, key, discordID)
}

func (c *backendClient) validateViaEndpoint(
	ctx context.Context,
	key string,
	discordID string,
) (keyLinkResult, error) {
	body, err := json.Marshal(map[string]string{
		"key":       key,
		"discordId": discordID,
	})
	if err != nil {
		return keyLinkResult{}, err
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.config.ValidateURL,
		bytes.NewReader(body),
	)
	if err != nil {
		return keyLinkResult{}, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return keyLinkResult{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return keyLinkResult{}, fmt.Errorf("http_%d", resp.StatusCode)
	}
	var payload struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return keyLinkResult{}, err
	}
	if payload.Valid {
		return keyLinkResult{OK: true}, nil
	}
	reason := payload.Reason
	if reason == "" {
		reason = activationReasonNotLinked
	}
	return keyLinkResult{Reason: reason}, nil
}

func (c *backendClient) validateViaTable(
	ctx context.Context,
	key string,
	discordID string,
) keyLinkResult {
	if !c.config.Enabled() {
		return keyLinkResult{Reason: activationReasonServiceKeyMissing}
	}
	row, err := c.FetchLinkedKey(ctx, key, discordID)
	if err != nil {
		return keyLinkResult{Reason: activationReasonBackendError}
	}
	if row == nil {
		return keyLinkResult{Reason: activationReasonNotLinked}
	}
	if strings.EqualFold(row.Status, "revoked") {
		return keyLinkResult{Reason: activationReasonRevoked, Row: row}
	}
	if row.ExpiresAt != "" {
		if expires, parseErr := time.Parse(
			time.RFC3339, row.ExpiresAt,
		); parseErr == nil && time.Now().After(expires) {
			return keyLinkResult{Reason: activationReasonExpired, Row: row}
		}
	}
	return keyLinkResult{OK: true, Row: row}
}

// handleActivateCommand verifies a user's key is linked to their account,
// then acks in an ephemeral embed and logs the activation to the staff
// channel. The raw key never appears outside the user's ephemeral reply.
func (k *KeyBot) handleActivateCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)
	if user == nil {
		k.interactionReply(ctx, i, "Could not identify you.", true)
		return
	}
	opts := discordInteractionOptions(i)
	plugin := "M2M"
	if opt, ok := opts["plugin"]; ok {
		plugin = opt.StringValue()
	}
	var key string
	if opt, ok := opts["key"]; ok {
		key = strings.TrimSpace(opt.StringValue())
	}
	if key == "" {
		k.interactionReply(ctx, i, "A key is required.", true)
		return
	}

	formatWarning := ""
	if !activationKeyPattern.MatchString(key) && !activationBetaKeyPattern.MatchString(key) {
		formatWarning = "\n\nNote: that key doesn't look like an RA key, checking anyway."
	}

	result := k.backend.validateKeyLink(ctx, key, user.ID)
	if !result.OK {
		k.logger.InfoContext(
			ctx,
			"activation rejected",
			"user_id", user.ID,
			"plugin", plugin,
			"reason", result.Reason,
		)
		k.interactionReplyEmbed(ctx, i, &discordgo.MessageEmbed{
			Title:       "Activation Failed",
			Description: activationReasonMessage(result.Reason) + formatWarning,
			Color:       colorAmber,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Plugin", Value: plugin, Inline: true},
				{
					Name:   "Key",
					Value:  fmt.Sprintf("`%s`", maskToken(key, 4)),
					Inline: true,
				},
			},
		}, true)
		return
	}

	k.logger.InfoContext(
		ctx,
		"activation accepted",
		"user_id", user.ID,
		"plugin", plugin,
	)
	k.interactionReplyEmbed(ctx, i, &discordgo.MessageEmbed{
		Title: "Activation Successful",
		Description: fmt.Sprintf(
			"%s is now activated for your account.%s", plugin, formatWarning,
		),
		Color: colorGreen,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Plugin", Value: plugin, Inline: true},
			{
				Name:   "Key",
				Value:  fmt.Sprintf("`%s`", maskToken(key, 4)),
				Inline: true,
			},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: "Radiant Archive"},
	}, true)

	k.logActivationToStaff(ctx, user, plugin, key)
}

// logActivationToStaff posts a masked activation record to the announce
// channel. Skipped entirely when no channel is configured.
func (k *KeyBot) logActivationToStaff(
	ctx context.Context,
	user *discordgo.User,
	plugin string,
	key string,
) {
	channelID := k.RuntimeConfig().AnnounceChannelID
	if channelID == "" {
		return
	}
	_, err := k.discord.session.ChannelMessageSendEmbed(
		channelID,
		&discordgo.MessageEmbed{
			Title:       "Plugin Activated",
			Description: fmt.Sprintf("<@%s> activated %s.", user.ID, plugin),
			Color:       colorBlurple,
			Fields: []*discordgo.MessageEmbedField{
				{
					Name:  "Key",
					Value: fmt.Sprintf("`%s`", maskToken(key, 4)),
				},
			},
		},
	)
	if err != nil {
		k.logger.WarnContext(
			ctx,
			"unable to log activation to staff channel",
			tint.Err(err),
		)
	}
}
