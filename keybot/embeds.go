package keybot

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	colorAmber   = 0xF59E0B
	colorBlurple = 0x5865F2
	colorGreen   = 0x22C55E
	colorDark    = 0x2F3136
)

// maskToken replaces all but the last showLast characters of a token with
// bullets, for staff-visible surfaces. DMs get the raw token.
func maskToken(token string, showLast int) string {
	if token == "" {
		return token
	}
	runes := []rune(token)
	if len(runes) <= showLast {
		pad := showLast - len(runes)
		if pad < 0 {
			pad = 0
		}
		return strings.Repeat("•", pad) + token
	}
	return strings.Repeat("•", len(runes)-showLast) + string(runes[len(runes)-showLast:])
}

// newDMEmbed is the embed sent to the claimant containing their raw token.
func newDMEmbed(token string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "RadiantArchive",
		Description: fmt.Sprintf(
			"M2M × VoID\n\n%s\nDont share \"Ra-Beta\" key with anyone this will lead to a BAN\n\n"+
				"Thanks again from the radiant team for helping with the beta",
			token,
		),
		Color: colorAmber,
	}
}

// newClaimEmbed is the staff-channel announcement for a claimed key.
// The token is masked.
func newClaimEmbed(row ClaimRecord, discordID string) *discordgo.MessageEmbed {
	description := "claimed a beta key."
	if discordID != "" {
		description = fmt.Sprintf("<@%s> claimed a beta key.", discordID)
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Key Claimed",
		Description: description,
		Color:       colorAmber,
	}
	if rowID := row.RowID(); rowID != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Key ID", Value: rowID, Inline: true,
		})
	}
	if row.UserID != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "User ID", Value: row.UserID, Inline: true,
		})
	}
	if row.RawToken != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Token",
			Value: fmt.Sprintf("`%s`", maskToken(row.RawToken, 4)),
		})
	}
	issuedAt := row.CreatedAt
	if issuedAt == "" {
		issuedAt = time.Now().UTC().Format(time.RFC3339)
	}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
		Name: "Issued At", Value: issuedAt, Inline: true,
	})
	return embed
}

// newHelpEmbed lists the user-facing commands.
func newHelpEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Help",
		Description: "Available commands for all users",
		Color:       colorBlurple,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "/help", Value: "Show this help"},
			{Name: "/activate", Value: "Activate beta key for our plugins"},
			{Name: "/reset", Value: "Reset your key for our plugins"},
			{Name: "/ticket open", Value: "Create a support ticket"},
			{Name: "/ticket close", Value: "Close the current ticket channel"},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: "Radiant Archive"},
	}
}

// newStartupEmbed is the optional owner DM sent when the bot starts.
func newStartupEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "{ Dev Build }",
		Description: "Status : Started",
		Color:       colorDark,
	}
}
