package keybot

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandStatus   = "status"
	DiscordSlashCommandHelp     = "help"
	DiscordSlashCommandMenu     = "menu"
	DiscordSlashCommandAnnounce = "announce"
	DiscordSlashCommandClear    = "clear"
	DiscordSlashCommandClearDM  = "clear-dm"
	DiscordSlashCommandActivate = "activate"
	DiscordSlashCommandReset    = "reset"
	DiscordSlashCommandTicket   = "ticket"
	DiscordSlashCommandIssue    = "issue"

	menuReactionEmoji = "🌐"

	// clearConfirmationTTL is how long the "Done. Deleted N message(s)."
	// confirmation lives before the bot deletes it, so /clear leaves no
	// residual messages.
	clearConfirmationTTL = 2 * time.Second
)

// applicationCommands returns the full slash command set, registered via
// bulk overwrite at startup.
func applicationCommands() []*discordgo.ApplicationCommand {
	dmPerm := true

	return []*discordgo.ApplicationCommand{
		{
			Name:         DiscordSlashCommandStatus,
			Description:  "Show helper status",
			DMPermission: &dmPerm,
		},
		{
			Name:         DiscordSlashCommandHelp,
			Description:  "Show available user commands",
			DMPermission: &dmPerm,
		},
		{
			Name:         DiscordSlashCommandMenu,
			Description:  "Show help menu",
			DMPermission: &dmPerm,
		},
		{
			Name:        DiscordSlashCommandAnnounce,
			Description: "Set announce channel (owner only)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "channel_id",
					Description: "Channel ID",
					Required:    true,
				},
			},
		},
		{
			Name:        DiscordSlashCommandClear,
			Description: "Clear recent messages in this channel (best-effort)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "count",
					Description: "How many (default 100, max 1000)",
				},
			},
		},
		{
			Name:         DiscordSlashCommandClearDM,
			Description:  "Delete recent bot messages in this DM",
			DMPermission: &dmPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "count",
					Description: "How many (max 100)",
				},
			},
		},
		{
			Name:         DiscordSlashCommandActivate,
			Description:  "Activate your plugin (M2M or VoID) with your key",
			DMPermission: &dmPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "plugin",
					Description: "Plugin to activate",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "M2M", Value: "M2M"},
						{Name: "VoID", Value: "VoID"},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "key",
					Description: "Your activation key (e.g., RA-BETA-0000-0000)",
					Required:    true,
				},
			},
		},
		{
			Name:         DiscordSlashCommandReset,
			Description:  "Request a simple reset ack or clear bot messages (best-effort)",
			DMPermission: &dmPerm,
		},
		{
			Name:        DiscordSlashCommandTicket,
			Description: "Ticket operations",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "open",
					Description: "Open a private ticket channel with an issue statement and message",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "issue",
							Description: "Issue statement",
							Required:    true,
							Choices: []*discordgo.ApplicationCommandOptionChoice{
								{Name: "Support", Value: "Support"},
								{Name: "Key", Value: "Key"},
								{Name: "Bug", Value: "Bug"},
							},
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "message",
							Description: "Describe your issue",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "close",
					Description: "Close the current ticket channel",
				},
			},
		},
		{
			Name:        DiscordSlashCommandIssue,
			Description: "Report an issue and open a ticket",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "report",
					Description: "Report an issue and open a ticket",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "text",
							Description: "Your issue",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "open",
					Description: "Open a ticket for a user (staff)",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionUser,
							Name:        "user",
							Description: "User to open ticket for",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "subject",
							Description: "Subject",
						},
					},
				},
			},
		},
	}
}

// handlerInteractionCreate returns the gateway handler for slash commands.
func (k *KeyBot) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		ctx := context.Background()
		defer func() {
			k.handleRecover(ctx, recover())
		}()
		k.handleInteraction(ctx, i)
	}
}

// handleInteraction dispatches a slash command to its handler. Handlers
// never propagate errors; worst case the user gets an ephemeral apology.
func (k *KeyBot) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	k.logger.InfoContext(
		ctx,
		"interaction received",
		"command", data.Name,
		"channel_id", i.ChannelID,
		"guild_id", i.GuildID,
	)

	switch data.Name {
	case DiscordSlashCommandStatus:
		k.handleStatusCommand(ctx, i)
	case DiscordSlashCommandHelp:
		k.interactionReplyEmbed(ctx, i, newHelpEmbed(), false)
	case DiscordSlashCommandMenu:
		k.handleMenuCommand(ctx, i)
	case DiscordSlashCommandAnnounce:
		k.handleAnnounceCommand(ctx, i)
	case DiscordSlashCommandClear:
		k.handleClearCommand(ctx, i)
	case DiscordSlashCommandClearDM:
		k.handleClearDMCommand(ctx, i)
	case DiscordSlashCommandActivate:
		k.handleActivateCommand(ctx, i)
	case DiscordSlashCommandReset:
		k.interactionReply(
			ctx,
			i,
			"Reset acknowledged. If this is about a problem, please use /issue report to describe it.",
			true,
		)
	case DiscordSlashCommandTicket:
		k.handleTicketCommand(ctx, i)
	case DiscordSlashCommandIssue:
		k.handleIssueCommand(ctx, i)
	default:
		k.logger.WarnContext(ctx, "unknown command", "command", data.Name)
	}
}

func (k *KeyBot) interactionReply(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
	ephemeral bool,
) {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := k.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   flags,
			},
		},
	)
	if err != nil {
		k.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

func (k *KeyBot) interactionReplyEmbed(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	embed *discordgo.MessageEmbed,
	ephemeral bool,
) {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := k.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
				Flags:  flags,
			},
		},
	)
	if err != nil {
		k.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

// statusText summarizes the runtime state for /status.
func (k *KeyBot) statusText() string {
	announce := "unset"
	if channelID := k.RuntimeConfig().AnnounceChannelID; channelID != "" {
		announce = fmt.Sprintf("set (%s)", channelID)
	}
	onOff := func(enabled bool) string {
		if enabled {
			return "on"
		}
		return "off"
	}
	return fmt.Sprintf(
		"Announce: %s | Interval: %s | Feed: %s | Backend: %s",
		announce,
		k.poller.interval,
		onOff(k.config.Feed.URL != ""),
		onOff(k.config.Backend.Enabled()),
	)
}

func (k *KeyBot) handleStatusCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	k.interactionReply(ctx, i, k.statusText(), false)
}

// handleMenuCommand replies with the help embed and reacts to the reply,
// marking it as a menu message.
func (k *KeyBot) handleMenuCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	k.interactionReplyEmbed(ctx, i, newHelpEmbed(), false)
	msg, err := k.discord.session.InteractionResponse(i.Interaction)
	if err != nil || msg == nil {
		return
	}
	if err = k.discord.session.MessageReactionAdd(
		msg.ChannelID,
		msg.ID,
		menuReactionEmoji,
	); err != nil {
		k.logger.WarnContext(ctx, "unable to react to menu", tint.Err(err))
	}
}

// handleAnnounceCommand sets the announce channel. Owner only.
func (k *KeyBot) handleAnnounceCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)
	ownerID := k.config.Discord.OwnerID
	if ownerID == "" || user == nil || user.ID != ownerID {
		k.interactionReply(ctx, i, "Owner only.", true)
		return
	}
	opts := discordInteractionOptions(i)
	opt, ok := opts["channel_id"]
	if !ok {
		k.interactionReply(ctx, i, "Channel ID required.", true)
		return
	}
	channelID := digitsOnly(opt.StringValue())
	k.setAnnounceChannelID(ctx, channelID)
	k.interactionReply(
		ctx,
		i,
		fmt.Sprintf("Announce channel set to %s.", channelID),
		false,
	)
}

func clampCount(
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
	fallback int,
	maximum int,
) int {
	count := fallback
	if opt, ok := opts["count"]; ok {
		count = int(opt.IntValue())
	}
	if count < 1 {
		count = 1
	}
	if count > maximum {
		count = maximum
	}
	return count
}

// handleClearCommand clears recent messages. In guild channels it tries
// bulk deletion first, falling back to deleting the bot's own messages
// one at a time; in DMs only the bot's own messages can be deleted.
func (k *KeyBot) handleClearCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	remain := clampCount(discordInteractionOptions(i), 100, 1000)
	k.interactionReply(
		ctx,
		i,
		fmt.Sprintf("Clearing up to %d message(s)...", remain),
		false,
	)

	isDM := i.GuildID == ""
	deleted := 0
	if !isDM {
		bulkDeleted, bulkRemain := k.bulkClearMessages(ctx, i.ChannelID, remain)
		deleted += bulkDeleted
		remain = bulkRemain
	}
	deleted += k.clearOwnMessages(ctx, i.ChannelID, remain)

	k.sendClearConfirmation(ctx, i.ChannelID, deleted)
}

// bulkClearMessages deletes messages in batches of up to 100. Returns the
// number deleted and the remaining budget; a failed batch (missing
// permission, or messages older than the bulk-delete window) ends the loop
// so the caller can fall back to individual deletion.
func (k *KeyBot) bulkClearMessages(
	ctx context.Context,
	channelID string,
	remain int,
) (int, int) {
	deleted := 0
	for remain > 0 {
		batch := remain
		if batch > 100 {
			batch = 100
		}
		messages, err := k.discord.session.ChannelMessages(
			channelID, batch, "", "", "",
		)
		if err != nil || len(messages) == 0 {
			break
		}
		ids := make([]string, 0, len(messages))
		for _, msg := range messages {
			ids = append(ids, msg.ID)
		}
		if err = k.discord.session.ChannelMessagesBulkDelete(
			channelID, ids,
		); err != nil {
			k.logger.DebugContext(ctx, "bulk delete unavailable", tint.Err(err))
			break
		}
		deleted += len(ids)
		remain -= batch
		if len(messages) < batch {
			break
		}
	}
	return deleted, remain
}

// clearOwnMessages deletes the bot's own messages one at a time, paced by
// the delete limiter. Works in both DMs and guild channels without any
// special permissions.
func (k *KeyBot) clearOwnMessages(
	ctx context.Context,
	channelID string,
	remain int,
) int {
	botID := k.discord.BotUserID()
	deleted := 0
	for remain > 0 {
		fetchCount := remain
		if fetchCount > 100 {
			fetchCount = 100
		}
		messages, err := k.discord.session.ChannelMessages(
			channelID, fetchCount, "", "", "",
		)
		if err != nil || len(messages) == 0 {
			break
		}
		any := false
		for _, msg := range messages {
			if remain <= 0 {
				break
			}
			if msg.Author != nil && msg.Author.ID == botID {
				if waitErr := k.deleteLimiter.Wait(ctx); waitErr != nil {
					return deleted
				}
				if delErr := k.discord.session.ChannelMessageDelete(
					channelID, msg.ID,
				); delErr == nil {
					deleted++
					any = true
				}
			}
			remain--
		}
		if !any {
			break
		}
	}
	return deleted
}

// sendClearConfirmation posts the deletion summary, then removes it shortly
// after so /clear leaves the channel clean.
func (k *KeyBot) sendClearConfirmation(
	ctx context.Context,
	channelID string,
	deleted int,
) {
	msg, err := k.discord.session.ChannelMessageSend(
		channelID,
		fmt.Sprintf("Done. Deleted %d message(s).", deleted),
	)
	if err != nil || msg == nil {
		return
	}
	time.AfterFunc(clearConfirmationTTL, func() {
		defer func() {
			k.handleRecover(ctx, recover())
		}()
		_ = k.discord.session.ChannelMessageDelete(channelID, msg.ID)
	})
}

// handleClearDMCommand deletes the bot's recent messages in a DM.
func (k *KeyBot) handleClearDMCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if i.GuildID != "" {
		k.interactionReply(ctx, i, "Use this in a DM with me.", true)
		return
	}
	count := clampCount(discordInteractionOptions(i), 25, 100)
	k.interactionReply(
		ctx,
		i,
		fmt.Sprintf("Clearing up to %d of my recent messages...", count),
		false,
	)
	deleted := k.clearOwnMessages(ctx, i.ChannelID, count)
	k.sendClearConfirmation(ctx, i.ChannelID, deleted)
}
