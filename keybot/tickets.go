package keybot

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var ticketsCategoryPattern = regexp.MustCompile(`(?i)^tickets?$`)

const (
	ticketIssueSupport = "Support"
	ticketIssueKey     = "Key"
	ticketIssueBug     = "Bug"
)

// ticketMemberPermissions is what the opener and staff roles get inside a
// ticket channel.
const ticketMemberPermissions int64 = discordgo.PermissionViewChannel |
	discordgo.PermissionSendMessages |
	discordgo.PermissionReadMessageHistory

func (k *KeyBot) handleTicketCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if i.GuildID == "" {
		k.interactionReply(ctx, i, "Tickets can only be used in a server.", true)
		return
	}
	opts := discordInteractionOptions(i)
	if _, ok := opts["close"]; ok {
		k.closeTicket(ctx, i)
		return
	}
	sub, ok := opts["open"]
	if !ok {
		k.interactionReply(ctx, i, "Unknown ticket subcommand.", true)
		return
	}
	subOpts := subcommandOptions(sub)
	issue := ticketIssueSupport
	if opt, found := subOpts["issue"]; found {
		issue = opt.StringValue()
	}
	var message string
	if opt, found := subOpts["message"]; found {
		message = opt.StringValue()
	}
	user := getDiscordUser(i)
	if user == nil {
		k.interactionReply(ctx, i, "Could not identify you.", true)
		return
	}

	channel, err := k.openTicket(ctx, i.GuildID, user.ID, user.ID, issue, message)
	if err != nil {
		k.logger.ErrorContext(ctx, "unable to open ticket", tint.Err(err))
		k.interactionReply(
			ctx,
			i,
			"Couldn't open a ticket right now. Please try again later.",
			true,
		)
		return
	}
	k.interactionReply(
		ctx,
		i,
		fmt.Sprintf("Ticket opened: <#%s>", channel.ID),
		true,
	)
}

func (k *KeyBot) handleIssueCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if i.GuildID == "" {
		k.interactionReply(ctx, i, "Issues can only be reported in a server.", true)
		return
	}
	user := getDiscordUser(i)
	if user == nil {
		k.interactionReply(ctx, i, "Could not identify you.", true)
		return
	}
	opts := discordInteractionOptions(i)

	if sub, ok := opts["report"]; ok {
		subOpts := subcommandOptions(sub)
		var text string
		if opt, found := subOpts["text"]; found {
			text = opt.StringValue()
		}
		channel, err := k.openUserTicket(
			ctx, i.GuildID, user.ID, user.ID, ticketIssueBug, text,
		)
		if err != nil {
			k.logger.ErrorContext(ctx, "unable to open issue ticket", tint.Err(err))
			k.interactionReply(
				ctx, i, "Couldn't open a ticket right now.", true,
			)
			return
		}
		k.interactionReply(
			ctx,
			i,
			fmt.Sprintf("Thanks for the report. Your ticket: <#%s>", channel.ID),
			true,
		)
		return
	}

	sub, ok := opts["open"]
	if !ok {
		k.interactionReply(ctx, i, "Unknown issue subcommand.", true)
		return
	}
	if !k.memberHasStaffRole(ctx, i.GuildID, user.ID) {
		k.interactionReply(ctx, i, "Staff only.", true)
		return
	}
	subOpts := subcommandOptions(sub)
	subjectID := ""
	if opt, found := subOpts["user"]; found && opt.Value != nil {
		if v, isString := opt.Value.(string); isString {
			subjectID = v
		}
	}
	if subjectID == "" {
		k.interactionReply(ctx, i, "A user is required.", true)
		return
	}
	subject := ""
	if opt, found := subOpts["subject"]; found {
		subject = opt.StringValue()
	}
	channel, err := k.openUserTicket(
		ctx, i.GuildID, user.ID, subjectID, ticketIssueSupport, subject,
	)
	if err != nil {
		k.logger.ErrorContext(ctx, "unable to open staff ticket", tint.Err(err))
		k.interactionReply(ctx, i, "Couldn't open a ticket right now.", true)
		return
	}
	k.interactionReply(
		ctx,
		i,
		fmt.Sprintf("Ticket opened for <@%s>: <#%s>", subjectID, channel.ID),
		true,
	)
}

// memberHasStaffRole reports whether the member holds the staff, dev, or
// mod role. When none are configured, everyone counts as staff.
func (k *KeyBot) memberHasStaffRole(
	ctx context.Context,
	guildID string,
	userID string,
) bool {
	staffRoles := map[string]bool{}
	for _, roleID := range []string{
		k.config.Discord.StaffRoleID,
		k.config.Discord.DevRoleID,
		k.config.Discord.ModRoleID,
	} {
		if roleID != "" {
			staffRoles[roleID] = true
		}
	}
	if len(staffRoles) == 0 {
		return true
	}
	member, err := k.discord.session.GuildMember(guildID, userID)
	if err != nil || member == nil {
		k.logger.WarnContext(ctx, "unable to fetch member", tint.Err(err))
		return false
	}
	for _, roleID := range member.Roles {
		if staffRoles[roleID] {
			return true
		}
	}
	return false
}

// ensureTicketsCategory returns the category channel ID under which ticket
// channels are created. Resolution order: runtime config, an existing
// category named "ticket"/"tickets", then a freshly created one.
func (k *KeyBot) ensureTicketsCategory(
	ctx context.Context,
	guildID string,
) (string, error) {
	if categoryID := k.RuntimeConfig().TicketsCategoryID; categoryID != "" {
		if _, err := k.discord.session.Channel(categoryID); err == nil {
			return categoryID, nil
		}
		k.logger.WarnContext(
			ctx,
			"configured tickets category unavailable",
			"category_id", categoryID,
		)
	}

	channels, err := k.discord.session.GuildChannels(guildID)
	if err != nil {
		return "", fmt.Errorf("error listing guild channels: %w", err)
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory &&
			ticketsCategoryPattern.MatchString(ch.Name) {
			k.setTicketsCategoryID(ctx, ch.ID)
			return ch.ID, nil
		}
	}

	category, err := k.discord.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name: "Tickets",
			Type: discordgo.ChannelTypeGuildCategory,
		},
	)
	if err != nil {
		return "", fmt.Errorf("error creating tickets category: %w", err)
	}
	k.setTicketsCategoryID(ctx, category.ID)
	return category.ID, nil
}

// nextTicketName numbers ticket channels sequentially (ticket-0001, ...)
// based on how many text channels already sit under the category, bumping
// past collisions.
func nextTicketName(channels []*discordgo.Channel, categoryID string) string {
	existing := map[string]bool{}
	count := 0
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText || ch.ParentID != categoryID {
			continue
		}
		count++
		existing[ch.Name] = true
	}
	for n := count + 1; ; n++ {
		name := fmt.Sprintf("ticket-%04d", n)
		if !existing[name] {
			return name
		}
	}
}

// openUserTicket reuses an existing open ticket channel for the subject
// (named ticket-<userID>) when one exists, and otherwise creates one.
func (k *KeyBot) openUserTicket(
	ctx context.Context,
	guildID string,
	openerID string,
	subjectID string,
	issue string,
	subject string,
) (*discordgo.Channel, error) {
	channels, err := k.discord.session.GuildChannels(guildID)
	if err == nil {
		name := "ticket-" + subjectID
		for _, ch := range channels {
			if ch.Type == discordgo.ChannelTypeGuildText && ch.Name == name {
				return ch, nil
			}
		}
	}
	return k.createTicketChannel(
		ctx, guildID, openerID, subjectID, issue, subject, "ticket-"+subjectID,
	)
}

// openTicket creates a sequentially numbered ticket channel.
func (k *KeyBot) openTicket(
	ctx context.Context,
	guildID string,
	openerID string,
	subjectID string,
	issue string,
	subject string,
) (*discordgo.Channel, error) {
	return k.createTicketChannel(
		ctx, guildID, openerID, subjectID, issue, subject, "",
	)
}

// createTicketChannel provisions a private text channel under the tickets
// category: hidden from @everyone, visible to the subject and the
// configured staff roles. An empty name gets the next sequential name.
func (k *KeyBot) createTicketChannel(
	ctx context.Context,
	guildID string,
	openerID string,
	subjectID string,
	issue string,
	subject string,
	name string,
) (*discordgo.Channel, error) {
	categoryID, err := k.ensureTicketsCategory(ctx, guildID)
	if err != nil {
		return nil, err
	}

	if name == "" {
		channels, listErr := k.discord.session.GuildChannels(guildID)
		if listErr != nil {
			return nil, fmt.Errorf("error listing guild channels: %w", listErr)
		}
		name = nextTicketName(channels, categoryID)
	}

	overwrites := []*discordgo.PermissionOverwrite{
		{
			ID:   guildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
		{
			ID:    subjectID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: ticketMemberPermissions,
		},
	}
	for _, roleID := range []string{
		k.config.Discord.StaffRoleID,
		k.config.Discord.DevRoleID,
		k.config.Discord.ModRoleID,
	} {
		if roleID == "" {
			continue
		}
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    roleID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: ticketMemberPermissions,
		})
	}

	channel, err := k.discord.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name:                 name,
			Type:                 discordgo.ChannelTypeGuildText,
			ParentID:             categoryID,
			PermissionOverwrites: overwrites,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating ticket channel: %w", err)
	}

	if _, err = k.discord.session.ChannelMessageSendEmbed(
		channel.ID,
		newTicketIntroEmbed(subjectID, issue, subject, k.config.Discord.GitHubIssuesURL),
	); err != nil {
		k.logger.WarnContext(ctx, "unable to send ticket intro", tint.Err(err))
	}

	k.ticketsOpened.Add(1)
	if k.writeDB != nil {
		if _, err = k.writeDB.Create(ctx, &Ticket{
			ChannelID: channel.ID,
			GuildID:   guildID,
			OpenerID:  openerID,
			SubjectID: subjectID,
			Issue:     issue,
			Subject:   subject,
			Open:      true,
		}); err != nil {
			k.logger.ErrorContext(ctx, "error recording ticket", tint.Err(err))
		}
	}
	k.logger.InfoContext(
		ctx,
		"ticket opened",
		"channel_id", channel.ID,
		"opener_id", openerID,
		"subject_id", subjectID,
		"issue", issue,
	)
	return channel, nil
}

// newTicketIntroEmbed is the first message posted in a fresh ticket
// channel. Bug tickets point at the issue tracker.
func newTicketIntroEmbed(
	subjectID string,
	issue string,
	subject string,
	issuesURL string,
) *discordgo.MessageEmbed {
	description := fmt.Sprintf(
		"<@%s> a member of staff will be with you shortly.", subjectID,
	)
	if subject != "" {
		description += "\n\n> " + truncate(subject, 1000)
	}
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Ticket: %s", issue),
		Description: description,
		Color:       colorBlurple,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Radiant Archive"},
	}
	switch issue {
	case ticketIssueBug:
		if issuesURL != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Known issues",
				Value: issuesURL,
			})
		}
	case ticketIssueKey:
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Key problems",
			Value: "Please include the last 4 characters of your key. Never post the full key.",
		})
	}
	return embed
}

// closeTicket revokes the requester's ability to post in the current
// channel and posts a closed notice. Only works inside a ticket channel.
func (k *KeyBot) closeTicket(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	channel, err := k.discord.session.Channel(i.ChannelID)
	if err != nil || channel == nil ||
		!strings.HasPrefix(channel.Name, "ticket-") {
		k.interactionReply(ctx, i, "This isn't a ticket channel.", true)
		return
	}
	user := getDiscordUser(i)
	if user == nil {
		k.interactionReply(ctx, i, "Could not identify you.", true)
		return
	}

	if err = k.discord.session.ChannelPermissionSet(
		channel.ID,
		user.ID,
		discordgo.PermissionOverwriteTypeMember,
		0,
		discordgo.PermissionSendMessages,
	); err != nil {
		k.logger.WarnContext(ctx, "unable to lock ticket channel", tint.Err(err))
	}

	if _, err = k.discord.session.ChannelMessageSendEmbed(
		channel.ID,
		&discordgo.MessageEmbed{
			Title:       "Ticket Closed",
			Description: fmt.Sprintf("Closed by <@%s>.", user.ID),
			Color:       colorDark,
		},
	); err != nil {
		k.logger.WarnContext(ctx, "unable to post close notice", tint.Err(err))
	}

	if k.writeDB != nil {
		var ticket Ticket
		rv := k.db.WithContext(ctx).
			Where("channel_id = ?", channel.ID).
			Last(&ticket)
		if rv.Error == nil {
			ticket.Open = false
			if _, err = k.writeDB.Save(ctx, &ticket); err != nil {
				k.logger.ErrorContext(ctx, "error updating ticket", tint.Err(err))
			}
		}
	}

	k.interactionReply(ctx, i, "Ticket closed.", true)
	k.logger.InfoContext(
		ctx,
		"ticket closed",
		"channel_id", channel.ID,
		"user_id", user.ID,
	)
}
