package keybot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringOption(
	name string,
	value string,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOption(
	name string,
	value int,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func lastResponse(
	t *testing.T,
	session *fakeDiscordSession,
) *discordgo.InteractionResponse {
	t.Helper()
	require.NotEmpty(t, session.responses)
	return session.responses[len(session.responses)-1]
}

func TestApplicationCommandsComplete(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range applicationCommands() {
		names[cmd.Name] = true
	}
	for _, expected := range []string{
		DiscordSlashCommandStatus,
		DiscordSlashCommandHelp,
		DiscordSlashCommandMenu,
		DiscordSlashCommandAnnounce,
		DiscordSlashCommandClear,
		DiscordSlashCommandClearDM,
		DiscordSlashCommandActivate,
		DiscordSlashCommandReset,
		DiscordSlashCommandTicket,
		DiscordSlashCommandIssue,
	} {
		assert.True(t, names[expected], expected)
	}
}

func TestStatusCommand(t *testing.T) {
	bot, session := newTestBot(t)
	bot.setAnnounceChannelID(context.Background(), "announce_channel")

	i := newCommandInteraction(
		t,
		newDiscordUser(t),
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandStatus,
		},
	)
	bot.handleInteraction(context.Background(), i)

	resp := lastResponse(t, session)
	assert.Contains(t, resp.Data.Content, "Announce: set (announce_channel)")
	assert.Contains(t, resp.Data.Content, "Interval: 10s")
	assert.Contains(t, resp.Data.Content, "Feed: off")
	assert.Contains(t, resp.Data.Content, "Backend: off")
}

func TestHelpCommand(t *testing.T) {
	bot, session := newTestBot(t)

	i := newCommandInteraction(
		t,
		newDiscordUser(t),
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandHelp,
		},
	)
	bot.handleInteraction(context.Background(), i)

	resp := lastResponse(t, session)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "Help", resp.Data.Embeds[0].Title)
}

func TestMenuCommandReacts(t *testing.T) {
	bot, session := newTestBot(t)

	i := newCommandInteraction(
		t,
		newDiscordUser(t),
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandMenu,
		},
	)
	bot.handleInteraction(context.Background(), i)

	require.Len(t, session.reactionsAdded, 1)
	assert.Equal(t, "response_msg:"+menuReactionEmoji, session.reactionsAdded[0])
}

func TestAnnounceCommandOwnerOnly(t *testing.T) {
	bot, session := newTestBot(t)
	bot.config.Discord.OwnerID = "owner_id"

	i := newCommandInteraction(
		t,
		newDiscordUser(t),
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandAnnounce,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption("channel_id", "12345"),
			},
		},
	)
	bot.handleInteraction(context.Background(), i)

	resp := lastResponse(t, session)
	assert.Equal(t, "Owner only.", resp.Data.Content)
	assert.Equal(
		t,
		discordgo.MessageFlagsEphemeral,
		resp.Data.Flags,
	)
	assert.Empty(t, bot.RuntimeConfig().AnnounceChannelID)
}

func TestAnnounceCommandSetsChannel(t *testing.T) {
	bot, session := newTestBot(t)
	owner := &discordgo.User{ID: "owner_id"}
	bot.config.Discord.OwnerID = owner.ID

	i := newCommandInteraction(
		t,
		owner,
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandAnnounce,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption("channel_id", "<#987654321>"),
			},
		},
	)
	bot.handleInteraction(context.Background(), i)

	assert.Equal(t, "987654321", bot.RuntimeConfig().AnnounceChannelID)
	resp := lastResponse(t, session)
	assert.Contains(t, resp.Data.Content, "987654321")

	// the change must survive a reload
	require.NoError(t, bot.loadRuntimeConfig(context.Background()))
	assert.Equal(t, "987654321", bot.RuntimeConfig().AnnounceChannelID)
}

func TestClampCount(t *testing.T) {
	opts := map[string]*discordgo.ApplicationCommandInteractionDataOption{}
	assert.Equal(t, 100, clampCount(opts, 100, 1000))

	opts["count"] = intOption("count", 5000)
	assert.Equal(t, 1000, clampCount(opts, 100, 1000))

	opts["count"] = intOption("count", -3)
	assert.Equal(t, 1, clampCount(opts, 100, 1000))

	opts["count"] = intOption("count", 42)
	assert.Equal(t, 42, clampCount(opts, 100, 1000))
}

func TestClearDMRejectedInGuild(t *testing.T) {
	bot, session := newTestBot(t)

	i := newCommandInteraction(
		t,
		newDiscordUser(t),
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandClearDM,
		},
	)
	bot.handleInteraction(context.Background(), i)

	resp := lastResponse(t, session)
	assert.Contains(t, resp.Data.Content, "DM")
}

func TestClearDMDeletesOwnMessages(t *testing.T) {
	bot, session := newTestBot(t)
	session.channelMessages = []*discordgo.Message{
		{ID: "m1", Author: &discordgo.User{ID: "bot_user_id"}},
		{ID: "m2", Author: &discordgo.User{ID: "someone_else"}},
		{ID: "m3", Author: &discordgo.User{ID: "bot_user_id"}},
	}

	u := newDiscordUser(t)
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ChannelID: "dm_channel",
			User:      u,
			Data: discordgo.ApplicationCommandInteractionData{
				Name: DiscordSlashCommandClearDM,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					intOption("count", 10),
				},
			},
		},
	}
	bot.handleInteraction(context.Background(), i)

	assert.ElementsMatch(t, []string{"m1", "m3"}, session.messagesDeleted)
}

func TestClearCommandBulkDeletes(t *testing.T) {
	bot, session := newTestBot(t)
	session.channelMessages = []*discordgo.Message{
		{ID: "m1", Author: &discordgo.User{ID: "a"}},
		{ID: "m2", Author: &discordgo.User{ID: "b"}},
	}

	i := newCommandInteraction(
		t,
		newDiscordUser(t),
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandClear,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				intOption("count", 10),
			},
		},
	)
	bot.handleInteraction(context.Background(), i)

	require.Len(t, session.bulkDeletes, 1)
	assert.ElementsMatch(t, []string{"m1", "m2"}, session.bulkDeletes[0])
}

func activateInteraction(
	t *testing.T,
	u *discordgo.User,
	key string,
) *discordgo.InteractionCreate {
	t.Helper()
	return newCommandInteraction(
		t,
		u,
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandActivate,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption("plugin", "VoID"),
				stringOption("key", key),
			},
		},
	)
}

func TestActivateCommandNotLinked(t *testing.T) {
	bot, session := newTestBot(t)
	srv := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode([]KeyRow{})
		}),
	)
	t.Cleanup(srv.Close)
	bot.config.Backend.URL = srv.URL
	bot.config.Backend.ServiceKey = "service-key"

	bot.handleInteraction(
		context.Background(),
		activateInteraction(t, newDiscordUser(t), "RA-BETA-0000-0000"),
	)

	resp := lastResponse(t, session)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "Activation Failed", resp.Data.Embeds[0].Title)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	assert.Empty(t, session.embedsSent)
}

func TestActivateCommandSuccess(t *testing.T) {
	bot, session := newTestBot(t)
	srv := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(
				[]KeyRow{{KeyID: "k1", Status: "active"}},
			)
		}),
	)
	t.Cleanup(srv.Close)
	bot.config.Backend.URL = srv.URL
	bot.config.Backend.ServiceKey = "service-key"
	bot.setAnnounceChannelID(context.Background(), "announce_channel")

	bot.handleInteraction(
		context.Background(),
		activateInteraction(t, newDiscordUser(t), "RA-BETA-1111-2222"),
	)

	resp := lastResponse(t, session)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "Activation Successful", resp.Data.Embeds[0].Title)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)

	staffLog := session.embedsSentTo("announce_channel")
	require.Len(t, staffLog, 1)
	assert.Equal(t, "Plugin Activated", staffLog[0].Embed.Title)
	// raw key must be masked in the staff channel
	require.Len(t, staffLog[0].Embed.Fields, 1)
	assert.NotContains(t, staffLog[0].Embed.Fields[0].Value, "RA-BETA-1111")
	assert.Contains(t, staffLog[0].Embed.Fields[0].Value, "2222")
}

func TestResetCommand(t *testing.T) {
	bot, session := newTestBot(t)

	i := newCommandInteraction(
		t,
		newDiscordUser(t),
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandReset,
		},
	)
	bot.handleInteraction(context.Background(), i)

	resp := lastResponse(t, session)
	assert.Contains(t, resp.Data.Content, "Reset acknowledged")
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
}
