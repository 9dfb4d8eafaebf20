package keybot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"
)

// newTestBot creates a KeyBot backed by a temp sqlite database and a fake
// discord session. The backend and feed are left unconfigured; tests point
// them at httptest servers as needed.
func newTestBot(t *testing.T) (*KeyBot, *fakeDiscordSession) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Discord.Token = fmt.Sprintf("token_%s", t.Name())
	cfg.Discord.ApplicationID = "app_id"
	cfg.Database = filepath.Join(t.TempDir(), "keybot.sqlite3")

	bot, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bot.initDB(ctx))
	require.NoError(t, bot.loadRuntimeConfig(ctx))

	session := newFakeDiscordSession()
	bot.discord.session = session
	bot.discord.botUserID.Store("bot_user_id")
	return bot, session
}

func newDiscordUser(t *testing.T) *discordgo.User {
	t.Helper()
	return &discordgo.User{
		ID:       fmt.Sprintf("user_%s", t.Name()),
		Username: t.Name(),
	}
}

func newCommandInteraction(
	t *testing.T,
	u *discordgo.User,
	data discordgo.ApplicationCommandInteractionData,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ID:        fmt.Sprintf("i_%s", t.Name()),
			ChannelID: "channel_id",
			GuildID:   "guild_id",
			Member:    &discordgo.Member{User: u},
			Data:      data,
		},
	}
}

type sentEmbed struct {
	ChannelID string
	Embed     *discordgo.MessageEmbed
}

type sentMessage struct {
	ChannelID string
	Content   string
}

type permissionSet struct {
	ChannelID string
	TargetID  string
	Type      discordgo.PermissionOverwriteType
	Allow     int64
	Deny      int64
}

// fakeDiscordSession is an in-memory DiscordSessionHandler that records
// calls and can be told to fail specific operations.
type fakeDiscordSession struct {
	mu sync.Mutex

	embedsSent      []sentEmbed
	messagesSent    []sentMessage
	dmChannels      []string
	reactionsAdded  []string
	messagesDeleted []string
	bulkDeletes     [][]string
	permissionSets  []permissionSet
	responses       []*discordgo.InteractionResponse
	createdChannels []discordgo.GuildChannelCreateData

	guildChannels   []*discordgo.Channel
	guildMember     *discordgo.Member
	channelMessages []*discordgo.Message

	failDM          bool
	failChannel     bool
	failSendEmbed   bool
	failBulkDelete  bool
	guildMemberErr  error
	channelCreatErr error

	nextChannelID int
}

func newFakeDiscordSession() *fakeDiscordSession {
	return &fakeDiscordSession{}
}

func (f *fakeDiscordSession) Open() error  { return nil }
func (f *fakeDiscordSession) Close() error { return nil }

func (f *fakeDiscordSession) AddHandler(any) func() {
	return func() {}
}

func (f *fakeDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (f *fakeDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failChannel {
		return nil, fmt.Errorf("channel unavailable")
	}
	for _, ch := range f.guildChannels {
		if ch.ID == channelID {
			return ch, nil
		}
	}
	return &discordgo.Channel{
		ID:   channelID,
		Type: discordgo.ChannelTypeGuildText,
	}, nil
}

func (f *fakeDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messagesSent = append(
		f.messagesSent,
		sentMessage{ChannelID: channelID, Content: content},
	)
	return &discordgo.Message{
		ID:        fmt.Sprintf("msg_%d", len(f.messagesSent)),
		ChannelID: channelID,
		Content:   content,
	}, nil
}

func (f *fakeDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSendEmbed {
		return nil, fmt.Errorf("send failed")
	}
	f.embedsSent = append(
		f.embedsSent,
		sentEmbed{ChannelID: channelID, Embed: embed},
	)
	return &discordgo.Message{
		ID:        fmt.Sprintf("msg_%d", len(f.embedsSent)),
		ChannelID: channelID,
	}, nil
}

func (f *fakeDiscordSession) ChannelMessages(
	_ string,
	limit int,
	_ string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := make([]*discordgo.Message, 0, limit)
	for _, msg := range f.channelMessages {
		deleted := false
		for _, id := range f.messagesDeleted {
			if id == msg.ID {
				deleted = true
				break
			}
		}
		for _, batch := range f.bulkDeletes {
			for _, id := range batch {
				if id == msg.ID {
					deleted = true
					break
				}
			}
		}
		if !deleted {
			remaining = append(remaining, msg)
		}
		if len(remaining) >= limit {
			break
		}
	}
	return remaining, nil
}

func (f *fakeDiscordSession) ChannelMessageDelete(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messagesDeleted = append(f.messagesDeleted, messageID)
	return nil
}

func (f *fakeDiscordSession) ChannelMessagesBulkDelete(
	_ string,
	messages []string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBulkDelete {
		return fmt.Errorf("bulk delete forbidden")
	}
	f.bulkDeletes = append(f.bulkDeletes, messages)
	return nil
}

func (f *fakeDiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissionSets = append(f.permissionSets, permissionSet{
		ChannelID: channelID,
		TargetID:  targetID,
		Type:      targetType,
		Allow:     allow,
		Deny:      deny,
	})
	return nil
}

func (f *fakeDiscordSession) GuildChannels(
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.guildChannels, nil
}

func (f *fakeDiscordSession) GuildChannelCreateComplex(
	_ string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelCreatErr != nil {
		return nil, f.channelCreatErr
	}
	f.nextChannelID++
	ch := &discordgo.Channel{
		ID:       fmt.Sprintf("created_%d", f.nextChannelID),
		Name:     data.Name,
		Type:     data.Type,
		ParentID: data.ParentID,
	}
	f.createdChannels = append(f.createdChannels, data)
	f.guildChannels = append(f.guildChannels, ch)
	return ch, nil
}

func (f *fakeDiscordSession) GuildMember(
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.guildMemberErr != nil {
		return nil, f.guildMemberErr
	}
	return f.guildMember, nil
}

func (f *fakeDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeDiscordSession) InteractionResponse(
	i *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{
		ID:        "response_msg",
		ChannelID: i.ChannelID,
	}, nil
}

func (f *fakeDiscordSession) MessageReactionAdd(
	_ string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactionsAdded = append(
		f.reactionsAdded,
		fmt.Sprintf("%s:%s", messageID, emojiID),
	)
	return nil
}

func (f *fakeDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDM {
		return nil, fmt.Errorf("cannot open dm")
	}
	f.dmChannels = append(f.dmChannels, recipientID)
	return &discordgo.Channel{
		ID:   "dm_" + recipientID,
		Type: discordgo.ChannelTypeDM,
	}, nil
}

func (f *fakeDiscordSession) UpdateStatusComplex(
	discordgo.UpdateStatusData,
) error {
	return nil
}

func (f *fakeDiscordSession) SetHTTPClient(*http.Client) {}

func (f *fakeDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

// embedsSentTo returns the embeds recorded for the given channel.
func (f *fakeDiscordSession) embedsSentTo(channelID string) []sentEmbed {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEmbed
	for _, e := range f.embedsSent {
		if e.ChannelID == channelID {
			out = append(out, e)
		}
	}
	return out
}

var _ DiscordSessionHandler = (*fakeDiscordSession)(nil)
