// Package discord is the Discord adapter: gateway-intent ingress through the
// shared channel pipeline, with replies routed back to the conversation the
// user last spoke in.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/switchboard/internal/channels"
)

// Config holds Discord-specific settings.
type Config struct {
	Token string

	// RequireMention gates guild messages on an @mention of the bot.
	// DMs are never gated.
	RequireMention bool
}

// Channel connects a Discord bot to the channel pipeline.
type Channel struct {
	*channels.BaseChannel

	cfg       Config
	session   *discordgo.Session
	botUserID string

	// lastChannel maps user id to the conversation their latest message
	// arrived in, so replies land where the user is.
	mu          sync.Mutex
	lastChannel map[string]string

	removeHandler func()
}

// New creates the adapter. The gateway is not contacted until Start.
func New(cfg Config, opts channels.BaseOptions) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", opts),
		cfg:         cfg,
		session:     session,
		lastChannel: make(map[string]string),
	}, nil
}

// Start opens the gateway connection.
func (c *Channel) Start(_ context.Context) error {
	c.removeHandler = c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("discord: identify bot user: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord.connected", "username", user.Username)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	if c.removeHandler != nil {
		c.removeHandler()
	}
	err := c.session.Close()
	c.SetRunning(false)
	c.CloseBase()
	return err
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	if !isDM && c.cfg.RequireMention && !c.mentionsBot(m) {
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	c.mu.Lock()
	c.lastChannel[m.Author.ID] = m.ChannelID
	c.mu.Unlock()

	metadata := map[string]string{
		"channelId": m.ChannelID,
		"username":  m.Author.Username,
	}
	if !isDM {
		metadata["guildId"] = m.GuildID
	}

	c.HandleInbound(m.ID, m.Author.ID, content, metadata)
}

func (c *Channel) mentionsBot(m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			return true
		}
	}
	return false
}

// conversationFor resolves the channel to reply into, falling back to a DM.
func (c *Channel) conversationFor(userID string) (string, error) {
	c.mu.Lock()
	channelID := c.lastChannel[userID]
	c.mu.Unlock()
	if channelID != "" {
		return channelID, nil
	}

	dm, err := c.session.UserChannelCreate(userID)
	if err != nil {
		return "", fmt.Errorf("discord: open dm with %s: %w", userID, err)
	}
	return dm.ID, nil
}

// Send delivers one chunk of outbound text.
func (c *Channel) Send(_ context.Context, userID, text string) error {
	channelID, err := c.conversationFor(userID)
	if err != nil {
		return err
	}
	if _, err := c.session.ChannelMessageSend(channelID, text); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// SendTyping shows the typing indicator in the user's conversation.
func (c *Channel) SendTyping(_ context.Context, userID string) error {
	channelID, err := c.conversationFor(userID)
	if err != nil {
		return err
	}
	return c.session.ChannelTyping(channelID)
}
