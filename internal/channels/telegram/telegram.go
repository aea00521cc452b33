// Package telegram is the Telegram adapter: long-polling ingress through the
// shared channel pipeline, outbound sends, and typing indicators.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/switchboard/internal/channels"
)

// Config holds Telegram-specific settings.
type Config struct {
	Token    string
	ProxyURL string // optional SOCKS/HTTP proxy for restricted networks
}

// Channel connects a Telegram bot to the channel pipeline.
type Channel struct {
	*channels.BaseChannel

	cfg Config
	bot *telego.Bot

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the adapter. The bot is not contacted until Start.
func New(cfg Config, opts channels.BaseOptions) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}

	var botOpts []telego.BotOption
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("telegram: parse proxy url: %w", err)
		}
		botOpts = append(botOpts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxy)},
			Timeout:   60 * time.Second,
		}))
	}

	bot, err := telego.NewBot(cfg.Token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", opts),
		cfg:         cfg,
		bot:         bot,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram.connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram.updates_closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the poll goroutine to drain.
func (c *Channel) Stop(ctx context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.SetRunning(false)
	c.CloseBase()
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	metadata := map[string]string{
		"chatId": strconv.FormatInt(msg.Chat.ID, 10),
	}
	if msg.From.Username != "" {
		metadata["username"] = msg.From.Username
	}

	// Photos arrive as a resolution ladder; downscale the largest for the
	// agent and pass the local path along with the caption.
	if len(msg.Photo) > 0 {
		if path := c.downloadPhoto(ctx, msg.Photo[len(msg.Photo)-1]); path != "" {
			metadata["imagePath"] = path
		}
		if text == "" {
			text = "[image]"
		}
	}

	if text == "" {
		return
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	messageID := fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID)
	c.HandleInbound(messageID, userID, text, metadata)
}

// Send delivers one chunk of outbound text.
func (c *Channel) Send(ctx context.Context, userID, text string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", userID, err)
	}
	_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// SendTyping shows the typing indicator in a chat.
func (c *Channel) SendTyping(ctx context.Context, userID string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", userID, err)
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}
