package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/pincerlabs/pincer/pkg/config"
	"github.com/pincerlabs/pincer/pkg/logger"
	"github.com/pincerlabs/pincer/pkg/registry"
	"github.com/pincerlabs/pincer/pkg/utils"
)

const telegramSplitLimit = 3900

// TelegramChannel drives a Telegram bot in long-polling mode.
type TelegramChannel struct {
	*BaseChannel
	bot *telego.Bot
	cfg config.TelegramConfig
}

func NewTelegramChannel(cfg config.TelegramConfig, reg *registry.Registry) (*TelegramChannel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}

	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", reg, cfg.AllowFrom),
		bot:         bot,
		cfg:         cfg,
	}, nil
}

func (c *TelegramChannel) Run(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram bot (polling mode)")

	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout: 30,
	})
	if err != nil {
		return fmt.Errorf("starting long polling: %w", err)
	}

	c.setRunning(true)
	defer c.setRunning(false)
	logger.InfoCF("telegram", "Telegram bot connected", map[string]any{
		"username": c.bot.Username(),
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram updates channel closed")
			}
			if update.Message != nil {
				go c.handleUpdate(ctx, update)
			}
		}
	}
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return nil
}

func (c *TelegramChannel) SendText(ctx context.Context, chatID, content string) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}

	for _, chunk := range utils.SplitMessage(content, telegramSplitLimit) {
		msg := tu.Message(tu.ID(id), chunk)
		if _, err := c.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("sending telegram message: %w", err)
		}
	}
	return nil
}

func (c *TelegramChannel) handleUpdate(ctx context.Context, update telego.Update) {
	message := update.Message
	user := message.From
	if user == nil {
		return
	}

	senderID := strconv.FormatInt(user.ID, 10)
	if user.Username != "" {
		senderID = senderID + "|" + user.Username
	}

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}
	if content == "" {
		return
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)

	// Typing indicator while the agent works.
	_ = c.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: tu.ID(message.Chat.ID),
		Action: telego.ChatActionTyping,
	})

	reply, err := c.HandleMessage(ctx, senderID, chatID, content, nil)
	if err != nil {
		logger.ErrorCF("telegram", "Turn failed", map[string]any{
			"chat_id": chatID, "error": err.Error(),
		})
		return
	}
	if reply == "" {
		return
	}
	if err := c.SendText(ctx, chatID, reply); err != nil {
		logger.ErrorCF("telegram", "Reply delivery failed", map[string]any{
			"chat_id": chatID, "error": err.Error(),
		})
	}
}
