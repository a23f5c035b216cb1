package channels

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/pincerlabs/pincer/pkg/config"
	"github.com/pincerlabs/pincer/pkg/logger"
	"github.com/pincerlabs/pincer/pkg/registry"
	"github.com/pincerlabs/pincer/pkg/utils"
)

const discordSplitLimit = 1500

// DiscordChannel bridges a Discord bot session to the agent.
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	cfg     config.DiscordConfig
	runCtx  context.Context
}

func NewDiscordChannel(cfg config.DiscordConfig, reg *registry.Registry) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", reg, cfg.AllowFrom),
		session:     session,
		cfg:         cfg,
	}, nil
}

func (c *DiscordChannel) Run(ctx context.Context) error {
	c.runCtx = ctx
	c.session.AddHandler(c.onMessageCreate)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("opening discord gateway: %w", err)
	}
	c.setRunning(true)
	defer c.setRunning(false)
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"user": c.session.State.User.Username,
	})

	<-ctx.Done()
	return c.session.Close()
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return nil
}

func (c *DiscordChannel) SendText(ctx context.Context, chatID, content string) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	for _, chunk := range utils.SplitMessage(content, discordSplitLimit) {
		if _, err := c.session.ChannelMessageSend(chatID, chunk); err != nil {
			return fmt.Errorf("sending discord message: %w", err)
		}
	}
	return nil
}

func (c *DiscordChannel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID = m.Author.ID + "|" + m.Author.Username
	}

	ctx := c.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		_ = s.ChannelTyping(m.ChannelID)

		reply, err := c.HandleMessage(ctx, senderID, m.ChannelID, m.Content, nil)
		if err != nil {
			logger.ErrorCF("discord", "Turn failed", map[string]any{
				"chat_id": m.ChannelID, "error": err.Error(),
			})
			return
		}
		if reply == "" {
			return
		}
		if err := c.SendText(ctx, m.ChannelID, reply); err != nil {
			logger.ErrorCF("discord", "Reply delivery failed", map[string]any{
				"chat_id": m.ChannelID, "error": err.Error(),
			})
		}
	}()
}
