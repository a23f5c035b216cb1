package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/pincerlabs/pincer/pkg/registry"
)

// ChannelSender is the capability the message tool needs from a
// channel actor resolved as "channel.<name>".
type ChannelSender interface {
	SendText(ctx context.Context, chatID, content string) error
}

// MessageTool sends a text to a chat on a named channel. It defaults to
// the conversation it runs inside.
type MessageTool struct {
	reg     *registry.Registry
	channel string
	chatID  string
}

func NewMessageTool(reg *registry.Registry) *MessageTool {
	return &MessageTool{reg: reg}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to a chat. Defaults to the current conversation; pass channel and chat_id to address another one."
}

func (t *MessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "Message text to send",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Target channel name (optional)",
			},
			"chat_id": map[string]any{
				"type":        "string",
				"description": "Target chat id (optional)",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) WithContext(channel, chatID string) Tool {
	bound := *t
	bound.channel = channel
	bound.chatID = chatID
	return &bound
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}

	channel := t.channel
	if c, ok := args["channel"].(string); ok && c != "" {
		channel = c
	}
	chatID := t.chatID
	if c, ok := args["chat_id"].(string); ok && c != "" {
		chatID = c
	}
	if channel == "" || chatID == "" {
		return ErrorResult("no session context: channel and chat_id are required")
	}

	sender, err := registry.As[ChannelSender](t.reg, "channel."+channel)
	if err != nil {
		return ErrorResult(fmt.Sprintf("resolving channel %s: %v", channel, err))
	}
	if err := sender.SendText(ctx, chatID, content); err != nil {
		return ErrorResult(fmt.Sprintf("sending to %s:%s: %v", channel, chatID, err))
	}
	return UserResult(fmt.Sprintf("Message sent to %s:%s", channel, chatID), "")
}
