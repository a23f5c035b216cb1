package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pincerlabs/pincer/pkg/config"
	"github.com/pincerlabs/pincer/pkg/logger"
	"github.com/pincerlabs/pincer/pkg/registry"
)

const (
	bridgeDialTimeout  = 10 * time.Second
	bridgeReconnectMin = time.Second
	bridgeReconnectMax = 30 * time.Second
	bridgeWriteTimeout = 10 * time.Second
)

// bridgeFrame is one JSON message on the bridge socket, both directions.
type bridgeFrame struct {
	Type    string `json:"type"` // "message" | "send"
	Sender  string `json:"sender,omitempty"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// WhatsAppChannel talks to an external WhatsApp bridge over a WebSocket.
// The bridge owns the platform session; this side only exchanges JSON
// frames and reconnects with backoff when the socket drops.
type WhatsAppChannel struct {
	*BaseChannel
	cfg config.WhatsAppConfig

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, reg *registry.Registry) (*WhatsAppChannel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel("whatsapp", reg, cfg.AllowFrom),
		cfg:         cfg,
	}, nil
}

func (c *WhatsAppChannel) Run(ctx context.Context) error {
	backoff := bridgeReconnectMin
	for {
		if err := c.connect(ctx); err != nil {
			logger.WarnCF("whatsapp", "Bridge connect failed", map[string]any{
				"url": c.cfg.BridgeURL, "error": err.Error(),
			})
		} else {
			backoff = bridgeReconnectMin
			c.setRunning(true)
			err := c.readLoop(ctx)
			c.setRunning(false)
			c.closeConn()
			if ctx.Err() != nil {
				return nil
			}
			logger.WarnCF("whatsapp", "Bridge connection lost", map[string]any{
				"error": err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > bridgeReconnectMax {
			backoff = bridgeReconnectMax
		}
	}
}

func (c *WhatsAppChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	c.closeConn()
	return nil
}

func (c *WhatsAppChannel) SendText(ctx context.Context, chatID, content string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	frame := bridgeFrame{Type: "send", ChatID: chatID, Content: content}
	conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("writing to bridge: %w", err)
	}
	return nil
}

func (c *WhatsAppChannel) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: bridgeDialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.BridgeURL, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	logger.InfoCF("whatsapp", "Bridge connected", map[string]any{"url": c.cfg.BridgeURL})
	return nil
}

func (c *WhatsAppChannel) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *WhatsAppChannel) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.DebugCF("whatsapp", "Dropping malformed bridge frame", map[string]any{
				"error": err.Error(),
			})
			continue
		}
		if frame.Type != "message" || frame.Content == "" {
			continue
		}

		go func(frame bridgeFrame) {
			reply, err := c.HandleMessage(ctx, frame.Sender, frame.ChatID, frame.Content, nil)
			if err != nil {
				logger.ErrorCF("whatsapp", "Turn failed", map[string]any{
					"chat_id": frame.ChatID, "error": err.Error(),
				})
				return
			}
			if reply == "" {
				return
			}
			if err := c.SendText(ctx, frame.ChatID, reply); err != nil {
				logger.ErrorCF("whatsapp", "Reply delivery failed", map[string]any{
					"chat_id": frame.ChatID, "error": err.Error(),
				})
			}
		}(frame)
	}
}
