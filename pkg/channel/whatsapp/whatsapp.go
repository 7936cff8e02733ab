// Package whatsapp connects to a WhatsApp bridge over a websocket. The bridge
// owns the WhatsApp session (pairing, QR codes, media download) and relays
// messages as JSON frames.
package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"timelessbot/pkg/channel"
	"timelessbot/pkg/config"
	"timelessbot/pkg/logger"
)

const (
	channelName         = "whatsapp"
	messagePreviewLimit = 240
	readTimeout         = 90 * time.Second
	writeTimeout        = 10 * time.Second
	statusBroadcast     = "status@broadcast"
)

// frame is one bridge message. Inbound frames carry type message, status,
// qr or error; outbound frames carry send or react.
type frame struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Sender    string      `json:"sender,omitempty"`
	PN        string      `json:"pn,omitempty"`
	Chat      string      `json:"chat,omitempty"`
	Content   string      `json:"content,omitempty"`
	FromMe    bool        `json:"fromMe,omitempty"`
	IsGroup   bool        `json:"isGroup,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
	Media     *frameMedia `json:"media,omitempty"`
	Status    string      `json:"status,omitempty"`
	Error     string      `json:"error,omitempty"`
	To        string      `json:"to,omitempty"`
	Text      string      `json:"text,omitempty"`
	Emoji     string      `json:"emoji,omitempty"`
}

type frameMedia struct {
	MimeType string `json:"mimetype"`
	Data     string `json:"data"`
}

// Adapter implements channel.Adapter over the bridge websocket.
type Adapter struct {
	cfg      config.WhatsAppConfig
	registry *channel.Registry
	dialer   *websocket.Dialer
	log      *slog.Logger

	// reconnect yields the delay before each redial.
	reconnect backoff.BackOff

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func NewAdapter(cfg config.WhatsAppConfig, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.BridgeURL) == "" {
		return nil, errors.New("channels.whatsapp.bridge_url is required")
	}
	if log == nil {
		log = slog.Default()
	}

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = time.Second
	reconnect.MaxInterval = 30 * time.Second

	return &Adapter{
		cfg:       cfg,
		registry:  channel.NewRegistry(),
		dialer:    websocket.DefaultDialer,
		log:       log.With("component", "channel.whatsapp"),
		reconnect: reconnect,
	}, nil
}

func (a *Adapter) Name() string {
	return channelName
}

// Connected reports whether the bridge reported an active WhatsApp session.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil && a.connected
}

// Run keeps a bridge connection open until ctx ends, redialing with
// exponential backoff after failures.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	a.reconnect.Reset()
	for {
		err := a.session(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}

		delay := a.reconnect.NextBackOff()
		a.log.Warn("WhatsApp bridge disconnected, reconnecting", "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session dials the bridge and reads frames until the connection drops.
func (a *Adapter) session(ctx context.Context, handler channel.Handler) error {
	header := http.Header{}
	if token := strings.TrimSpace(a.cfg.BridgeToken); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := a.dialer.DialContext(ctx, a.cfg.BridgeURL, header)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge: %w", err)
	}
	a.reconnect.Reset()
	a.log.Info("WhatsApp bridge connected", "url", a.cfg.BridgeURL)

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
		a.mu.Lock()
		a.conn = nil
		a.connected = false
		a.mu.Unlock()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		a.mu.Lock()
		defer a.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read whatsapp bridge: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		a.handleFrame(ctx, raw, handler)
	}
}

func (a *Adapter) handleFrame(ctx context.Context, raw []byte, handler channel.Handler) {
	var msg frame
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.log.Debug("Ignoring invalid bridge frame", "error", err)
		return
	}

	switch msg.Type {
	case "message":
		event, ok, err := toInboundEvent(msg)
		if err != nil {
			a.log.Error("Failed to read whatsapp message", "message_id", msg.ID, "error", err)
			return
		}
		if !ok {
			return
		}

		a.registry.Track(channel.Conversation{Channel: channelName, SessionID: event.SessionID, SenderID: event.SenderID})
		a.log.Info("Received message",
			"chat_id", event.SessionID,
			"sender_id", event.SenderID,
			"mime_type", event.DeclaredMime(),
			"content", logger.Preview(event.Body, messagePreviewLimit),
		)
		if err := handler(ctx, event); err != nil {
			a.log.Error("Failed to dispatch inbound message", "error", err)
		}
	case "status":
		a.log.Info("WhatsApp status", "status", msg.Status)
		a.mu.Lock()
		a.connected = msg.Status == "connected"
		a.mu.Unlock()
	case "qr":
		a.log.Info("Scan the QR code in the bridge to pair WhatsApp")
	case "error":
		a.log.Error("WhatsApp bridge error", "error", msg.Error)
	default:
		a.log.Debug("Ignoring bridge frame", "type", msg.Type)
	}
}

// Send asks the bridge to deliver text to the conversation's chat.
func (a *Adapter) Send(_ context.Context, to channel.Conversation, text string) error {
	a.log.Info("Sending message", "chat_id", to.SessionID, "content", logger.Preview(text, messagePreviewLimit))
	return a.write(frame{Type: "send", To: to.SessionID, Text: text})
}

// React asks the bridge to react to a message.
func (a *Adapter) React(_ context.Context, ref channel.MessageRef, emoji string) error {
	return a.write(frame{Type: "react", To: ref.Conversation.SessionID, ID: ref.EventID, Emoji: emoji})
}

// ListActiveConversations returns the chats seen since startup.
func (a *Adapter) ListActiveConversations(context.Context) ([]channel.Conversation, error) {
	return a.registry.List(), nil
}

func (a *Adapter) write(msg frame) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode bridge frame: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return errors.New("whatsapp bridge not connected")
	}

	_ = a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := a.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write bridge frame: %w", err)
	}
	return nil
}

// toInboundEvent converts a message frame. Status broadcasts and the bot's
// own messages are skipped.
func toInboundEvent(msg frame) (channel.InboundEvent, bool, error) {
	if msg.FromMe || msg.Chat == statusBroadcast || msg.Sender == statusBroadcast {
		return channel.InboundEvent{}, false, nil
	}

	sender := strings.TrimSpace(msg.PN)
	if sender == "" {
		sender = strings.TrimSpace(msg.Sender)
	}
	if sender == "" || strings.TrimSpace(msg.ID) == "" {
		return channel.InboundEvent{}, false, nil
	}

	session := strings.TrimSpace(msg.Chat)
	if session == "" {
		session = strings.TrimSpace(msg.Sender)
	}

	event := channel.InboundEvent{
		Channel:   channelName,
		SessionID: session,
		SenderID:  channel.NormalizeSender(sender),
		EventID:   msg.ID,
		Body:      strings.TrimSpace(msg.Content),
	}
	if msg.Timestamp > 0 {
		event.ReceivedAt = time.Unix(msg.Timestamp, 0).UTC()
	} else {
		event.ReceivedAt = time.Now().UTC()
	}

	if msg.Media != nil {
		data, err := base64.StdEncoding.DecodeString(msg.Media.Data)
		if err != nil {
			return channel.InboundEvent{}, false, fmt.Errorf("decode media: %w", err)
		}
		event.Media = &channel.Media{Data: data, MimeType: msg.Media.MimeType}
	} else if event.Body == "" {
		return channel.InboundEvent{}, false, nil
	}

	return event, true, nil
}
