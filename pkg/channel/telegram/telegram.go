package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"timelessbot/pkg/channel"
	"timelessbot/pkg/config"
	"timelessbot/pkg/logger"
)

const (
	channelName         = "telegram"
	messagePreviewLimit = 240
	downloadTimeout     = 30 * time.Second
	maxDownloadBytes    = 20 << 20
	voiceMimeType       = "audio/ogg"
	photoMimeType       = "image/jpeg"
)

// fetchFunc downloads the content of a Telegram file id.
type fetchFunc func(ctx context.Context, fileID string) ([]byte, error)

// Adapter bridges Telegram updates into inbound events and sends replies.
type Adapter struct {
	cfg        config.TelegramConfig
	registry   *channel.Registry
	httpClient *http.Client
	log        *slog.Logger

	mu  sync.RWMutex
	bot *telego.Bot
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:        cfg,
		registry:   channel.NewRegistry(),
		httpClient: &http.Client{Timeout: downloadTimeout},
		log:        log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in events and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts Telegram long polling and forwards supported messages to handler.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}
	a.mu.Lock()
	a.bot = bot
	a.mu.Unlock()

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started")
	fetch := a.fetcher(bot)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			if update.Message == nil {
				continue
			}

			event, ok := toInboundEvent(update.Message, fetch)
			if !ok {
				continue
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
		}
	}
}

// Send posts text to the conversation's chat.
func (a *Adapter) Send(ctx context.Context, to channel.Conversation, text string) error {
	bot, err := a.currentBot()
	if err != nil {
		return err
	}
	chatID, err := parseChatID(to.SessionID)
	if err != nil {
		return err
	}

	a.log.Info("Sending message", "chat_id", chatID, "content", logger.Preview(text, messagePreviewLimit))
	if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// React sets an emoji reaction on the referenced message.
func (a *Adapter) React(ctx context.Context, ref channel.MessageRef, emoji string) error {
	bot, err := a.currentBot()
	if err != nil {
		return err
	}
	chatID, err := parseChatID(ref.Conversation.SessionID)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(strings.TrimSpace(ref.EventID))
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", ref.EventID, err)
	}

	return bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji}},
	})
}

// ListActiveConversations returns the chats seen since startup. The Bot API
// has no chat listing call.
func (a *Adapter) ListActiveConversations(context.Context) ([]channel.Conversation, error) {
	return a.registry.List(), nil
}

func (a *Adapter) currentBot() (*telego.Bot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.bot == nil {
		return nil, errors.New("telegram channel is not running")
	}
	return a.bot, nil
}

func (a *Adapter) fetcher(bot *telego.Bot) fetchFunc {
	return func(ctx context.Context, fileID string) ([]byte, error) {
		file, err := bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err != nil {
			return nil, fmt.Errorf("get file %s: %w", fileID, err)
		}
		return a.download(ctx, bot.FileDownloadURL(file.FilePath))
	}
}

func (a *Adapter) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download telegram file: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read telegram file: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("telegram file exceeds %d bytes", maxDownloadBytes)
	}
	return data, nil
}

// toInboundEvent converts a Telegram message. Messages without a sender or
// without text, voice or photo content are skipped. Voice and photo content
// is attached lazily and only downloaded when the event is loaded.
func toInboundEvent(message *telego.Message, fetch fetchFunc) (channel.InboundEvent, bool) {
	if message.From == nil {
		return channel.InboundEvent{}, false
	}

	event := channel.InboundEvent{
		Channel:    channelName,
		SessionID:  strconv.FormatInt(message.Chat.ID, 10),
		SenderID:   strconv.FormatInt(message.From.ID, 10),
		EventID:    strconv.Itoa(message.MessageID),
		ReceivedAt: time.Unix(message.Date, 0).UTC(),
	}

	switch {
	case message.Voice != nil:
		mimeType := strings.TrimSpace(message.Voice.MimeType)
		if mimeType == "" {
			mimeType = voiceMimeType
		}
		event.Media = &channel.Media{MimeType: mimeType, Fetch: fetchFile(fetch, message.Voice.FileID)}
		event.Body = strings.TrimSpace(message.Caption)
	case len(message.Photo) > 0:
		photo := largestPhoto(message.Photo)
		event.Media = &channel.Media{MimeType: photoMimeType, Fetch: fetchFile(fetch, photo.FileID)}
		event.Body = strings.TrimSpace(message.Caption)
	default:
		event.Body = strings.TrimSpace(message.Text)
		if event.Body == "" {
			return channel.InboundEvent{}, false
		}
	}

	return event, true
}

func fetchFile(fetch fetchFunc, fileID string) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		return fetch(ctx, fileID)
	}
}

// largestPhoto picks the highest resolution variant of a photo.
func largestPhoto(sizes []telego.PhotoSize) telego.PhotoSize {
	return slices.MaxFunc(sizes, func(a, b telego.PhotoSize) int {
		return a.Width*a.Height - b.Width*b.Height
	})
}

func parseChatID(sessionID string) (int64, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(sessionID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", sessionID, err)
	}
	return chatID, nil
}
