package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"timelessbot/pkg/media"
)

// Media is a binary payload attached to an inbound event. Transports that
// download on demand leave Data empty and set Fetch; Load resolves it.
type Media struct {
	Data     []byte
	MimeType string
	Fetch    func(ctx context.Context) ([]byte, error)
}

// Load fills Data from Fetch once. It is a no-op when Data is already set or
// there is nothing to fetch.
func (m *Media) Load(ctx context.Context) error {
	if m == nil || len(m.Data) > 0 || m.Fetch == nil {
		return nil
	}

	data, err := m.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch media: %w", err)
	}
	m.Data = data
	m.Fetch = nil

	return nil
}

// InboundEvent is one raw conversational event as delivered by a transport.
type InboundEvent struct {
	Channel    string
	SessionID  string
	SenderID   string
	EventID    string
	Kind       media.Kind
	Body       string
	Media      *Media
	ReceivedAt time.Time
}

// DeclaredMime returns the media mime type, or "" for text-only events.
func (e InboundEvent) DeclaredMime() string {
	if e.Media == nil {
		return ""
	}

	return e.Media.MimeType
}

// Conversation addresses one chat thread on a transport.
type Conversation struct {
	Channel   string
	SessionID string
	SenderID  string
}

// MessageRef points at one message inside a conversation.
type MessageRef struct {
	Conversation Conversation
	EventID      string
}

// Handler processes one inbound event. Replies go back through the transport.
type Handler func(context.Context, InboundEvent) error

// Adapter bridges one external transport (for example Telegram) into the gateway.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
	Send(ctx context.Context, to Conversation, text string) error
	React(ctx context.Context, ref MessageRef, emoji string) error
	ListActiveConversations(ctx context.Context) ([]Conversation, error)
}

// Registry remembers the conversations a transport has seen. Transports
// without a chat listing API use it to answer ListActiveConversations.
type Registry struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
}

func NewRegistry() *Registry {
	return &Registry{conversations: make(map[string]Conversation)}
}

// Track records or refreshes a conversation keyed by its session id.
func (r *Registry) Track(conversation Conversation) {
	key := strings.TrimSpace(conversation.SessionID)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[key] = conversation
}

// Lookup returns the tracked conversation for a session id.
func (r *Registry) Lookup(sessionID string) (Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conversation, ok := r.conversations[strings.TrimSpace(sessionID)]
	return conversation, ok
}

// List returns a snapshot of all tracked conversations.
func (r *Registry) List() []Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conversation, 0, len(r.conversations))
	for _, conversation := range r.conversations {
		out = append(out, conversation)
	}

	return out
}

// NormalizeSender reduces transport sender identifiers to a comparable form:
// whitespace, a leading "+" and any "@server" suffix are dropped.
func NormalizeSender(senderID string) string {
	value := strings.TrimSpace(senderID)
	if at := strings.IndexByte(value, '@'); at >= 0 {
		value = value[:at]
	}

	return strings.TrimPrefix(value, "+")
}
