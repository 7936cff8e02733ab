// Package result consumes processed results and routes replies back to the
// conversations they came from.
package result

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"timelessbot/pkg/channel"
	"timelessbot/pkg/queue"
	"timelessbot/pkg/reply"
)

// ErrCorrelationNotFound means no known conversation matches a correlation
// key. The conversation may appear later, so callers should retry.
var ErrCorrelationNotFound = errors.New("correlation not found")

// RouteError is a failure to deliver a reply to a resolved conversation.
type RouteError struct {
	Outcome queue.Outcome
	Err     error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("route %s result: %v", e.Outcome, e.Err)
}

func (e *RouteError) Unwrap() error {
	return e.Err
}

// Transport is the part of a chat transport the router needs.
type Transport interface {
	Name() string
	Send(ctx context.Context, to channel.Conversation, text string) error
	ListActiveConversations(ctx context.Context) ([]channel.Conversation, error)
}

// Handle is a resolved conversation on a specific transport.
type Handle struct {
	Transport    Transport
	Conversation channel.Conversation
}

type renderFunc func(*reply.Formatter, queue.ResultItem) string

// renderers holds one reply template per outcome.
var renderers = map[queue.Outcome]renderFunc{
	queue.OutcomeBalanceQuery: func(f *reply.Formatter, item queue.ResultItem) string {
		if item.WithError || strings.TrimSpace(item.Content.Message) == "" {
			return f.NotRegistered()
		}
		return item.Content.Message
	},
	queue.OutcomeTransactionAdded: func(f *reply.Formatter, item queue.ResultItem) string {
		if item.WithError {
			return f.NotRegistered()
		}
		return f.TransactionAdded(queue.Fields{
			Amount:      item.Content.Amount,
			Description: item.Content.Description,
			Direction:   item.Content.Direction,
		})
	},
	queue.OutcomeError: func(f *reply.Formatter, _ queue.ResultItem) string {
		return f.NotRegistered()
	},
}

// Router resolves correlation keys to conversations and sends the rendered
// reply. Resolution scans every known conversation of every transport, so
// its cost grows with the active conversation count.
type Router struct {
	transports []Transport
	replies    *reply.Formatter
}

func NewRouter(replies *reply.Formatter, transports ...Transport) *Router {
	return &Router{transports: transports, replies: replies}
}

// Resolve finds the conversation whose session id or normalized sender
// matches key.
func (r *Router) Resolve(ctx context.Context, key string) (Handle, error) {
	normalized := channel.NormalizeSender(key)
	if normalized == "" {
		return Handle{}, fmt.Errorf("%w: empty correlation key", ErrCorrelationNotFound)
	}

	var listErrs []error
	for _, transport := range r.transports {
		conversations, err := transport.ListActiveConversations(ctx)
		if err != nil {
			listErrs = append(listErrs, fmt.Errorf("list %s conversations: %w", transport.Name(), err))
			continue
		}

		for _, conversation := range conversations {
			if conversation.SessionID == strings.TrimSpace(key) || channel.NormalizeSender(conversation.SenderID) == normalized {
				return Handle{Transport: transport, Conversation: conversation}, nil
			}
		}
	}

	if len(listErrs) > 0 {
		return Handle{}, fmt.Errorf("%w: key %q: %w", ErrCorrelationNotFound, key, errors.Join(listErrs...))
	}
	return Handle{}, fmt.Errorf("%w: key %q", ErrCorrelationNotFound, key)
}

// Render produces the reply text for item.
func (r *Router) Render(item queue.ResultItem) (string, error) {
	render, ok := renderers[item.Kind]
	if !ok {
		return "", fmt.Errorf("%w: no reply for outcome %q", queue.ErrMalformed, item.Kind)
	}
	return render(r.replies, item), nil
}

// Route resolves the item's conversation and sends its reply.
func (r *Router) Route(ctx context.Context, item queue.ResultItem) (Handle, error) {
	text, err := r.Render(item)
	if err != nil {
		return Handle{}, err
	}

	handle, err := r.Resolve(ctx, item.CorrelationKey())
	if err != nil {
		return Handle{}, err
	}

	if err := handle.Transport.Send(ctx, handle.Conversation, text); err != nil {
		return handle, &RouteError{Outcome: item.Kind, Err: err}
	}

	return handle, nil
}
