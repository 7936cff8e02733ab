package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"timelessbot/pkg/media"
)

// ErrMalformed marks a result body that can never be processed.
var ErrMalformed = errors.New("malformed result item")

// Direction tells whether money came in or went out.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Outcome is the processed result kind.
type Outcome string

const (
	OutcomeBalanceQuery     Outcome = "BALANCE_QUERY"
	OutcomeTransactionAdded Outcome = "TRANSACTION_ADDED"
	OutcomeError            Outcome = "ERROR"
)

// outcomeAliases maps the processor's command names onto outcomes.
var outcomeAliases = map[string]Outcome{
	"GET_BALANCE":     OutcomeBalanceQuery,
	"ADD_TRANSACTION": OutcomeTransactionAdded,
}

// Fields are the structured values extracted from an image.
type Fields struct {
	Amount      float64   `json:"amount"`
	Description string    `json:"description"`
	Direction   Direction `json:"type"`
}

// WorkItem is the normalized unit placed on the outbound queue.
type WorkItem struct {
	Sender          string     `json:"sender"`
	SessionID       string     `json:"sessionId"`
	Channel         string     `json:"channel,omitempty"`
	MessageID       string     `json:"messageId"`
	DedupKey        string     `json:"dedupKey"`
	GroupKey        string     `json:"groupKey"`
	Kind            media.Kind `json:"kind"`
	Status          string     `json:"status"`
	ExtractedText   string     `json:"messageBody,omitempty"`
	ExtractedFields *Fields    `json:"fields,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Encode renders the item as the queue message body.
func (w WorkItem) Encode() ([]byte, error) {
	body, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode work item: %w", err)
	}
	return body, nil
}

// ResultPayload carries the outcome-specific fields.
type ResultPayload struct {
	Message     string    `json:"message,omitempty"`
	Amount      float64   `json:"amount" validate:"gte=0"`
	Description string    `json:"description,omitempty"`
	Direction   Direction `json:"type,omitempty" validate:"omitempty,oneof=IN OUT"`
}

// ResultItem is one processed result received from the result queue.
type ResultItem struct {
	Kind      Outcome       `json:"kind" validate:"required,oneof=BALANCE_QUERY TRANSACTION_ADDED ERROR"`
	MessageID string        `json:"messageId,omitempty"`
	Status    string        `json:"status,omitempty"`
	User      string        `json:"user,omitempty" validate:"required_without=SessionID"`
	SessionID string        `json:"sessionId,omitempty"`
	WithError bool          `json:"withError"`
	Content   ResultPayload `json:"content"`
}

// CorrelationKey returns the identifier used to find the originating conversation.
func (r ResultItem) CorrelationKey() string {
	if key := strings.TrimSpace(r.SessionID); key != "" {
		return key
	}
	return strings.TrimSpace(r.User)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeResult parses and validates a result body. Every failure wraps ErrMalformed.
func DecodeResult(body []byte) (ResultItem, error) {
	var item ResultItem
	if err := json.Unmarshal(body, &item); err != nil {
		return ResultItem{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind := strings.ToUpper(strings.TrimSpace(string(item.Kind)))
	if alias, ok := outcomeAliases[kind]; ok {
		kind = string(alias)
	}
	item.Kind = Outcome(kind)
	item.Content.Direction = Direction(strings.ToUpper(strings.TrimSpace(string(item.Content.Direction))))

	if err := validate.Struct(item); err != nil {
		return ResultItem{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if item.Kind == OutcomeTransactionAdded && !item.WithError && item.Content.Direction == "" {
		return ResultItem{}, fmt.Errorf("%w: transaction result without direction", ErrMalformed)
	}

	return item, nil
}
