// Package queue defines the two queue contracts the gateway sits between:
// the outbound work queue fed by inbound events and the result queue fed by
// the external processor.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a queue operation that failed for infrastructure
// reasons and may succeed on retry.
var ErrUnavailable = errors.New("queue unavailable")

// Message is one payload published to the outbound work queue.
type Message struct {
	Body     []byte
	GroupKey string
	DedupKey string
}

// PublishAck confirms a publish. Duplicate is set when the dedup window
// collapsed the publish onto an earlier message.
type PublishAck struct {
	MessageID string
	Duplicate bool
}

// Delivery is one received result queue message awaiting acknowledgement.
type Delivery struct {
	ID           string
	Body         []byte
	ReceiveCount int
	ReceivedAt   time.Time
}

// OutboundQueue accepts work items. Implementations guarantee FIFO per
// GroupKey and collapse repeated DedupKeys inside their dedup window.
type OutboundQueue interface {
	Publish(ctx context.Context, msg Message) (PublishAck, error)
}

// ResultQueue hands out processed results. Deliveries that are never acked
// become receivable again after an implementation-defined delay.
type ResultQueue interface {
	Receive(ctx context.Context, max int) ([]Delivery, error)
	Ack(ctx context.Context, delivery Delivery) error
}
