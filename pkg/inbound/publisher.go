// Package inbound turns authorized transport events into work items on the
// outbound queue.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"timelessbot/pkg/queue"
)

// dedupNamespace scopes the name-based UUIDs used as queue dedup keys.
var dedupNamespace = uuid.MustParse("7b0e6f5c-3c1a-5d7e-9a55-2f0c4b8e1d36")

// DedupKey derives the queue dedup key for one transport event. The same
// (sessionID, eventID) pair always yields the same key.
func DedupKey(sessionID, eventID string) string {
	return uuid.NewSHA1(dedupNamespace, []byte(sessionID+"\x00"+eventID)).String()
}

// PublishError is a publish that failed after every retry.
type PublishError struct {
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish work item failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// RetryPolicy bounds publish retries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Publisher struct {
	queue  queue.OutboundQueue
	policy RetryPolicy
	log    *slog.Logger
}

func NewPublisher(q queue.OutboundQueue, policy RetryPolicy, log *slog.Logger) *Publisher {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if log == nil {
		log = slog.Default()
	}

	return &Publisher{queue: q, policy: policy, log: log.With("component", "inbound.publisher")}
}

// Publish encodes item and hands it to the outbound queue keyed by its dedup
// and group keys, retrying with exponential backoff.
func (p *Publisher) Publish(ctx context.Context, item queue.WorkItem) (queue.PublishAck, error) {
	if item.DedupKey == "" || item.GroupKey == "" {
		return queue.PublishAck{}, errors.New("work item requires dedup and group keys")
	}

	body, err := item.Encode()
	if err != nil {
		return queue.PublishAck{}, err
	}
	msg := queue.Message{Body: body, GroupKey: item.GroupKey, DedupKey: item.DedupKey}

	attempts := 0
	operation := func() (queue.PublishAck, error) {
		attempts++
		return p.queue.Publish(ctx, msg)
	}

	ack, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Warn("Publish attempt failed, retrying",
				"dedup_key", item.DedupKey,
				"attempt", attempts,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		return queue.PublishAck{}, &PublishError{Attempts: attempts, Err: err}
	}

	return ack, nil
}

func (p *Publisher) backOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	if p.policy.InitialInterval > 0 {
		policy.InitialInterval = p.policy.InitialInterval
	}
	if p.policy.MaxInterval > 0 {
		policy.MaxInterval = p.policy.MaxInterval
	}
	return policy
}
