// Package memory is an in-process queue with the same guarantees the
// gateway expects from a hosted FIFO queue: dedup inside a window, in-order
// delivery per group and redelivery of unacked messages after a visibility
// timeout. It backs local runs and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"timelessbot/pkg/queue"
)

const (
	defaultDedupWindow       = 5 * time.Minute
	defaultVisibilityTimeout = 30 * time.Second
)

// Options tunes queue timing. Zero values select defaults.
type Options struct {
	DedupWindow       time.Duration
	VisibilityTimeout time.Duration
	Now               func() time.Time
}

type entry struct {
	id           string
	msg          queue.Message
	receiveCount int
	invisibleTil time.Time
}

type dedupRecord struct {
	messageID string
	expiresAt time.Time
}

// Queue implements queue.OutboundQueue and queue.ResultQueue.
type Queue struct {
	dedupWindow time.Duration
	visibility  time.Duration
	now         func() time.Time

	mu      sync.Mutex
	seq     uint64
	entries []*entry
	dedup   map[string]dedupRecord

	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ queue.OutboundQueue = (*Queue)(nil)
	_ queue.ResultQueue   = (*Queue)(nil)
)

func New(opts Options) *Queue {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = defaultVisibilityTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Queue{
		dedupWindow: opts.DedupWindow,
		visibility:  opts.VisibilityTimeout,
		now:         opts.Now,
		dedup:       make(map[string]dedupRecord),
		done:        make(chan struct{}),
	}
}

// Publish appends a message unless its dedup key was seen inside the window.
func (q *Queue) Publish(ctx context.Context, msg queue.Message) (queue.PublishAck, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := q.checkOpen(ctx); err != nil {
		return queue.PublishAck{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.expireDedup(now)

	if msg.DedupKey != "" {
		if record, ok := q.dedup[msg.DedupKey]; ok {
			return queue.PublishAck{MessageID: record.messageID, Duplicate: true}, nil
		}
	}

	q.seq++
	id := strconv.FormatUint(q.seq, 10)
	body := append([]byte(nil), msg.Body...)
	q.entries = append(q.entries, &entry{
		id:  id,
		msg: queue.Message{Body: body, GroupKey: msg.GroupKey, DedupKey: msg.DedupKey},
	})

	if msg.DedupKey != "" {
		q.dedup[msg.DedupKey] = dedupRecord{messageID: id, expiresAt: now.Add(q.dedupWindow)}
	}

	return queue.PublishAck{MessageID: id}, nil
}

// Receive hands out up to max visible messages in publish order, at most one
// per group key. A group with an earlier message still in flight is skipped so
// per-group order holds across redeliveries. Messages without a group key
// never block each other.
func (q *Queue) Receive(ctx context.Context, max int) ([]queue.Delivery, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := q.checkOpen(ctx); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	blocked := make(map[string]struct{})
	deliveries := make([]queue.Delivery, 0, max)

	for _, e := range q.entries {
		if len(deliveries) == max {
			break
		}
		if e.invisibleTil.After(now) {
			if e.msg.GroupKey != "" {
				blocked[e.msg.GroupKey] = struct{}{}
			}
			continue
		}
		if _, ok := blocked[e.msg.GroupKey]; ok {
			continue
		}

		e.receiveCount++
		e.invisibleTil = now.Add(q.visibility)
		deliveries = append(deliveries, queue.Delivery{
			ID:           e.id,
			Body:         append([]byte(nil), e.msg.Body...),
			ReceiveCount: e.receiveCount,
			ReceivedAt:   now,
		})
		if e.msg.GroupKey != "" {
			blocked[e.msg.GroupKey] = struct{}{}
		}
	}

	return deliveries, nil
}

// Ack removes a delivered message permanently.
func (q *Queue) Ack(ctx context.Context, delivery queue.Delivery) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := q.checkOpen(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.id == delivery.ID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("ack %s: delivery not found", delivery.ID)
}

// Messages returns a snapshot of every message not yet acked, in order.
func (q *Queue) Messages() []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]queue.Message, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, queue.Message{
			Body:     append([]byte(nil), e.msg.Body...),
			GroupKey: e.msg.GroupKey,
			DedupKey: e.msg.DedupKey,
		})
	}

	return out
}

// Len reports how many messages are waiting or in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close makes every later operation fail with queue.ErrUnavailable.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

func (q *Queue) checkOpen(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return fmt.Errorf("memory queue closed: %w", queue.ErrUnavailable)
	default:
		return nil
	}
}

// expireDedup drops dedup records past their window. Caller holds mu.
func (q *Queue) expireDedup(now time.Time) {
	for key, record := range q.dedup {
		if !now.Before(record.expiresAt) {
			delete(q.dedup, key)
		}
	}
}
