package redisq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"timelessbot/pkg/queue"
)

const (
	fieldBody    = "body"
	defaultBlock = time.Second
)

// publishScript appends to the stream only when the dedup key is absent and
// records the new entry id under the dedup key for the window.
var publishScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return {0, existing}
end
local id = redis.call('XADD', KEYS[2], '*', 'group_key', ARGV[1], 'dedup_key', ARGV[2], 'body', ARGV[3])
redis.call('SET', KEYS[1], id, 'PX', ARGV[4])
return {1, id}
`)

// Publisher appends work items to a stream.
type Publisher struct {
	client      redis.UniversalClient
	stream      string
	dedupWindow time.Duration
}

var _ queue.OutboundQueue = (*Publisher)(nil)

func NewPublisher(client redis.UniversalClient, stream string, dedupWindow time.Duration) *Publisher {
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Minute
	}

	return &Publisher{client: client, stream: stream, dedupWindow: dedupWindow}
}

// Publish appends msg unless its dedup key was published inside the window.
// A stream has a single total order, so FIFO per group key follows.
func (p *Publisher) Publish(ctx context.Context, msg queue.Message) (queue.PublishAck, error) {
	dedupKey := strings.TrimSpace(msg.DedupKey)
	if dedupKey == "" {
		return queue.PublishAck{}, errors.New("dedup key is required")
	}

	result, err := publishScript.Run(ctx, p.client,
		[]string{p.dedupRedisKey(dedupKey), p.stream},
		msg.GroupKey, dedupKey, string(msg.Body), p.dedupWindow.Milliseconds(),
	).Slice()
	if err != nil {
		return queue.PublishAck{}, fmt.Errorf("publish to %s: %w: %v", p.stream, queue.ErrUnavailable, err)
	}
	if len(result) != 2 {
		return queue.PublishAck{}, fmt.Errorf("publish to %s: unexpected script reply %v", p.stream, result)
	}

	created, _ := result[0].(int64)
	id, _ := result[1].(string)

	return queue.PublishAck{MessageID: id, Duplicate: created == 0}, nil
}

func (p *Publisher) dedupRedisKey(dedupKey string) string {
	return p.stream + ":dedup:" + dedupKey
}

// ConsumerOptions configures a result stream consumer.
type ConsumerOptions struct {
	Stream            string
	Group             string
	Consumer          string
	VisibilityTimeout time.Duration
	Block             time.Duration
}

// Consumer reads results through a consumer group.
type Consumer struct {
	client redis.UniversalClient
	opts   ConsumerOptions

	mu           sync.Mutex
	groupCreated bool
}

var _ queue.ResultQueue = (*Consumer)(nil)

func NewConsumer(client redis.UniversalClient, opts ConsumerOptions) *Consumer {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}

	return &Consumer{client: client, opts: opts}
}

// Receive first reclaims entries idle past the visibility timeout, then reads
// new entries, blocking up to the configured block duration.
func (c *Consumer) Receive(ctx context.Context, max int) ([]queue.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	if err := c.ensureGroup(ctx); err != nil {
		return nil, err
	}

	deliveries, err := c.reclaim(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(deliveries) > 0 {
		return deliveries, nil
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		Streams:  []string{c.opts.Stream, ">"},
		Count:    int64(max),
		Block:    c.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read %s: %w: %v", c.opts.Stream, queue.ErrUnavailable, err)
	}

	now := time.Now().UTC()
	for _, stream := range streams {
		for _, message := range stream.Messages {
			deliveries = append(deliveries, toDelivery(message, 1, now))
		}
	}

	return deliveries, nil
}

// Ack acknowledges and deletes the entry so it is never reclaimed.
func (c *Consumer) Ack(ctx context.Context, delivery queue.Delivery) error {
	pipe := c.client.TxPipeline()
	pipe.XAck(ctx, c.opts.Stream, c.opts.Group, delivery.ID)
	pipe.XDel(ctx, c.opts.Stream, delivery.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w: %v", delivery.ID, queue.ErrUnavailable, err)
	}
	return nil
}

func (c *Consumer) reclaim(ctx context.Context, max int) ([]queue.Delivery, error) {
	messages, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.opts.Stream,
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		MinIdle:  c.opts.VisibilityTimeout,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reclaim %s: %w: %v", c.opts.Stream, queue.ErrUnavailable, err)
	}

	now := time.Now().UTC()
	deliveries := make([]queue.Delivery, 0, len(messages))
	for _, message := range messages {
		deliveries = append(deliveries, toDelivery(message, c.retryCount(ctx, message.ID), now))
	}

	return deliveries, nil
}

// retryCount reads how often an entry has been delivered. Failures only cost
// accuracy of the count, so they are not surfaced.
func (c *Consumer) retryCount(ctx context.Context, id string) int {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.opts.Stream,
		Group:  c.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 2
	}

	return int(pending[0].RetryCount)
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.groupCreated {
		return nil
	}

	err := c.client.XGroupCreateMkStream(ctx, c.opts.Stream, c.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w: %v", c.opts.Group, queue.ErrUnavailable, err)
	}

	c.groupCreated = true
	return nil
}

func toDelivery(message redis.XMessage, receiveCount int, now time.Time) queue.Delivery {
	body, _ := message.Values[fieldBody].(string)
	return queue.Delivery{
		ID:           message.ID,
		Body:         []byte(body),
		ReceiveCount: receiveCount,
		ReceivedAt:   now,
	}
}
