package redisq

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"timelessbot/pkg/queue"
)

type testRedis struct {
	client *redis.Client
	// server is nil when the tests run against TEST_REDIS_URL.
	server *miniredis.Miniredis
}

// openTestRedis connects to TEST_REDIS_URL when set and to an in-process
// miniredis otherwise.
func openTestRedis(t *testing.T) testRedis {
	t.Helper()

	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		client, err := Open(context.Background(), url)
		if err != nil {
			t.Skipf("skip integration test: cannot connect to redis: %v", err)
		}
		t.Cleanup(func() { _ = client.Close() })
		return testRedis{client: client}
	}

	server := miniredis.RunT(t)
	client, err := Open(context.Background(), "redis://"+server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return testRedis{client: client, server: server}
}

// advance lets d elapse for key expiry.
func (r testRedis) advance(d time.Duration) {
	if r.server != nil {
		r.server.FastForward(d)
		return
	}
	time.Sleep(d)
}

func testStream(t *testing.T, client *redis.Client) string {
	t.Helper()

	stream := fmt.Sprintf("timeless:test:%s:%d", t.Name(), time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, stream+"*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
	})
	return stream
}

func TestPublisherDeduplicates(t *testing.T) {
	client := openTestRedis(t).client
	stream := testStream(t, client)
	ctx := context.Background()

	publisher := NewPublisher(client, stream, time.Minute)

	first, err := publisher.Publish(ctx, queue.Message{Body: []byte(`{"n":1}`), GroupKey: "s1", DedupKey: "k1"})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := publisher.Publish(ctx, queue.Message{Body: []byte(`{"n":1}`), GroupKey: "s1", DedupKey: "k1"})
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.MessageID, second.MessageID)

	length, err := client.XLen(ctx, stream).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, length)
}

func TestPublisherAcceptsAfterDedupWindow(t *testing.T) {
	env := openTestRedis(t)
	stream := testStream(t, env.client)
	ctx := context.Background()

	publisher := NewPublisher(env.client, stream, 200*time.Millisecond)
	msg := queue.Message{Body: []byte(`{"n":1}`), GroupKey: "s1", DedupKey: "k1"}

	tests := []struct {
		name          string
		wait          time.Duration
		wantDuplicate bool
		wantLen       int64
	}{
		{name: "first publish", wantLen: 1},
		{name: "inside window", wait: 50 * time.Millisecond, wantDuplicate: true, wantLen: 1},
		{name: "after window", wait: 300 * time.Millisecond, wantLen: 2},
	}

	for _, tt := range tests {
		env.advance(tt.wait)

		ack, err := publisher.Publish(ctx, msg)
		require.NoError(t, err, tt.name)
		require.Equal(t, tt.wantDuplicate, ack.Duplicate, tt.name)

		length, err := env.client.XLen(ctx, stream).Result()
		require.NoError(t, err, tt.name)
		require.Equal(t, tt.wantLen, length, tt.name)
	}
}

func TestConsumerReceiveOnEmptyStream(t *testing.T) {
	client := openTestRedis(t).client
	stream := testStream(t, client)

	consumer := NewConsumer(client, ConsumerOptions{
		Stream:   stream,
		Group:    "test-group",
		Consumer: "test-consumer",
		Block:    50 * time.Millisecond,
	})

	got, err := consumer.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestPublisherRequiresDedupKey(t *testing.T) {
	publisher := NewPublisher(nil, "unused", time.Minute)

	_, err := publisher.Publish(context.Background(), queue.Message{Body: []byte("x")})
	require.Error(t, err)
}

func TestConsumerReceiveAckAndRedelivery(t *testing.T) {
	client := openTestRedis(t).client
	stream := testStream(t, client)
	ctx := context.Background()

	publisher := NewPublisher(client, stream, time.Minute)
	consumer := NewConsumer(client, ConsumerOptions{
		Stream:            stream,
		Group:             "test-group",
		Consumer:          "test-consumer",
		VisibilityTimeout: 200 * time.Millisecond,
		Block:             100 * time.Millisecond,
	})

	_, err := consumer.Receive(ctx, 10)
	require.NoError(t, err)

	_, err = publisher.Publish(ctx, queue.Message{Body: []byte("first"), GroupKey: "s1", DedupKey: "a"})
	require.NoError(t, err)
	_, err = publisher.Publish(ctx, queue.Message{Body: []byte("second"), GroupKey: "s1", DedupKey: "b"})
	require.NoError(t, err)

	got, err := consumer.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "first", string(got[0].Body))
	require.Equal(t, "second", string(got[1].Body))

	require.NoError(t, consumer.Ack(ctx, got[0]))

	time.Sleep(300 * time.Millisecond)

	redelivered, err := consumer.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	require.Equal(t, "second", string(redelivered[0].Body))
	require.GreaterOrEqual(t, redelivered[0].ReceiveCount, 2)

	require.NoError(t, consumer.Ack(ctx, redelivered[0]))
}
