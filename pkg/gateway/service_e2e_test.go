package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"timelessbot/pkg/auth"
	"timelessbot/pkg/bus"
	"timelessbot/pkg/channel"
	"timelessbot/pkg/config"
	"timelessbot/pkg/extract"
	"timelessbot/pkg/inbound"
	"timelessbot/pkg/media"
	"timelessbot/pkg/queue"
	"timelessbot/pkg/queue/memory"
	"timelessbot/pkg/reply"
	"timelessbot/pkg/result"
)

// scriptedAdapter feeds a fixed list of events through the handler and
// records every reply sent back through it.
type scriptedAdapter struct {
	name     string
	inbound  []channel.InboundEvent
	registry *channel.Registry

	mu   sync.Mutex
	sent map[string][]string
	done chan struct{}
}

func newScriptedAdapter(name string, events []channel.InboundEvent) *scriptedAdapter {
	return &scriptedAdapter{
		name:     name,
		inbound:  events,
		registry: channel.NewRegistry(),
		sent:     make(map[string][]string),
		done:     make(chan struct{}),
	}
}

func (a *scriptedAdapter) Name() string {
	return a.name
}

func (a *scriptedAdapter) Run(ctx context.Context, handler channel.Handler) error {
	for _, event := range a.inbound {
		a.registry.Track(channel.Conversation{Channel: a.name, SessionID: event.SessionID, SenderID: event.SenderID})
		if err := handler(ctx, event); err != nil {
			return err
		}
	}

	close(a.done)

	<-ctx.Done()
	return nil
}

func (a *scriptedAdapter) Send(_ context.Context, to channel.Conversation, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent[to.SessionID] = append(a.sent[to.SessionID], text)
	return nil
}

func (a *scriptedAdapter) React(context.Context, channel.MessageRef, string) error {
	return nil
}

func (a *scriptedAdapter) ListActiveConversations(context.Context) ([]channel.Conversation, error) {
	return a.registry.List(), nil
}

func (a *scriptedAdapter) messages(sessionID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent[sessionID]...)
}

type gatewayFixture struct {
	svc      *Service
	adapter  *scriptedAdapter
	incoming *memory.Queue
	results  *memory.Queue
	closed   *atomic.Int32
	port     int
}

func newGatewayFixture(t *testing.T, events []channel.InboundEvent) gatewayFixture {
	t.Helper()

	formatter, err := reply.NewFormatter("pt-BR", "BRL")
	require.NoError(t, err)

	incoming := memory.New(memory.Options{DedupWindow: time.Minute})
	results := memory.New(memory.Options{VisibilityTimeout: time.Hour})
	eventBus := bus.New()
	filter := auth.NewFilter(auth.StaticStore{"5511999990000", "5511888880000"}, nil)
	adapter := newScriptedAdapter("whatsapp", events)

	pipeline := inbound.NewPipeline(inbound.Deps{
		Auth:       filter,
		Classifier: media.NewClassifier(nil),
		Extractor:  extract.New(nil, nil, extract.Options{ScratchDir: t.TempDir()}, nil),
		Publisher:  inbound.NewPublisher(incoming, inbound.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond}, nil),
		Replies:    formatter,
		Events:     eventBus,
	}, inbound.Options{AckProcessing: true}, nil)

	consumer := result.NewConsumer(results, result.NewRouter(formatter, adapter), result.Options{
		BatchSize:     4,
		Concurrency:   2,
		PollInterval:  5 * time.Millisecond,
		HandleTimeout: time.Second,
	}, eventBus, nil)

	port := freeTCPPort(t)
	closed := &atomic.Int32{}
	svc, err := New(&config.Config{Gateway: config.GatewayConfig{Host: "127.0.0.1", Port: port}}, Deps{
		Adapters:    []channel.Adapter{adapter},
		Pipeline:    pipeline,
		Consumer:    consumer,
		Filter:      filter,
		RefreshSpec: "@every 1h",
		Events:      eventBus,
		Closers: []func() error{
			func() error { closed.Add(1); incoming.Close(); results.Close(); return nil },
			closeFunc(eventBus.Close),
		},
	}, nil)
	require.NoError(t, err)

	return gatewayFixture{svc: svc, adapter: adapter, incoming: incoming, results: results, closed: closed, port: port}
}

func textEvent(sessionID, eventID, body string) channel.InboundEvent {
	return channel.InboundEvent{
		Channel:    "whatsapp",
		SessionID:  sessionID + "@s.whatsapp.net",
		SenderID:   sessionID,
		EventID:    eventID,
		Body:       body,
		ReceivedAt: time.Now().UTC(),
	}
}

func runService(t *testing.T, svc *Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, errCh
}

func waitStopped(t *testing.T, errCh <-chan error) {
	t.Helper()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func TestGatewayServiceRunE2EInboundAndResult(t *testing.T) {
	fx := newGatewayFixture(t, []channel.InboundEvent{
		textEvent("5511999990000", "e1", "gastei 35 no mercado"),
		textEvent("5511999990000", "e1", "gastei 35 no mercado"),
		textEvent("5511888880000", "e2", "qual meu saldo?"),
		textEvent("5511777770000", "e3", "not allowed"),
	})

	cancel, errCh := runService(t, fx.svc)

	select {
	case <-fx.adapter.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for adapter scripted messages")
	}

	require.Eventually(t, func() bool {
		counts, _ := fx.svc.counters.Snapshot()
		return counts[bus.EventPublished] == 2 &&
			counts[bus.EventDuplicate] == 1 &&
			counts[bus.EventDropped] == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, fx.incoming.Len())

	var senders []string
	for _, msg := range fx.incoming.Messages() {
		var item queue.WorkItem
		require.NoError(t, json.Unmarshal(msg.Body, &item))
		require.Equal(t, "READ", item.Status)
		senders = append(senders, item.Sender)
	}
	require.ElementsMatch(t, []string{"5511999990000", "5511888880000"}, senders)

	body, err := json.Marshal(map[string]any{
		"kind":      "ADD_TRANSACTION",
		"user":      "5511999990000",
		"withError": false,
		"content":   map[string]any{"amount": 35.0, "description": "Mercado", "type": "OUT"},
	})
	require.NoError(t, err)
	_, err = fx.results.Publish(context.Background(), queue.Message{Body: body})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fx.results.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		counts, _ := fx.svc.counters.Snapshot()
		return counts[bus.EventResultRouted] == 1
	}, 3*time.Second, 10*time.Millisecond)

	replies := fx.adapter.messages("5511999990000@s.whatsapp.net")
	require.NotEmpty(t, replies)
	require.Equal(t, "Estamos processando sua mensagem", replies[0])
	require.Contains(t, replies[len(replies)-1], "R$ 35,00")
	require.Empty(t, fx.adapter.messages("5511777770000@s.whatsapp.net"))

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(fx.port) + "/readyz")
	require.NoError(t, err)
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ready", status.Status)
	require.True(t, status.ResultConsumer)
	require.NotNil(t, status.AllowList)
	require.Equal(t, 2, status.AllowList.Senders)

	cancel()
	waitStopped(t, errCh)
	require.EqualValues(t, 1, fx.closed.Load())
}

func TestGatewayServiceRunE2EUncorrelatedResultStaysQueued(t *testing.T) {
	fx := newGatewayFixture(t, nil)

	cancel, errCh := runService(t, fx.svc)

	body, err := json.Marshal(map[string]any{"kind": "ERROR", "user": "5511000000000", "withError": true})
	require.NoError(t, err)
	_, err = fx.results.Publish(context.Background(), queue.Message{Body: body})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		counts, _ := fx.svc.counters.Snapshot()
		return counts[bus.EventResultDeferred] >= 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, fx.results.Len())

	cancel()
	waitStopped(t, errCh)
}

func TestGatewayServiceHealthEndpoints(t *testing.T) {
	fx := newGatewayFixture(t, nil)

	cancel, errCh := runService(t, fx.svc)

	base := "http://127.0.0.1:" + strconv.Itoa(fx.port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return resp.StatusCode == http.StatusOK && strings.EqualFold(status.Status, "ready")
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	waitStopped(t, errCh)

	fx.svc.setChannelState("whatsapp", channelState{Running: false})
	require.False(t, fx.svc.isReady())
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
