package gateway

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"timelessbot/pkg/bus"
	"timelessbot/pkg/channel"
	"timelessbot/pkg/config"
	"timelessbot/pkg/inbound"
	"timelessbot/pkg/queue/memory"
	"timelessbot/pkg/result"
)

func TestIsReadyRequiresRunningConsumer(t *testing.T) {
	t.Parallel()

	consumer := result.NewConsumer(memory.New(memory.Options{}), result.NewRouter(nil), result.Options{}, nil, nil)
	svc := &Service{
		deps:          Deps{Consumer: consumer},
		counters:      bus.NewCounters(),
		channelStates: map[string]channelState{"telegram": {Running: true}},
	}

	require.False(t, svc.isReady(), "expected not ready while the result consumer is stopped")

	status := svc.currentStatus("not_ready")
	require.False(t, status.ResultConsumer)
	require.True(t, status.Channels["telegram"].Running)
	require.Nil(t, status.AllowList)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	adapter := newScriptedAdapter("telegram", nil)
	consumer := result.NewConsumer(memory.New(memory.Options{}), result.NewRouter(nil), result.Options{}, nil, nil)
	pipeline := inbound.NewPipeline(inbound.Deps{}, inbound.Options{}, nil)

	_, err := New(nil, Deps{}, nil)
	require.Error(t, err)

	_, err = New(cfg, Deps{Pipeline: pipeline, Consumer: consumer}, nil)
	require.ErrorContains(t, err, "channel adapter")

	_, err = New(cfg, Deps{Adapters: []channel.Adapter{adapter}, Consumer: consumer}, nil)
	require.Error(t, err)

	svc, err := New(cfg, Deps{Adapters: []channel.Adapter{adapter}, Pipeline: pipeline, Consumer: consumer}, nil)
	require.NoError(t, err)
	require.Contains(t, svc.channelStates, "telegram")
}

func TestNewServiceBuildsMemoryGateway(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := &config.Config{
		Workspace: t.TempDir(),
		Queue:     config.QueueConfig{Driver: "memory"},
		AllowList: config.AllowListConfig{Senders: []string{"5511999990000"}},
		Blob:      config.BlobConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "media.db")},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	svc, err := NewService(context.Background(), cfg, []channel.Adapter{newScriptedAdapter("telegram", nil)}, nil)
	require.NoError(t, err)
	require.NotNil(t, svc.deps.Pipeline)
	require.NotNil(t, svc.deps.Consumer)
	require.NotNil(t, svc.deps.Filter)
	require.Equal(t, "@every 5m", svc.deps.RefreshSpec)
	require.NoError(t, closeAll(svc.deps.Closers))
}

func TestNewServiceRejectsMissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	cfg := &config.Config{Workspace: t.TempDir(), Queue: config.QueueConfig{Driver: "memory"}}
	cfg.ApplyDefaults()

	_, err := NewService(context.Background(), cfg, []channel.Adapter{newScriptedAdapter("telegram", nil)}, nil)
	require.ErrorContains(t, err, "openai")
}

func TestCloseAllRunsInReverseOrder(t *testing.T) {
	t.Parallel()

	var order []int
	closers := []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return context.Canceled },
	}

	err := closeAll(closers)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []int{2, 1}, order)
}

func TestNewServiceRejectsMissingQueueDriver(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := &config.Config{Workspace: t.TempDir()}
	cfg.ApplyDefaults()
	require.ErrorContains(t, cfg.Validate(), "queue.driver is required")

	_, err := NewService(context.Background(), cfg, []channel.Adapter{newScriptedAdapter("telegram", nil)}, nil)
	require.ErrorContains(t, err, "unsupported queue driver")
}
