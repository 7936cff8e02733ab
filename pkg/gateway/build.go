package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"timelessbot/pkg/auth"
	"timelessbot/pkg/blob"
	"timelessbot/pkg/bus"
	"timelessbot/pkg/channel"
	"timelessbot/pkg/config"
	"timelessbot/pkg/extract"
	"timelessbot/pkg/inbound"
	"timelessbot/pkg/media"
	"timelessbot/pkg/provider/openai"
	"timelessbot/pkg/queue"
	"timelessbot/pkg/queue/memory"
	"timelessbot/pkg/queue/redisq"
	"timelessbot/pkg/reply"
	"timelessbot/pkg/result"
	"timelessbot/pkg/workspace"
)

// build assembles the pipeline and result consumer from configuration.
func build(ctx context.Context, cfg *config.Config, adapters []channel.Adapter, log *slog.Logger) (deps Deps, err error) {
	var closers []func() error
	defer func() {
		if err != nil {
			closeAll(closers)
		}
	}()

	layout, err := workspace.Resolve(cfg.Workspace, cfg.Extraction.ScratchDir, cfg.Blob.Path)
	if err != nil {
		return Deps{}, fmt.Errorf("prepare workspace: %w", err)
	}
	log.Debug("Workspace resolved", "root", layout.Root, "scratch_dir", layout.ScratchDir)

	var redisClient *redis.Client
	openRedis := func() (*redis.Client, error) {
		if redisClient != nil {
			return redisClient, nil
		}
		client, err := redisq.Open(ctx, cfg.Queue.RedisURL)
		if err != nil {
			return nil, err
		}
		redisClient = client
		closers = append(closers, client.Close)
		return client, nil
	}

	var (
		outbound queue.OutboundQueue
		results  queue.ResultQueue
	)
	switch cfg.Queue.Driver {
	case "redis":
		client, err := openRedis()
		if err != nil {
			return Deps{}, fmt.Errorf("open queue: %w", err)
		}
		outbound = redisq.NewPublisher(client, cfg.Queue.IncomingStream, cfg.Queue.DedupWindow())
		results = redisq.NewConsumer(client, redisq.ConsumerOptions{
			Stream:            cfg.Queue.ResultStream,
			Group:             cfg.Queue.ConsumerGroup,
			Consumer:          cfg.Queue.ConsumerName,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout(),
		})
	case "memory":
		opts := memory.Options{DedupWindow: cfg.Queue.DedupWindow(), VisibilityTimeout: cfg.Queue.VisibilityTimeout()}
		incoming, recognized := memory.New(opts), memory.New(opts)
		closers = append(closers, closeFunc(incoming.Close), closeFunc(recognized.Close))
		outbound, results = incoming, recognized
		log.Warn("Using in-memory queues; work items stay inside this process")
	default:
		return Deps{}, fmt.Errorf("unsupported queue driver %q", cfg.Queue.Driver)
	}

	var allowClient redis.UniversalClient
	if cfg.AllowList.Source == "redis" {
		client, err := openRedis()
		if err != nil {
			return Deps{}, fmt.Errorf("open allow list: %w", err)
		}
		allowClient = client
	}
	store, err := auth.NewStore(cfg.AllowList, allowClient)
	if err != nil {
		return Deps{}, err
	}
	filter := auth.NewFilter(store, log)

	ai, err := openai.New(cfg.OpenAI)
	if err != nil {
		return Deps{}, fmt.Errorf("initialize openai client: %w", err)
	}

	replies, err := reply.NewFormatter(cfg.Reply.Locale, cfg.Reply.Currency)
	if err != nil {
		return Deps{}, fmt.Errorf("initialize replies: %w", err)
	}

	events := bus.New()
	closers = append(closers, closeFunc(events.Close))

	pipelineDeps := inbound.Deps{
		Auth:       filter,
		Classifier: media.NewClassifier(nil),
		Extractor: extract.New(ai, ai, extract.Options{
			Timeout:    cfg.Extraction.Timeout(),
			ScratchDir: layout.ScratchDir,
		}, log),
		Publisher: inbound.NewPublisher(outbound, inbound.RetryPolicy{
			MaxAttempts:     cfg.Publish.MaxAttempts,
			InitialInterval: time.Duration(cfg.Publish.InitialBackoffMillis) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Publish.MaxBackoffMillis) * time.Millisecond,
		}, log),
		Replies: replies,
		Events:  events,
	}
	if cfg.Blob.Enabled {
		archive, err := blob.Open(ctx, layout.ArchivePath)
		if err != nil {
			return Deps{}, fmt.Errorf("open media archive: %w", err)
		}
		closers = append(closers, archive.Close)
		pipelineDeps.Blob = archive
	}

	transports := make([]result.Transport, 0, len(adapters))
	for _, adapter := range adapters {
		transports = append(transports, adapter)
	}

	consumer := result.NewConsumer(results, result.NewRouter(replies, transports...), result.Options{
		BatchSize:     cfg.Queue.BatchSize,
		Concurrency:   cfg.Queue.Concurrency,
		PollInterval:  cfg.Queue.PollInterval(),
		HandleTimeout: cfg.Queue.HandleTimeout(),
	}, events, log)

	return Deps{
		Adapters: adapters,
		Pipeline: inbound.NewPipeline(pipelineDeps, inbound.Options{
			AckProcessing: cfg.Reply.AckProcessing,
			ReactEmoji:    cfg.Reply.ReactEmoji,
		}, log),
		Consumer:    consumer,
		Filter:      filter,
		RefreshSpec: cfg.AllowList.Refresh,
		Events:      events,
		Closers:     closers,
	}, nil
}

func closeFunc(fn func()) func() error {
	return func() error {
		fn()
		return nil
	}
}

// closeAll runs closers in reverse order and joins their errors.
func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
