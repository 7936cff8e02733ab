package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"timelessbot/pkg/bus"
	"timelessbot/pkg/channel"
	"timelessbot/pkg/extract"
	"timelessbot/pkg/logger"
	"timelessbot/pkg/media"
	"timelessbot/pkg/queue"
	"timelessbot/pkg/reply"
	"timelessbot/pkg/telemetry"
)

const statusRead = "READ"

type Authorizer interface {
	IsAllowed(ctx context.Context, senderID string) bool
}

type ContentExtractor interface {
	Extract(ctx context.Context, event channel.InboundEvent, format media.Format) (extract.Content, error)
}

type WorkPublisher interface {
	Publish(ctx context.Context, item queue.WorkItem) (queue.PublishAck, error)
}

// BlobStore archives raw media. It is optional.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Replier is the part of a transport the pipeline answers through.
type Replier interface {
	Send(ctx context.Context, to channel.Conversation, text string) error
	React(ctx context.Context, ref channel.MessageRef, emoji string) error
}

// Deps are the collaborators of a Pipeline. Blob and Events may be nil.
type Deps struct {
	Auth       Authorizer
	Classifier *media.Classifier
	Extractor  ContentExtractor
	Publisher  WorkPublisher
	Replies    *reply.Formatter
	Blob       BlobStore
	Events     *bus.EventBus
}

type Options struct {
	// AckProcessing sends a "processing" notice before extraction starts.
	AckProcessing bool
	// ReactEmoji, when set, is added to the source message once its work
	// item is queued.
	ReactEmoji string
}

// Pipeline runs one inbound event through authorization, classification,
// extraction and publishing.
type Pipeline struct {
	deps   Deps
	opts   Options
	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewPipeline(deps Deps, opts Options, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if deps.Classifier == nil {
		deps.Classifier = media.NewClassifier(nil)
	}

	return &Pipeline{
		deps:   deps,
		opts:   opts,
		log:    log.With("component", "inbound.pipeline"),
		tracer: telemetry.Tracer("inbound"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes event to completion. Denied senders and unsupported media
// are dropped silently. Extraction and publish failures are answered with an
// apology and returned; nothing is queued for them.
func (p *Pipeline) Handle(ctx context.Context, replier Replier, event channel.InboundEvent) error {
	ctx, span := p.tracer.Start(ctx, "inbound.handle", trace.WithAttributes(
		attribute.String("channel", event.Channel),
		attribute.String("session_id", event.SessionID),
		attribute.String("event_id", event.EventID),
	))
	defer span.End()

	log := p.log.With("channel", event.Channel, "session_id", event.SessionID, "event_id", event.EventID)
	p.emit(ctx, bus.EventReceived, event, "", nil)

	if !p.deps.Auth.IsAllowed(ctx, event.SenderID) {
		log.Info("Sender not authorized, dropping event", "sender_id", event.SenderID)
		p.emit(ctx, bus.EventDropped, event, "unauthorized", nil)
		return nil
	}

	format, err := p.deps.Classifier.Lookup(event.DeclaredMime())
	if err != nil {
		log.Info("Unsupported media, dropping event", "mime_type", event.DeclaredMime())
		p.emit(ctx, bus.EventDropped, event, "unsupported_media", nil)
		return nil
	}
	span.SetAttributes(attribute.String("kind", string(format.Kind)))

	to := channel.Conversation{Channel: event.Channel, SessionID: event.SessionID, SenderID: event.SenderID}

	if p.opts.AckProcessing {
		if err := replier.Send(ctx, to, p.deps.Replies.Processing()); err != nil {
			log.Warn("Failed to send processing notice", "error", err)
		}
	}

	var content extract.Content
	err = p.loadMedia(ctx, event, format)
	if err == nil {
		p.archive(ctx, log, event, format)
		content, err = p.deps.Extractor.Extract(ctx, event, format)
	}
	if err != nil {
		log.Warn("Extraction failed", "kind", format.Kind, "transient", extract.IsTransient(err), "error", err)
		p.emit(ctx, bus.EventExtractionFailed, event, string(format.Kind), err)
		span.SetStatus(codes.Error, "extraction failed")

		apology := p.deps.Replies.NotRegistered()
		if format.Kind == media.KindAudio {
			apology = p.deps.Replies.TranscriptionFailed()
		}
		p.sendApology(ctx, log, replier, to, apology)
		return err
	}

	item := queue.WorkItem{
		Sender:          channel.NormalizeSender(event.SenderID),
		SessionID:       event.SessionID,
		Channel:         event.Channel,
		MessageID:       event.EventID,
		DedupKey:        DedupKey(event.SessionID, event.EventID),
		GroupKey:        event.SessionID,
		Kind:            format.Kind,
		Status:          statusRead,
		ExtractedText:   content.Text,
		ExtractedFields: content.Fields,
		CreatedAt:       p.now(),
	}

	ack, err := p.deps.Publisher.Publish(ctx, item)
	if err != nil {
		log.Error("Failed to publish work item", "dedup_key", item.DedupKey, "error", err)
		p.emit(ctx, bus.EventPublishFailed, event, "", err)
		span.SetStatus(codes.Error, "publish failed")
		p.sendApology(ctx, log, replier, to, p.deps.Replies.NotRegistered())
		return err
	}

	if ack.Duplicate {
		log.Debug("Work item already queued", "dedup_key", item.DedupKey, "message_id", ack.MessageID)
		p.emit(ctx, bus.EventDuplicate, event, "", nil)
		return nil
	}

	log.Info("Work item queued",
		"kind", item.Kind,
		"dedup_key", item.DedupKey,
		"message_id", ack.MessageID,
		"text_preview", logger.Preview(item.ExtractedText, 60),
	)
	p.emit(ctx, bus.EventPublished, event, "", nil)

	if p.opts.ReactEmoji != "" {
		ref := channel.MessageRef{Conversation: to, EventID: event.EventID}
		if err := replier.React(ctx, ref, p.opts.ReactEmoji); err != nil {
			log.Debug("Failed to react to message", "error", err)
		}
	}

	return nil
}

// loadMedia downloads lazily attached media. It only runs for authorized
// senders with a supported format.
func (p *Pipeline) loadMedia(ctx context.Context, event channel.InboundEvent, format media.Format) error {
	if err := event.Media.Load(ctx); err != nil {
		return &extract.Error{Kind: format.Kind, Transient: true, Err: err}
	}

	return nil
}

// BlobKey is the archive key for an event's media.
func BlobKey(senderID, eventID, fileName string) string {
	return fmt.Sprintf("messages/%s/%s/%s", channel.NormalizeSender(senderID), eventID, fileName)
}

func (p *Pipeline) archive(ctx context.Context, log *slog.Logger, event channel.InboundEvent, format media.Format) {
	if p.deps.Blob == nil || event.Media == nil || len(event.Media.Data) == 0 {
		return
	}

	key := BlobKey(event.SenderID, event.EventID, format.FileName)
	if err := p.deps.Blob.Put(ctx, key, event.Media.Data, event.Media.MimeType); err != nil {
		log.Warn("Failed to archive media", "key", key, "error", err)
		return
	}
	log.Debug("Media archived", "key", key, "bytes", len(event.Media.Data))
}

func (p *Pipeline) sendApology(ctx context.Context, log *slog.Logger, replier Replier, to channel.Conversation, text string) {
	if err := replier.Send(ctx, to, text); err != nil {
		log.Error("Failed to send failure reply", "error", err)
	}
}

func (p *Pipeline) emit(ctx context.Context, eventType bus.EventType, event channel.InboundEvent, reason string, err error) {
	if p.deps.Events == nil {
		return
	}

	published := bus.Event{
		Type:      eventType,
		At:        p.now(),
		Channel:   event.Channel,
		SessionID: event.SessionID,
		EventID:   event.EventID,
		Reason:    reason,
	}
	if err != nil {
		published.Error = err.Error()
	}
	p.deps.Events.Publish(context.WithoutCancel(ctx), published)
}

// IsSenderFault reports whether err was caused by the content the user sent
// rather than by infrastructure.
func IsSenderFault(err error) bool {
	var extractErr *extract.Error
	return errors.As(err, &extractErr) && !extractErr.Transient
}
