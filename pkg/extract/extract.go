// Package extract turns classified inbound events into text or structured
// fields by calling the transcription and vision collaborators.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"timelessbot/pkg/channel"
	"timelessbot/pkg/logger"
	"timelessbot/pkg/media"
	"timelessbot/pkg/queue"
)

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// VisionExtractor answers a prompt about an image with a JSON document.
type VisionExtractor interface {
	DescribeImage(ctx context.Context, image []byte, mimeType string, prompt string) (string, error)
}

// Error is an extraction failure. Transient failures come from the
// collaborator or its deadline; permanent ones from content it rejected.
type Error struct {
	Kind      media.Kind
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("extract %s (%s): %v", strings.ToLower(string(e.Kind)), class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient extraction failure.
func IsTransient(err error) bool {
	var extractErr *Error
	return errors.As(err, &extractErr) && extractErr.Transient
}

// Content is what the pipeline publishes: text for TEXT and AUDIO, fields
// for IMAGE.
type Content struct {
	Text   string
	Fields *queue.Fields
}

// Options tune the extractor.
type Options struct {
	Timeout    time.Duration
	ScratchDir string
	Prompt     string
}

type Extractor struct {
	transcriber Transcriber
	vision      VisionExtractor
	timeout     time.Duration
	scratchDir  string
	prompt      string
	log         *slog.Logger
}

func New(transcriber Transcriber, vision VisionExtractor, opts Options, log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	prompt := opts.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = ImagePrompt
	}

	return &Extractor{
		transcriber: transcriber,
		vision:      vision,
		timeout:     opts.Timeout,
		scratchDir:  opts.ScratchDir,
		prompt:      prompt,
		log:         log.With("component", "extract"),
	}
}

// Extract resolves event content for its classified format.
func (e *Extractor) Extract(ctx context.Context, event channel.InboundEvent, format media.Format) (Content, error) {
	switch format.Kind {
	case media.KindText:
		return Content{Text: event.Body}, nil
	case media.KindAudio:
		return e.extractAudio(ctx, event, format)
	case media.KindImage:
		return e.extractImage(ctx, event)
	default:
		return Content{}, &Error{Kind: format.Kind, Err: media.ErrUnsupported}
	}
}

func (e *Extractor) extractAudio(ctx context.Context, event channel.InboundEvent, format media.Format) (content Content, err error) {
	if e.transcriber == nil {
		return Content{}, &Error{Kind: media.KindAudio, Transient: true, Err: errors.New("transcriber is not configured")}
	}
	if event.Media == nil || len(event.Media.Data) == 0 {
		return Content{}, &Error{Kind: media.KindAudio, Err: errors.New("audio payload is empty")}
	}

	dir := e.scratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, uuid.NewString()+filepath.Ext(format.FileName))

	if err := os.WriteFile(path, event.Media.Data, 0o600); err != nil {
		_ = os.Remove(path)
		return Content{}, &Error{Kind: media.KindAudio, Transient: true, Err: fmt.Errorf("write scratch file: %w", err)}
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			e.log.Warn("Failed to remove scratch file", "path", path, "error", rmErr)
		}
	}()
	defer func() {
		if recovered := recover(); recovered != nil {
			content = Content{}
			err = &Error{Kind: media.KindAudio, Transient: true, Err: fmt.Errorf("transcriber panic: %v", recovered)}
		}
	}()

	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	startedAt := time.Now()
	text, err := e.transcriber.Transcribe(callCtx, path)
	if err != nil {
		return Content{}, &Error{Kind: media.KindAudio, Transient: true, Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Content{}, &Error{Kind: media.KindAudio, Transient: true, Err: errors.New("transcription is empty")}
	}

	e.log.Debug("Audio transcribed",
		"session_id", event.SessionID,
		"event_id", event.EventID,
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"text_preview", logger.Preview(text, 80),
	)

	return Content{Text: text}, nil
}

func (e *Extractor) extractImage(ctx context.Context, event channel.InboundEvent) (Content, error) {
	if e.vision == nil {
		return Content{}, &Error{Kind: media.KindImage, Transient: true, Err: errors.New("vision extractor is not configured")}
	}
	if event.Media == nil || len(event.Media.Data) == 0 {
		return Content{}, &Error{Kind: media.KindImage, Err: errors.New("image payload is empty")}
	}

	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	raw, err := e.vision.DescribeImage(callCtx, event.Media.Data, event.Media.MimeType, BuildImagePrompt(e.prompt, event.Body))
	if err != nil {
		return Content{}, &Error{Kind: media.KindImage, Transient: true, Err: err}
	}

	fields, err := ParseImageResult(raw)
	if err != nil {
		return Content{}, &Error{Kind: media.KindImage, Err: err}
	}

	return Content{Fields: fields}, nil
}

func (e *Extractor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, e.timeout)
}

type imageResult struct {
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	Type        string  `json:"type"`
	Error       bool    `json:"error"`
}

// ParseImageResult decodes the vision JSON answer. The document may be
// wrapped in a markdown code fence. Flagged errors, zero amounts and unknown
// directions are rejected.
func ParseImageResult(raw string) (*queue.Fields, error) {
	body := stripCodeFence(raw)
	if body == "" {
		return nil, errors.New("vision result is empty")
	}

	var result imageResult
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return nil, fmt.Errorf("decode vision result: %w", err)
	}
	if result.Error {
		return nil, errors.New("vision result flagged an error")
	}
	if result.Amount <= 0 {
		return nil, fmt.Errorf("vision result has invalid amount %v", result.Amount)
	}

	direction := queue.Direction(strings.ToUpper(strings.TrimSpace(result.Type)))
	if direction != queue.DirectionIn && direction != queue.DirectionOut {
		return nil, fmt.Errorf("vision result has unknown type %q", result.Type)
	}

	return &queue.Fields{
		Amount:      result.Amount,
		Description: strings.TrimSpace(result.Description),
		Direction:   direction,
	}, nil
}

func stripCodeFence(raw string) string {
	body := strings.TrimSpace(raw)
	if !strings.HasPrefix(body, "```") {
		return body
	}

	body = strings.TrimPrefix(body, "```")
	if newline := strings.IndexByte(body, '\n'); newline >= 0 {
		body = body[newline+1:]
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body)
}
