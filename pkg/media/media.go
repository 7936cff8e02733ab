// Package media classifies inbound payloads into the content kinds the
// pipeline knows how to extract.
package media

import (
	"errors"
	"fmt"
	"mime"
	"strings"
)

// Kind is the canonical content kind of an inbound event.
type Kind string

const (
	KindText        Kind = "TEXT"
	KindAudio       Kind = "AUDIO"
	KindImage       Kind = "IMAGE"
	KindUnsupported Kind = "UNSUPPORTED"
)

// ErrUnsupported marks a declared mime type outside the supported table.
var ErrUnsupported = errors.New("unsupported media type")

// Format describes one supported mime type.
type Format struct {
	Kind     Kind
	FileName string
}

// Classifier maps declared mime types to content kinds.
type Classifier struct {
	formats map[string]Format
}

// DefaultFormats is the supported media table. Exact declared values are
// matched first, then the bare media type.
func DefaultFormats() map[string]Format {
	return map[string]Format{
		"audio/ogg; codecs=opus": {Kind: KindAudio, FileName: "audio.ogg"},
		"audio/ogg":              {Kind: KindAudio, FileName: "audio.ogg"},
		"image/jpeg":             {Kind: KindImage, FileName: "image.jpg"},
	}
}

// NewClassifier builds a classifier over formats, or DefaultFormats when nil.
func NewClassifier(formats map[string]Format) *Classifier {
	if formats == nil {
		formats = DefaultFormats()
	}

	normalized := make(map[string]Format, len(formats))
	for declared, format := range formats {
		normalized[normalizeDeclared(declared)] = format
	}

	return &Classifier{formats: normalized}
}

// Classify resolves the kind for a declared mime type. An empty mime means the
// event carries no media and is plain text.
func (c *Classifier) Classify(declaredMime string) (Kind, error) {
	format, err := c.Lookup(declaredMime)
	if err != nil {
		return KindUnsupported, err
	}

	return format.Kind, nil
}

// Lookup returns the full table entry for a declared mime type.
func (c *Classifier) Lookup(declaredMime string) (Format, error) {
	declared := normalizeDeclared(declaredMime)
	if declared == "" {
		return Format{Kind: KindText}, nil
	}

	if format, ok := c.formats[declared]; ok {
		return format, nil
	}

	mediaType, _, err := mime.ParseMediaType(declared)
	if err == nil {
		if format, ok := c.formats[mediaType]; ok {
			return format, nil
		}
	}

	return Format{}, fmt.Errorf("%w: %q", ErrUnsupported, strings.TrimSpace(declaredMime))
}

// normalizeDeclared lowercases a mime value and collapses parameter spacing so
// "audio/ogg;codecs=opus" and "audio/ogg; codecs=opus" match the same entry.
func normalizeDeclared(value string) string {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(value)), ";")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}

	return strings.Join(parts, "; ")
}
