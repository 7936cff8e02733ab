package media

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	classifier := NewClassifier(nil)

	tests := []struct {
		name     string
		mime     string
		want     Kind
		wantFail bool
	}{
		{name: "no media", mime: "", want: KindText},
		{name: "opus voice note", mime: "audio/ogg; codecs=opus", want: KindAudio},
		{name: "opus without space", mime: "audio/ogg;codecs=opus", want: KindAudio},
		{name: "bare ogg", mime: "audio/ogg", want: KindAudio},
		{name: "jpeg uppercase", mime: "IMAGE/JPEG", want: KindImage},
		{name: "png rejected", mime: "image/png", want: KindUnsupported, wantFail: true},
		{name: "video rejected", mime: "video/mp4", want: KindUnsupported, wantFail: true},
		{name: "garbage rejected", mime: "not a mime", want: KindUnsupported, wantFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := classifier.Classify(tt.mime)
			if tt.wantFail {
				if !errors.Is(err, ErrUnsupported) {
					t.Fatalf("Classify(%q) error = %v, want ErrUnsupported", tt.mime, err)
				}
			} else if err != nil {
				t.Fatalf("Classify(%q) unexpected error: %v", tt.mime, err)
			}
			if got != tt.want {
				t.Fatalf("Classify(%q) = %q, want %q", tt.mime, got, tt.want)
			}
		})
	}
}

func TestClassifierIsTableDriven(t *testing.T) {
	classifier := NewClassifier(map[string]Format{
		"image/png": {Kind: KindImage, FileName: "image.png"},
	})

	got, err := classifier.Lookup("image/png")
	if err != nil {
		t.Fatalf("Lookup unexpected error: %v", err)
	}
	if got.Kind != KindImage || got.FileName != "image.png" {
		t.Fatalf("Lookup = %+v, want png image format", got)
	}

	if _, err := classifier.Classify("image/jpeg"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected jpeg to be unsupported by custom table, got %v", err)
	}
}
