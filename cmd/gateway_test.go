package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"timelessbot/pkg/auth"
	channelpkg "timelessbot/pkg/channel"
	"timelessbot/pkg/config"
)

type testAdapter struct{ name string }

func (a testAdapter) Name() string { return a.name }

func (a testAdapter) Run(context.Context, channelpkg.Handler) error { return nil }

func (a testAdapter) Send(context.Context, channelpkg.Conversation, string) error { return nil }

func (a testAdapter) React(context.Context, channelpkg.MessageRef, string) error { return nil }

func (a testAdapter) ListActiveConversations(context.Context) ([]channelpkg.Conversation, error) {
	return nil, nil
}

type failingStore struct{}

func (failingStore) GetAll(context.Context) ([]string, error) {
	return nil, errors.New("store down")
}

func TestEnabledAdaptersRequiresAtLeastOneChannel(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	if _, err := enabledAdapters(cfg, nil); err == nil {
		t.Fatal("expected error when no channels are enabled")
	}
}

func TestEnabledAdaptersBuildsEachChannel(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Channels: config.ChannelsConfig{
		Telegram: config.TelegramConfig{Enabled: true, Token: "123:abc"},
		WhatsApp: config.WhatsAppConfig{Enabled: true, BridgeURL: "ws://127.0.0.1:3001"},
	}}

	adapters, err := enabledAdapters(cfg, nil)
	if err != nil {
		t.Fatalf("enabledAdapters() error = %v", err)
	}
	if got := enabledChannelNames(adapters); got != "telegram,whatsapp" {
		t.Fatalf("enabledChannelNames = %q, want telegram,whatsapp", got)
	}
}

func TestEnabledAdaptersReportsChannelErrors(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Channels: config.ChannelsConfig{
		WhatsApp: config.WhatsAppConfig{Enabled: true},
	}}

	_, err := enabledAdapters(cfg, nil)
	if err == nil || !strings.Contains(err.Error(), "whatsapp") {
		t.Fatalf("enabledAdapters() error = %v, want whatsapp error", err)
	}
}

func TestEnabledChannelNames(t *testing.T) {
	t.Parallel()

	adapters := []channelpkg.Adapter{testAdapter{name: "telegram"}, testAdapter{name: "whatsapp"}}
	if got := enabledChannelNames(adapters); got != "telegram,whatsapp" {
		t.Fatalf("enabledChannelNames = %q, want %q", got, "telegram,whatsapp")
	}
}

func TestPrintAllowList(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := printAllowList(context.Background(), &out, "static", auth.StaticStore{"+5511999990000", "5511888880000@s.whatsapp.net"})
	if err != nil {
		t.Fatalf("printAllowList() error = %v", err)
	}

	got := out.String()
	for _, want := range []string{"source: static", "senders: 2", "  5511888880000\n", "  5511999990000\n"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output %q missing %q", got, want)
		}
	}
}

func TestPrintAllowListStoreError(t *testing.T) {
	t.Parallel()

	if err := printAllowList(context.Background(), &bytes.Buffer{}, "file", failingStore{}); err == nil {
		t.Fatal("expected store error")
	}
}
