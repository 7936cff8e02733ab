// Package auth decides whether an inbound sender may use the bot.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"timelessbot/pkg/channel"
)

// Store is the external source of permitted sender identifiers.
type Store interface {
	GetAll(ctx context.Context) ([]string, error)
}

// Snapshot is one immutable view of the allow list.
type Snapshot struct {
	senders  map[string]struct{}
	LoadedAt time.Time
}

func newSnapshot(senders []string, loadedAt time.Time) *Snapshot {
	set := make(map[string]struct{}, len(senders))
	for _, sender := range senders {
		normalized := channel.NormalizeSender(sender)
		if normalized == "" {
			continue
		}
		set[normalized] = struct{}{}
	}

	return &Snapshot{senders: set, LoadedAt: loadedAt}
}

// Contains reports whether the normalized sender is in the snapshot.
func (s *Snapshot) Contains(senderID string) bool {
	_, ok := s.senders[channel.NormalizeSender(senderID)]
	return ok
}

// Senders returns the snapshot members sorted.
func (s *Snapshot) Senders() []string {
	out := make([]string, 0, len(s.senders))
	for sender := range s.senders {
		out = append(out, sender)
	}
	slices.Sort(out)
	return out
}

// Filter answers allow-list lookups from an in-memory snapshot that is
// replaced atomically on refresh. Readers never take a lock.
type Filter struct {
	store    Store
	log      *slog.Logger
	snapshot atomic.Pointer[Snapshot]
}

func NewFilter(store Store, log *slog.Logger) *Filter {
	if log == nil {
		log = slog.Default()
	}

	return &Filter{store: store, log: log.With("component", "auth.filter")}
}

// IsAllowed reports whether senderID may use the bot. The first lookup loads
// the snapshot on demand; any lookup that cannot be verified denies.
func (f *Filter) IsAllowed(ctx context.Context, senderID string) bool {
	snapshot := f.snapshot.Load()
	if snapshot == nil {
		if err := f.Refresh(ctx); err != nil {
			f.log.Warn("Allow list unavailable, denying sender", "sender_id", senderID, "error", err)
			return false
		}
		snapshot = f.snapshot.Load()
	}

	return snapshot.Contains(senderID)
}

// Refresh pulls the allow list from the store and swaps the snapshot. On
// error the previous snapshot stays in place.
func (f *Filter) Refresh(ctx context.Context) error {
	if f.store == nil {
		return errors.New("allow list store is not configured")
	}

	senders, err := f.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load allow list: %w", err)
	}

	next := newSnapshot(senders, time.Now().UTC())
	f.snapshot.Store(next)
	f.log.Debug("Allow list refreshed", "senders", len(next.senders))
	return nil
}

// Current returns the active snapshot, or nil before the first load.
func (f *Filter) Current() *Snapshot {
	return f.snapshot.Load()
}

// Start loads the snapshot once, then refreshes it on the cron spec until
// ctx ends. A failed initial load is logged; lookups keep denying until a
// refresh succeeds.
func (f *Filter) Start(ctx context.Context, spec string) error {
	if err := f.Refresh(ctx); err != nil {
		f.log.Error("Initial allow list load failed", "error", err)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(spec, func() {
		if err := f.Refresh(ctx); err != nil {
			f.log.Error("Allow list refresh failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule allow list refresh %q: %w", spec, err)
	}

	scheduler.Start()
	go func() {
		<-ctx.Done()
		<-scheduler.Stop().Done()
	}()

	return nil
}
