package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"timelessbot/pkg/auth"
	"timelessbot/pkg/bus"
	"timelessbot/pkg/channel"
	"timelessbot/pkg/config"
	"timelessbot/pkg/inbound"
	"timelessbot/pkg/result"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790
	eventBufferSize   = 256
)

// Deps are the running parts of a gateway. NewService builds them from
// config; tests assemble them directly.
type Deps struct {
	Adapters    []channel.Adapter
	Pipeline    *inbound.Pipeline
	Consumer    *result.Consumer
	Filter      *auth.Filter
	RefreshSpec string
	Events      *bus.EventBus
	// Closers release queues and stores after Run returns, in reverse order.
	Closers []func() error
}

type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	deps     Deps
	counters *bus.Counters
	laneIdle time.Duration

	mu            sync.RWMutex
	startedAt     time.Time
	lanes         *laneManager
	channelStates map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type allowListStatus struct {
	Senders  int    `json:"senders"`
	LoadedAt string `json:"loaded_at,omitempty"`
}

type statusResponse struct {
	Status         string                  `json:"status"`
	UptimeSeconds  int64                   `json:"uptime_seconds"`
	Channels       map[string]channelState `json:"channels"`
	ResultConsumer bool                    `json:"result_consumer_running"`
	ActiveLanes    int                     `json:"active_lanes"`
	AllowList      *allowListStatus        `json:"allow_list,omitempty"`
	Events         map[string]int64        `json:"events"`
	LastEventAt    string                  `json:"last_event_at,omitempty"`
}

// NewService builds every gateway component from cfg around the given
// transports.
func NewService(ctx context.Context, cfg *config.Config, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	deps, err := build(ctx, cfg, adapters, log)
	if err != nil {
		return nil, err
	}

	svc, err := New(cfg, deps, log)
	if err != nil {
		_ = closeAll(deps.Closers)
		return nil, err
	}
	return svc, nil
}

func New(cfg *config.Config, deps Deps, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(deps.Adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if deps.Pipeline == nil || deps.Consumer == nil {
		return nil, errors.New("pipeline and result consumer are required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(deps.Adapters))
	for _, adapter := range deps.Adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		deps:          deps,
		counters:      bus.NewCounters(),
		laneIdle:      defaultLaneIdle,
		channelStates: channelStates,
	}, nil
}

// Run starts the transports, the result consumer, the allow-list refresher
// and the status server, and blocks until ctx ends or one of them fails.
// Queued inbound work is drained before Run returns.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lanes := newLaneManager(ctx, s.laneIdle, s.log)
	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.lanes = lanes
	s.mu.Unlock()

	if s.deps.Events != nil {
		events, unsubscribe := s.deps.Events.Subscribe(ctx, eventBufferSize)
		defer unsubscribe()
		go s.counters.Run(ctx, events)
	}

	if s.deps.Filter != nil {
		spec := s.deps.RefreshSpec
		if spec == "" {
			spec = "@every 5m"
		}
		if err := s.deps.Filter.Start(ctx, spec); err != nil {
			return err
		}
	}

	serverErrors := make(chan error, 1)
	go s.runHealthServer(ctx, serverErrors)

	var consumerWG sync.WaitGroup
	consumerErr := make(chan error, 1)
	consumerWG.Add(1)
	go func() {
		defer consumerWG.Done()
		if err := s.deps.Consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			consumerErr <- fmt.Errorf("run result consumer: %w", err)
		}
	}()

	errCh := make(chan error, len(s.deps.Adapters))
	for _, adapter := range s.deps.Adapters {
		adapter := adapter
		s.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(ctx, s.inboundHandler(lanes, adapter))
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-consumerErr:
	case runErr = <-errCh:
	}

	cancel()
	lanes.Close()
	consumerWG.Wait()

	if err := closeAll(s.deps.Closers); err != nil {
		s.log.Warn("Failed to release gateway resources", "error", err)
	}

	return runErr
}

// inboundHandler queues each event on its session lane so events of one
// conversation are processed in arrival order.
func (s *Service) inboundHandler(lanes *laneManager, adapter channel.Adapter) channel.Handler {
	return func(_ context.Context, event channel.InboundEvent) error {
		key := event.Channel + ":" + event.SessionID
		return lanes.Submit(key, func(ctx context.Context) {
			if err := s.deps.Pipeline.Handle(ctx, adapter, event); err != nil {
				level := slog.LevelError
				if inbound.IsSenderFault(err) {
					level = slog.LevelWarn
				}
				s.log.Log(ctx, level, "Inbound event failed",
					"channel", event.Channel,
					"session_key", key,
					"event_id", event.EventID,
					"error", err,
				)
			}
		})
	}
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	counts, last := s.counters.Snapshot()
	events := make(map[string]int64, len(counts))
	for eventType, count := range counts {
		events[string(eventType)] = count
	}

	response := statusResponse{
		Status:         status,
		UptimeSeconds:  uptime,
		Channels:       channels,
		ResultConsumer: s.deps.Consumer != nil && s.deps.Consumer.Running(),
		Events:         events,
	}
	if !last.IsZero() {
		response.LastEventAt = last.Format(time.RFC3339)
	}
	if s.lanes != nil {
		response.ActiveLanes = s.lanes.Active()
	}
	if s.deps.Filter != nil {
		if snapshot := s.deps.Filter.Current(); snapshot != nil {
			response.AllowList = &allowListStatus{
				Senders:  len(snapshot.Senders()),
				LoadedAt: snapshot.LoadedAt.Format(time.RFC3339),
			}
		}
	}

	return response
}

// isReady reports whether at least one transport and the result consumer
// are running.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.deps.Consumer == nil || !s.deps.Consumer.Running() {
		return false
	}

	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}

	return false
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
