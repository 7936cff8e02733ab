package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const defaultLaneIdle = time.Minute

var errLanesClosed = errors.New("session lanes closed")

type laneTask func(context.Context)

// laneManager serializes work per session key. Each active session owns one
// worker goroutine that runs its tasks in submission order; different
// sessions run in parallel. A worker exits once its lane stayed empty for
// the idle timeout.
type laneManager struct {
	ctx  context.Context
	idle time.Duration
	log  *slog.Logger

	mu     sync.Mutex
	lanes  map[string]*sessionLane
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// sessionLane is the pending work of one session key. pending is guarded by
// laneManager.mu.
type sessionLane struct {
	pending []laneTask
	wake    chan struct{}
}

// newLaneManager builds a lane manager. Tasks run on a context detached from
// ctx's cancellation so queued work still completes during shutdown.
func newLaneManager(ctx context.Context, idle time.Duration, log *slog.Logger) *laneManager {
	if ctx == nil {
		ctx = context.Background()
	}
	if idle <= 0 {
		idle = defaultLaneIdle
	}
	if log == nil {
		log = slog.Default()
	}

	return &laneManager{
		ctx:   context.WithoutCancel(ctx),
		idle:  idle,
		log:   log.With("component", "gateway.lanes"),
		lanes: make(map[string]*sessionLane),
		done:  make(chan struct{}),
	}
}

// Submit appends task to the lane for key, starting a worker when the lane
// has none. It never blocks on the task itself.
func (m *laneManager) Submit(key string, task laneTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errLanesClosed
	}

	lane, ok := m.lanes[key]
	if !ok {
		lane = &sessionLane{wake: make(chan struct{}, 1)}
		m.lanes[key] = lane
		m.wg.Add(1)
		go m.work(key, lane)
	}

	lane.pending = append(lane.pending, task)
	select {
	case lane.wake <- struct{}{}:
	default:
	}

	return nil
}

// Active reports how many lanes currently have a worker.
func (m *laneManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}

// Close rejects new tasks, lets every worker drain its lane and waits for
// them to exit.
func (m *laneManager) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *laneManager) work(key string, lane *sessionLane) {
	defer m.wg.Done()

	timer := time.NewTimer(m.idle)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if len(lane.pending) > 0 {
			task := lane.pending[0]
			lane.pending[0] = nil
			lane.pending = lane.pending[1:]
			m.mu.Unlock()

			m.run(key, task)
			continue
		}
		if m.closed {
			delete(m.lanes, key)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		timer.Reset(m.idle)
		select {
		case <-lane.wake:
		case <-m.done:
		case <-timer.C:
			m.mu.Lock()
			if len(lane.pending) == 0 {
				delete(m.lanes, key)
				m.mu.Unlock()
				m.log.Debug("Reaped idle lane", "session_key", key)
				return
			}
			m.mu.Unlock()
		}
	}
}

func (m *laneManager) run(key string, task laneTask) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Lane task panicked", "session_key", key, "panic", r)
		}
	}()

	task(m.ctx)
}
