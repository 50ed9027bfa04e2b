package mutebot

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

var ErrSchedulerClosed = errors.New("scheduler closed")

// Scheduler runs actions once after a delay. There should be a single
// Scheduler per process: it's started with the bot and shut down with it,
// at which point every pending action is cancelled.
//
// Each scheduled action is backed by a runtime timer, so unrelated actions
// never wait on each other. Scheduler itself does not persist anything -
// surviving a restart is the caller's job (see [MuteService.Recover]).
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	pending map[uint64]*ScheduledAction
	nextID  uint64
	closed  bool

	// running counts actions that have been scheduled and have neither
	// been cancelled nor finished executing
	running sync.WaitGroup

	metricFired    atomic.Int64
	metricCanceled atomic.Int64
}

// ScheduledAction is the handle returned by [Scheduler.Schedule].
type ScheduledAction struct {
	id        uint64
	fireAt    time.Time
	timer     *time.Timer
	scheduler *Scheduler
	state     atomic.Int32
}

const (
	actionPending int32 = iota
	actionFired
	actionCanceled
)

func newScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		pending: map[uint64]*ScheduledAction{},
	}
}

// Start sets the parent of the context actions are called with. That
// context is cancelled when ctx is, or on Shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// Schedule arranges for action to run once, after delay. If delay is zero
// or negative, the action runs as soon as possible on its own goroutine -
// Schedule never runs the action on the caller's goroutine.
func (s *Scheduler) Schedule(
	delay time.Duration,
	action func(ctx context.Context),
) (*ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSchedulerClosed
	}
	if delay < 0 {
		delay = 0
	}

	s.nextID++
	h := &ScheduledAction{
		id:        s.nextID,
		fireAt:    time.Now().Add(delay),
		scheduler: s,
	}
	s.running.Add(1)

	h.timer = time.AfterFunc(
		delay, func() {
			if !h.state.CompareAndSwap(actionPending, actionFired) {
				return
			}
			defer s.running.Done()

			s.mu.Lock()
			delete(s.pending, h.id)
			ctx := s.ctx
			s.mu.Unlock()

			s.metricFired.Add(1)
			s.run(ctx, action)
		},
	)
	s.pending[h.id] = h
	return h, nil
}

func (s *Scheduler) run(ctx context.Context, action func(context.Context)) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(WithLogger(ctx, s.logger), rc)
		}
	}()
	action(ctx)
}

// Pending returns the number of actions which have neither fired nor
// been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Shutdown cancels every pending action and stops accepting new ones,
// then waits for actions that already started, until ctx is done.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	pending := make([]*ScheduledAction, 0, len(s.pending))
	for _, h := range s.pending {
		pending = append(pending, h)
	}
	s.mu.Unlock()

	canceled := 0
	for _, h := range pending {
		if h.Cancel() {
			canceled++
		}
	}
	s.logger.InfoContext(ctx, "cancelled pending actions", "count", canceled)

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.WarnContext(
			ctx,
			"timed out waiting on running actions",
			tint.Err(ctx.Err()),
		)
		return ctx.Err()
	}
}

// Cancel stops the action from running. It returns false if the action
// already fired or was already cancelled.
func (h *ScheduledAction) Cancel() bool {
	if h == nil {
		return false
	}
	if !h.state.CompareAndSwap(actionPending, actionCanceled) {
		return false
	}
	h.timer.Stop()

	s := h.scheduler
	s.mu.Lock()
	delete(s.pending, h.id)
	s.mu.Unlock()
	s.running.Done()
	s.metricCanceled.Add(1)
	return true
}

// FireAt is the time the action was scheduled to run.
func (h *ScheduledAction) FireAt() time.Time {
	return h.fireAt
}

// handleRecover logs a recovered panic, with a stack trace
func handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(v),
			"stack_trace", stackTrace,
		)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic_arg", rc,
			"stack_trace", stackTrace,
		)
	}
}
