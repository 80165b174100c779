// Package worker runs long-lived loops on their own goroutine with
// cooperative interruption. A worker body is expected to poll IsInterrupted
// (or select on Context().Done()) at each iteration; blocking socket calls
// are unblocked by shutting the socket down, never by killing the goroutine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JoinTimeout is the default wait used by callers tearing down a worker.
const JoinTimeout = 10 * time.Second

var (
	// ErrAlreadyRunning is returned by Run while a previous run is active.
	ErrAlreadyRunning = errors.New("worker is already running")

	// ErrJoinTimeout is returned when the body did not return in time. The
	// worker is still running and may be joined again or abandoned.
	ErrJoinTimeout = errors.New("timed out waiting for worker")

	// ErrPanicked wraps a panic recovered from the worker body.
	ErrPanicked = errors.New("worker panicked")
)

// Func is a worker body.
type Func func(w *Worker)

// Worker owns at most one running goroutine at a time.
type Worker struct {
	name   string
	logger zerolog.Logger

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	abandoned bool
	err       error
}

// New creates an idle worker. The name shows up in every log line.
func New(name string, logger zerolog.Logger) *Worker {
	return &Worker{
		name:   name,
		logger: logger.With().Str("worker", name).Logger(),
	}
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

// Run starts fn on a new goroutine. A worker that finished may be run again.
func (w *Worker) Run(fn Func) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done != nil {
		select {
		case <-w.done:
		default:
			return ErrAlreadyRunning
		}
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.done = make(chan struct{})
	w.abandoned = false
	w.err = nil

	go w.run(fn, w.done)
	w.logger.Debug().Msg("worker started")
	return nil
}

func (w *Worker) run(fn Func, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrPanicked, r)
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			w.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("worker crashed")
		}
	}()

	fn(w)
}

// Interrupt asks the body to stop. It does not preempt blocking calls.
func (w *Worker) Interrupt() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// IsInterrupted reports whether Interrupt has been called for this run.
func (w *Worker) IsInterrupted() bool {
	return w.Context().Err() != nil
}

// Context is cancelled when the worker is interrupted. Before the first Run
// it returns an already-cancelled context.
func (w *Worker) Context() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return w.ctx
}

// Join interrupts the worker and waits up to timeout for the body to return.
// A timeout leaves the goroutine running; call Join again or Abandon.
func (w *Worker) Join(timeout time.Duration) error {
	w.mu.Lock()
	done, cancel := w.done, w.cancel
	w.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		w.logger.Debug().Msg("worker joined")
		return nil
	case <-timer.C:
		w.logger.Warn().Dur("timeout", timeout).Msg("worker did not stop in time")
		return fmt.Errorf("join %s after %s: %w", w.name, timeout, ErrJoinTimeout)
	}
}

// Abandon gives up on a worker that failed to join. The goroutine keeps its
// interrupt flag set and exits whenever its blocking call returns; the
// Worker handle may be reused for a new Run right away.
func (w *Worker) Abandon() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done == nil {
		return
	}
	if w.cancel != nil {
		w.cancel()
	}
	select {
	case <-w.done:
	default:
		w.logger.Warn().Msg("abandoning running worker")
		w.abandoned = true
	}
	w.done = nil
}

// IsRunning reports whether the body is still executing. It looks at the
// goroutine's actual exit, so a body that returned on its own or crashed
// reports false even if nobody interrupted it.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the current run ends, or nil when the
// worker was never started.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Err returns the recovered panic of the last run, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Abandoned reports whether the last run was abandoned.
func (w *Worker) Abandoned() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abandoned
}

// Sleep waits for d or until the worker is interrupted, whichever comes
// first. It returns false when interrupted.
func (w *Worker) Sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-w.Context().Done():
		return false
	}
}
