package worker_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arena-project/arena/internal/worker"
)

func TestWorker_RunInterruptJoin(t *testing.T) {
	w := worker.New("loop", zerolog.Nop())
	var iterations atomic.Int64

	require.NoError(t, w.Run(func(w *worker.Worker) {
		for !w.IsInterrupted() {
			iterations.Add(1)
			time.Sleep(time.Millisecond)
		}
	}))

	assert.Eventually(t, func() bool { return iterations.Load() > 0 }, time.Second, time.Millisecond)
	assert.True(t, w.IsRunning())
	assert.ErrorIs(t, w.Run(func(*worker.Worker) {}), worker.ErrAlreadyRunning)

	require.NoError(t, w.Join(time.Second))
	assert.False(t, w.IsRunning())
	assert.True(t, w.IsInterrupted())
	assert.NoError(t, w.Err())
}

func TestWorker_RunAgainAfterExit(t *testing.T) {
	w := worker.New("once", zerolog.Nop())
	var runs atomic.Int64

	body := func(*worker.Worker) { runs.Add(1) }

	require.NoError(t, w.Run(body))
	require.NoError(t, w.Join(time.Second))
	require.NoError(t, w.Run(body))
	require.NoError(t, w.Join(time.Second))

	assert.Equal(t, int64(2), runs.Load())
	assert.False(t, w.IsRunning())
}

func TestWorker_IsRunningDetectsSelfExit(t *testing.T) {
	w := worker.New("short", zerolog.Nop())
	require.NoError(t, w.Run(func(*worker.Worker) {}))

	assert.Eventually(t, func() bool { return !w.IsRunning() }, time.Second, time.Millisecond)
	assert.False(t, w.IsInterrupted(), "nobody interrupted it")
}

func TestWorker_PanicIsRecovered(t *testing.T) {
	w := worker.New("crash", zerolog.Nop())
	require.NoError(t, w.Run(func(*worker.Worker) { panic("boom") }))

	<-w.Done()
	assert.False(t, w.IsRunning())
	assert.ErrorIs(t, w.Err(), worker.ErrPanicked)
	assert.Contains(t, w.Err().Error(), "boom")
}

func TestWorker_JoinTimeoutThenAbandon(t *testing.T) {
	w := worker.New("stuck", zerolog.Nop())
	release := make(chan struct{})

	require.NoError(t, w.Run(func(*worker.Worker) {
		<-release // ignores interruption, like a blocked socket call
	}))

	err := w.Join(20 * time.Millisecond)
	assert.ErrorIs(t, err, worker.ErrJoinTimeout)
	assert.True(t, w.IsRunning(), "timeout must not detach the worker")

	w.Abandon()
	assert.True(t, w.Abandoned())
	assert.False(t, w.IsRunning())

	// The handle is reusable after abandoning.
	require.NoError(t, w.Run(func(*worker.Worker) {}))
	require.NoError(t, w.Join(time.Second))
	close(release)
}

func TestWorker_JoinNeverStarted(t *testing.T) {
	w := worker.New("idle", zerolog.Nop())
	assert.NoError(t, w.Join(time.Millisecond))
	assert.False(t, w.IsRunning())
	assert.True(t, w.IsInterrupted())
	assert.Nil(t, w.Done())
}

func TestWorker_SleepInterrupted(t *testing.T) {
	w := worker.New("sleeper", zerolog.Nop())
	result := make(chan bool, 1)

	require.NoError(t, w.Run(func(w *worker.Worker) {
		result <- w.Sleep(time.Minute)
	}))

	w.Interrupt()
	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("sleep was not interrupted")
	}
	require.NoError(t, w.Join(time.Second))
}
