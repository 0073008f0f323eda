package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockorgan-notifier/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type countingRunner struct {
	calls     atomic.Int32
	finished  atomic.Int32
	cancelled atomic.Bool
	err       error
	block     chan struct{}
}

func (r *countingRunner) RunGlobal(ctx context.Context) (*notify.Summary, error) {
	r.calls.Add(1)
	defer r.finished.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			r.cancelled.Store(true)
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &notify.Summary{RunID: "run"}, nil
}

func TestNewDisabled(t *testing.T) {
	_, err := New("", &countingRunner{}, testLogger())
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestNewInvalidSpec(t *testing.T) {
	_, err := New("every tuesday", &countingRunner{}, testLogger())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDisabled)
}

func TestSchedulerFires(t *testing.T) {
	runner := &countingRunner{}
	s, err := New("@every 1s", runner, testLogger())
	require.NoError(t, err)

	s.Start()
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool { return runner.calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
}

func TestRunSurvivesFailure(t *testing.T) {
	runner := &countingRunner{err: errors.New("store down")}
	s, err := New("@hourly", runner, testLogger())
	require.NoError(t, err)

	s.run()
	s.run()
	assert.Equal(t, int32(2), runner.calls.Load())
}

func TestStopWaitsWithoutCancellingRunningPass(t *testing.T) {
	runner := &countingRunner{block: make(chan struct{})}
	s, err := New("@every 1s", runner, testLogger())
	require.NoError(t, err)

	s.Start()
	require.Eventually(t, func() bool { return runner.calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Stop(ctx)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded, "stop waits for the running pass")
	assert.False(t, runner.cancelled.Load(), "running pass must not be cancelled")
	assert.Zero(t, runner.finished.Load())

	close(runner.block)
	require.Eventually(t, func() bool { return runner.finished.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, runner.cancelled.Load())
}

func TestStopReturnsOnceIdle(t *testing.T) {
	runner := &countingRunner{}
	s, err := New("@every 1s", runner, testLogger())
	require.NoError(t, err)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.NoError(t, ctx.Err(), "stop should not need the full timeout")
}
