package mutebot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t testing.TB) *Scheduler {
	t.Helper()
	s := newScheduler(testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(
		func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = s.Shutdown(sctx)
			cancel()
		},
	)
	return s
}

func TestScheduler_Fires(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	fired := make(chan struct{})
	h, err := s.Schedule(
		10*time.Millisecond,
		func(ctx context.Context) {
			close(fired)
		},
	)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(10*time.Millisecond), h.FireAt(), time.Second)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("action never fired")
	}

	assert.Eventually(
		t,
		func() bool { return s.Pending() == 0 },
		time.Second,
		5*time.Millisecond,
	)
	assert.False(t, h.Cancel(), "cancelling a fired action should return false")
	assert.Equal(t, int64(1), s.metricFired.Load())
}

func TestScheduler_NegativeDelay(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	fired := make(chan struct{})
	_, err := s.Schedule(
		-time.Hour,
		func(ctx context.Context) {
			close(fired)
		},
	)
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("overdue action never fired")
	}
}

func TestScheduler_Cancel(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	var ran atomic.Bool
	h, err := s.Schedule(
		50*time.Millisecond,
		func(ctx context.Context) {
			ran.Store(true)
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Pending())

	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel(), "second cancel should be a no-op")
	assert.Equal(t, 0, s.Pending())

	time.Sleep(100 * time.Millisecond)
	assert.False(t, ran.Load())
	assert.Equal(t, int64(1), s.metricCanceled.Load())
}

func TestScheduler_Independent(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	slowStarted := make(chan struct{})
	release := make(chan struct{})
	_, err := s.Schedule(
		0,
		func(ctx context.Context) {
			close(slowStarted)
			<-release
		},
	)
	require.NoError(t, err)
	<-slowStarted

	fastFired := make(chan struct{})
	_, err = s.Schedule(
		5*time.Millisecond,
		func(ctx context.Context) {
			close(fastFired)
		},
	)
	require.NoError(t, err)

	select {
	case <-fastFired:
	case <-time.After(5 * time.Second):
		t.Fatal("action blocked behind a running action")
	}
	close(release)
}

func TestScheduler_Shutdown(t *testing.T) {
	t.Parallel()
	s := newScheduler(testLogger(t))
	s.Start(context.Background())

	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		_, err := s.Schedule(
			time.Hour,
			func(ctx context.Context) {
				ran.Add(1)
			},
		)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, s.Pending())

	running := make(chan struct{})
	var sawCancel atomic.Bool
	_, err := s.Schedule(
		0,
		func(ctx context.Context) {
			close(running)
			<-ctx.Done()
			sawCancel.Store(true)
		},
	)
	require.NoError(t, err)
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	// the running action only returns once its context is cancelled,
	// which happens when Shutdown gives up waiting on it
	shortCtx, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	t.Cleanup(shortCancel)
	err = s.Shutdown(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, int64(0), ran.Load())

	_, err = s.Schedule(
		time.Millisecond, func(ctx context.Context) {
			ran.Add(1)
		},
	)
	require.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestScheduler_ActionContextCancelledWithParent(t *testing.T) {
	t.Parallel()
	s := newScheduler(testLogger(t))
	parent, cancelParent := context.WithCancel(context.Background())
	s.Start(parent)
	t.Cleanup(
		func() {
			_ = s.Shutdown(context.Background())
		},
	)

	gotCtx := make(chan context.Context, 1)
	_, err := s.Schedule(
		0, func(ctx context.Context) {
			gotCtx <- ctx
		},
	)
	require.NoError(t, err)

	var actionCtx context.Context
	select {
	case actionCtx = <-gotCtx:
	case <-time.After(5 * time.Second):
		t.Fatal("action never fired")
	}
	require.NoError(t, actionCtx.Err())
	cancelParent()
	assert.ErrorIs(t, actionCtx.Err(), context.Canceled)
}

func TestScheduler_RecoversPanic(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	_, err := s.Schedule(
		0, func(ctx context.Context) {
			panic("oh no")
		},
	)
	require.NoError(t, err)

	fired := make(chan struct{})
	_, err = s.Schedule(
		10*time.Millisecond, func(ctx context.Context) {
			close(fired)
		},
	)
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler stopped after a panicking action")
	}
}
