package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRestartRecoversPanic(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	var calls atomic.Int32
	running := make(chan struct{})
	sup.GoRestart("loop", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		close(running)
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithPublishFirstError(true))

	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("loop was not restarted")
	}

	snap := sup.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	assert.Equal(t, "loop", snap.Goroutines[0].Name)
	assert.EqualValues(t, 1, snap.Goroutines[0].Panics)
	assert.EqualValues(t, 1, snap.Goroutines[0].Restarts)
	assert.Equal(t, "boom", snap.Goroutines[0].LastPanic)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sup.Stop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: boom")
	assert.EqualValues(t, 0, sup.Snapshot().Active)
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))

	var calls atomic.Int32
	sup.GoRestart("flaky", func(context.Context) error {
		calls.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	select {
	case <-sup.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor was not cancelled after giving up")
	}
	assert.EqualValues(t, 3, calls.Load())
	require.Error(t, sup.Err())
}

func TestGoCleanStopOnCancel(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())
	sup.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(ctx))
	assert.EqualValues(t, 1, sup.Snapshot().Started)
}
