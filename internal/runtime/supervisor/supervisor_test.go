package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGo_CanceledIsClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("core", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	require.Equal(t, "core", snap.Goroutines[0].Name)
	require.Zero(t, snap.Goroutines[0].Active)
	require.Empty(t, snap.FirstError)
}

func TestGo_PanicCancelsOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go0("bad", func(context.Context) { panic("boom") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor not cancelled")
	}
	require.Error(t, s.Wait(context.Background()))
	require.ErrorContains(t, s.Err(), "bad: panic: boom")
	require.Equal(t, uint64(1), s.Snapshot().Goroutines[0].Panics)
}

func TestGoRestart_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("watch", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	require.NoError(t, s.Wait(context.Background()))
	require.Equal(t, int32(3), runs.Load())
	require.Equal(t, uint64(2), s.Snapshot().Goroutines[0].Restarts)
}

func TestGoRestart_GivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.GoRestart("watch", func(context.Context) error { return errors.New("down") },
		WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	err := s.Wait(context.Background())
	require.ErrorContains(t, err, "watch: down")
	require.Equal(t, uint64(3), s.Snapshot().Goroutines[0].Started)
}
