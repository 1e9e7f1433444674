package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/require"

	logx "rtcore/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) send(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestNotifier_States(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	n := NewNotifier(logx.Nop())
	n.send = r.send

	n.Ready()
	n.Status("3 tasks")
	n.Stopping()
	require.Equal(t, []string{daemon.SdNotifyReady, "STATUS=3 tasks", daemon.SdNotifyStopping}, r.states)
}

func TestNotifier_WatchdogSkipsWhenNotAlive(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	n := NewNotifier(logx.Nop())
	n.send = r.send

	var mu sync.Mutex
	alive := false
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.watchdog(ctx, time.Millisecond, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return alive
		})
	}()

	time.Sleep(10 * time.Millisecond)
	require.Zero(t, r.count(daemon.SdNotifyWatchdog))
	mu.Lock()
	alive = true
	mu.Unlock()
	require.Eventually(t, func() bool { return r.count(daemon.SdNotifyWatchdog) > 0 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNotifier_SendErrorIsLoggedOnly(t *testing.T) {
	t.Parallel()
	n := NewNotifier(logx.Nop())
	n.send = func(bool, string) (bool, error) { return false, errors.New("socket gone") }
	require.NotPanics(t, n.Ready)
}
