package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rtcore/internal/apps"
	"rtcore/internal/storage"
	"rtcore/internal/task/table"
	logx "rtcore/pkg/logx"
)

const baseConfig = `{
  "clock": {"tick_rate": 1000, "start_offset": 4294967000},
  "dispatcher": {"tick": "1ms", "events": true},
  "logging": {"level": "error", "console": true},
  "storage": {"driver": "file", "path": %q},
  "stimulus": {"sources": [{"name": "button", "interrupt": "PC13", "schedule": %q}]},
  "apps": {"edgecounter": {"enabled": true}, "blinky": {"enabled": true}}
}`

func writeConfig(t *testing.T, path, tracePrefix, schedule string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(baseConfig, tracePrefix, schedule)), 0o644))
}

func dispatched(a *App, task string) uint64 {
	for _, st := range a.Snapshot().Core.Tasks {
		if st.Name == task {
			return st.Dispatched
		}
	}
	return 0
}

func TestApp_RunsStimulusThroughCoreAndRecordsTrace(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	tracePrefix := filepath.Join(dir, "trace")
	writeConfig(t, cfgPath, tracePrefix, "20ms")

	a, err := New(cfgPath)
	require.NoError(t, err)
	require.Equal(t, []string{"blinky", "edgecounter"}, a.Host().Apps())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool { return dispatched(a, "edgecounter.on_exti") >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.Positive(t, dispatched(a, "blinky.blink"))
	session := a.Snapshot().Trace
	require.NotEmpty(t, session)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))
	require.NoError(t, a.Err())

	st, err := storage.Open(storage.Config{Driver: "file", Path: tracePrefix}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	recs, err := st.ListTrace(context.Background(), session, 0)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	found := false
	for _, r := range recs {
		if r.Task == "edgecounter.on_exti" {
			found = true
		}
	}
	require.True(t, found)
}

func TestApp_HotReloadsStimulus(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	tracePrefix := filepath.Join(dir, "trace")
	writeConfig(t, cfgPath, tracePrefix, "1h")

	a, err := New(cfgPath)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer a.Stop(context.Background(), StopUnknown)

	// Give the watcher time to arm before rewriting the file.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, cfgPath, tracePrefix, "10ms")

	require.Eventually(t, func() bool { return dispatched(a, "edgecounter.on_exti") > 0 }, 10*time.Second, 20*time.Millisecond)
	snap := a.Snapshot()
	require.Len(t, snap.Stimulus, 1)
	require.Equal(t, "every 10ms", snap.Stimulus[0].Schedule)
}

func TestNew_RejectsBadTaskTable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"logging": {"level": "error"}}`), 0o644))
	_, err := New(empty)
	require.ErrorIs(t, err, table.ErrEmpty)

	ghost := filepath.Join(dir, "ghost.json")
	require.NoError(t, os.WriteFile(ghost, []byte(`{"apps": {"ghost": {"enabled": true}, "blinky": {"enabled": true}}}`), 0o644))
	_, err = New(ghost)
	require.ErrorIs(t, err, apps.ErrUnknownApp)
}

func TestMapStimulusConfig_SkipsDisabled(t *testing.T) {
	t.Parallel()
	a, err := New(writeTemp(t, `{"logging": {"level": "error"}, "apps": {"blinky": {"enabled": true}}, "stimulus": {"sources": [
		{"name": "a", "interrupt": "X", "schedule": "1s"},
		{"name": "b", "interrupt": "Y", "schedule": "1s", "enabled": false}
	]}}`))
	require.NoError(t, err)
	require.Len(t, mapStimulusConfig(a.cfgm.Get()).Sources, 1)
}

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}
