package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
clock:
  tick_rate: 1000
  start_offset: 4294967000
dispatcher:
  tick: 2ms
logging:
  level: debug
  console: true
stimulus:
  sources:
    - name: button
      interrupt: EXTI15_10
      schedule: "@every 2s"
apps:
  fun:
    enabled: true
    tasks:
      blink:
        priority: 3
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("rtcore.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, uint32(4294967000), cfg.Clock.StartOffset)
	require.Equal(t, "EXTI15_10", cfg.Stimulus.Sources[0].Interrupt)
	require.True(t, cfg.Stimulus.Sources[0].On())
	require.Equal(t, 3, cfg.Apps["fun"].Tasks["blink"].Priority)

	d, err := cfg.ResolveDispatch()
	require.NoError(t, err)
	require.Equal(t, 2*time.Millisecond, d.Tick)
	require.Equal(t, DefaultWarnEvery, d.WarnEvery)
	require.Equal(t, uint32(1000), d.TickRate)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("rtcore.json", []byte(`{"clock":{"tick_rate":10},"bogus":1}`))
	require.Error(t, err)

	_, err = Decode("rtcore.json", []byte(`{"apps":{"fun":{"enabled":true,"prio":2}}}`))
	require.Error(t, err)

	_, err = Decode("rtcore.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestDecodeYAMLReportsLine(t *testing.T) {
	t.Parallel()
	_, err := Decode("rtcore.yml", []byte("clock:\n  tick_rate: 1000\n  tick_rat: 5\n"))
	require.ErrorContains(t, err, "line 3")
	require.ErrorContains(t, err, `unknown field "tick_rat"`)

	_, err = Decode("rtcore.yaml", []byte("logging:\n  level: info\nclock:\n  tick_rate: fast\n"))
	require.ErrorContains(t, err, "line 4")

	_, err = Decode("rtcore.yaml", []byte("clock: [1,\n"))
	require.ErrorContains(t, err, "yaml config")
}

func TestDecodeYAMLMergeKeys(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("rtcore.yaml", []byte(`
apps:
  fun: &app
    enabled: true
  blinky:
    <<: *app
    tasks:
      blink:
        priority: 2
`))
	require.NoError(t, err)
	require.True(t, cfg.Apps["fun"].Enabled)
	require.True(t, cfg.Apps["blinky"].Enabled)
	require.Equal(t, 2, cfg.Apps["blinky"].Tasks["blink"].Priority)
}

func TestResolveDispatchDefaults(t *testing.T) {
	t.Parallel()
	d, err := (&Config{}).ResolveDispatch()
	require.NoError(t, err)
	require.Equal(t, DefaultTickRate, d.TickRate)
	require.Equal(t, DefaultTick, d.Tick)

	d, err = (&Config{Dispatcher: DispatcherConfig{Tick: "0s"}}).ResolveDispatch()
	require.NoError(t, err)
	require.Zero(t, d.Tick)

	_, err = (&Config{Dispatcher: DispatcherConfig{Tick: "soon"}}).ResolveDispatch()
	require.ErrorContains(t, err, "dispatcher.tick")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Storage: &StorageConfig{Driver: "postgres"},
		Stimulus: StimulusConfig{Sources: []StimulusSource{
			{Name: "a", Interrupt: "EXTI0", Schedule: "1s"},
			{Name: "a", Schedule: ""},
		}},
		Apps: map[string]AppConfig{"fun": {Tasks: map[string]TaskOverride{"blink": {Priority: 300}}}},
	}
	err := cfg.Validate()
	require.ErrorContains(t, err, "storage.driver")
	require.ErrorContains(t, err, "interrupt is required")
	require.ErrorContains(t, err, "schedule is required")
	require.ErrorContains(t, err, `duplicate name "a"`)
	require.ErrorContains(t, err, "apps.fun.tasks.blink.priority")
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Clock:    ClockConfig{TickRate: 10},
		Stimulus: StimulusConfig{Sources: []StimulusSource{{Interrupt: "EXTI0", Schedule: "1s"}}},
		Apps:     map[string]AppConfig{"blinky": {Enabled: true}},
	}
	ch := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"logging", "stimulus", "clock", "apps"}, ch.Sections)
	require.Equal(t, []string{"logging", "stimulus"}, ch.Live)
	require.Equal(t, []string{"clock", "apps"}, ch.Restart)
	require.True(t, ch.Has("clock"))
	require.False(t, ch.Has("storage"))

	require.True(t, SummarizeConfigChange(newCfg, newCfg).Empty())
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "rtcore.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644))

	m := NewConfigManager(path)
	m.debounce = 10 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	updates := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	require.Eventually(t, func() bool {
		// Keep rewriting until the watcher is up and has seen a change.
		_ = os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644)
		select {
		case cfg := <-updates:
			return cfg.Logging.Level == "debug"
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, "debug", m.Get().Logging.Level)

	cancel()
	require.NoError(t, <-done)
}
