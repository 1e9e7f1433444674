package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration of rtcore.
//
// Logging, stimulus and diagnostics are applied on reload. The sections that
// shape the task table (clock, dispatcher, apps) are read once at startup.
type Config struct {
	Clock      ClockConfig          `json:"clock"`
	Dispatcher DispatcherConfig     `json:"dispatcher"`
	Logging    LoggingConfig        `json:"logging"`
	Storage    *StorageConfig       `json:"storage,omitempty"`
	Stimulus   StimulusConfig       `json:"stimulus"`
	Apps       map[string]AppConfig `json:"apps"`

	Diagnostics DiagnosticsConfig `json:"diagnostics"`
}

// ClockConfig controls the host tick counter.
//
// Defaults (when fields are omitted/zero):
//   - tick_rate: 1000 (ticks per second)
//   - start_offset: 0
//
// A start_offset close to 2^32 makes the counter wrap shortly after boot.
type ClockConfig struct {
	TickRate    uint32 `json:"tick_rate,omitempty"`
	StartOffset uint32 `json:"start_offset,omitempty"`
}

// DispatcherConfig durations are Go duration strings (e.g. "1ms", "5s").
type DispatcherConfig struct {
	// Tick is the clock interrupt period. "0s" disables it.
	Tick string `json:"tick,omitempty"`
	// WarnEvery throttles backpressure warnings (default 5s).
	WarnEvery string `json:"warn_every,omitempty"`
	// Events publishes started/finished events for every activation.
	Events bool `json:"events,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls where the dispatch trace is persisted.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./rtcore_trace" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Buffer is the trace recorder's event buffer (default 1024).
	Buffer int `json:"buffer,omitempty"`
}

// StimulusConfig raises interrupts on a schedule, standing in for buttons,
// sensors and bus traffic on the host.
type StimulusConfig struct {
	Timezone string           `json:"timezone,omitempty"`
	Sources  []StimulusSource `json:"sources,omitempty"`
}

// StimulusSource pends Interrupt according to Schedule, which is either a
// cron expression ("*/5 * * * * *", "@every 2s") or an interval ("every:1s",
// "1s").
type StimulusSource struct {
	Name      string `json:"name"`
	Interrupt string `json:"interrupt"`
	Schedule  string `json:"schedule"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

// On reports whether the source is enabled (the default).
func (s StimulusSource) On() bool { return s.Enabled == nil || *s.Enabled }

// DiagnosticsConfig serves /healthz, /snapshot and /debug/pprof over HTTP.
// A non-loopback addr requires a token.
type DiagnosticsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

// TaskOverride replaces an application's default priority or capacity for
// one task. Zero keeps the default.
type TaskOverride struct {
	Priority int `json:"priority,omitempty"`
	Capacity int `json:"capacity,omitempty"`
}

type AppConfig struct {
	Enabled bool                    `json:"enabled"`
	Tasks   map[string]TaskOverride `json:"tasks,omitempty"`
	Config  json.RawMessage         `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in an app block are caught
// at load time.
func (a *AppConfig) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool                    `json:"enabled"`
		Tasks   map[string]TaskOverride `json:"tasks,omitempty"`
		Config  json.RawMessage         `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*a = AppConfig{Enabled: t.Enabled, Tasks: t.Tasks, Config: t.Config}
	return nil
}
