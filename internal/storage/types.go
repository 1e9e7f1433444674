package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Session describes one run of the dispatcher.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	TickRate  uint32    `json:"tick_rate"`
	Tasks     int       `json:"tasks"`
	Resources int       `json:"resources"`
}

// TraceRecord is one dispatcher event. Keep it compact and schema-stable.
type TraceRecord struct {
	Session  string    `json:"session"`
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at"`
	Tick     uint32    `json:"tick"`
	Type     string    `json:"type"`
	Task     string    `json:"task"`
	Priority int       `json:"priority"`
	Err      string    `json:"err,omitempty"`
}
