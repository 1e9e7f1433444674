package storage

import (
	"context"
	"fmt"
	"strings"

	logx "rtcore/pkg/logx"
)

// Store is the persistence API used by the trace recorder.
type Store interface {
	PutSession(ctx context.Context, s Session) error
	AppendTrace(ctx context.Context, recs ...TraceRecord) error
	// ListTrace returns up to limit records of a session in sequence order.
	// limit <= 0 returns all of them.
	ListTrace(ctx context.Context, session string, limit int) ([]TraceRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
