package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "rtcore/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.sessions.jsonl (append-only JSON Lines)
//   - <prefix>.trace.jsonl    (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	tracePath    string
	sessionsFile *os.File
	traceFile    *os.File
	traceBuf     *bufio.Writer
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	sf, err := os.OpenFile(prefix+".sessions.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	tracePath := prefix + ".trace.jsonl"
	tf, err := os.OpenFile(tracePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = sf.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix))

	return &fileStore{
		log:          log,
		tracePath:    tracePath,
		sessionsFile: sf,
		traceFile:    tf,
		traceBuf:     bufio.NewWriter(tf),
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.traceFile != nil {
		errs = append(errs, s.traceBuf.Flush(), s.traceFile.Close())
		s.traceFile = nil
	}
	if s.sessionsFile != nil {
		errs = append(errs, s.sessionsFile.Close())
		s.sessionsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) PutSession(ctx context.Context, sess Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.sessionsFile).Encode(sess)
}

// AppendTrace writes a batch and flushes it, so a batch is either fully on
// disk or reported as failed.
func (s *fileStore) AppendTrace(ctx context.Context, recs ...TraceRecord) error {
	if len(recs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.traceFile == nil {
		return ErrClosed
	}
	enc := json.NewEncoder(s.traceBuf)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return s.traceBuf.Flush()
}

func (s *fileStore) ListTrace(ctx context.Context, session string, limit int) ([]TraceRecord, error) {
	s.mu.Lock()
	if s.traceFile == nil {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if err := s.traceBuf.Flush(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	f, err := os.Open(s.tracePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []TraceRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r TraceRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.log.Debug("skipping corrupt trace line", logx.Err(err))
			continue
		}
		if r.Session != session {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, sc.Err()
}
