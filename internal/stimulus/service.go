package stimulus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"rtcore/internal/eventbus"
	logx "rtcore/pkg/logx"
)

// EventFired is published each time a source raises its interrupt.
const EventFired = "stimulus.fired"

// Pender raises a named interrupt.
type Pender interface {
	Pend(irq string) error
}

type Source struct {
	Name      string
	Interrupt string
	Schedule  string
}

type Config struct {
	Timezone string
	Sources  []Source
}

// SourceState is a point-in-time view of one source.
type SourceState struct {
	Name      string    `json:"name"`
	Interrupt string    `json:"interrupt"`
	Schedule  string    `json:"schedule"`
	Fired     uint64    `json:"fired"`
	Failed    uint64    `json:"failed"`
	Next      time.Time `json:"next,omitempty"`
}

type source struct {
	Source
	sched   Schedule
	entryID cron.EntryID
	fired   atomic.Uint64
	failed  atomic.Uint64
}

// Service drives interrupt sources from a cron scheduler.
type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	bus  eventbus.Bus
	p    Pender
	cfg  Config
	c    *cron.Cron
	srcs []*source
	// unwatch detaches the Stop hooked to Start's ctx.
	unwatch func() bool

	// Pend failures are logged once per source per warnEvery.
	warnMu    sync.Mutex
	lastWarn  map[string]time.Time
	warnEvery time.Duration
}

func New(cfg Config, p Pender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		p:         p,
		log:       log,
		bus:       bus,
		lastWarn:  map[string]time.Time{},
		warnEvery: 10 * time.Second,
	}
}

// Validate parses every source of cfg.
func Validate(cfg Config) error {
	_, err := compile(cfg)
	return err
}

func compile(cfg Config) ([]*source, error) {
	var errs []error
	out := make([]*source, 0, len(cfg.Sources))
	for i, s := range cfg.Sources {
		s.Interrupt = strings.TrimSpace(s.Interrupt)
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s#%d", s.Interrupt, i)
		}
		sch, err := ParseSchedule(s.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("stimulus %q: %w", s.Name, err))
			continue
		}
		out = append(out, &source{Source: s, sched: sch})
	}
	return out, errors.Join(errs...)
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start begins firing until Stop is called or ctx is done. Sources that fail
// to parse are reported and skipped.
func (s *Service) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.unwatch = context.AfterFunc(ctx, func() { s.Stop(context.Background()) })
	return s.startLocked()
}

func (s *Service) startLocked() error {
	srcs, err := compile(s.cfg)
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.location()))
	for _, src := range srcs {
		sch, perr := src.sched.toCron()
		if perr != nil {
			err = errors.Join(err, perr)
			continue
		}
		src.entryID = s.c.Schedule(sch, s.job(src))
	}
	s.srcs = srcs
	s.c.Start()
	s.log.Info("stimulus started", logx.Int("sources", len(srcs)))
	return err
}

func (s *Service) job(src *source) cron.Job {
	return cron.FuncJob(func() {
		if err := s.p.Pend(src.Interrupt); err != nil {
			src.failed.Add(1)
			s.reportPendError(src.Name, err)
			return
		}
		src.fired.Add(1)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: EventFired, Data: src.Name})
		}
	})
}

func (s *Service) reportPendError(name string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	warn := last.IsZero() || now.Sub(last) >= s.warnEvery
	if warn {
		s.lastWarn[name] = now
	}
	s.warnMu.Unlock()
	if warn {
		s.log.Warn("stimulus pend failed", logx.String("source", name), logx.Err(err))
	} else {
		s.log.Debug("stimulus pend failed", logx.String("source", name), logx.Err(err))
	}
}

// Apply swaps the source set. A running service restarts with the new one.
func (s *Service) Apply(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	<-s.c.Stop().Done()
	return s.startLocked()
}

// Stop stops firing and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	unwatch := s.unwatch
	s.unwatch = nil
	s.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("stimulus stopped")
}

func (s *Service) Snapshot() []SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SourceState, 0, len(s.srcs))
	for _, src := range s.srcs {
		st := SourceState{
			Name:      src.Name,
			Interrupt: src.Interrupt,
			Schedule:  src.sched.String(),
			Fired:     src.fired.Load(),
			Failed:    src.failed.Load(),
		}
		if s.c != nil {
			st.Next = s.c.Entry(src.entryID).Next
		}
		out = append(out, st)
	}
	return out
}
