// Package trace persists dispatcher activity.
//
// A Recorder subscribes to task.* events on the bus and appends them to a
// storage.Store in batches. Recording is best-effort: events the bus drops
// under load are not recovered.
package trace

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rtcore/internal/eventbus"
	"rtcore/internal/storage"
	"rtcore/internal/task/dispatch"
	logx "rtcore/pkg/logx"
)

type Options struct {
	// Buffer is the bus subscription depth.
	Buffer int
	// BatchSize flushes once this many records are pending.
	BatchSize int
	// FlushEvery flushes pending records periodically.
	FlushEvery time.Duration

	TickRate  uint32
	Tasks     int
	Resources int
}

func (o Options) withDefaults() Options {
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 128
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = time.Second
	}
	return o
}

type Recorder struct {
	store storage.Store
	log   logx.Logger
	opts  Options

	session storage.Session
	events  <-chan eventbus.Event
	unsub   func()

	seq     uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

// New subscribes to the bus immediately so no event published after New
// returns is missed, even before Run starts.
func New(store storage.Store, bus eventbus.Bus, log logx.Logger, opts Options) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts = opts.withDefaults()
	ch, unsub := bus.Subscribe(opts.Buffer, "task.")
	return &Recorder{
		store:  store,
		log:    log,
		opts:   opts,
		events: ch,
		unsub:  unsub,
		session: storage.Session{
			ID:        uuid.NewString(),
			StartedAt: time.Now().UTC(),
			TickRate:  opts.TickRate,
			Tasks:     opts.Tasks,
			Resources: opts.Resources,
		},
	}
}

func (r *Recorder) Session() string { return r.session.ID }

// Stats reports how many records were written and how many were lost to
// store errors.
func (r *Recorder) Stats() (written, failed uint64) {
	return r.written.Load(), r.failed.Load()
}

// Run records until ctx is cancelled, then flushes what is pending.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	if err := r.store.PutSession(ctx, r.session); err != nil {
		return err
	}
	r.log.Info("trace session opened", logx.String("session", r.session.ID))

	t := time.NewTicker(r.opts.FlushEvery)
	defer t.Stop()

	batch := make([]storage.TraceRecord, 0, r.opts.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.store.AppendTrace(ctx, batch...); err != nil {
			r.failed.Add(uint64(len(batch)))
			r.log.Warn("trace append failed", logx.Int("records", len(batch)), logx.Err(err))
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			batch = r.drain(batch)
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			flush(fctx)
			cancel()
			return nil
		case <-t.C:
			flush(ctx)
		case e, ok := <-r.events:
			if !ok {
				flush(ctx)
				return nil
			}
			if rec, ok := r.record(e); ok {
				batch = append(batch, rec)
			}
			if len(batch) >= r.opts.BatchSize {
				flush(ctx)
			}
		}
	}
}

// drain takes what is already buffered without waiting for more.
func (r *Recorder) drain(batch []storage.TraceRecord) []storage.TraceRecord {
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				return batch
			}
			if rec, ok := r.record(e); ok {
				batch = append(batch, rec)
			}
		default:
			return batch
		}
	}
}

func (r *Recorder) record(e eventbus.Event) (storage.TraceRecord, bool) {
	te, ok := e.Data.(dispatch.TaskEvent)
	if !ok {
		return storage.TraceRecord{}, false
	}
	r.seq++
	return storage.TraceRecord{
		Session:  r.session.ID,
		Seq:      r.seq,
		At:       e.Time.UTC(),
		Tick:     uint32(te.At),
		Type:     e.Type,
		Task:     te.Task,
		Priority: int(te.Priority),
		Err:      te.Err,
	}, true
}
