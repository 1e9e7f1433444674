package dispatch

import (
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"rtcore/internal/clock"
	"rtcore/internal/eventbus"
	"rtcore/internal/task/resource"
	"rtcore/internal/task/table"
	"rtcore/internal/task/timerq"
	logx "rtcore/pkg/logx"
)

// Builder is the configuration step. It is not safe for concurrent use.
type Builder struct {
	cfg Config
	clk clock.Source
	log logx.Logger
	bus eventbus.Bus

	tasks    *table.Builder
	reg      *resource.Registry
	handlers []Handler
	uses     [][]resource.Shared

	idle     IdleFunc
	idleUses []resource.Shared

	errs  []error
	built bool
}

func NewBuilder(cfg Config, clk clock.Source, opts ...Option) *Builder {
	b := &Builder{
		cfg:   cfg.withDefaults(),
		clk:   clk,
		tasks: table.NewBuilder(),
		reg:   resource.NewRegistry(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.clk == nil {
		b.clk = clock.NewManual(0)
	}
	return b
}

// Resources is the registry shared resources are declared in.
func (b *Builder) Resources() *resource.Registry { return b.reg }

// Task registers a task and the resources its handler locks.
//
// Errors are also kept for Build, so callers wiring many tasks may ignore
// them here and check Build once.
func (b *Builder) Task(s table.Spec, h Handler, uses ...resource.Shared) (table.Handle, error) {
	if b.built {
		return table.Idle, ErrBuilt
	}
	if h == nil {
		err := fmt.Errorf("task %q: %w", s.Name, ErrNilHandler)
		b.errs = append(b.errs, err)
		return table.Idle, err
	}
	id, err := b.tasks.Register(s)
	if err != nil {
		b.errs = append(b.errs, err)
		return table.Idle, err
	}
	b.handlers = append(b.handlers, h)
	b.uses = append(b.uses, uses)
	return id, nil
}

// Idle installs the background activity.
func (b *Builder) Idle(fn IdleFunc, uses ...resource.Shared) {
	b.idle = fn
	b.idleUses = uses
}

// Build freezes the configuration. Every problem found is reported together
// and no dispatcher is produced while any remains.
func (b *Builder) Build() (*Dispatcher, error) {
	if b.built {
		return nil, ErrBuilt
	}
	errs := append([]error(nil), b.errs...)

	tbl, err := b.tasks.Freeze()
	if err != nil {
		errs = append(errs, err)
	}
	if tbl != nil {
		for i, uses := range b.uses {
			h := table.Handle(i)
			for _, s := range uses {
				if err := b.reg.Grant(s, h, tbl.Priority(h)); err != nil {
					errs = append(errs, fmt.Errorf("task %q: %w", tbl.Name(h), err))
				}
			}
		}
	}
	for _, s := range b.idleUses {
		if err := b.reg.Grant(s, table.Idle, table.IdlePriority); err != nil {
			errs = append(errs, fmt.Errorf("idle: %w", err))
		}
	}
	if err := b.reg.Freeze(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	b.built = true

	d := &Dispatcher{
		cfg:      b.cfg,
		clk:      b.clk,
		log:      b.log,
		bus:      b.bus,
		tbl:      tbl,
		reg:      b.reg,
		handlers: b.handlers,
		idle:     b.idle,
		pending:  make([]int, tbl.Len()),
		ready:    newReadySet(tbl),
		timers:   timerq.New(tbl.TotalCapacity()),
		due:      make([]timerq.Entry, 0, tbl.TotalCapacity()),
		wake:     make(chan struct{}, 1),
		warn:     rate.NewLimiter(rate.Every(b.cfg.WarnEvery), 1),
		stats:    make([]taskStats, tbl.Len()),
		ctxs:     make([]*Context, tbl.Len()),
	}
	for _, desc := range tbl.All() {
		d.ctxs[desc.Handle] = &Context{
			d:    d,
			desc: desc,
			log:  b.log.With(logx.String("task", desc.Name), logx.Int("prio", int(desc.Priority))),
		}
	}
	d.idleCtx = &Context{
		d:    d,
		desc: table.Descriptor{Handle: table.Idle, Name: "idle", Priority: table.IdlePriority},
		log:  b.log.With(logx.String("task", "idle")),
	}
	b.log.Info("dispatcher armed",
		logx.Int("tasks", tbl.Len()),
		logx.Int("levels", len(tbl.Levels())),
		logx.Int("resources", b.reg.Len()),
		logx.Int("slots", tbl.TotalCapacity()),
	)
	return d, nil
}
