// Package apps holds the reference applications and the host that wires
// them into one dispatcher.
//
// Each app registers its tasks and resources through an Env during the
// configuration step and makes its initial spawns in Start, once the
// dispatcher is built. Task and resource names are prefixed with the app
// name ("fun.blink"); interrupt names are global, so two apps binding the
// same vector fail the build.
package apps

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"rtcore/internal/clock"
	"rtcore/internal/config"
	"rtcore/internal/task/dispatch"
	"rtcore/internal/task/resource"
	"rtcore/internal/task/table"
	logx "rtcore/pkg/logx"
)

var (
	ErrUnknownApp       = errors.New("unknown app")
	ErrDuplicateTrigger = errors.New("trigger already registered")
	ErrNotStarted       = errors.New("apps not started")
)

type App interface {
	Name() string
	// Register declares tasks and resources. It runs before Build.
	Register(env *Env) error
	// Start makes the initial spawns and connects peripherals to vectors.
	Start(d *dispatch.Dispatcher) error
}

type Factory func() App

var builtin = map[string]Factory{
	"blinky":      func() App { return NewBlinky() },
	"fun":         func() App { return NewFun() },
	"edgecounter": func() App { return NewEdgeCounter() },
	"canpingpong": func() App { return NewCANPingPong() },
	"spisender":   func() App { return NewSPISender() },
}

// Builtin lists the names of the bundled apps.
func Builtin() []string {
	out := make([]string, 0, len(builtin))
	for name := range builtin {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns a fresh instance of a bundled app.
func Lookup(name string) (App, bool) {
	f, ok := builtin[name]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Env is what an app sees while registering.
type Env struct {
	app       string
	b         *dispatch.Builder
	hz        uint32
	log       logx.Logger
	host      *Host
	overrides map[string]config.TaskOverride
	used      map[string]bool
	raw       json.RawMessage
}

// Name prefixes local with the app name.
func (e *Env) Name(local string) string { return e.app + "." + local }

func (e *Env) Log() logx.Logger { return e.log }

func (e *Env) Resources() *resource.Registry { return e.b.Resources() }

func (e *Env) Millis(ms uint32) clock.Duration { return clock.Millis(e.hz, ms) }

func (e *Env) Secs(s uint32) clock.Duration { return clock.Secs(e.hz, s) }

// Task registers a task under the app's prefix, applying configured
// priority and capacity overrides.
func (e *Env) Task(s table.Spec, h dispatch.Handler, uses ...resource.Shared) (table.Handle, error) {
	local := s.Name
	if o, ok := e.overrides[local]; ok {
		e.used[local] = true
		if o.Priority != 0 {
			s.Priority = table.Priority(o.Priority)
		}
		if o.Capacity != 0 {
			s.Capacity = o.Capacity
		}
	}
	s.Name = e.Name(local)
	return e.b.Task(s, h, uses...)
}

// Trigger exposes fn as a stimulus target, for sources that act on a
// peripheral (a button line) rather than pend a vector directly.
func (e *Env) Trigger(name string, fn func() error) error {
	return e.host.addTrigger(name, fn)
}

// Decode strictly decodes the app's config block into v. An absent block
// leaves v untouched.
func (e *Env) Decode(v any) error {
	if len(bytes.TrimSpace(e.raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(e.raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("apps.%s.config: %w", e.app, err)
	}
	return nil
}

// Host owns the enabled apps. Its Pend routes stimulus targets either to an
// app trigger or to a dispatcher vector.
type Host struct {
	log  logx.Logger
	apps []App

	mu       sync.RWMutex
	triggers map[string]func() error
	d        *dispatch.Dispatcher
}

func NewHost(log logx.Logger) *Host {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Host{log: log, triggers: map[string]func() error{}}
}

func (h *Host) addTrigger(name string, fn func() error) error {
	name = strings.TrimSpace(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.triggers[name]; dup {
		return fmt.Errorf("%s: %w", name, ErrDuplicateTrigger)
	}
	h.triggers[name] = fn
	return nil
}

// Register adds every enabled app in cfg, in name order.
func (h *Host) Register(b *dispatch.Builder, hz uint32, cfg map[string]config.AppConfig) error {
	names := make([]string, 0, len(cfg))
	for name, ac := range cfg {
		if ac.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		app, ok := Lookup(name)
		if !ok {
			errs = append(errs, fmt.Errorf("apps.%s: %w", name, ErrUnknownApp))
			continue
		}
		if err := h.Add(b, hz, app, cfg[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Add registers one app.
func (h *Host) Add(b *dispatch.Builder, hz uint32, app App, ac config.AppConfig) error {
	env := &Env{
		app:       app.Name(),
		b:         b,
		hz:        hz,
		log:       h.log.With(logx.String("app", app.Name())),
		host:      h,
		overrides: ac.Tasks,
		used:      map[string]bool{},
		raw:       ac.Config,
	}
	if err := app.Register(env); err != nil {
		return fmt.Errorf("app %s: %w", app.Name(), err)
	}
	var errs []error
	for task := range ac.Tasks {
		if !env.used[task] {
			errs = append(errs, fmt.Errorf("apps.%s.tasks.%s: no such task", app.Name(), task))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	h.apps = append(h.apps, app)
	return nil
}

// Start hands the built dispatcher to every app.
func (h *Host) Start(d *dispatch.Dispatcher) error {
	h.mu.Lock()
	h.d = d
	h.mu.Unlock()

	var errs []error
	for _, app := range h.apps {
		if err := app.Start(d); err != nil {
			errs = append(errs, fmt.Errorf("app %s: %w", app.Name(), err))
			continue
		}
		h.log.Info("app started", logx.String("app", app.Name()))
	}
	return errors.Join(errs...)
}

// Pend raises target: an app trigger if one has that name, otherwise the
// dispatcher vector.
func (h *Host) Pend(target string) error {
	h.mu.RLock()
	fn := h.triggers[target]
	d := h.d
	h.mu.RUnlock()
	if fn != nil {
		return fn()
	}
	if d == nil {
		return ErrNotStarted
	}
	return d.Pend(target)
}

// Apps lists the registered app names.
func (h *Host) Apps() []string {
	out := make([]string, 0, len(h.apps))
	for _, a := range h.apps {
		out = append(out, a.Name())
	}
	return out
}

// Targets lists the trigger names apps registered.
func (h *Host) Targets() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.triggers))
	for name := range h.triggers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
