// Package resource implements the priority ceiling protocol for state shared
// between tasks of different priorities.
//
// Every resource carries a ceiling at least as high as the priority of every
// task that declared access to it. Locking raises the caller's effective
// priority to that ceiling for the duration of the closure, so no other
// accessor can preempt the holder. Acquisition never waits and cannot
// deadlock; correctness is established when the Registry is frozen.
package resource

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"rtcore/internal/task/table"
)

// Holder is the running activation as seen by the arbiter.
type Holder interface {
	// Task returns the handle of the running task (table.Idle for idle).
	Task() table.Handle
	// Raise lifts the effective priority to at least ceiling and returns the
	// previous effective priority.
	Raise(ceiling table.Priority) table.Priority
	// Restore sets the effective priority back to prev.
	Restore(prev table.Priority)
	// Preempt runs any ready work that now outranks the effective priority.
	Preempt()
}

// Shared is implemented by every *Resource[T].
type Shared interface {
	Name() string
	Ceiling() table.Priority
	entry() *entry
}

type entry struct {
	reg      *Registry
	name     string
	declared table.Priority
	ceiling  table.Priority
	users    map[table.Handle]table.Priority
	held     bool
}

// Registry holds every shared resource of a system.
// Declarations and grants happen during initialization only.
type Registry struct {
	entries []*entry
	names   map[string]*entry
	errs    []error
	frozen  bool
}

func NewRegistry() *Registry {
	return &Registry{names: map[string]*entry{}}
}

func (r *Registry) Len() int { return len(r.entries) }

func (r *Registry) declare(name string, ceiling table.Priority) *entry {
	name = strings.TrimSpace(name)
	e := &entry{reg: r, name: name, declared: ceiling, users: map[table.Handle]table.Priority{}}
	switch {
	case r.frozen:
		r.errs = append(r.errs, fmt.Errorf("resource %q: %w", name, ErrFrozen))
	case name == "":
		r.errs = append(r.errs, ErrInvalidName)
	case ceiling < table.IdlePriority || ceiling > table.MaxPriority:
		r.errs = append(r.errs, fmt.Errorf("resource %q: ceiling %d: %w", name, ceiling, ErrInvalidCeiling))
	default:
		if _, dup := r.names[name]; dup {
			r.errs = append(r.errs, fmt.Errorf("resource %q: %w", name, ErrDuplicateName))
			return e
		}
		r.names[name] = e
		r.entries = append(r.entries, e)
	}
	return e
}

// Grant records that task, running at prio, accesses s.
func (r *Registry) Grant(s Shared, task table.Handle, prio table.Priority) error {
	e := s.entry()
	if e.reg != r {
		return fmt.Errorf("resource %q: %w", e.name, ErrForeign)
	}
	if r.frozen {
		return fmt.Errorf("resource %q: %w", e.name, ErrFrozen)
	}
	if e.declared != table.IdlePriority && prio > e.declared {
		return fmt.Errorf("resource %q: ceiling %d, %s priority %d: %w", e.name, e.declared, task, prio, ErrCeiling)
	}
	e.users[task] = prio
	return nil
}

// Freeze derives ceilings that were left at zero from their accessors and
// validates every grant. Declaration errors collected earlier are reported
// here as well.
func (r *Registry) Freeze() error {
	if r.frozen {
		return nil
	}
	errs := append([]error(nil), r.errs...)
	for _, e := range r.entries {
		var top table.Priority
		for _, p := range e.users {
			if p > top {
				top = p
			}
		}
		if e.declared == table.IdlePriority {
			e.ceiling = top
			continue
		}
		e.ceiling = e.declared
		if top > e.ceiling {
			errs = append(errs, fmt.Errorf("resource %q: ceiling %d below accessor priority %d: %w", e.name, e.ceiling, top, ErrCeiling))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.frozen = true
	return nil
}

// Ceilings reports the effective ceiling of every resource by name.
func (r *Registry) Ceilings() map[string]table.Priority {
	out := make(map[string]table.Priority, len(r.entries))
	for _, e := range r.entries {
		out[e.name] = e.ceiling
	}
	return out
}

// Users lists the tasks that declared access to the named resource.
func (r *Registry) Users(name string) []table.Handle {
	e, ok := r.names[name]
	if !ok {
		return nil
	}
	out := make([]table.Handle, 0, len(e.users))
	for h := range e.users {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resource is a value of type T guarded by the ceiling protocol.
type Resource[T any] struct {
	e *entry
	v T
}

// New declares a resource in reg. A ceiling of zero is derived from the
// declared accessors when the registry is frozen.
func New[T any](reg *Registry, name string, ceiling table.Priority, initial T) *Resource[T] {
	return &Resource[T]{e: reg.declare(name, ceiling), v: initial}
}

func (r *Resource[T]) Name() string { return r.e.name }

// Ceiling returns the effective ceiling (the declared one until Freeze).
func (r *Resource[T]) Ceiling() table.Priority {
	if r.e.reg.frozen {
		return r.e.ceiling
	}
	return r.e.declared
}

func (r *Resource[T]) entry() *entry { return r.e }

// Lock runs fn with exclusive access to the value.
//
// It panics when called outside a frozen registry, from a task that did not
// declare the resource, or while the same activation already holds it.
func (r *Resource[T]) Lock(h Holder, fn func(v *T)) {
	e := r.e
	if !e.reg.frozen {
		panic(fmt.Errorf("resource %q: %w", e.name, ErrNotFrozen))
	}
	if _, ok := e.users[h.Task()]; !ok {
		panic(fmt.Errorf("resource %q: %s: %w", e.name, h.Task(), ErrUndeclared))
	}
	if e.held {
		panic(fmt.Errorf("resource %q: %w", e.name, ErrReentrant))
	}

	prev := h.Raise(e.ceiling)
	e.held = true
	released := false
	defer func() {
		if !released {
			e.held = false
			h.Restore(prev)
		}
	}()

	fn(&r.v)

	released = true
	e.held = false
	h.Restore(prev)
	h.Preempt()
}

// With locks r and returns the closure's result.
func With[T, R any](h Holder, r *Resource[T], fn func(v *T) R) R {
	var out R
	r.Lock(h, func(v *T) { out = fn(v) })
	return out
}
