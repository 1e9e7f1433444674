package table

import (
	"fmt"
	"sort"
	"strings"
)

// Builder collects task registrations before the dispatcher is armed.
// It is not safe for concurrent use.
type Builder struct {
	descs  []Descriptor
	names  map[string]Handle
	irqs   map[string]Handle
	frozen *Table
}

func NewBuilder() *Builder {
	return &Builder{
		names: map[string]Handle{},
		irqs:  map[string]Handle{},
	}
}

// Register validates s and appends it to the table.
func (b *Builder) Register(s Spec) (Handle, error) {
	if b.frozen != nil {
		return Idle, ErrFrozen
	}
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return Idle, ErrInvalidName
	}
	if _, dup := b.names[name]; dup {
		return Idle, fmt.Errorf("task %q: %w", name, ErrDuplicateName)
	}

	prio := s.Priority
	if prio == IdlePriority {
		prio = DefaultPriority
	}
	if prio < DefaultPriority || prio > MaxPriority {
		return Idle, fmt.Errorf("task %q: priority %d: %w", name, s.Priority, ErrInvalidPriority)
	}

	capacity := s.Capacity
	if capacity == 0 {
		capacity = 1
	}
	if capacity < 0 || capacity > MaxCapacity {
		return Idle, fmt.Errorf("task %q: capacity %d: %w", name, s.Capacity, ErrInvalidCapacity)
	}

	irq := strings.TrimSpace(s.Interrupt)
	if irq != "" {
		if other, dup := b.irqs[irq]; dup {
			return Idle, fmt.Errorf("task %q: interrupt %s held by %q: %w", name, irq, b.descs[other].Name, ErrDuplicateInterrupt)
		}
	}

	h := Handle(len(b.descs))
	b.descs = append(b.descs, Descriptor{
		Handle:    h,
		Name:      name,
		Priority:  prio,
		Capacity:  capacity,
		Interrupt: irq,
	})
	b.names[name] = h
	if irq != "" {
		b.irqs[irq] = h
	}
	return h, nil
}

// Freeze returns the immutable table. Calling it again returns the same table.
func (b *Builder) Freeze() (*Table, error) {
	if b.frozen != nil {
		return b.frozen, nil
	}
	if len(b.descs) == 0 {
		return nil, ErrEmpty
	}

	seen := map[Priority]bool{}
	levels := make([]Priority, 0, len(b.descs))
	for _, d := range b.descs {
		if !seen[d.Priority] {
			seen[d.Priority] = true
			levels = append(levels, d.Priority)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] > levels[j] })

	b.frozen = &Table{
		descs:  b.descs,
		names:  b.names,
		irqs:   b.irqs,
		levels: levels,
	}
	return b.frozen, nil
}

// Table is the frozen task registry.
type Table struct {
	descs  []Descriptor
	names  map[string]Handle
	irqs   map[string]Handle
	levels []Priority
}

func (t *Table) Len() int { return len(t.descs) }

// Valid reports whether h names a registered task.
func (t *Table) Valid(h Handle) bool { return h >= 0 && int(h) < len(t.descs) }

// Get returns the descriptor for h.
func (t *Table) Get(h Handle) (Descriptor, bool) {
	if !t.Valid(h) {
		return Descriptor{}, false
	}
	return t.descs[h], true
}

// Priority returns the static priority of h, or IdlePriority for Idle.
func (t *Table) Priority(h Handle) Priority {
	if !t.Valid(h) {
		return IdlePriority
	}
	return t.descs[h].Priority
}

// Name returns the task name for h.
func (t *Table) Name(h Handle) string {
	if !t.Valid(h) {
		return h.String()
	}
	return t.descs[h].Name
}

func (t *Table) Lookup(name string) (Handle, bool) {
	h, ok := t.names[strings.TrimSpace(name)]
	return h, ok
}

// Bound resolves an interrupt source to the task bound to it.
func (t *Table) Bound(irq string) (Handle, bool) {
	h, ok := t.irqs[strings.TrimSpace(irq)]
	return h, ok
}

// Levels returns the distinct task priorities, most urgent first.
func (t *Table) Levels() []Priority {
	return append([]Priority(nil), t.levels...)
}

// All returns a copy of every descriptor in handle order.
func (t *Table) All() []Descriptor {
	return append([]Descriptor(nil), t.descs...)
}

// CapacityAt sums the capacities of every task at priority p.
func (t *Table) CapacityAt(p Priority) int {
	n := 0
	for _, d := range t.descs {
		if d.Priority == p {
			n += d.Capacity
		}
	}
	return n
}

// TotalCapacity sums every task capacity.
func (t *Table) TotalCapacity() int {
	n := 0
	for _, d := range t.descs {
		n += d.Capacity
	}
	return n
}
