package table

import "fmt"

// Priority is a static task priority. Higher values are more urgent.
// IdlePriority is reserved for the background activity.
type Priority int

const (
	IdlePriority    Priority = 0
	DefaultPriority Priority = 1
	MaxPriority     Priority = 255
)

// MaxCapacity bounds the pending-activation queue of a single task.
const MaxCapacity = 1024

// Handle identifies a registered task. Handles are dense indexes starting at 0.
type Handle int

// Idle is the handle reported by the background activity.
const Idle Handle = -1

func (h Handle) String() string {
	if h == Idle {
		return "idle"
	}
	return fmt.Sprintf("task#%d", int(h))
}

// Spec describes a task at registration time.
//
// Priority 0 selects DefaultPriority and Capacity 0 selects a single slot.
// Interrupt names the hardware source the task is bound to, if any.
type Spec struct {
	Name      string
	Priority  Priority
	Capacity  int
	Interrupt string
}

// Descriptor is the frozen view of a registered task.
type Descriptor struct {
	Handle    Handle
	Name      string
	Priority  Priority
	Capacity  int
	Interrupt string
}

// Bound reports whether the task is driven by an interrupt source.
func (d Descriptor) Bound() bool { return d.Interrupt != "" }

// Activation is one request for a task to run, with an optional payload whose
// ownership passes to the handler.
type Activation struct {
	Task    Handle
	Payload any
}
