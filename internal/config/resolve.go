package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"rtcore/internal/task/table"
)

const (
	DefaultTickRate  uint32 = 1000
	DefaultTick             = time.Millisecond
	DefaultWarnEvery        = 5 * time.Second
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return d, nil
}

// Dispatch holds the dispatcher settings with defaults applied.
type Dispatch struct {
	TickRate    uint32
	StartOffset uint32
	Tick        time.Duration
	WarnEvery   time.Duration
	Events      bool
}

// ResolveDispatch parses the clock and dispatcher sections. An omitted tick
// defaults to 1ms; an explicit "0s" disables the ticker.
func (c *Config) ResolveDispatch() (Dispatch, error) {
	out := Dispatch{
		TickRate:    c.Clock.TickRate,
		StartOffset: c.Clock.StartOffset,
		Events:      c.Dispatcher.Events,
	}
	if out.TickRate == 0 {
		out.TickRate = DefaultTickRate
	}
	var err error
	if out.Tick, err = ParseDurationOrDefault("dispatcher.tick", c.Dispatcher.Tick, DefaultTick); err != nil {
		return Dispatch{}, err
	}
	if out.WarnEvery, err = ParseDurationOrDefault("dispatcher.warn_every", c.Dispatcher.WarnEvery, DefaultWarnEvery); err != nil {
		return Dispatch{}, err
	}
	if out.WarnEvery == 0 {
		out.WarnEvery = DefaultWarnEvery
	}
	return out, nil
}

// Validate reports every static problem in the file at once. Task table
// conflicts (duplicate interrupts, ceilings) are found later by the
// dispatcher builder.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.ResolveDispatch(); err != nil {
		errs = append(errs, err)
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if tz := strings.TrimSpace(c.Stimulus.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("stimulus.timezone: %w", err))
		}
	}
	seen := map[string]bool{}
	for i, s := range c.Stimulus.Sources {
		path := fmt.Sprintf("stimulus.sources[%d]", i)
		if strings.TrimSpace(s.Interrupt) == "" {
			errs = append(errs, fmt.Errorf("%s: interrupt is required", path))
		}
		if strings.TrimSpace(s.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s: schedule is required", path))
		}
		if name := s.Name; name != "" {
			if seen[name] {
				errs = append(errs, fmt.Errorf("%s: duplicate name %q", path, name))
			}
			seen[name] = true
		}
	}
	for app, ac := range c.Apps {
		for task, o := range ac.Tasks {
			if o.Priority < 0 || table.Priority(o.Priority) > table.MaxPriority {
				errs = append(errs, fmt.Errorf("apps.%s.tasks.%s.priority: %d out of range", app, task, o.Priority))
			}
			if o.Capacity < 0 || o.Capacity > table.MaxCapacity {
				errs = append(errs, fmt.Errorf("apps.%s.tasks.%s.capacity: %d out of range", app, task, o.Capacity))
			}
		}
	}
	return errors.Join(errs...)
}
