package config

import (
	"reflect"
	"sort"
	"strings"

	logx "rtcore/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists every changed top-level section.
	Sections []string
	// Live lists the changed sections applied without a restart.
	Live []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	// Attrs are structured log fields describing the new values.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, live bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if live {
			ch.Live = append(ch.Live, section)
		} else {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		mark("logging", true,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Stimulus, newCfg.Stimulus) {
		mark("stimulus", true,
			logx.Int("stimulus.sources", len(newCfg.Stimulus.Sources)),
			logx.String("stimulus.timezone", strings.TrimSpace(newCfg.Stimulus.Timezone)),
		)
	}

	if oldCfg.Diagnostics != newCfg.Diagnostics {
		mark("diagnostics", true,
			logx.Bool("diagnostics.enabled", newCfg.Diagnostics.Enabled),
			logx.String("diagnostics.addr", newCfg.Diagnostics.Addr),
		)
	}

	if oldCfg.Clock != newCfg.Clock {
		mark("clock", false, logx.Uint32("clock.tick_rate", newCfg.Clock.TickRate))
	}
	if oldCfg.Dispatcher != newCfg.Dispatcher {
		mark("dispatcher", false,
			logx.String("dispatcher.tick", newCfg.Dispatcher.Tick),
			logx.Bool("dispatcher.events", newCfg.Dispatcher.Events),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		mark("storage", false, logx.String("storage.driver", driver))
	}
	if apps := changedApps(oldCfg.Apps, newCfg.Apps); len(apps) > 0 {
		mark("apps", false, logx.String("apps.changed", strings.Join(apps, ",")))
	}
	return ch
}

func changedApps(a, b map[string]AppConfig) []string {
	names := map[string]struct{}{}
	for k := range a {
		names[k] = struct{}{}
	}
	for k := range b {
		names[k] = struct{}{}
	}
	var out []string
	for n := range names {
		x, okA := a[n]
		y, okB := b[n]
		if okA != okB || x.Enabled != y.Enabled ||
			!reflect.DeepEqual(x.Tasks, y.Tasks) ||
			string(x.Config) != string(y.Config) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
