package app

import (
	"fmt"
	"strings"
	"time"

	"rtcore/internal/config"
	"rtcore/internal/observability/diag"
	"rtcore/internal/stimulus"
	"rtcore/internal/storage"
	logx "rtcore/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapStimulusConfig keeps enabled sources only.
func mapStimulusConfig(cfg *config.Config) stimulus.Config {
	out := stimulus.Config{Timezone: cfg.Stimulus.Timezone}
	for _, s := range cfg.Stimulus.Sources {
		if !s.On() {
			continue
		}
		out.Sources = append(out.Sources, stimulus.Source{Name: s.Name, Interrupt: s.Interrupt, Schedule: s.Schedule})
	}
	return out
}

func mapDiagConfig(cfg *config.Config) diag.Config {
	return diag.Config{
		Enabled: cfg.Diagnostics.Enabled,
		Addr:    cfg.Diagnostics.Addr,
		Token:   cfg.Diagnostics.Token,
	}
}
