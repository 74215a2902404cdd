package config

import "fmt"

var knownActions = map[string]bool{
	"cursor_sweep": true,
	"autosave":     true,
}

// Validate checks cfg for settings that would fail at runtime.
func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}

	for i, origin := range cfg.Server.Origins {
		if origin == "" {
			return fmt.Errorf("config: server.origins entry %d is empty", i)
		}
	}

	switch cfg.Server.Auth.Type {
	case "", "open":
	case "static":
		if len(cfg.Server.Auth.Tokens) == 0 {
			return fmt.Errorf("config: static auth requires at least one token")
		}
		for i, tok := range cfg.Server.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("config: auth token %d is empty", i)
			}
		}
	default:
		return fmt.Errorf("config: unknown auth type %q", cfg.Server.Auth.Type)
	}

	switch cfg.Logger.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", cfg.Logger.Format)
	}

	if cfg.Tracer.Enabled {
		switch cfg.Tracer.Exporter {
		case "stdout", "noop", "":
		default:
			return fmt.Errorf("config: unknown tracer exporter %q", cfg.Tracer.Exporter)
		}
	}

	if cfg.Cursor.StaleAfter < 0 || cfg.Cursor.GCAfter < 0 {
		return fmt.Errorf("config: cursor windows must not be negative")
	}
	if cfg.Cursor.StaleAfter > 0 && cfg.Cursor.GCAfter > 0 && cfg.Cursor.GCAfter < cfg.Cursor.StaleAfter {
		return fmt.Errorf("config: cursor.gc_after must be >= cursor.stale_after")
	}

	if cfg.Limits.CursorRatePerSec < 0 {
		return fmt.Errorf("config: limits.cursor_rate_per_sec must not be negative")
	}
	if cfg.Limits.HTTPRatePerMin < 0 {
		return fmt.Errorf("config: limits.http_rate_per_min must not be negative")
	}

	if cfg.Archive.Enabled && cfg.Archive.Path == "" {
		return fmt.Errorf("config: archive.path is required when archive is enabled")
	}

	for _, task := range cfg.Scheduler.Tasks {
		if task.Name == "" || task.Schedule == "" {
			return fmt.Errorf("config: scheduler task needs a name and a schedule")
		}
		if !knownActions[task.Action] {
			return fmt.Errorf("config: scheduler task %q has unknown action %q", task.Name, task.Action)
		}
	}

	return nil
}
