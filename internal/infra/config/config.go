package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Cursor    CursorConfig    `yaml:"cursor"`
	Limits    LimitsConfig    `yaml:"limits"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds WebSocket gateway settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Origins lists the browser origin patterns allowed to upgrade, e.g.
	// "boards.lan" or "192.168.1.*:*". Defaults to localhost only.
	Origins []string   `yaml:"origins,omitempty"`
	Auth    AuthConfig `yaml:"auth"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or "open"
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// CursorConfig holds cursor staleness windows.
type CursorConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
	GCAfter    time.Duration `yaml:"gc_after"`
}

// LimitsConfig holds per-connection traffic caps.
type LimitsConfig struct {
	CursorRatePerSec float64 `yaml:"cursor_rate_per_sec"` // 0 = unlimited
	CursorBurst      int     `yaml:"cursor_burst"`
	HTTPRatePerMin   int     `yaml:"http_rate_per_min"` // 0 = unlimited
	HTTPBurst        int     `yaml:"http_burst"`
}

// ArchiveConfig holds board snapshot persistence settings.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite database file
}

// DiscoveryConfig holds LAN service discovery settings.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"` // advertised instance name
}

// SchedulerConfig holds background task settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`
}

// defaultDataDir returns the persistent data directory under $HOME/.slate/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".slate", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8820",
			Origins: []string{
				"localhost", "localhost:*",
				"127.0.0.1", "127.0.0.1:*",
				"[::1]", "[::1]:*",
			},
			Auth: AuthConfig{Type: "open"},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Cursor: CursorConfig{
			StaleAfter: 5 * time.Second,
			GCAfter:    10 * time.Second,
		},
		Limits: LimitsConfig{
			CursorRatePerSec: 60,
			CursorBurst:      30,
			HTTPRatePerMin:   600,
			HTTPBurst:        100,
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    filepath.Join(defaultDataDir(), "boards.db"),
		},
		Discovery: DiscoveryConfig{
			Enabled:  false,
			Instance: "slate",
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Tasks: []ScheduledTaskConfig{
				{Name: "cursor-sweep", Schedule: "30s", Action: "cursor_sweep"},
			},
		},
	}
}

// ApplyEnvOverrides overlays environment variables onto cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SLATE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SLATE_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SLATE_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
}

// Load reads configuration from path, overlaying defaults. A missing file
// is not an error: defaults plus environment overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
