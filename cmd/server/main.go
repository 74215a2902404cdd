package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"slate/internal/adapter/archive"
	"slate/internal/adapter/discovery"
	"slate/internal/adapter/gateway"
	"slate/internal/domain"
	"slate/internal/infra/config"
	"slate/internal/infra/logger"
	"slate/internal/infra/tracer"
	"slate/internal/usecase"
	"slate/internal/usecase/eventbus"
	"slate/internal/usecase/scheduling"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "version", "--version":
			fmt.Println("slate " + gateway.Version)
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`slate - Shared whiteboard server for your local network

USAGE:
    slate [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --version          Print the server version
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (missing file falls back to defaults)
    Environment: SLATE_* variables override config

EXAMPLES:
    slate                               # Run with defaults, open auth on :8820
    slate --config /etc/slate.yaml      # Run with a custom config
    SLATE_ADDR=:9000 slate              # Override the listen address`)
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Board engine
	store := usecase.NewStore(bus, log)
	cursors := usecase.NewCursorTracker(cfg.Cursor.StaleAfter, cfg.Cursor.GCAfter, log)
	router := usecase.NewRouter(log)
	coord := usecase.NewCoordinator(store, cursors, router, bus, log)

	// 5. Snapshot archive
	var snapshots domain.SnapshotArchive
	if cfg.Archive.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Archive.Path), 0o755); err != nil {
			return fmt.Errorf("archive dir: %w", err)
		}
		sqlArchive, err := archive.NewSQLiteArchive(cfg.Archive.Path, log)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		defer sqlArchive.Close()
		snapshots = sqlArchive
	}

	// 6. Scheduler
	scheduler := scheduling.NewScheduler(log)
	scheduler.RegisterAction(scheduling.ActionCursorSweep, func(ctx context.Context) error {
		if n := cursors.Sweep(); n > 0 {
			log.Debug("swept stale cursors", "count", n)
		}
		return nil
	})
	if snapshots != nil {
		scheduler.RegisterAction(scheduling.ActionAutosave, func(ctx context.Context) error {
			return autosaveBoards(ctx, coord, store, snapshots)
		})
	}
	if cfg.Scheduler.Enabled {
		for _, tc := range cfg.Scheduler.Tasks {
			if scheduling.ScheduledAction(tc.Action) == scheduling.ActionAutosave && snapshots == nil {
				log.Warn("autosave task configured but archive is disabled, skipping", "task", tc.Name)
				continue
			}
			task := scheduling.ScheduledTask{
				Name:     tc.Name,
				Schedule: tc.Schedule,
				Action:   scheduling.ScheduledAction(tc.Action),
			}
			if err := scheduler.AddTask(task); err != nil {
				return fmt.Errorf("scheduler: %w", err)
			}
		}
	}

	// 7. Gateway
	auth, err := buildAuthenticator(cfg.Server.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	server := gateway.NewServer(bus, auth, cfg.Server.Addr, log)
	server.SetAllowedOrigins(cfg.Server.Origins)
	server.SetCursorRateLimit(cfg.Limits.CursorRatePerSec, cfg.Limits.CursorBurst)
	server.SetHTTPRateLimit(cfg.Limits.HTTPRatePerMin, cfg.Limits.HTTPBurst)

	deps := gateway.HandlerDeps{
		Coordinator: coord,
		Archive:     snapshots,
		Bus:         bus,
		Logger:      log,
	}
	gateway.RegisterDefaultHandlers(server, deps)
	gateway.RegisterRESTHandlers(server, deps)

	// 8. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 9. Start scheduler
	if cfg.Scheduler.Enabled {
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		defer scheduler.Stop()
	}

	// 10. LAN discovery
	if cfg.Discovery.Enabled {
		port, err := listenPort(cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
		advertiser := discovery.NewMDNSAdvertiser(log)
		go func() {
			metadata := map[string]string{
				"version": gateway.Version,
				"auth":    cfg.Server.Auth.Type,
			}
			if err := advertiser.Advertise(ctx, cfg.Discovery.Instance, port, metadata); err != nil {
				log.Warn("mdns advertise failed", "error", err)
			}
		}()
	}

	// 11. Start
	log.Info("slate starting",
		"addr", cfg.Server.Addr,
		"auth", cfg.Server.Auth.Type,
		"archive", cfg.Archive.Enabled,
		"discovery", cfg.Discovery.Enabled,
	)

	return server.Start(ctx)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("SLATE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func buildAuthenticator(cfg config.AuthConfig) (gateway.Authenticator, error) {
	switch cfg.Type {
	case "static":
		entries := make([]gateway.TokenEntry, 0, len(cfg.Tokens))
		for _, t := range cfg.Tokens {
			entries = append(entries, gateway.TokenEntry{Token: t.Token, Name: t.Name})
		}
		return gateway.NewStaticTokenAuth(entries), nil
	case "open", "":
		return gateway.OpenAuth{}, nil
	default:
		return nil, fmt.Errorf("unknown auth type: %s", cfg.Type)
	}
}

// autosaveBoards writes a recovery snapshot for every live board. Each board
// overwrites its own previous autosave.
func autosaveBoards(ctx context.Context, coord *usecase.Coordinator, store *usecase.Store, snapshots domain.SnapshotArchive) error {
	var firstErr error
	for _, id := range store.List() {
		shapes, err := coord.Snapshot(id)
		if err != nil {
			// Board evicted between List and Snapshot.
			continue
		}
		canvas, err := domain.MarshalCanvas(shapes)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := snapshots.Save(ctx, id, "autosave-"+id, canvas); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	return port, nil
}
