// Command bridged runs the hi-fi control bridge daemon: it loads settings,
// starts the coordinator and its supporting packages, serves the HTTP
// control surface, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/muse-bridge/bridge/internal/artwork"
	"github.com/muse-bridge/bridge/internal/bus"
	"github.com/muse-bridge/bridge/internal/commandlog"
	"github.com/muse-bridge/bridge/internal/coordinator"
	"github.com/muse-bridge/bridge/internal/events"
	"github.com/muse-bridge/bridge/internal/httpapi"
	xglog "github.com/muse-bridge/bridge/internal/log"
	"github.com/muse-bridge/bridge/internal/mcp"
	"github.com/muse-bridge/bridge/internal/reporter"
	"github.com/muse-bridge/bridge/internal/settings"
	"github.com/muse-bridge/bridge/internal/telemetry"
	"github.com/muse-bridge/bridge/internal/zone"
)

var (
	version = "dev"
	commit  = "none"
)

const shutdownTimeout = 15 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	settingsPath := flag.String("settings", "", "path to settings.json (defaults to $XDG_CONFIG_HOME/muse-bridge/settings.json)")
	listenAddr := flag.String("listen", ":8080", "HTTP listen address")
	dataDir := flag.String("data-dir", "data", "directory for the artwork cache and command log")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bridged %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Safe defaults before settings are loaded, so startup failures are
	// themselves logged in structured form.
	xglog.Configure(xglog.Config{Level: "info", Service: "muse-bridge", Version: version})
	logger := xglog.WithComponent("main")

	if err := run(*settingsPath, *listenAddr, *dataDir, version); err != nil {
		logger.Fatal().Err(err).Str("event", "startup.failed").Msg("bridged failed to start")
	}
	logger.Info().Str("event", "daemon.exit").Msg("server exiting")
}

// run wires every package and blocks until ctx (SIGINT/SIGTERM) fires, then
// shuts everything down gracefully. A non-nil return means startup failed
// before the server ever started serving traffic.
func run(settingsPath, listenAddr, dataDir, version string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := xglog.WithComponent("main")

	if settingsPath == "" {
		settingsPath = settings.DefaultPath()
	}
	store, err := settings.Open(settingsPath)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	defer store.Close()
	if err := store.Watch(ctx); err != nil {
		logger.Warn().Err(err).Str("event", "settings.watch_failed").Msg("settings hot-reload unavailable")
	}

	cfg := store.Get()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        false,
		ServiceName:    "muse-bridge",
		ServiceVersion: version,
		SamplingRate:   1.0,
	})
	if err != nil {
		return fmt.Errorf("start telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	coord := coordinator.New(cfg.BusBufferSize)
	agg := zone.New(coord.Bus)
	go agg.Run(ctx)
	go coord.RunCommandResponder(ctx)

	rep := reporter.New(cfg.IngestLicense, agg, reporter.WithIngestURL(cfg.IngestURL))
	go rep.Run(ctx, coord.Bus)

	store.OnChange(licenseWatcher(ctx, rep))

	adapterState := make(map[string]bool)
	for _, a := range cfg.Adapters {
		if a.Enabled {
			coord.StartAdapter(ctx, newPlaceholderAdapter(a.Prefix), a.Retry)
			adapterState[a.Prefix] = true
		}
	}
	store.OnChange(adapterWatcher(ctx, coord, adapterState))

	mcpDispatcher := mcp.NewDispatcher(coord.Bus)
	go mcpDispatcher.Run(ctx)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	artCache, err := artwork.Open(filepath.Join(dataDir, "artwork"))
	if err != nil {
		logger.Warn().Err(err).Str("event", "artwork.open_failed").Msg("artwork cache unavailable")
		artCache = nil
	}
	if artCache != nil {
		defer artCache.Close()
		go artCache.RunGC(ctx, time.Hour)
	}

	cmdLog, err := commandlog.Open(filepath.Join(dataDir, "commands.db"))
	if err != nil {
		logger.Warn().Err(err).Str("event", "commandlog.open_failed").Msg("command audit log unavailable")
		cmdLog = nil
	}
	if cmdLog != nil {
		defer cmdLog.Close()
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Aggregator:   agg,
		Coordinator:  coord,
		MCP:          mcpDispatcher,
		ArtworkCache: artCache,
		CommandLog:   cmdLog,
	})

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listenAddr).Str("event", "server.listen").Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Str("event", "daemon.shutdown_signal").Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// spec.md §4.4/§4.5's literal shutdown order: publish ShuttingDown, wait
	// (bounded) for every adapter to ACK AdapterStopped, cancel stragglers,
	// then flush the reporter — never concurrently with the adapter wait,
	// since a straggler could still be emitting events the reporter would
	// otherwise race.
	coord.Shutdown(shutdownCtx)
	rep.Flush(shutdownCtx)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Str("event", "server.shutdown_failed").Msg("http server did not shut down cleanly")
	}

	return nil
}

// licenseWatcher returns a channel that forwards settings changes into the
// reporter's license, so ingest_license edits in the settings file take
// effect without a restart. A MUSE_BRIDGE_INGEST_LICENSE value in the
// process environment overrides the file on every reload.
func licenseWatcher(ctx context.Context, rep *reporter.Reporter) chan settings.Settings {
	ch := make(chan settings.Settings, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-ch:
				if !ok {
					return
				}
				rep.SetLicense(ctx, cfg.IngestLicense)
			}
		}
	}()
	return ch
}

// adapterWatcher returns a channel that reconciles the coordinator's
// running adapter set against settings on every reload, starting newly
// enabled adapters and stopping newly disabled ones (SPEC_FULL.md §5:
// "toggling an adapter at runtime stops/starts its handle"). state is
// owned exclusively by the returned goroutine.
func adapterWatcher(ctx context.Context, coord *coordinator.Coordinator, state map[string]bool) chan settings.Settings {
	ch := make(chan settings.Settings, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-ch:
				if !ok {
					return
				}
				for _, a := range cfg.Adapters {
					switch {
					case a.Enabled && !state[a.Prefix]:
						coord.StartAdapter(ctx, newPlaceholderAdapter(a.Prefix), a.Retry)
						state[a.Prefix] = true
					case !a.Enabled && state[a.Prefix]:
						coord.StopAdapter(a.Prefix)
						state[a.Prefix] = false
					}
				}
			}
		}
	}()
	return ch
}

// placeholderAdapter is a no-protocol stand-in for the adapter.Logic
// implementations spec.md §1 excludes as Non-goals (JSON-RPC/SSDP/vendor-RPC
// protocol work). It exists solely so settings-driven adapter enable/disable
// has a real Handle to start and stop; it never reaches a real backend, so
// HandleCommand always reports the backend as unavailable.
type placeholderAdapter struct {
	prefix string
}

func newPlaceholderAdapter(prefix string) *placeholderAdapter {
	return &placeholderAdapter{prefix: prefix}
}

func (p *placeholderAdapter) Prefix() string { return p.prefix }

func (p *placeholderAdapter) Init(ctx context.Context) error { return nil }

func (p *placeholderAdapter) Run(ctx context.Context, b *bus.Bus) error {
	<-ctx.Done()
	return nil
}

func (p *placeholderAdapter) HandleCommand(ctx context.Context, zoneID string, cmd events.Command) (events.Response, error) {
	return events.Response{}, coordinator.ErrAdapterNotAvailable
}
