// Package main is the entry point for kestrel - a long-lived process
// supervisor that manages externally-declared child processes on behalf of
// an interactive assistant, exposed over a JSON-line stdio tool protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-run/kestrel/internal/config"
	"github.com/kestrel-run/kestrel/internal/logging"
	"github.com/kestrel-run/kestrel/internal/proc"
	"github.com/kestrel-run/kestrel/internal/supervisor"
	"github.com/kestrel-run/kestrel/internal/telemetry"
	"github.com/kestrel-run/kestrel/internal/toolserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: logOutputPath(cfg),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)

	log.Info("starting kestrel",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("auto_export_interval", cfg.AutoExportInterval),
	)

	spawner, err := buildSpawner(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to build process spawner")
	}

	tele := telemetry.Init(context.Background())

	// 1. Instantiate an empty Supervisor.
	sup := supervisor.New(
		spawner,
		cfg.RingBufferCapacity,
		log,
		supervisor.SnapshotPaths{Full: cfg.ExportFile, AutoStart: cfg.AutoStartFile()},
		cfg.DefaultGraceMS,
		tele,
	)

	// 2. Attempt restore from the default snapshot path.
	if err := sup.Restore(cfg.ImportFile); err != nil {
		log.WithError(err).Info("no snapshot restored at startup")
	}

	// 3. start_auto_start().
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	sup.StartAutoStart(startCtx)
	cancelStart()

	stopAutoExport := startAutoExport(sup, cfg, log)
	defer stopAutoExport()

	// 4. Register signal handlers.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	toolSrv := toolserver.New(sup, log, cfg.ExportFile)
	serveCtx, cancelServe := context.WithCancel(context.Background())

	serveErrCh := make(chan error, 1)
	go func() {
		// 5. Begin accepting client requests.
		serveErrCh <- toolSrv.Serve(serveCtx)
	}()

	select {
	case <-quit:
		log.Info("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			log.WithError(err).Error("tool server exited unexpectedly")
		}
	}

	cancelServe()
	runShutdownSequence(sup, tele, log)
}

// runShutdownSequence writes the auto-start and full snapshots and stops
// every running child via Supervisor.Shutdown; the tool-protocol service
// has already been cancelled by the caller, and returning from main exits.
func runShutdownSequence(sup *supervisor.Supervisor, tele *telemetry.Provider, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopped := sup.Shutdown(ctx)
	log.Info("shutdown complete", zap.Strings("stopped", stopped))

	if err := tele.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("failed to flush telemetry on shutdown")
	}
}

// startAutoExport periodically writes the full fleet snapshot when
// cfg.AutoExportInterval > 0 (KESTREL_AUTO_EXPORT_INTERVAL, in seconds).
func startAutoExport(sup *supervisor.Supervisor, cfg *config.Config, log *logging.Logger) func() {
	if cfg.AutoExportInterval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(time.Duration(cfg.AutoExportInterval) * time.Second)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := sup.Export(cfg.ExportFile, false); err != nil {
					log.WithError(err).Warn("periodic auto-export failed")
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}

// buildSpawner picks where declared commands run: bare OS children (the
// default) or short-lived Docker containers when KESTREL_SPAWNER=container.
func buildSpawner(cfg *config.Config) (proc.Spawner, error) {
	if cfg.Spawner == "container" {
		return proc.NewContainerSpawner(proc.ContainerSpawnerConfig{Image: cfg.ContainerImage})
	}
	return proc.NewOSSpawner(), nil
}

// logOutputPath resolves where log lines go. The tool protocol itself
// speaks JSON-per-line on stdout, so logs default to stderr and never
// interleave with protocol frames. "file" selects a per-start timestamped
// file under the data directory's logs/ subdirectory.
func logOutputPath(cfg *config.Config) string {
	switch cfg.Logging.OutputPath {
	case "", "stdout":
		return "stderr"
	case "file":
		name := "kestrel-" + time.Now().Format("20060102-150405") + ".log"
		return filepath.Join(cfg.LogDir(), name)
	default:
		return cfg.Logging.OutputPath
	}
}
