// abs-calibre-sync is the main service for syncing Audiobookshelf data into
// the local book library. It runs a long-lived service with a daily scheduled
// sync, an HTTP trigger endpoint, and a one-time sync option.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/api/audible"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/api/audiobookshelf"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/config"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/library"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/logger"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/server"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/sync"
)

// Environment Variables:
//   AUDIOBOOKSHELF_URL      URL of the Audiobookshelf server
//   AUDIOBOOKSHELF_TOKEN    API token for Audiobookshelf
//   AUDIBLE_REGION          (optional) Audible marketplace region (default: .com)
//   LIBRARY_DATABASE_PATH   (optional) Path to the library database
//   LOG_LEVEL               (optional) Log level (debug, info, warn, error)
//   DRY_RUN                 (optional) If true, no changes are written
//   SYNC_WRITEBACK          (optional) Push column edits back to the server
//
// Endpoints:
//   GET  /healthz           # Health check
//   POST /sync              # Trigger a sync
//   POST /sync/ratings      # Trigger an Audible rating refresh
//   GET  /summary           # Last run's summary

var (
	version = "dev" // Set during build
)

func main() {
	flags := parseFlags()

	if flags.help {
		showHelp()
		return
	}
	if flags.version {
		showVersion()
		return
	}

	cfg, err := config.Load(flags.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	log := logger.Get()

	log.Info("Starting abs-calibre-sync", map[string]interface{}{
		"version":    version,
		"log_level":  cfg.Logging.Level,
		"log_format": cfg.Logging.Format,
		"dry_run":    cfg.Sync.DryRun,
	})

	if flags.oneTimeSync {
		runOneTimeSync(cfg)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	abortCh := make(chan struct{})
	errCh := make(chan error, 1)

	store, err := library.Open(cfg.Library.DatabasePath)
	if err != nil {
		log.Error("Failed to open library database", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	defer store.Close()

	absClient := audiobookshelf.NewClient(cfg.Audiobookshelf.URL, cfg.Audiobookshelf.Token)
	audibleClient := audible.NewClient(cfg.Audible.Region)

	syncService, err := sync.NewService(absClient, audibleClient, store, cfg)
	if err != nil {
		log.Error("Failed to create sync service", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	srv := server.New(fmt.Sprintf(":%s", cfg.Server.Port), syncService, log)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}()

	if !flags.serverOnly && cfg.Sync.ScheduleEnabled {
		StartScheduledSync(ctx, syncService, abortCh, cfg.Sync.ScheduleHour, cfg.Sync.ScheduleMinute)
	} else if !flags.serverOnly {
		log.Info("Scheduled sync is disabled", nil)
	}

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received", nil)
	case err := <-errCh:
		log.Error("Fatal error occurred", map[string]interface{}{
			"error": err.Error(),
		})
	}

	stop()
	close(abortCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info("Initiating graceful shutdown...", map[string]interface{}{
		"timeout": cfg.Server.ShutdownTimeout.String(),
	})
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("Shutdown completed", nil)
}

func showHelp() {
	fmt.Println("Audiobookshelf to calibre-style library sync")
	fmt.Println("\nUsage:")
	fmt.Println("  abs-calibre-sync [flags]")

	fmt.Println("\nRequired Configuration (flags or environment variables):")
	fmt.Println("  --audiobookshelf-url URL")
	fmt.Println("  \tAudiobookshelf server URL")
	fmt.Println("  \tEnvironment: AUDIOBOOKSHELF_URL")

	fmt.Println("  --audiobookshelf-token TOKEN")
	fmt.Println("  \tAudiobookshelf API token")
	fmt.Println("  \tEnvironment: AUDIOBOOKSHELF_TOKEN")

	fmt.Println("\nOptional Configuration:")
	fmt.Println("  --config FILE")
	fmt.Println("  \tPath to config file (YAML)")

	fmt.Println("  --dry-run")
	fmt.Println("  \tRun in dry-run mode (no changes will be made)")
	fmt.Println("  \tEnvironment: DRY_RUN (true/false)")

	fmt.Println("  --once")
	fmt.Println("  \tRun sync once and exit")

	fmt.Println("  --server-only")
	fmt.Println("  \tOnly run the HTTP server, no scheduled sync")

	fmt.Println("\nOther Options:")
	fmt.Println("  -h, --help")
	fmt.Println("  \tShow this help message")
	fmt.Println("  -v, --version")
	fmt.Println("  \tShow version information")
}

func showVersion() {
	fmt.Printf("abs-calibre-sync version %s\n", version)
}
