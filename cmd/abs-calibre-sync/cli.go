package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/api/audible"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/api/audiobookshelf"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/config"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/library"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/logger"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/sync"
)

// configFlags holds the application configuration from command-line flags
type configFlags struct {
	configFile          string
	audiobookshelfURL   string
	audiobookshelfToken string
	dryRun              bool
	help                bool
	version             bool
	oneTimeSync         bool
	serverOnly          bool
}

// parseFlags parses command-line flags and returns the configuration
func parseFlags() *configFlags {
	var cfg configFlags

	flag.StringVar(&cfg.configFile, "config", "", "Path to config file (YAML)")
	flag.StringVar(&cfg.audiobookshelfURL, "audiobookshelf-url", "", "Audiobookshelf server URL")
	flag.StringVar(&cfg.audiobookshelfToken, "audiobookshelf-token", "", "Audiobookshelf API token")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Run in dry-run mode (no changes will be made)")
	flag.BoolVar(&cfg.help, "help", false, "Show help")
	flag.BoolVar(&cfg.version, "version", false, "Show version")
	flag.BoolVar(&cfg.oneTimeSync, "once", false, "Run sync once and exit")
	flag.BoolVar(&cfg.serverOnly, "server-only", false, "Only run the HTTP server, no scheduled sync")

	flag.Parse()

	setEnvFromFlag(cfg.audiobookshelfURL, "AUDIOBOOKSHELF_URL")
	setEnvFromFlag(cfg.audiobookshelfToken, "AUDIOBOOKSHELF_TOKEN")
	if cfg.dryRun {
		os.Setenv("DRY_RUN", "true")
	}

	return &cfg
}

// setEnvFromFlag sets an environment variable if the flag value is not empty
func setEnvFromFlag(value, envVar string) {
	if value == "" {
		return
	}
	if err := os.Setenv(envVar, value); err != nil {
		logger.Get().Warn("Failed to set environment variable", map[string]interface{}{
			"error": err.Error(),
			"var":   envVar,
		})
	}
}

// runOneTimeSync performs a single sync pass and exits.
func runOneTimeSync(cfg *config.Config) {
	log := logger.Get()

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	summary, err := syncService.Sync(ctx, false)
	if err != nil {
		log.Error("Sync failed", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	log.Info("One-time sync finished", map[string]interface{}{
		"updated": summary.Updated,
		"skipped": summary.Skipped,
		"failed":  summary.Failed,
	})
	if summary.Failed > 0 {
		os.Exit(1)
	}
}

// StartScheduledSync runs a silent sync every day at hour:minute until the
// context is cancelled or abortCh closes.
func StartScheduledSync(ctx context.Context, svc *sync.Service, abortCh <-chan struct{}, hour, minute int) {
	log := logger.Get()
	log.Info("Scheduled sync enabled", map[string]interface{}{
		"hour":   hour,
		"minute": minute,
	})

	go func() {
		for {
			next := nextRun(time.Now(), hour, minute)
			timer := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-abortCh:
				timer.Stop()
				return
			case <-timer.C:
			}

			runCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
			if _, err := svc.Sync(runCtx, true); err != nil && !errors.Is(err, sync.ErrSyncInProgress) {
				log.Error("Scheduled sync failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			cancel()
		}
	}()
}

// nextRun returns the next daily occurrence of hour:minute after now.
func nextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
