// Package main provides a command-line tool for managing the links between
// library books and Audiobookshelf items: bulk quick-link, manual link and
// unlink, and diagnostics.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/api/audible"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/api/audiobookshelf"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/config"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/library"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/linker"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/logger"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/sync/state"
)

// init initializes the logger with default values
func init() {
	logger.Setup(logger.Config{
		Level:      "info",
		Format:     logger.FormatConsole,
		TimeFormat: time.RFC3339,
	})
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "abs-link",
		Usage:   "Link library books to Audiobookshelf items",
		Version: fmt.Sprintf("%s (%s) %s", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "config.yaml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "quick-link",
				Usage:  "Match every unlinked book against the Audible catalog",
				Action: runQuickLink,
			},
			{
				Name:  "link",
				Usage: "Manually link a book to a server item",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "book-id",
						Usage:    "Library book ID",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "item-id",
						Usage:    "Audiobookshelf item ID",
						Required: true,
					},
				},
				Action: runLink,
			},
			{
				Name:  "unlink",
				Usage: "Remove a book's server link and wipe its synced columns",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "book-id",
						Usage:    "Library book ID",
						Required: true,
					},
				},
				Action: runUnlink,
			},
			{
				Name:   "unlinked",
				Usage:  "List server items no book links to",
				Action: runUnlinked,
			},
			{
				Name:   "ping",
				Usage:  "Verify server connectivity and token",
				Action: runPing,
			},
			{
				Name:   "clear-cache",
				Usage:  "Clear the quick-link no-match cache",
				Action: runClearCache,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// toolEnv bundles the pieces every command needs.
type toolEnv struct {
	cfg    *config.Config
	store  *library.Store
	abs    *audiobookshelf.Client
	linker *linker.Linker
	state  *state.State
}

func setup(c *cli.Context) (*toolEnv, func(), error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := library.Open(cfg.Library.DatabasePath)
	if err != nil {
		return nil, nil, err
	}

	st, err := state.LoadState(cfg.Sync.StateFile)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	absClient := audiobookshelf.NewClient(cfg.Audiobookshelf.URL, cfg.Audiobookshelf.Token)
	audibleClient := audible.NewClient(cfg.Audible.Region)

	lnk := linker.New(store, absClient, audibleClient, st, linker.Options{
		Bindings:      cfg.Columns,
		CacheFailures: cfg.QuickLink.CacheFailures,
	})

	env := &toolEnv{
		cfg:    cfg,
		store:  store,
		abs:    absClient,
		linker: lnk,
		state:  st,
	}
	cleanup := func() {
		store.Close()
	}
	return env, cleanup, nil
}

func runQuickLink(c *cli.Context) error {
	env, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	results, err := env.linker.QuickLink(ctx)
	if err != nil {
		return err
	}

	counts := make(map[linker.Outcome]int)
	for _, res := range results {
		counts[res.Outcome]++
		detail := ""
		if res.Detail != "" {
			detail = " (" + res.Detail + ")"
		}
		fmt.Printf("%-15s %s%s\n", res.Outcome, res.Title, detail)
	}

	if err := env.state.Save(env.cfg.Sync.StateFile); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	fmt.Printf("\nlinked: %d  ambiguous: %d  no-match: %d  missing-fields: %d  failed: %d\n",
		counts[linker.OutcomeLinked], counts[linker.OutcomeAmbiguous],
		counts[linker.OutcomeNoMatch], counts[linker.OutcomeMissingFields],
		counts[linker.OutcomeFailed])
	return nil
}

func runLink(c *cli.Context) error {
	env, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	bookID := uint(c.Uint("book-id"))
	itemID := c.String("item-id")
	if err := env.linker.Link(ctx, bookID, itemID); err != nil {
		return err
	}

	fmt.Printf("Linked book %d to item %s\n", bookID, itemID)
	return nil
}

func runUnlink(c *cli.Context) error {
	env, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	bookID := uint(c.Uint("book-id"))
	if err := env.linker.Unlink(ctx, bookID); err != nil {
		return err
	}

	fmt.Printf("Unlinked book %d\n", bookID)
	return nil
}

func runUnlinked(c *cli.Context) error {
	env, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	items, err := env.linker.Unlinked(ctx)
	if err != nil {
		return err
	}

	if len(items) == 0 {
		fmt.Println("Every server item is linked")
		return nil
	}
	for _, item := range items {
		fmt.Printf("%s  %s by %s\n", item.ID, item.Media.Metadata.Title, item.Media.Metadata.AuthorName)
	}
	fmt.Printf("\n%d unlinked items\n", len(items))
	return nil
}

func runPing(c *cli.Context) error {
	env, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := env.abs.Ping(ctx); err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}

	user, err := env.abs.Authorize(ctx)
	if err != nil {
		return fmt.Errorf("token rejected: %w", err)
	}

	fmt.Printf("Connected to %s as %s\n", env.cfg.Audiobookshelf.URL, user.Username)
	return nil
}

func runClearCache(c *cli.Context) error {
	env, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	env.state.ClearQuickLinkCache()
	if err := env.state.Save(env.cfg.Sync.StateFile); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	fmt.Println("Quick-link cache cleared")
	return nil
}
