// Package sync orchestrates the full synchronization run: fetch the server's
// view, reconcile every linked book, and keep the writeback watcher fed.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/api/audiobookshelf"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/columns"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/config"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/library"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/logger"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/models"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/reconcile"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/resolve"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/sessions"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/sync/state"
	"github.com/jbhul/audiobookshelf-calibre-sync/pkg/cache"
)

// ErrSyncInProgress is returned when a sync is requested while one is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// playlistPrefix marks playlist names in the merged collections column.
const playlistPrefix = "PL "

// membershipCacheTTL bounds how long a collections/playlists snapshot is
// reused by the writeback path.
const membershipCacheTTL = 5 * time.Minute

// AudibleClientInterface is the slice of the Audible client the service needs.
type AudibleClientInterface interface {
	SearchProducts(ctx context.Context, title, author string) ([]models.AudibleProduct, error)
	GetRatings(ctx context.Context, asins []string) (map[string]models.AudibleProduct, error)
}

// Summary reports one sync run.
type Summary struct {
	StartedAt time.Time          `json:"startedAt"`
	Duration  time.Duration      `json:"duration"`
	Updated   int                `json:"updated"`
	Skipped   int                `json:"skipped"`
	Failed    int                `json:"failed"`
	Results   []reconcile.Result `json:"results"`
}

// Service handles the synchronization between Audiobookshelf and the library.
type Service struct {
	audiobookshelf audiobookshelf.ClientInterface
	audible        AudibleClientInterface
	store          *library.Store
	config         *config.Config
	engine         *reconcile.Engine
	state          *state.State
	statePath      string
	cache          *cache.Cache
	log            *logger.Logger

	inSync atomic.Bool

	mu          sync.RWMutex
	lastSummary *Summary
}

// NewService creates a sync service and registers the writeback watcher on
// the store.
func NewService(absClient audiobookshelf.ClientInterface, audibleClient AudibleClientInterface, store *library.Store, cfg *config.Config) (*Service, error) {
	st, err := state.LoadState(cfg.Sync.StateFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	svc := &Service{
		audiobookshelf: absClient,
		audible:        audibleClient,
		store:          store,
		config:         cfg,
		state:          st,
		statePath:      cfg.Sync.StateFile,
		cache:          cache.New(),
		log:            logger.Get(),
	}

	svc.engine = reconcile.NewEngine(store, reconcile.Options{
		Bindings:       cfg.Columns,
		ASINSync:       cfg.Sync.ASINSync,
		SkipFinished:   cfg.Sync.SkipFinished,
		MonotonicGuard: cfg.Sync.MonotonicGuard,
		DryRun:         cfg.Sync.DryRun,
	})

	store.Subscribe(svc.onColumnChange)

	return svc, nil
}

// State exposes the persisted sync state.
func (s *Service) State() *state.State {
	return s.state
}

// LastSummary returns the most recent completed run, or nil.
func (s *Service) LastSummary() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSummary
}

// Running reports whether a sync is in flight.
func (s *Service) Running() bool {
	return s.inSync.Load()
}

// Sync runs one full synchronization pass. silent suppresses the per-book
// change rows in the log, for scheduled runs.
func (s *Service) Sync(ctx context.Context, silent bool) (*Summary, error) {
	if !s.inSync.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.inSync.Store(false)

	start := time.Now()
	s.log.Info("Starting synchronization", map[string]interface{}{
		"dry_run": s.config.Sync.DryRun,
	})

	items, err := s.audiobookshelf.GetAllBookItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch library items: %w", err)
	}
	itemsByID := make(map[string]models.LibraryItem, len(items))
	for _, item := range items {
		itemsByID[item.ID] = item
	}

	user, err := s.audiobookshelf.GetCurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	progressByItem := make(map[string]*models.MediaProgress, len(user.MediaProgress))
	for i := range user.MediaProgress {
		p := &user.MediaProgress[i]
		progressByItem[p.LibraryItemID] = p
	}

	var aggByItem map[string]sessions.Aggregate
	if s.anyBound(columns.SourceSessionAggregate) {
		raw, err := s.audiobookshelf.GetListeningSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch listening sessions: %w", err)
		}
		aggByItem = sessions.ByItem(raw)
	}

	var membership map[string][]string
	if s.anyBound(columns.SourceCollections) {
		membership, err = s.fetchMembership(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch collections: %w", err)
		}
	}

	books, err := s.store.WithIdentifier(ctx, library.IdentifierAudiobookshelf)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked books: %w", err)
	}

	var ratings map[string]models.AudibleProduct
	if s.anyBound(columns.SourceCatalogRating) {
		ratings, err = s.fetchRatings(ctx, books)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch ratings: %w", err)
		}
	}

	summary := &Summary{StartedAt: start}
	for _, book := range books {
		itemID := identifierValue(&book, library.IdentifierAudiobookshelf)
		item, ok := itemsByID[itemID]
		if !ok {
			summary.Failed++
			summary.Results = append(summary.Results, reconcile.Result{
				BookID:  book.ID,
				Title:   book.Title,
				Outcome: reconcile.OutcomeFailed,
				Reason:  fmt.Sprintf("no server item with id %s", itemID),
			})
			continue
		}

		bundle := resolve.Bundle{Item: &item}
		if p, ok := progressByItem[itemID]; ok {
			bundle.Progress = p
		}
		if agg, ok := aggByItem[itemID]; ok {
			bundle.Sessions = &agg
		}
		if membership != nil {
			bundle.Collections = membership[itemID]
		}
		if ratings != nil {
			if asin := identifierValue(&book, reconcile.IdentifierAudible); asin != "" {
				if p, ok := ratings[asin]; ok {
					bundle.Rating = p.Rating
				}
			}
		}

		res := s.engine.Reconcile(ctx, &book, bundle)
		switch res.Outcome {
		case reconcile.OutcomeUpdated:
			summary.Updated++
		case reconcile.OutcomeSkipped:
			summary.Skipped++
		case reconcile.OutcomeFailed:
			summary.Failed++
			s.log.Error("Failed to sync book", map[string]interface{}{
				"book":  book.Title,
				"error": res.Reason,
			})
		}
		if !silent {
			for _, row := range res.Rows {
				s.log.Info("Column change", map[string]interface{}{
					"book":   book.Title,
					"change": row.String(),
				})
			}
		}
		summary.Results = append(summary.Results, res)
	}

	summary.Duration = time.Since(start)

	s.state.MarkSynced(start)
	if err := s.state.Save(s.statePath); err != nil {
		s.log.Warn("Failed to save sync state", map[string]interface{}{
			"error": err.Error(),
		})
	}

	s.mu.Lock()
	s.lastSummary = summary
	s.mu.Unlock()

	s.log.Info("Synchronization complete", map[string]interface{}{
		"updated":  summary.Updated,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
		"duration": summary.Duration.String(),
	})
	return summary, nil
}

// SyncRatings refreshes the Audible rating columns for every linked book that
// carries an ASIN.
func (s *Service) SyncRatings(ctx context.Context) error {
	if !s.inSync.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer s.inSync.Store(false)

	if !s.anyBound(columns.SourceCatalogRating) {
		return errors.New("no rating columns configured")
	}

	books, err := s.store.WithIdentifier(ctx, library.IdentifierAudiobookshelf)
	if err != nil {
		return err
	}

	ratings, err := s.fetchRatings(ctx, books)
	if err != nil {
		return err
	}

	updated := 0
	for _, book := range books {
		asin := identifierValue(&book, reconcile.IdentifierAudible)
		if asin == "" {
			continue
		}
		product, ok := ratings[asin]
		if !ok {
			continue
		}

		bundle := resolve.Bundle{Rating: product.Rating}
		staged := make(map[string]interface{})
		for _, desc := range columns.BySource(columns.SourceCatalogRating) {
			column, bound := s.config.Columns[desc.ConfigKey]
			if !bound || column == "" {
				continue
			}
			candidate := resolve.Resolve(desc, bundle)
			old, _, err := s.store.FieldValue(ctx, book.ID, column)
			if err != nil {
				return err
			}
			coerced := resolve.Coerce(desc.Datatype, old, candidate)
			if coerced == nil {
				continue
			}
			if !resolve.Equal(desc.Datatype, old, coerced) {
				staged[column] = coerced
			}
		}
		if len(staged) == 0 || s.config.Sync.DryRun {
			continue
		}
		if err := s.store.Mute(func() error {
			return s.store.SetFields(ctx, book.ID, staged)
		}); err != nil {
			s.log.Error("Failed to write ratings", map[string]interface{}{
				"book":  book.Title,
				"error": err.Error(),
			})
			continue
		}
		updated++
	}

	s.state.MarkRatingsSynced(time.Now())
	if err := s.state.Save(s.statePath); err != nil {
		s.log.Warn("Failed to save sync state", map[string]interface{}{
			"error": err.Error(),
		})
	}

	s.log.Info("Rating sync complete", map[string]interface{}{
		"updated": updated,
	})
	return nil
}

// anyBound reports whether any column of the given source has a binding.
func (s *Service) anyBound(src columns.Source) bool {
	for _, desc := range columns.BySource(src) {
		if column, ok := s.config.Columns[desc.ConfigKey]; ok && column != "" {
			return true
		}
	}
	return false
}

// fetchMembership builds the merged collections/playlists view: item id to
// the labels it belongs to, playlists carrying the "PL " prefix.
func (s *Service) fetchMembership(ctx context.Context) (map[string][]string, error) {
	collections, err := s.audiobookshelf.GetCollections(ctx)
	if err != nil {
		return nil, err
	}
	playlists, err := s.audiobookshelf.GetPlaylists(ctx)
	if err != nil {
		return nil, err
	}

	membership := make(map[string][]string)
	for _, c := range collections {
		for _, b := range c.Books {
			membership[b.ID] = append(membership[b.ID], c.Name)
		}
	}
	for _, p := range playlists {
		for _, it := range p.Items {
			membership[it.LibraryItemID] = append(membership[it.LibraryItemID], playlistPrefix+p.Name)
		}
	}
	return membership, nil
}

// fetchRatings resolves the ASINs of the given books and pulls their catalog
// ratings in one batched pass.
func (s *Service) fetchRatings(ctx context.Context, books []library.Book) (map[string]models.AudibleProduct, error) {
	var asins []string
	seen := make(map[string]bool)
	for _, book := range books {
		asin := identifierValue(&book, reconcile.IdentifierAudible)
		if asin == "" || seen[asin] {
			continue
		}
		seen[asin] = true
		asins = append(asins, asin)
	}
	if len(asins) == 0 {
		return map[string]models.AudibleProduct{}, nil
	}
	return s.audible.GetRatings(ctx, asins)
}

func identifierValue(book *library.Book, identType string) string {
	for _, ident := range book.Identifiers {
		if ident.Type == identType {
			return ident.Value
		}
	}
	return ""
}
