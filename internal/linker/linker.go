// Package linker matches library books to Audiobookshelf items. The quick-link
// pass works the whole unlinked set through an Audible catalog search; manual
// link and unlink cover the cases it cannot decide.
package linker

import (
	"context"
	"fmt"
	"strings"

	"github.com/xrash/smetrics"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/api/audiobookshelf"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/library"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/logger"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/models"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/reconcile"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/sync/state"
)

// titleSimilarityThreshold admits a catalog candidate when its title scores
// above this against the book's title.
const titleSimilarityThreshold = 0.5

// unknownAuthor is the placeholder author name that disqualifies a book from
// quick-link.
const unknownAuthor = "Unknown"

// Outcome classifies one book's quick-link result.
type Outcome string

const (
	OutcomeLinked        Outcome = "linked"
	OutcomeAmbiguous     Outcome = "ambiguous"
	OutcomeNoMatch       Outcome = "no-match"
	OutcomeMissingFields Outcome = "missing-fields"
	OutcomeFailed        Outcome = "failed"
)

// BookResult is one book's quick-link outcome.
type BookResult struct {
	BookID  uint
	Title   string
	Outcome Outcome
	Detail  string
}

// CatalogSearcher is the slice of the Audible client the linker needs.
type CatalogSearcher interface {
	SearchProducts(ctx context.Context, title, author string) ([]models.AudibleProduct, error)
}

// Options configure the linker.
type Options struct {
	// Bindings maps config keys to column names; unlink wipes these columns.
	Bindings map[string]string
	// CacheFailures records no-match books so later passes skip them.
	CacheFailures bool
}

// Linker matches books against the server library.
type Linker struct {
	store   *library.Store
	abs     audiobookshelf.ClientInterface
	catalog CatalogSearcher
	state   *state.State
	opts    Options
	log     *logger.Logger
}

// New creates a linker.
func New(store *library.Store, abs audiobookshelf.ClientInterface, catalog CatalogSearcher, st *state.State, opts Options) *Linker {
	log := logger.Get().With().
		Str("component", "linker").
		Logger()

	return &Linker{
		store:   store,
		abs:     abs,
		catalog: catalog,
		state:   st,
		opts:    opts,
		log:     &logger.Logger{Logger: log},
	}
}

// QuickLink classifies every unlinked book. Books already in the no-match
// cache are not re-searched.
func (l *Linker) QuickLink(ctx context.Context) ([]BookResult, error) {
	items, err := l.abs.GetAllBookItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch server items: %w", err)
	}

	// ASIN to server item ids. One ASIN on several items stays ambiguous.
	asinIndex := make(map[string][]string)
	for _, item := range items {
		if asin := item.Media.Metadata.ASIN; asin != "" {
			asinIndex[asin] = append(asinIndex[asin], item.ID)
		}
	}

	books, err := l.store.MissingIdentifier(ctx, library.IdentifierAudiobookshelf)
	if err != nil {
		return nil, err
	}

	results := make([]BookResult, 0, len(books))
	for _, book := range books {
		if l.opts.CacheFailures && l.state.QuickLinkFailedBefore(book.UUID) {
			results = append(results, BookResult{
				BookID:  book.ID,
				Title:   book.Title,
				Outcome: OutcomeNoMatch,
				Detail:  "cached no-match",
			})
			continue
		}

		res := l.quickLinkOne(ctx, &book, asinIndex)
		if res.Outcome == OutcomeNoMatch && l.opts.CacheFailures {
			l.state.MarkQuickLinkFailed(book.UUID)
		}
		results = append(results, res)
	}

	return results, nil
}

func (l *Linker) quickLinkOne(ctx context.Context, book *library.Book, asinIndex map[string][]string) BookResult {
	res := BookResult{BookID: book.ID, Title: book.Title}

	author := book.PrimaryAuthor()
	if book.Title == "" || author == "" || author == unknownAuthor {
		res.Outcome = OutcomeMissingFields
		res.Detail = "title or author missing"
		return res
	}

	products, err := l.catalog.SearchProducts(ctx, book.Title, author)
	if err != nil {
		// A search failure says nothing about the book; it is never
		// recorded as a no-match.
		res.Outcome = OutcomeFailed
		res.Detail = err.Error()
		return res
	}

	var candidates []string
	seen := make(map[string]bool)
	for _, p := range products {
		if p.ASIN == "" || seen[p.ASIN] {
			continue
		}
		if TitleSimilarity(book.Title, p.Title) <= titleSimilarityThreshold {
			continue
		}
		if _, onServer := asinIndex[p.ASIN]; !onServer {
			continue
		}
		seen[p.ASIN] = true
		candidates = append(candidates, p.ASIN)
	}

	switch {
	case len(candidates) == 0:
		res.Outcome = OutcomeNoMatch
	case len(candidates) > 1:
		res.Outcome = OutcomeAmbiguous
		res.Detail = fmt.Sprintf("%d matching ASINs", len(candidates))
	case len(asinIndex[candidates[0]]) > 1:
		res.Outcome = OutcomeAmbiguous
		res.Detail = fmt.Sprintf("ASIN %s on %d server items", candidates[0], len(asinIndex[candidates[0]]))
	default:
		asin := candidates[0]
		itemID := asinIndex[asin][0]
		if err := l.link(ctx, book.ID, itemID, asin); err != nil {
			res.Outcome = OutcomeFailed
			res.Detail = err.Error()
			return res
		}
		res.Outcome = OutcomeLinked
		res.Detail = itemID
		l.log.Info("Linked book", map[string]interface{}{
			"book":    book.Title,
			"item_id": itemID,
			"asin":    asin,
		})
	}
	return res
}

func (l *Linker) link(ctx context.Context, bookID uint, itemID, asin string) error {
	if err := l.store.SetIdentifier(ctx, bookID, library.IdentifierAudiobookshelf, itemID); err != nil {
		return err
	}
	if asin != "" {
		if err := l.store.SetIdentifier(ctx, bookID, reconcile.IdentifierAudible, asin); err != nil {
			return err
		}
	}
	return nil
}

// Link manually links a book to a server item. The item's ASIN, when present,
// is stored alongside.
func (l *Linker) Link(ctx context.Context, bookID uint, itemID string) error {
	items, err := l.abs.GetAllBookItems(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch server items: %w", err)
	}

	var asin string
	found := false
	for _, item := range items {
		if item.ID == itemID {
			asin = item.Media.Metadata.ASIN
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no server item with id %s", itemID)
	}

	return l.link(ctx, bookID, itemID, asin)
}

// Unlink removes a book's server link and wipes every bound column value.
func (l *Linker) Unlink(ctx context.Context, bookID uint) error {
	if err := l.store.RemoveIdentifier(ctx, bookID, library.IdentifierAudiobookshelf); err != nil {
		return err
	}
	if err := l.store.RemoveIdentifier(ctx, bookID, reconcile.IdentifierAudible); err != nil {
		return err
	}

	cols := make([]string, 0, len(l.opts.Bindings))
	for _, column := range l.opts.Bindings {
		if column != "" {
			cols = append(cols, column)
		}
	}
	return l.store.ClearColumns(ctx, bookID, cols)
}

// Unlinked returns the server items no book links to.
func (l *Linker) Unlinked(ctx context.Context) ([]models.LibraryItem, error) {
	items, err := l.abs.GetAllBookItems(ctx)
	if err != nil {
		return nil, err
	}

	linked, err := l.store.WithIdentifier(ctx, library.IdentifierAudiobookshelf)
	if err != nil {
		return nil, err
	}
	linkedIDs := make(map[string]bool, len(linked))
	for _, book := range linked {
		for _, ident := range book.Identifiers {
			if ident.Type == library.IdentifierAudiobookshelf {
				linkedIDs[ident.Value] = true
			}
		}
	}

	var out []models.LibraryItem
	for _, item := range items {
		if !linkedIDs[item.ID] {
			out = append(out, item)
		}
	}
	return out, nil
}

// TitleSimilarity scores how close two titles are, case-insensitively, in the
// range [0, 1].
func TitleSimilarity(a, b string) float64 {
	return smetrics.JaroWinkler(strings.ToLower(a), strings.ToLower(b), 0.7, 4)
}
