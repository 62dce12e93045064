package linker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/api/audiobookshelf"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/library"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/models"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/reconcile"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/sync/state"
)

// fakeABS stubs the one server call the linker makes.
type fakeABS struct {
	audiobookshelf.ClientInterface
	items []models.LibraryItem
	err   error
}

func (f *fakeABS) GetAllBookItems(ctx context.Context) ([]models.LibraryItem, error) {
	return f.items, f.err
}

type fakeCatalog struct {
	products []models.AudibleProduct
	err      error
	calls    int
}

func (f *fakeCatalog) SearchProducts(ctx context.Context, title, author string) ([]models.AudibleProduct, error) {
	f.calls++
	return f.products, f.err
}

func serverItem(id, asin, title string) models.LibraryItem {
	var item models.LibraryItem
	item.ID = id
	item.Media.Metadata.ASIN = asin
	item.Media.Metadata.Title = title
	return item
}

func testStore(t *testing.T) *library.Store {
	t.Helper()
	store, err := library.Open(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestQuickLinkLinksSingleMatch(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	book, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)

	abs := &fakeABS{items: []models.LibraryItem{serverItem("li_1", "B002V1OF70", "Dune")}}
	catalog := &fakeCatalog{products: []models.AudibleProduct{
		{ASIN: "B002V1OF70", Title: "Dune"},
	}}

	l := New(store, abs, catalog, state.NewState(), Options{})
	results, err := l.QuickLink(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeLinked, results[0].Outcome)
	assert.Equal(t, "li_1", results[0].Detail)

	itemID, err := store.Identifier(ctx, book.ID, library.IdentifierAudiobookshelf)
	require.NoError(t, err)
	assert.Equal(t, "li_1", itemID)

	asin, err := store.Identifier(ctx, book.ID, reconcile.IdentifierAudible)
	require.NoError(t, err)
	assert.Equal(t, "B002V1OF70", asin)
}

func TestQuickLinkAmbiguousOnMultipleASINs(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)

	abs := &fakeABS{items: []models.LibraryItem{
		serverItem("li_1", "ASIN_A", "Dune"),
		serverItem("li_2", "ASIN_B", "Dune"),
	}}
	catalog := &fakeCatalog{products: []models.AudibleProduct{
		{ASIN: "ASIN_A", Title: "Dune"},
		{ASIN: "ASIN_B", Title: "Dune"},
	}}

	l := New(store, abs, catalog, state.NewState(), Options{})
	results, err := l.QuickLink(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAmbiguous, results[0].Outcome)
}

func TestQuickLinkAmbiguousWhenASINOnSeveralItems(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)

	abs := &fakeABS{items: []models.LibraryItem{
		serverItem("li_1", "ASIN_A", "Dune"),
		serverItem("li_2", "ASIN_A", "Dune"),
	}}
	catalog := &fakeCatalog{products: []models.AudibleProduct{
		{ASIN: "ASIN_A", Title: "Dune"},
	}}

	l := New(store, abs, catalog, state.NewState(), Options{})
	results, err := l.QuickLink(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAmbiguous, results[0].Outcome)
}

func TestQuickLinkFiltersDissimilarTitles(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)

	abs := &fakeABS{items: []models.LibraryItem{serverItem("li_1", "ASIN_A", "x")}}
	catalog := &fakeCatalog{products: []models.AudibleProduct{
		{ASIN: "ASIN_A", Title: "Zzzzzzzz Qqqqqqq"},
	}}

	l := New(store, abs, catalog, state.NewState(), Options{})
	results, err := l.QuickLink(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeNoMatch, results[0].Outcome)
}

func TestQuickLinkMissingFields(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.CreateBook(ctx, "Dune", "Unknown")
	require.NoError(t, err)

	catalog := &fakeCatalog{}
	l := New(store, &fakeABS{}, catalog, state.NewState(), Options{})
	results, err := l.QuickLink(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeMissingFields, results[0].Outcome)
	assert.Zero(t, catalog.calls)
}

func TestQuickLinkCachesNoMatch(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)

	abs := &fakeABS{}
	catalog := &fakeCatalog{}
	l := New(store, abs, catalog, state.NewState(), Options{CacheFailures: true})

	results, err := l.QuickLink(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeNoMatch, results[0].Outcome)
	assert.Equal(t, 1, catalog.calls)

	// The cached failure short-circuits before the catalog search.
	results, err = l.QuickLink(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeNoMatch, results[0].Outcome)
	assert.Equal(t, "cached no-match", results[0].Detail)
	assert.Equal(t, 1, catalog.calls)
}

func TestQuickLinkSearchErrorNotCached(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)

	catalog := &fakeCatalog{err: errors.New("audible is down")}
	l := New(store, &fakeABS{}, catalog, state.NewState(), Options{CacheFailures: true})

	results, err := l.QuickLink(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Equal(t, "audible is down", results[0].Detail)
	assert.Equal(t, 1, catalog.calls)

	// The failure is not cached; the next pass searches again.
	catalog.err = nil
	results, err = l.QuickLink(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeNoMatch, results[0].Outcome)
	assert.Equal(t, 2, catalog.calls)
}

func TestQuickLinkSkipsLinkedBooks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	book, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)
	require.NoError(t, store.SetIdentifier(ctx, book.ID, library.IdentifierAudiobookshelf, "li_1"))

	catalog := &fakeCatalog{}
	l := New(store, &fakeABS{}, catalog, state.NewState(), Options{})
	results, err := l.QuickLink(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, catalog.calls)
}

func TestQuickLinkServerError(t *testing.T) {
	store := testStore(t)

	l := New(store, &fakeABS{err: errors.New("boom")}, &fakeCatalog{}, state.NewState(), Options{})
	_, err := l.QuickLink(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch server items")
}

func TestManualLinkAndUnlink(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	book, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)

	abs := &fakeABS{items: []models.LibraryItem{serverItem("li_1", "B002V1OF70", "Dune")}}
	bindings := map[string]string{"column_audiobook_subtitle": "#abs_subtitle"}
	l := New(store, abs, &fakeCatalog{}, state.NewState(), Options{Bindings: bindings})

	require.NoError(t, l.Link(ctx, book.ID, "li_1"))
	itemID, err := store.Identifier(ctx, book.ID, library.IdentifierAudiobookshelf)
	require.NoError(t, err)
	assert.Equal(t, "li_1", itemID)

	require.NoError(t, store.SetFields(ctx, book.ID, map[string]interface{}{
		"#abs_subtitle": "Deluxe",
	}))

	require.NoError(t, l.Unlink(ctx, book.ID))

	itemID, err = store.Identifier(ctx, book.ID, library.IdentifierAudiobookshelf)
	require.NoError(t, err)
	assert.Empty(t, itemID)

	asin, err := store.Identifier(ctx, book.ID, reconcile.IdentifierAudible)
	require.NoError(t, err)
	assert.Empty(t, asin)

	_, ok, err := store.FieldValue(ctx, book.ID, "#abs_subtitle")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManualLinkUnknownItem(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	book, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)

	l := New(store, &fakeABS{}, &fakeCatalog{}, state.NewState(), Options{})
	err = l.Link(ctx, book.ID, "li_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "li_missing")
}

func TestUnlinked(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	book, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)
	require.NoError(t, store.SetIdentifier(ctx, book.ID, library.IdentifierAudiobookshelf, "li_1"))

	abs := &fakeABS{items: []models.LibraryItem{
		serverItem("li_1", "", "Dune"),
		serverItem("li_2", "", "Hyperion"),
	}}
	l := New(store, abs, &fakeCatalog{}, state.NewState(), Options{})

	items, err := l.Unlinked(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "li_2", items[0].ID)
}

func TestTitleSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, TitleSimilarity("Dune", "dune"))
	assert.Greater(t, TitleSimilarity("Dune", "Dune (Unabridged)"), titleSimilarityThreshold)
	assert.LessOrEqual(t, TitleSimilarity("Dune", "Zzzzzzzz Qqqqqqq"), titleSimilarityThreshold)
}