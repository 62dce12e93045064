package sync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/api/audiobookshelf"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/config"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/library"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/models"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/reconcile"
)

// fakeABS stubs the server calls the service makes and records writes.
type fakeABS struct {
	audiobookshelf.ClientInterface

	mu          sync.Mutex
	items       []models.LibraryItem
	user        *models.User
	sessions    []models.ListeningSession
	collections []models.Collection
	playlists   []models.Playlist

	sessionCalls    int
	mediaUpdates    []map[string]interface{}
	tagUpdates      [][]string
	collectionAdds  map[string][]string
	playlistAdds    map[string][]string
	collectionDrops map[string][]string
	playlistDrops   map[string][]string
}

func newFakeABS() *fakeABS {
	return &fakeABS{
		user:            &models.User{},
		collectionAdds:  map[string][]string{},
		playlistAdds:    map[string][]string{},
		collectionDrops: map[string][]string{},
		playlistDrops:   map[string][]string{},
	}
}

func (f *fakeABS) GetAllBookItems(ctx context.Context) ([]models.LibraryItem, error) {
	return f.items, nil
}

func (f *fakeABS) GetCurrentUser(ctx context.Context) (*models.User, error) {
	return f.user, nil
}

func (f *fakeABS) GetListeningSessions(ctx context.Context) ([]models.ListeningSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionCalls++
	return f.sessions, nil
}

func (f *fakeABS) GetCollections(ctx context.Context) ([]models.Collection, error) {
	return f.collections, nil
}

func (f *fakeABS) GetPlaylists(ctx context.Context) ([]models.Playlist, error) {
	return f.playlists, nil
}

func (f *fakeABS) UpdateItemMedia(ctx context.Context, itemID string, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaUpdates = append(f.mediaUpdates, metadata)
	return nil
}

func (f *fakeABS) UpdateItemTags(ctx context.Context, itemID string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagUpdates = append(f.tagUpdates, tags)
	return nil
}

func (f *fakeABS) BatchCollectionAdd(ctx context.Context, collectionID string, itemIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collectionAdds[collectionID] = append(f.collectionAdds[collectionID], itemIDs...)
	return nil
}

func (f *fakeABS) BatchCollectionRemove(ctx context.Context, collectionID string, itemIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collectionDrops[collectionID] = append(f.collectionDrops[collectionID], itemIDs...)
	return nil
}

func (f *fakeABS) BatchPlaylistAdd(ctx context.Context, playlistID string, itemIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playlistAdds[playlistID] = append(f.playlistAdds[playlistID], itemIDs...)
	return nil
}

func (f *fakeABS) BatchPlaylistRemove(ctx context.Context, playlistID string, itemIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playlistDrops[playlistID] = append(f.playlistDrops[playlistID], itemIDs...)
	return nil
}

type fakeAudible struct {
	ratings     map[string]models.AudibleProduct
	ratingCalls int
	lastASINs   []string
}

func (f *fakeAudible) SearchProducts(ctx context.Context, title, author string) ([]models.AudibleProduct, error) {
	return nil, nil
}

func (f *fakeAudible) GetRatings(ctx context.Context, asins []string) (map[string]models.AudibleProduct, error) {
	f.ratingCalls++
	f.lastASINs = asins
	return f.ratings, nil
}

func testConfig(t *testing.T, bindings map[string]string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Audiobookshelf.URL = "http://localhost:13378"
	cfg.Audiobookshelf.Token = "token"
	cfg.Sync.StateFile = filepath.Join(t.TempDir(), "sync_state.json")
	cfg.Sync.ASINSync = true
	cfg.Columns = bindings
	return cfg
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

func linkedBook(t *testing.T, store *library.Store, title, author, itemID string) *library.Book {
	t.Helper()
	ctx := context.Background()
	book, err := store.CreateBook(ctx, title, author)
	require.NoError(t, err)
	require.NoError(t, store.SetIdentifier(ctx, book.ID, library.IdentifierAudiobookshelf, itemID))
	return book
}

func itemFromJSON(t *testing.T, payload string) models.LibraryItem {
	t.Helper()
	var item models.LibraryItem
	require.NoError(t, json.Unmarshal([]byte(payload), &item))
	return item
}

func TestSyncUpdatesLinkedBooks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	book := linkedBook(t, store, "Dune", "Frank Herbert", "li_1")

	abs := newFakeABS()
	abs.items = []models.LibraryItem{itemFromJSON(t, `{
		"id": "li_1",
		"media": {"metadata": {"subtitle": "Deluxe Edition"}}
	}`)}
	var progress models.MediaProgress
	require.NoError(t, json.Unmarshal([]byte(`{"libraryItemId": "li_1", "progress": 0.5}`), &progress))
	abs.user = &models.User{MediaProgress: []models.MediaProgress{progress}}

	cfg := testConfig(t, map[string]string{
		"column_audiobook_subtitle":     "#abs_subtitle",
		"column_audiobook_progress_int": "#abs_progress",
	})
	svc, err := NewService(abs, &fakeAudible{}, store, cfg)
	require.NoError(t, err)

	summary, err := svc.Sync(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Zero(t, summary.Failed)

	subtitle, ok, err := store.FieldValue(ctx, book.ID, "#abs_subtitle")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Deluxe Edition", subtitle)

	pct, ok, err := store.FieldValue(ctx, book.ID, "#abs_progress")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(50), pct)

	// No session columns bound, so the sessions endpoint is never hit.
	assert.Zero(t, abs.sessionCalls)

	assert.NotNil(t, svc.LastSummary())
	assert.False(t, svc.State().LastSyncTime().IsZero())
}

func TestSyncReportsMissingServerItem(t *testing.T) {
	store := testStore(t)
	linkedBook(t, store, "Dune", "Frank Herbert", "li_gone")

	cfg := testConfig(t, map[string]string{"column_audiobook_subtitle": "#abs_subtitle"})
	svc, err := NewService(newFakeABS(), &fakeAudible{}, store, cfg)
	require.NoError(t, err)

	summary, err := svc.Sync(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, reconcile.OutcomeFailed, summary.Results[0].Outcome)
	assert.Contains(t, summary.Results[0].Reason, "li_gone")
}

func TestSyncSingleFlight(t *testing.T) {
	store := testStore(t)
	cfg := testConfig(t, map[string]string{})
	svc, err := NewService(newFakeABS(), &fakeAudible{}, store, cfg)
	require.NoError(t, err)

	svc.inSync.Store(true)
	_, err = svc.Sync(context.Background(), true)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.ErrorIs(t, svc.SyncRatings(context.Background()), ErrSyncInProgress)
	svc.inSync.Store(false)
}

func TestSyncMergesCollectionsAndPlaylists(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	book := linkedBook(t, store, "Dune", "Frank Herbert", "li_1")

	abs := newFakeABS()
	abs.items = []models.LibraryItem{itemFromJSON(t, `{"id": "li_1", "media": {}}`)}
	require.NoError(t, json.Unmarshal([]byte(`[
		{"id": "c1", "name": "Favorites", "books": [{"id": "li_1"}]}
	]`), &abs.collections))
	require.NoError(t, json.Unmarshal([]byte(`[
		{"id": "p1", "name": "Road Trip", "items": [{"libraryItemId": "li_1"}]}
	]`), &abs.playlists))

	cfg := testConfig(t, map[string]string{"column_audiobook_collections": "#abs_collections"})
	svc, err := NewService(abs, &fakeAudible{}, store, cfg)
	require.NoError(t, err)

	summary, err := svc.Sync(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)

	labels, ok, err := store.FieldValue(ctx, book.ID, "#abs_collections")
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"Favorites", "PL Road Trip"}, labels)
}

func TestSyncFetchesRatingsForBoundColumns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	book := linkedBook(t, store, "Dune", "Frank Herbert", "li_1")
	require.NoError(t, store.SetIdentifier(ctx, book.ID, reconcile.IdentifierAudible, "B002V1OF70"))

	abs := newFakeABS()
	abs.items = []models.LibraryItem{itemFromJSON(t, `{"id": "li_1", "media": {}}`)}

	var product models.AudibleProduct
	require.NoError(t, json.Unmarshal([]byte(`{
		"asin": "B002V1OF70",
		"rating": {"overall_distribution": {"display_average_rating": "4.7", "num_ratings": 12345}}
	}`), &product))
	audible := &fakeAudible{ratings: map[string]models.AudibleProduct{"B002V1OF70": product}}

	cfg := testConfig(t, map[string]string{
		"column_audible_rating":      "#audible_rating",
		"column_audible_num_ratings": "#audible_num_ratings",
	})
	svc, err := NewService(abs, audible, store, cfg)
	require.NoError(t, err)

	summary, err := svc.Sync(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, audible.ratingCalls)
	assert.Equal(t, []string{"B002V1OF70"}, audible.lastASINs)

	rating, ok, err := store.FieldValue(ctx, book.ID, "#audible_rating")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4.7, rating)

	count, ok, err := store.FieldValue(ctx, book.ID, "#audible_num_ratings")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(12345), count)
}

func TestSyncRatingsStandalone(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	book := linkedBook(t, store, "Dune", "Frank Herbert", "li_1")
	require.NoError(t, store.SetIdentifier(ctx, book.ID, reconcile.IdentifierAudible, "B002V1OF70"))

	var product models.AudibleProduct
	require.NoError(t, json.Unmarshal([]byte(`{
		"asin": "B002V1OF70",
		"rating": {"overall_distribution": {"display_average_rating": "4.5", "num_ratings": 10}}
	}`), &product))
	audible := &fakeAudible{ratings: map[string]models.AudibleProduct{"B002V1OF70": product}}

	cfg := testConfig(t, map[string]string{"column_audible_rating": "#audible_rating"})
	svc, err := NewService(newFakeABS(), audible, store, cfg)
	require.NoError(t, err)

	require.NoError(t, svc.SyncRatings(ctx))

	rating, ok, err := store.FieldValue(ctx, book.ID, "#audible_rating")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4.5, rating)
	assert.False(t, svc.State().LastRatingSyncTime().IsZero())
}

func TestSyncRatingsWithoutBoundColumns(t *testing.T) {
	store := testStore(t)
	cfg := testConfig(t, map[string]string{"column_audiobook_subtitle": "#abs_subtitle"})
	svc, err := NewService(newFakeABS(), &fakeAudible{}, store, cfg)
	require.NoError(t, err)

	err = svc.SyncRatings(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rating columns configured")
}

func TestWritebackPushesLocalEdits(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	book := linkedBook(t, store, "Dune", "Frank Herbert", "li_1")

	abs := newFakeABS()
	cfg := testConfig(t, map[string]string{"column_audiobook_subtitle": "#abs_subtitle"})
	cfg.Sync.Writeback = true
	_, err := NewService(abs, &fakeAudible{}, store, cfg)
	require.NoError(t, err)

	require.NoError(t, store.SetFields(ctx, book.ID, map[string]interface{}{
		"#abs_subtitle": "Hand Edited",
	}))

	require.Len(t, abs.mediaUpdates, 1)
	assert.Equal(t, map[string]interface{}{"subtitle": "Hand Edited"}, abs.mediaUpdates[0])
}

func TestWritebackIgnoresReadOnlyColumns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	book := linkedBook(t, store, "Dune", "Frank Herbert", "li_1")

	abs := newFakeABS()
	cfg := testConfig(t, map[string]string{"column_audiobook_progress_int": "#abs_progress"})
	cfg.Sync.Writeback = true
	_, err := NewService(abs, &fakeAudible{}, store, cfg)
	require.NoError(t, err)

	require.NoError(t, store.SetFields(ctx, book.ID, map[string]interface{}{
		"#abs_progress": int64(50),
	}))

	assert.Empty(t, abs.mediaUpdates)
}

func TestWritebackSuppressedDuringSync(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	book := linkedBook(t, store, "Dune", "Frank Herbert", "li_1")

	abs := newFakeABS()
	cfg := testConfig(t, map[string]string{"column_audiobook_subtitle": "#abs_subtitle"})
	cfg.Sync.Writeback = true
	svc, err := NewService(abs, &fakeAudible{}, store, cfg)
	require.NoError(t, err)

	svc.inSync.Store(true)
	require.NoError(t, store.SetFields(ctx, book.ID, map[string]interface{}{
		"#abs_subtitle": "From Sync",
	}))
	svc.inSync.Store(false)

	assert.Empty(t, abs.mediaUpdates)
}

func TestWritebackMembershipDiff(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	book := linkedBook(t, store, "Dune", "Frank Herbert", "li_1")

	abs := newFakeABS()
	require.NoError(t, json.Unmarshal([]byte(`[
		{"id": "c1", "name": "Favorites", "books": []},
		{"id": "c2", "name": "Sci-Fi", "books": [{"id": "li_1"}]},
		{"id": "c3", "name": "PL Road Trip", "books": []}
	]`), &abs.collections))
	require.NoError(t, json.Unmarshal([]byte(`[
		{"id": "p1", "name": "Road Trip", "items": []}
	]`), &abs.playlists))

	cfg := testConfig(t, map[string]string{"column_audiobook_collections": "#abs_collections"})
	cfg.Sync.Writeback = true
	_, err := NewService(abs, &fakeAudible{}, store, cfg)
	require.NoError(t, err)

	require.NoError(t, store.SetFields(ctx, book.ID, map[string]interface{}{
		"#abs_collections": []string{"Favorites", "PL Road Trip"},
	}))

	assert.Equal(t, []string{"li_1"}, abs.collectionAdds["c1"])
	assert.Equal(t, []string{"li_1"}, abs.collectionDrops["c2"])
	assert.Equal(t, []string{"li_1"}, abs.playlistAdds["p1"])
	// The collection literally named like the playlist label stays untouched.
	assert.Empty(t, abs.collectionAdds["c3"])
	assert.Empty(t, abs.collectionDrops["c3"])
}
