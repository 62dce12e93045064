package library

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/columns"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestCreateAndGetBook(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	book, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)
	require.NotZero(t, book.ID)
	require.NotEmpty(t, book.UUID)

	got, err := store.GetBook(ctx, book.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Dune", got.Title)
	assert.Equal(t, "Frank Herbert", got.PrimaryAuthor())

	byUUID, err := store.GetByUUID(ctx, book.UUID)
	require.NoError(t, err)
	require.NotNil(t, byUUID)
	assert.Equal(t, book.ID, byUUID.ID)

	missing, err := store.GetBook(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestIdentifierRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	book, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)

	require.NoError(t, store.SetIdentifier(ctx, book.ID, IdentifierAudiobookshelf, "li_1"))

	val, err := store.Identifier(ctx, book.ID, IdentifierAudiobookshelf)
	require.NoError(t, err)
	assert.Equal(t, "li_1", val)

	// Update in place.
	require.NoError(t, store.SetIdentifier(ctx, book.ID, IdentifierAudiobookshelf, "li_2"))
	val, err = store.Identifier(ctx, book.ID, IdentifierAudiobookshelf)
	require.NoError(t, err)
	assert.Equal(t, "li_2", val)

	require.NoError(t, store.RemoveIdentifier(ctx, book.ID, IdentifierAudiobookshelf))
	val, err = store.Identifier(ctx, book.ID, IdentifierAudiobookshelf)
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestWithAndMissingIdentifier(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	linked, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)
	unlinked, err := store.CreateBook(ctx, "Hyperion", "Dan Simmons")
	require.NoError(t, err)

	require.NoError(t, store.SetIdentifier(ctx, linked.ID, IdentifierAudiobookshelf, "li_1"))

	with, err := store.WithIdentifier(ctx, IdentifierAudiobookshelf)
	require.NoError(t, err)
	require.Len(t, with, 1)
	assert.Equal(t, linked.ID, with[0].ID)
	require.Len(t, with[0].Identifiers, 1)

	without, err := store.MissingIdentifier(ctx, IdentifierAudiobookshelf)
	require.NoError(t, err)
	require.Len(t, without, 1)
	assert.Equal(t, unlinked.ID, without[0].ID)
}

func TestSetFieldsRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	book, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)

	when := time.Date(2025, 3, 1, 12, 0, 0, 0, time.Local)
	values := map[string]interface{}{
		"#abs_progress": int64(42),
		"#abs_speed":    1.25,
		"#abs_finished": false,
		"#abs_genres":   []string{"Science Fiction", "Classics"},
		"#abs_lastread": when,
		"#abs_series":   columns.SeriesValue{Name: "Dune Saga", Index: 1.5},
		"#abs_narrator": "Scott Brick",
	}
	require.NoError(t, store.SetFields(ctx, book.ID, values))

	for column, want := range values {
		got, ok, err := store.FieldValue(ctx, book.ID, column)
		require.NoError(t, err, column)
		require.True(t, ok, column)
		if ts, isTime := want.(time.Time); isTime {
			assert.True(t, ts.Equal(got.(time.Time)), column)
		} else {
			assert.Equal(t, want, got, column)
		}
	}

	// Unset column reads as absent.
	_, ok, err := store.FieldValue(ctx, book.ID, "#abs_other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMultiTextEntriesWithCommas(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	book, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)

	genres := []string{"Mystery, Thriller & Suspense", "Science Fiction"}
	require.NoError(t, store.SetFields(ctx, book.ID, map[string]interface{}{
		"#abs_genres": genres,
	}))

	got, ok, err := store.FieldValue(ctx, book.ID, "#abs_genres")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, genres, got)
}

func TestSetFieldsNilClears(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	book, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)

	require.NoError(t, store.SetFields(ctx, book.ID, map[string]interface{}{"#abs_progress": int64(42)}))
	require.NoError(t, store.SetFields(ctx, book.ID, map[string]interface{}{"#abs_progress": nil}))

	_, ok, err := store.FieldValue(ctx, book.ID, "#abs_progress")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChangeEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	book, err := store.CreateBook(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)

	var events []ChangeEvent
	store.Subscribe(func(ev ChangeEvent) {
		events = append(events, ev)
	})

	require.NoError(t, store.SetFields(ctx, book.ID, map[string]interface{}{"#abs_progress": int64(42)}))
	require.Len(t, events, 1)
	assert.Equal(t, book.ID, events[0].BookID)
	assert.Equal(t, "#abs_progress", events[0].Column)
	assert.Equal(t, int64(42), events[0].Value)

	// Muted writes stay silent.
	err = store.Mute(func() error {
		return store.SetFields(ctx, book.ID, map[string]interface{}{"#abs_progress": int64(50)})
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// ClearColumns never emits.
	require.NoError(t, store.ClearColumns(ctx, book.ID, []string{"#abs_progress"}))
	assert.Len(t, events, 1)
}
