package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/api/audiobookshelf"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/config"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/library"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/logger"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/models"
	syncsvc "github.com/jbhul/audiobookshelf-calibre-sync/internal/sync"
)

// blockingABS parks GetAllBookItems until release is closed, so tests can
// observe an in-flight sync.
type blockingABS struct {
	audiobookshelf.ClientInterface
	started chan struct{}
	release chan struct{}
}

func (b *blockingABS) GetAllBookItems(ctx context.Context) ([]models.LibraryItem, error) {
	if b.started != nil {
		close(b.started)
		b.started = nil
	}
	if b.release != nil {
		<-b.release
	}
	return nil, nil
}

func (b *blockingABS) GetCurrentUser(ctx context.Context) (*models.User, error) {
	return &models.User{}, nil
}

type noopAudible struct{}

func (noopAudible) SearchProducts(ctx context.Context, title, author string) ([]models.AudibleProduct, error) {
	return nil, nil
}

func (noopAudible) GetRatings(ctx context.Context, asins []string) (map[string]models.AudibleProduct, error) {
	return map[string]models.AudibleProduct{}, nil
}

func testServer(t *testing.T, abs audiobookshelf.ClientInterface) (*Server, *syncsvc.Service) {
	t.Helper()

	store, err := library.Open(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})

	cfg := &config.Config{}
	cfg.Audiobookshelf.URL = "http://localhost:13378"
	cfg.Audiobookshelf.Token = "token"
	cfg.Sync.StateFile = filepath.Join(t.TempDir(), "sync_state.json")
	cfg.Columns = map[string]string{}

	svc, err := syncsvc.NewService(abs, noopAudible{}, store, cfg)
	require.NoError(t, err)

	return New(":0", svc, logger.Get()), svc
}

func TestHealthCheck(t *testing.T) {
	s, _ := testServer(t, &blockingABS{})

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSyncRequiresPost(t *testing.T) {
	s, _ := testServer(t, &blockingABS{})

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSyncStartsInBackground(t *testing.T) {
	s, svc := testServer(t, &blockingABS{})

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"sync started"}`, rec.Body.String())

	// The background run settles quickly with an empty library.
	require.Eventually(t, func() bool {
		return svc.LastSummary() != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSyncConflictWhileRunning(t *testing.T) {
	abs := &blockingABS{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	s, _ := testServer(t, abs)
	started := abs.started

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	<-started

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync/ratings", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(abs.release)
}

func TestSummaryBeforeFirstSync(t *testing.T) {
	s, _ := testServer(t, &blockingABS{})

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/summary", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSummaryAfterSync(t *testing.T) {
	s, svc := testServer(t, &blockingABS{})

	_, err := svc.Sync(context.Background(), true)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/summary", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var summary syncsvc.Summary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	assert.False(t, summary.StartedAt.IsZero())
}
