package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadStateCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sync_state.json")

	st, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, st.Version)
	assert.NotNil(t, st.QuickLinkFailed)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync_state.json")

	st, err := LoadState(path)
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	st.MarkSynced(now)
	st.MarkRatingsSynced(now)
	st.MarkQuickLinkFailed("uuid-1")
	require.NoError(t, st.Save(path))

	loaded, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), loaded.LastSync)
	assert.Equal(t, now.Unix(), loaded.LastRatingSync)
	assert.True(t, loaded.QuickLinkFailedBefore("uuid-1"))
	assert.False(t, loaded.QuickLinkFailedBefore("uuid-2"))
	assert.Equal(t, now.Unix(), loaded.LastSyncTime().Unix())
}

func TestLastSyncTimeZeroWhenNeverSynced(t *testing.T) {
	st := NewState()
	assert.True(t, st.LastSyncTime().IsZero())
}

func TestClearQuickLinkCache(t *testing.T) {
	st := NewState()
	st.MarkQuickLinkFailed("uuid-1")
	require.True(t, st.QuickLinkFailedBefore("uuid-1"))

	st.ClearQuickLinkCache()
	assert.False(t, st.QuickLinkFailedBefore("uuid-1"))
}

func TestLoadStateRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync_state.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	_, err := LoadState(path)
	assert.Error(t, err)
}
