package audiobookshelf

import (
	"context"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/models"
)

// ClientInterface defines the interface for the Audiobookshelf API client
// This allows for mocking in tests
type ClientInterface interface {
	Ping(ctx context.Context) error
	Authorize(ctx context.Context) (*models.User, error)
	GetLibraries(ctx context.Context) ([]models.Library, error)
	GetLibraryItems(ctx context.Context, lib models.Library) ([]models.LibraryItem, error)
	GetAllBookItems(ctx context.Context) ([]models.LibraryItem, error)
	GetCurrentUser(ctx context.Context) (*models.User, error)
	GetListeningSessions(ctx context.Context) ([]models.ListeningSession, error)
	GetCollections(ctx context.Context) ([]models.Collection, error)
	GetPlaylists(ctx context.Context) ([]models.Playlist, error)
	UpdateItemMedia(ctx context.Context, itemID string, metadata map[string]interface{}) error
	UpdateItemTags(ctx context.Context, itemID string, tags []string) error
	BatchCollectionAdd(ctx context.Context, collectionID string, itemIDs []string) error
	BatchCollectionRemove(ctx context.Context, collectionID string, itemIDs []string) error
	BatchPlaylistAdd(ctx context.Context, playlistID string, itemIDs []string) error
	BatchPlaylistRemove(ctx context.Context, playlistID string, itemIDs []string) error
}

// Ensure that the Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)
