// Package audiobookshelf is a client for the Audiobookshelf REST API.
package audiobookshelf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/logger"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/models"
)

const apiPath = "/api"

// Client is a client for the Audiobookshelf API
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *logger.Logger
}

// NewClient creates a new Audiobookshelf client
func NewClient(baseURL, token string) *Client {
	log := logger.Get().With().
		Str("component", "audiobookshelf_client").
		Logger()

	return &Client{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
		logger: &logger.Logger{Logger: log},
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
	log := c.logger.With().Str("endpoint", endpoint).Logger()

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPath+endpoint, reqBody)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create request")
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("Request failed")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read response body")
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().
			Int("status", resp.StatusCode).
			Str("response", string(body)).
			Msg("Unexpected status code")
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return body, nil
}

// Ping checks that the server answers at all. The endpoint sits outside the
// API prefix and needs no token.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Authorize posts to /authorize and returns the authenticated user.
func (c *Client) Authorize(ctx context.Context) (*models.User, error) {
	body, err := c.do(ctx, http.MethodPost, "/authorize", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		User models.User `json:"user"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result.User, nil
}

// GetLibraries fetches all libraries from Audiobookshelf.
func (c *Client) GetLibraries(ctx context.Context) ([]models.Library, error) {
	body, err := c.do(ctx, http.MethodGet, "/libraries", nil)
	if err != nil {
		return nil, err
	}

	var result models.LibrariesResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("Fetched libraries", map[string]interface{}{
		"count": len(result.Libraries),
	})
	return result.Libraries, nil
}

// GetLibraryItems returns all items from one library, with the library name
// stamped onto each item.
func (c *Client) GetLibraryItems(ctx context.Context, lib models.Library) ([]models.LibraryItem, error) {
	if lib.ID == "" {
		return nil, fmt.Errorf("library ID is required")
	}
	endpoint := fmt.Sprintf("/libraries/%s/items?minified=0", lib.ID)

	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var result models.LibraryItemsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	for i := range result.Results {
		result.Results[i].SetLibraryName(lib.Name)
	}

	c.logger.Debug("Fetched library items", map[string]interface{}{
		"library": lib.Name,
		"count":   len(result.Results),
	})
	return result.Results, nil
}

// GetAllBookItems fetches items from every library of mediaType "book".
func (c *Client) GetAllBookItems(ctx context.Context) ([]models.LibraryItem, error) {
	libraries, err := c.GetLibraries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch libraries: %w", err)
	}

	var items []models.LibraryItem
	for _, lib := range libraries {
		if lib.MediaType != "book" {
			c.logger.Debug("Skipping non-book library", map[string]interface{}{
				"library":    lib.Name,
				"media_type": lib.MediaType,
			})
			continue
		}
		libItems, err := c.GetLibraryItems(ctx, lib)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch items for library %s: %w", lib.Name, err)
		}
		items = append(items, libItems...)
	}

	c.logger.Info("Fetched all book items", map[string]interface{}{
		"count": len(items),
	})
	return items, nil
}

// GetCurrentUser fetches the authenticated user with media progress and
// bookmarks. Bookmarks are folded into the matching progress entries.
func (c *Client) GetCurrentUser(ctx context.Context) (*models.User, error) {
	body, err := c.do(ctx, http.MethodGet, "/me", nil)
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	for i := range user.MediaProgress {
		user.MediaProgress[i].EnsureBookmarks()
	}
	for _, bm := range user.Bookmarks {
		for i := range user.MediaProgress {
			if user.MediaProgress[i].LibraryItemID == bm.LibraryItemID {
				user.MediaProgress[i].AddBookmark(bm)
			}
		}
	}

	c.logger.Debug("Fetched current user", map[string]interface{}{
		"username":       user.Username,
		"progress_count": len(user.MediaProgress),
	})
	return &user, nil
}

// GetListeningSessions fetches all listening sessions of the current user,
// following pagination until exhausted.
func (c *Client) GetListeningSessions(ctx context.Context) ([]models.ListeningSession, error) {
	var sessions []models.ListeningSession
	const perPage = 100

	for page := 0; ; page++ {
		endpoint := fmt.Sprintf("/me/listening-sessions?itemsPerPage=%d&page=%d", perPage, page)
		body, err := c.do(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}

		var result models.ListeningSessionsResponse
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}

		sessions = append(sessions, result.Sessions...)
		if len(result.Sessions) < perPage {
			break
		}
	}

	c.logger.Debug("Fetched listening sessions", map[string]interface{}{
		"count": len(sessions),
	})
	return sessions, nil
}

// GetCollections fetches all collections.
func (c *Client) GetCollections(ctx context.Context) ([]models.Collection, error) {
	body, err := c.do(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return nil, err
	}

	var result models.CollectionsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Collections, nil
}

// GetPlaylists fetches all playlists of the current user.
func (c *Client) GetPlaylists(ctx context.Context) ([]models.Playlist, error) {
	body, err := c.do(ctx, http.MethodGet, "/playlists", nil)
	if err != nil {
		return nil, err
	}

	var result models.PlaylistsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Playlists, nil
}

// UpdateItemMedia patches metadata fields on a library item.
func (c *Client) UpdateItemMedia(ctx context.Context, itemID string, metadata map[string]interface{}) error {
	endpoint := fmt.Sprintf("/items/%s/media", itemID)
	payload := map[string]interface{}{"metadata": metadata}

	if _, err := c.do(ctx, http.MethodPatch, endpoint, payload); err != nil {
		return fmt.Errorf("failed to update item %s: %w", itemID, err)
	}

	c.logger.Info("Updated item metadata", map[string]interface{}{
		"item_id": itemID,
	})
	return nil
}

// UpdateItemTags replaces the tags on a library item.
func (c *Client) UpdateItemTags(ctx context.Context, itemID string, tags []string) error {
	endpoint := fmt.Sprintf("/items/%s/media", itemID)
	payload := map[string]interface{}{"tags": tags}

	if _, err := c.do(ctx, http.MethodPatch, endpoint, payload); err != nil {
		return fmt.Errorf("failed to update tags on item %s: %w", itemID, err)
	}
	return nil
}

// BatchCollectionAdd adds library items to a collection.
func (c *Client) BatchCollectionAdd(ctx context.Context, collectionID string, itemIDs []string) error {
	endpoint := fmt.Sprintf("/collections/%s/batch/add", collectionID)
	payload := map[string]interface{}{"books": itemIDs}

	if _, err := c.do(ctx, http.MethodPost, endpoint, payload); err != nil {
		return fmt.Errorf("failed to add items to collection %s: %w", collectionID, err)
	}
	return nil
}

// BatchCollectionRemove removes library items from a collection.
func (c *Client) BatchCollectionRemove(ctx context.Context, collectionID string, itemIDs []string) error {
	endpoint := fmt.Sprintf("/collections/%s/batch/remove", collectionID)
	payload := map[string]interface{}{"books": itemIDs}

	if _, err := c.do(ctx, http.MethodPost, endpoint, payload); err != nil {
		return fmt.Errorf("failed to remove items from collection %s: %w", collectionID, err)
	}
	return nil
}

// BatchPlaylistAdd adds library items to a playlist.
func (c *Client) BatchPlaylistAdd(ctx context.Context, playlistID string, itemIDs []string) error {
	endpoint := fmt.Sprintf("/playlists/%s/batch/add", playlistID)
	items := make([]map[string]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		items = append(items, map[string]string{"libraryItemId": id})
	}
	payload := map[string]interface{}{"items": items}

	if _, err := c.do(ctx, http.MethodPost, endpoint, payload); err != nil {
		return fmt.Errorf("failed to add items to playlist %s: %w", playlistID, err)
	}
	return nil
}

// BatchPlaylistRemove removes library items from a playlist.
func (c *Client) BatchPlaylistRemove(ctx context.Context, playlistID string, itemIDs []string) error {
	endpoint := fmt.Sprintf("/playlists/%s/batch/remove", playlistID)
	items := make([]map[string]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		items = append(items, map[string]string{"libraryItemId": id})
	}
	payload := map[string]interface{}{"items": items}

	if _, err := c.do(ctx, http.MethodPost, endpoint, payload); err != nil {
		return fmt.Errorf("failed to remove items from playlist %s: %w", playlistID, err)
	}
	return nil
}

// ItemURL returns the web URL of a library item on the server.
func (c *Client) ItemURL(itemID string) string {
	return c.baseURL + "/item/" + url.PathEscape(itemID)
}
