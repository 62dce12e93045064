package models

import "encoding/json"

// LibraryItem represents a book item from the Audiobookshelf API.
//
// The typed fields cover what the sync code addresses directly; Raw keeps the
// full decoded payload so column descriptors can resolve arbitrary paths into
// it without the model having to enumerate every attribute the server sends.
type LibraryItem struct {
	ID          string `json:"id"`
	LibraryID   string `json:"libraryId"`
	LibraryName string `json:"libraryName"`
	MediaType   string `json:"mediaType"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	NumFiles    int    `json:"numFiles"`
	AddedAt     int64  `json:"addedAt"`
	Media       struct {
		ID       string `json:"id"`
		Metadata struct {
			Title        string   `json:"title"`
			Subtitle     string   `json:"subtitle"`
			AuthorName   string   `json:"authorName"`
			NarratorName string   `json:"narratorName"`
			SeriesName   string   `json:"seriesName"`
			Genres       []string `json:"genres"`
			Publisher    string   `json:"publisher"`
			Description  string   `json:"description"`
			ISBN         string   `json:"isbn"`
			ASIN         string   `json:"asin"`
			Language     string   `json:"language"`
			Explicit     bool     `json:"explicit"`
			Abridged     bool     `json:"abridged"`
		} `json:"metadata"`
		Tags        []string `json:"tags"`
		NumChapters int      `json:"numChapters"`
		Duration    float64  `json:"duration"`
	} `json:"media"`

	Raw map[string]interface{} `json:"-"`
}

// UnmarshalJSON decodes both the typed fields and the raw payload map.
func (it *LibraryItem) UnmarshalJSON(data []byte) error {
	type alias LibraryItem
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*it = LibraryItem(a)
	it.Raw = raw
	return nil
}

// SetLibraryName stamps the owning library's name onto the item, both on the
// typed field and into the raw payload so path lookups can reach it.
func (it *LibraryItem) SetLibraryName(name string) {
	it.LibraryName = name
	if it.Raw == nil {
		it.Raw = map[string]interface{}{}
	}
	it.Raw["libraryName"] = name
}

// LibraryItemsResponse is the response of GET /api/libraries/{id}/items
type LibraryItemsResponse struct {
	Results []LibraryItem `json:"results"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Page    int           `json:"page"`
}

// Library represents a library in Audiobookshelf
type Library struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
}

// LibrariesResponse is the response of GET /api/libraries
type LibrariesResponse struct {
	Libraries []Library `json:"libraries"`
}

// Bookmark is one user bookmark from GET /api/me
type Bookmark struct {
	LibraryItemID string  `json:"libraryItemId"`
	Title         string  `json:"title"`
	Time          float64 `json:"time"`
}

// MediaProgress is one per-item playback progress record from GET /api/me.
// Raw keeps the decoded payload for path resolution; the user's bookmarks for
// the item are folded into it under the "bookmarks" key.
type MediaProgress struct {
	ID            string  `json:"id"`
	LibraryItemID string  `json:"libraryItemId"`
	Progress      float64 `json:"progress"`
	CurrentTime   float64 `json:"currentTime"`
	Duration      float64 `json:"duration"`
	IsFinished    bool    `json:"isFinished"`
	StartedAt     int64   `json:"startedAt"`
	FinishedAt    int64   `json:"finishedAt"`
	LastUpdate    int64   `json:"lastUpdate"`

	Raw map[string]interface{} `json:"-"`
}

// UnmarshalJSON decodes both the typed fields and the raw payload map.
func (p *MediaProgress) UnmarshalJSON(data []byte) error {
	type alias MediaProgress
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = MediaProgress(a)
	p.Raw = raw
	return nil
}

// EnsureBookmarks guarantees the raw payload carries a bookmarks list, so a
// record with none resolves to the placeholder instead of keeping stale text.
func (p *MediaProgress) EnsureBookmarks() {
	if p.Raw == nil {
		p.Raw = map[string]interface{}{}
	}
	if _, ok := p.Raw["bookmarks"]; !ok {
		p.Raw["bookmarks"] = []interface{}{}
	}
}

// AddBookmark folds a bookmark into the progress record's raw payload
func (p *MediaProgress) AddBookmark(b Bookmark) {
	if p.Raw == nil {
		p.Raw = map[string]interface{}{}
	}
	list, _ := p.Raw["bookmarks"].([]interface{})
	p.Raw["bookmarks"] = append(list, map[string]interface{}{
		"title": b.Title,
		"time":  b.Time,
	})
}

// User is the response of GET /api/me and POST /api/authorize
type User struct {
	ID            string          `json:"id"`
	Username      string          `json:"username"`
	MediaProgress []MediaProgress `json:"mediaProgress"`
	Bookmarks     []Bookmark      `json:"bookmarks"`
}

// ListeningSession is one playback session from GET /api/me/listening-sessions
type ListeningSession struct {
	ID            string  `json:"id"`
	LibraryItemID string  `json:"libraryItemId"`
	MediaType     string  `json:"mediaType"`
	// Duration is the total duration of the item being played, in seconds
	Duration float64 `json:"duration"`
	// StartTime is the position in the item when the session began, in seconds
	StartTime float64 `json:"startTime"`
	// CurrentTime is the position in the item when the session ended, in seconds
	CurrentTime float64 `json:"currentTime"`
	// StartedAt and UpdatedAt are epoch milliseconds
	StartedAt int64 `json:"startedAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// ListeningSessionsResponse is the response of GET /api/me/listening-sessions
type ListeningSessionsResponse struct {
	Total    int                `json:"total"`
	NumPages int                `json:"numPages"`
	Page     int                `json:"page"`
	Sessions []ListeningSession `json:"sessions"`
}

// Collection represents a collection from GET /api/collections
type Collection struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Books []struct {
		ID string `json:"id"`
	} `json:"books"`
}

// CollectionsResponse is the response of GET /api/collections
type CollectionsResponse struct {
	Collections []Collection `json:"collections"`
}

// Playlist represents a playlist from GET /api/playlists
type Playlist struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Items []struct {
		LibraryItemID string `json:"libraryItemId"`
	} `json:"items"`
}

// PlaylistsResponse is the response of GET /api/playlists
type PlaylistsResponse struct {
	Playlists []Playlist `json:"playlists"`
}
