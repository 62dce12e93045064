// Package columns defines the static registry of syncable column
// descriptors. Each descriptor says where a value comes from in the remote
// payloads, how it is shaped, and what library datatype it lands in.
package columns

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Datatype is the closed set of destination column datatypes.
type Datatype string

const (
	Text      Datatype = "text"
	MultiText Datatype = "multi-text"
	Int       Datatype = "int"
	Float     Datatype = "float"
	Bool      Datatype = "bool"
	Datetime  Datatype = "datetime"
	Series    Datatype = "series"
	Rating    Datatype = "rating"
	LongText  Datatype = "long-text"
)

// Source is the closed set of payload families a descriptor can read from.
type Source string

const (
	SourceLibraryItem      Source = "library-item"
	SourceProgress         Source = "progress"
	SourceSessionAggregate Source = "session-aggregate"
	SourceCollections      Source = "collection-membership"
	SourceCatalogRating    Source = "catalog-rating"
)

// SeriesValue is the (name, index) pair a series column holds.
type SeriesValue struct {
	Name  string
	Index float64
}

// Transform converts a raw resolved value into its typed form. A returned
// error makes the field resolve to nil for the entity; it never fails a run.
type Transform func(value interface{}) (interface{}, error)

// Descriptor describes one syncable column.
type Descriptor struct {
	// ConfigKey is the stable identifier the user configuration binds a
	// library column to.
	ConfigKey string
	// Label is the display heading used in change-log rows.
	Label string
	// Datatype of the destination column.
	Datatype Datatype
	// Source selects which payload the Path is resolved against.
	Source Source
	// Path is the ordered key sequence into the source payload. An empty
	// path marks a computed value.
	Path []string
	// Transform is optional; nil means identity.
	Transform Transform
	// Writeback marks columns whose local edits are pushed back to the
	// server by the writeback watcher.
	Writeback bool
}

// Computed reports whether the descriptor has no direct payload path.
func (d Descriptor) Computed() bool {
	return len(d.Path) == 0
}

// RemoteField returns the server-side field name used when writing the
// column back, which is the last path segment.
func (d Descriptor) RemoteField() string {
	if len(d.Path) == 0 {
		return ""
	}
	return d.Path[len(d.Path)-1]
}

func asFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// formatHoursMinutes renders a second count as "H:MM"
func formatHoursMinutes(v interface{}) (interface{}, error) {
	secs, err := asFloat(v)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("%d:%02d", int(secs)/3600, (int(secs)%3600)/60), nil
}

// epochMillis converts an epoch-milliseconds value to local time. A zero
// timestamp means "never" and resolves to nil.
func epochMillis(v interface{}) (interface{}, error) {
	ms, err := asFloat(v)
	if err != nil {
		return nil, err
	}
	if ms == 0 {
		return nil, nil
	}
	return time.UnixMilli(int64(ms)).Local(), nil
}

func toBool(v interface{}) (interface{}, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		return b != 0, nil
	case string:
		return b != "", nil
	case nil:
		return false, nil
	default:
		return nil, fmt.Errorf("not a boolean: %T", v)
	}
}

func formatSizeMB(v interface{}) (interface{}, error) {
	bytes, err := asFloat(v)
	if err != nil {
		return nil, err
	}
	mb := int64(bytes / (1024 * 1024))
	// Thousands separators, matching the display format users configure
	// their text columns around.
	s := strconv.FormatInt(mb, 10)
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	return strings.Join(parts, ",") + " MB", nil
}

func percentFloat(v interface{}) (interface{}, error) {
	f, err := asFloat(v)
	if err != nil {
		return nil, err
	}
	return f * 100, nil
}

func percentInt(v interface{}) (interface{}, error) {
	f, err := asFloat(v)
	if err != nil {
		return nil, err
	}
	return int64(f*100 + 0.5), nil
}

// firstSeries picks the first entry of the item's series list as the
// (name, sequence) pair.
func firstSeries(v interface{}) (interface{}, error) {
	list, ok := v.([]interface{})
	if !ok || len(list) == 0 {
		return nil, nil
	}
	entry, ok := list[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("series entry is not an object")
	}
	name, _ := entry["name"].(string)
	if name == "" {
		return nil, nil
	}
	seq := 1.0
	switch s := entry["sequence"].(type) {
	case string:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			seq = f
		}
	case float64:
		seq = s
	}
	return SeriesValue{Name: name, Index: seq}, nil
}

func formatBookmarks(v interface{}) (interface{}, error) {
	list, ok := v.([]interface{})
	if !ok || len(list) == 0 {
		return "No Bookmarks", nil
	}
	lines := make([]string, 0, len(list))
	for _, raw := range list {
		b, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		title, _ := b["title"].(string)
		if title == "" {
			title = "No Title"
		}
		secs, _ := asFloat(b["time"])
		d := int(secs)
		lines = append(lines, fmt.Sprintf("%s at %02d:%02d:%02d", title, d/3600, (d%3600)/60, d%60))
	}
	return strings.Join(lines, "\n"), nil
}

// registry is the full descriptor table. Order is the order columns appear
// in change-log rows and configuration listings.
var registry = []Descriptor{
	// Library item attributes
	{ConfigKey: "column_audiobook_size", Label: "Audiobook Size", Datatype: Text,
		Source: SourceLibraryItem, Path: []string{"size"}, Transform: formatSizeMB},
	{ConfigKey: "column_audiobook_duration", Label: "Audiobook Duration", Datatype: Text,
		Source: SourceLibraryItem, Path: []string{"media", "duration"}, Transform: formatHoursMinutes},
	{ConfigKey: "column_audiobook_subtitle", Label: "Audiobook Subtitle", Datatype: Text,
		Source: SourceLibraryItem, Path: []string{"media", "metadata", "subtitle"}, Writeback: true},
	{ConfigKey: "column_audiobook_narrator", Label: "Audiobook Narrator", Datatype: MultiText,
		Source: SourceLibraryItem, Path: []string{"media", "metadata", "narratorName"}, Writeback: true},
	{ConfigKey: "column_audiobook_publisher", Label: "Audiobook Publisher", Datatype: Text,
		Source: SourceLibraryItem, Path: []string{"media", "metadata", "publisher"}, Writeback: true},
	{ConfigKey: "column_audiobook_publish_year", Label: "Audiobook Publish Year", Datatype: Text,
		Source: SourceLibraryItem, Path: []string{"media", "metadata", "publishedYear"}},
	{ConfigKey: "column_audiobook_language", Label: "Audiobook Language", Datatype: Text,
		Source: SourceLibraryItem, Path: []string{"media", "metadata", "language"}, Writeback: true},
	{ConfigKey: "column_audiobook_abridged", Label: "Audiobook Abridged", Datatype: Bool,
		Source: SourceLibraryItem, Path: []string{"media", "metadata", "abridged"}, Transform: toBool},
	{ConfigKey: "column_audiobook_explicit", Label: "Audiobook Explicit", Datatype: Bool,
		Source: SourceLibraryItem, Path: []string{"media", "metadata", "explicit"}, Transform: toBool},
	{ConfigKey: "column_audiobook_genres", Label: "Audiobook Genres", Datatype: MultiText,
		Source: SourceLibraryItem, Path: []string{"media", "metadata", "genres"}, Writeback: true},
	{ConfigKey: "column_audiobook_tags", Label: "Audiobook Tags", Datatype: MultiText,
		Source: SourceLibraryItem, Path: []string{"media", "tags"}, Writeback: true},
	{ConfigKey: "column_audiobook_series", Label: "Audiobook Series", Datatype: Series,
		Source: SourceLibraryItem, Path: []string{"media", "metadata", "series"}, Transform: firstSeries, Writeback: true},
	{ConfigKey: "column_audiobook_asin", Label: "Audiobook ASIN", Datatype: Text,
		Source: SourceLibraryItem, Path: []string{"media", "metadata", "asin"}},
	{ConfigKey: "column_audiobook_isbn", Label: "Audiobook ISBN", Datatype: Text,
		Source: SourceLibraryItem, Path: []string{"media", "metadata", "isbn"}},
	{ConfigKey: "column_audiobook_description", Label: "Audiobook Description", Datatype: LongText,
		Source: SourceLibraryItem, Path: []string{"media", "metadata", "description"}},
	{ConfigKey: "column_audiobook_numfiles", Label: "Audiobook File Count", Datatype: Int,
		Source: SourceLibraryItem, Path: []string{"numFiles"}},
	{ConfigKey: "column_audiobook_numchapters", Label: "Audiobook Chapters", Datatype: Int,
		Source: SourceLibraryItem, Path: []string{"media", "numChapters"}},
	{ConfigKey: "column_audiobook_path", Label: "Audiobook Path", Datatype: Text,
		Source: SourceLibraryItem, Path: []string{"path"}},
	{ConfigKey: "column_audiobook_library", Label: "Audiobook Library", Datatype: Text,
		Source: SourceLibraryItem, Path: []string{"libraryName"}},
	{ConfigKey: "column_audiobook_addeddate", Label: "Audiobook Added Date", Datatype: Datetime,
		Source: SourceLibraryItem, Path: []string{"addedAt"}, Transform: epochMillis},

	// Playback progress
	{ConfigKey: "column_audiobook_progress_float", Label: "Audiobook Precise Progress", Datatype: Float,
		Source: SourceProgress, Path: []string{"progress"}, Transform: percentFloat},
	{ConfigKey: "column_audiobook_progress_int", Label: "Audiobook Progress", Datatype: Int,
		Source: SourceProgress, Path: []string{"progress"}, Transform: percentInt},
	{ConfigKey: "column_audiobook_progress_time", Label: "Audiobook Progress Time", Datatype: Text,
		Source: SourceProgress, Path: []string{"currentTime"}, Transform: formatHoursMinutes},
	{ConfigKey: "column_audiobook_started", Label: "Audiobook Started", Datatype: Bool,
		Source: SourceProgress, Path: nil},
	{ConfigKey: "column_audiobook_finished", Label: "Audiobook Finished", Datatype: Bool,
		Source: SourceProgress, Path: []string{"isFinished"}, Transform: toBool},
	{ConfigKey: "column_audiobook_lastread", Label: "Audiobook Last Read Date", Datatype: Datetime,
		Source: SourceProgress, Path: []string{"lastUpdate"}, Transform: epochMillis},
	{ConfigKey: "column_audiobook_begindate", Label: "Audiobook Begin Date", Datatype: Datetime,
		Source: SourceProgress, Path: []string{"startedAt"}, Transform: epochMillis},
	{ConfigKey: "column_audiobook_finishdate", Label: "Audiobook Finish Date", Datatype: Datetime,
		Source: SourceProgress, Path: []string{"finishedAt"}, Transform: epochMillis},
	{ConfigKey: "column_audiobook_bookmarks", Label: "Audiobook Bookmarks", Datatype: LongText,
		Source: SourceProgress, Path: []string{"bookmarks"}, Transform: formatBookmarks},
	{ConfigKey: "column_audiobook_timeremaining", Label: "Audiobook Time Remaining", Datatype: Text,
		Source: SourceProgress, Path: nil},

	// Listening-session statistics
	{ConfigKey: "column_audiobook_listen_time", Label: "Audiobook Time Listened", Datatype: Int,
		Source: SourceSessionAggregate, Path: nil},
	{ConfigKey: "column_audiobook_sessions", Label: "Audiobook Session Count", Datatype: Int,
		Source: SourceSessionAggregate, Path: nil},
	{ConfigKey: "column_audiobook_days_listened", Label: "Audiobook Days Listened", Datatype: Int,
		Source: SourceSessionAggregate, Path: nil},
	{ConfigKey: "column_audiobook_avg_speed", Label: "Audiobook Average Speed", Datatype: Float,
		Source: SourceSessionAggregate, Path: nil},
	{ConfigKey: "column_audiobook_max_speed", Label: "Audiobook Max Speed", Datatype: Float,
		Source: SourceSessionAggregate, Path: nil},
	{ConfigKey: "column_audiobook_avg_session", Label: "Audiobook Average Session", Datatype: Text,
		Source: SourceSessionAggregate, Path: nil},
	{ConfigKey: "column_audiobook_last_listened", Label: "Audiobook Last Listened", Datatype: Datetime,
		Source: SourceSessionAggregate, Path: nil},
	{ConfigKey: "column_audiobook_eta", Label: "Audiobook Finish ETA", Datatype: Text,
		Source: SourceSessionAggregate, Path: nil},

	// Collection membership
	{ConfigKey: "column_audiobook_collections", Label: "Audiobook Collections", Datatype: MultiText,
		Source: SourceCollections, Path: nil, Writeback: true},

	// Audible catalog ratings
	{ConfigKey: "column_audible_rating", Label: "Audible Rating", Datatype: Rating,
		Source: SourceCatalogRating, Path: nil},
	{ConfigKey: "column_audible_num_ratings", Label: "Audible Rating Count", Datatype: Int,
		Source: SourceCatalogRating, Path: nil},
}

// All returns every descriptor in registry order.
func All() []Descriptor {
	out := make([]Descriptor, len(registry))
	copy(out, registry)
	return out
}

// Lookup returns the descriptor with the given config key.
func Lookup(configKey string) (Descriptor, bool) {
	for _, d := range registry {
		if d.ConfigKey == configKey {
			return d, true
		}
	}
	return Descriptor{}, false
}

// BySource returns all descriptors reading from the given source.
func BySource(src Source) []Descriptor {
	var out []Descriptor
	for _, d := range registry {
		if d.Source == src {
			out = append(out, d)
		}
	}
	return out
}
