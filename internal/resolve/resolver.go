// Package resolve turns column descriptors into candidate values against the
// payloads fetched for one entity.
package resolve

import (
	"fmt"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/columns"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/models"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/sessions"
)

// Bundle carries everything fetched for one entity in a sync run. Nil
// members mean the corresponding source was absent (no progress record, no
// sessions) or not fetched (collections column unbound).
type Bundle struct {
	Item        *models.LibraryItem
	Progress    *models.MediaProgress
	Sessions    *sessions.Aggregate
	Collections []string
	Rating      *models.AudibleRating
}

// Resolve computes the candidate value for one descriptor. A nil result
// means the field has no value for this entity and is skipped. Transform
// failures resolve to nil as well; they never fail the run.
func Resolve(desc columns.Descriptor, b Bundle) interface{} {
	var value interface{}

	if desc.Computed() {
		value = computed(desc, b)
	} else {
		value = lookup(desc, b)
	}

	if value == nil {
		return nil
	}

	if desc.Transform != nil {
		out, err := desc.Transform(value)
		if err != nil {
			return nil
		}
		return out
	}
	return value
}

// lookup walks the descriptor path into the raw payload for its source.
// Any missing segment or non-object intermediate node yields nil.
func lookup(desc columns.Descriptor, b Bundle) interface{} {
	var node interface{}
	switch desc.Source {
	case columns.SourceLibraryItem:
		if b.Item == nil {
			return nil
		}
		node = b.Item.Raw
	case columns.SourceProgress:
		if b.Progress == nil {
			return nil
		}
		node = b.Progress.Raw
	default:
		return nil
	}

	for _, key := range desc.Path {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil
		}
		node, ok = m[key]
		if !ok {
			return nil
		}
	}
	return node
}

// computed handles the zero-path descriptors, which derive their value from
// more than one payload field.
func computed(desc columns.Descriptor, b Bundle) interface{} {
	switch desc.Source {
	case columns.SourceProgress:
		switch desc.ConfigKey {
		case "column_audiobook_started":
			// No direct flag on the server; started means any progress.
			return b.Progress != nil && b.Progress.Progress > 0
		case "column_audiobook_timeremaining":
			if b.Item == nil {
				return nil
			}
			remaining := b.Item.Media.Duration
			if b.Progress != nil {
				remaining -= b.Progress.CurrentTime
			}
			if remaining < 0 {
				remaining = 0
			}
			return hoursMinutes(remaining)
		}
	case columns.SourceSessionAggregate:
		return sessionStat(desc.ConfigKey, b.Sessions)
	case columns.SourceCollections:
		if b.Collections == nil {
			return nil
		}
		return b.Collections
	case columns.SourceCatalogRating:
		if b.Rating == nil {
			return nil
		}
		switch desc.ConfigKey {
		case "column_audible_rating":
			if avg, ok := b.Rating.AverageRating(); ok {
				return avg
			}
			return nil
		case "column_audible_num_ratings":
			return int64(b.Rating.OverallDistribution.NumRatings)
		}
	}
	return nil
}

func sessionStat(configKey string, agg *sessions.Aggregate) interface{} {
	if agg == nil {
		return nil
	}
	switch configKey {
	case "column_audiobook_listen_time":
		return int64(agg.TotalTime)
	case "column_audiobook_sessions":
		return int64(agg.SessionCount)
	case "column_audiobook_days_listened":
		return int64(agg.DistinctDays)
	case "column_audiobook_avg_speed":
		if agg.AvgSpeed == nil {
			return nil
		}
		return *agg.AvgSpeed
	case "column_audiobook_max_speed":
		if agg.MaxSpeed == nil {
			return nil
		}
		return *agg.MaxSpeed
	case "column_audiobook_avg_session":
		if agg.AvgSessionLength == nil {
			return nil
		}
		return hoursMinutes(*agg.AvgSessionLength)
	case "column_audiobook_last_listened":
		if agg.LastListened.IsZero() {
			return nil
		}
		return agg.LastListened
	case "column_audiobook_eta":
		if agg.Remaining == 0 {
			return "0:00"
		}
		if agg.AvgSpeed == nil || *agg.AvgSpeed == 0 {
			return nil
		}
		return hoursMinutes(agg.Remaining / *agg.AvgSpeed)
	}
	return nil
}

func hoursMinutes(secs float64) string {
	return fmt.Sprintf("%d:%02d", int(secs)/3600, (int(secs)%3600)/60)
}
