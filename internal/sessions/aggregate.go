// Package sessions folds raw listening-session events into per-item
// statistics.
package sessions

import (
	"math"
	"time"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/models"
)

const (
	// minCleanSpeed and maxCleanSpeed bound the plausible playback-rate
	// band; sessions outside it are excluded from filtered statistics.
	minCleanSpeed = 0.8
	maxCleanSpeed = 4.0

	// finishedRemainingThreshold is the remaining-duration floor in
	// seconds under which an item counts as finished for ETA purposes.
	finishedRemainingThreshold = 300
)

// Session is one playback event with its derived fields.
type Session struct {
	models.ListeningSession

	// Progression is the position delta covered by the session, in seconds
	Progression float64
	// WallDuration is the wall-clock length of the session, in seconds
	WallDuration float64
	// Speed is the implied playback rate (progression over wall duration)
	Speed float64
	// Clean marks sessions whose speed falls in the plausible band
	Clean bool
	// Complete marks the zero-length markers the server emits when an
	// item is finished
	Complete bool
	// Remaining is the item duration left after this session, clamped to
	// zero under the finished threshold
	Remaining float64
}

// Aggregate holds the per-item statistics for one sync run. Average fields
// are nil when their denominator is zero.
type Aggregate struct {
	SessionCount     int
	FilteredCount    int
	TotalTime        float64
	FilteredTime     float64
	TotalProgression float64
	FilteredProgress float64
	DistinctDays     int
	AvgSpeed         *float64
	MaxSpeed         *float64
	AvgSessionLength *float64
	LastListened     time.Time
	Remaining        float64
	Completed        bool
}

// derive computes the per-session fields.
func derive(raw models.ListeningSession) Session {
	s := Session{ListeningSession: raw}
	s.Progression = raw.CurrentTime - raw.StartTime
	s.WallDuration = float64(raw.UpdatedAt-raw.StartedAt) / 1000
	if s.WallDuration > 0 {
		s.Speed = s.Progression / s.WallDuration
	}
	s.Clean = s.Speed >= minCleanSpeed && s.Speed <= maxCleanSpeed
	s.Complete = raw.StartTime == 0 && math.Round(raw.CurrentTime) == math.Round(raw.Duration)
	s.Remaining = raw.Duration - raw.CurrentTime
	if s.Remaining < finishedRemainingThreshold {
		s.Remaining = 0
	}
	return s
}

// Compute folds the raw sessions for one item into an Aggregate.
//
// When an item has several sessions and at least one is a completed marker,
// the completed ones are dropped first: a finished-then-relistened item would
// otherwise have its statistics skewed by a zero-duration marker.
func Compute(raw []models.ListeningSession) Aggregate {
	derived := make([]Session, 0, len(raw))
	anyComplete := false
	for _, r := range raw {
		s := derive(r)
		if s.Complete {
			anyComplete = true
		}
		derived = append(derived, s)
	}

	if len(derived) > 1 && anyComplete {
		kept := derived[:0]
		for _, s := range derived {
			if !s.Complete {
				kept = append(kept, s)
			}
		}
		derived = kept
	}

	agg := Aggregate{Completed: anyComplete}
	days := map[string]struct{}{}
	var lastUpdated int64
	var maxSpeed float64
	haveMax := false

	for _, s := range derived {
		agg.SessionCount++
		agg.TotalTime += s.WallDuration
		agg.TotalProgression += s.Progression
		days[time.UnixMilli(s.StartedAt).Local().Format("2006-01-02")] = struct{}{}
		if s.UpdatedAt > lastUpdated {
			lastUpdated = s.UpdatedAt
			agg.Remaining = s.Remaining
		}
		if s.Clean {
			agg.FilteredCount++
			agg.FilteredTime += s.WallDuration
			agg.FilteredProgress += s.Progression
			if !haveMax || s.Speed > maxSpeed {
				maxSpeed = s.Speed
				haveMax = true
			}
		}
	}

	agg.DistinctDays = len(days)
	if lastUpdated > 0 {
		agg.LastListened = time.UnixMilli(lastUpdated).Local()
	}
	if agg.FilteredTime > 0 {
		v := agg.FilteredProgress / agg.FilteredTime
		agg.AvgSpeed = &v
	}
	if agg.FilteredCount > 0 {
		v := agg.FilteredTime / float64(agg.FilteredCount)
		agg.AvgSessionLength = &v
	}
	if haveMax {
		agg.MaxSpeed = &maxSpeed
	}
	return agg
}

// ByItem groups raw sessions by library item id and aggregates each group.
func ByItem(raw []models.ListeningSession) map[string]Aggregate {
	grouped := map[string][]models.ListeningSession{}
	for _, s := range raw {
		grouped[s.LibraryItemID] = append(grouped[s.LibraryItemID], s)
	}
	out := make(map[string]Aggregate, len(grouped))
	for id, group := range grouped {
		out[id] = Compute(group)
	}
	return out
}
