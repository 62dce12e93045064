// Package reconcile computes and applies the column updates one book needs to
// match the server's view of the linked item.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/columns"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/library"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/logger"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/resolve"
)

// IdentifierAudible is the identifier type the ASIN sync maintains.
const IdentifierAudible = "audible"

// Outcome classifies the result of reconciling one book.
type Outcome string

const (
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Row is one staged column change, rendered for the run report.
type Row struct {
	Column string
	Old    string
	New    string
}

func (r Row) String() string {
	return fmt.Sprintf("%s: %s >> %s", r.Column, r.Old, r.New)
}

// Result is the outcome of reconciling one book.
type Result struct {
	BookID  uint
	Title   string
	Outcome Outcome
	Reason  string
	Rows    []Row
}

// Options control the reconciliation gates.
type Options struct {
	// Bindings maps column registry config keys to library column names.
	// Unbound columns are not synced.
	Bindings map[string]string
	// ASINSync keeps the book's audible identifier in step with the server item.
	ASINSync bool
	// SkipFinished abandons the update set for books already marked finished.
	SkipFinished bool
	// MonotonicGuard refuses updates that would move progress backwards.
	MonotonicGuard bool
	// DryRun stages and reports but never writes.
	DryRun bool
}

// Engine reconciles books against resolved server data.
type Engine struct {
	store *library.Store
	opts  Options
	log   *logger.Logger
}

// NewEngine creates a reconciliation engine over the given store.
func NewEngine(store *library.Store, opts Options) *Engine {
	log := logger.Get().With().
		Str("component", "reconcile").
		Logger()

	return &Engine{
		store: store,
		opts:  opts,
		log:   &logger.Logger{Logger: log},
	}
}

// Reconcile stages every bound column of one book against the bundle, applies
// the gates, and commits the surviving update set. Apply errors are reported
// in the result, not returned, so a batch run continues past a bad book.
func (e *Engine) Reconcile(ctx context.Context, book *library.Book, bundle resolve.Bundle) Result {
	res := Result{BookID: book.ID, Title: book.Title}

	// Old values by config key, kept for the gates below.
	oldByKey := make(map[string]interface{})
	staged := make(map[string]interface{})

	var stagedASIN string
	if e.opts.ASINSync && bundle.Item != nil {
		asin := bundle.Item.Media.Metadata.ASIN
		if asin != "" {
			current, err := e.store.Identifier(ctx, book.ID, IdentifierAudible)
			if err != nil {
				res.Outcome = OutcomeFailed
				res.Reason = err.Error()
				return res
			}
			if current != asin {
				stagedASIN = asin
				res.Rows = append(res.Rows, Row{Column: IdentifierAudible, Old: resolve.Display(current), New: resolve.Display(asin)})
			}
		}
	}

	for _, desc := range columns.All() {
		column, bound := e.opts.Bindings[desc.ConfigKey]
		if !bound || column == "" {
			continue
		}

		candidate := resolve.Resolve(desc, bundle)
		old, _, err := e.store.FieldValue(ctx, book.ID, column)
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Reason = err.Error()
			return res
		}
		oldByKey[desc.ConfigKey] = old

		coerced := resolve.Coerce(desc.Datatype, old, candidate)
		// A nil candidate means the server has no value for the field.
		// The field is skipped, never cleared.
		if coerced == nil {
			continue
		}
		if resolve.Equal(desc.Datatype, old, coerced) {
			continue
		}

		staged[column] = coerced
		row := Row{Column: column, Old: resolve.Display(old), New: resolve.Display(coerced)}
		res.Rows = append(res.Rows, row)
		e.log.Debug("Staged change", map[string]interface{}{
			"book":   book.Title,
			"change": row.String(),
		})
	}

	if reason, skip := e.gate(oldByKey, bundle); skip {
		res.Outcome = OutcomeSkipped
		res.Reason = reason
		res.Rows = nil
		return res
	}

	if len(staged) == 0 && stagedASIN == "" {
		res.Outcome = OutcomeSkipped
		res.Reason = "no changes"
		return res
	}

	if e.opts.DryRun {
		res.Outcome = OutcomeUpdated
		res.Reason = "dry run"
		return res
	}

	if stagedASIN != "" {
		if err := e.store.SetIdentifier(ctx, book.ID, IdentifierAudible, stagedASIN); err != nil {
			res.Outcome = OutcomeFailed
			res.Reason = err.Error()
			return res
		}
	}
	// Muted so the writes do not bounce back through the writeback listener.
	err := e.store.Mute(func() error {
		return e.store.SetFields(ctx, book.ID, staged)
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = err.Error()
		return res
	}

	res.Outcome = OutcomeUpdated
	return res
}

// gate applies the finished-skip and monotonic-progress rules. It runs after
// staging so the decision can use the stored values the loop already read.
func (e *Engine) gate(oldByKey map[string]interface{}, bundle resolve.Bundle) (string, bool) {
	if e.opts.SkipFinished {
		if finished, ok := oldByKey["column_audiobook_finished"].(bool); ok && finished {
			return "already finished", true
		}
	}

	if !e.opts.MonotonicGuard {
		return "", false
	}

	// Timestamp compare when a last-read column is bound on both sides.
	if _, bound := e.opts.Bindings["column_audiobook_lastread"]; bound {
		oldTime, haveOld := oldByKey["column_audiobook_lastread"].(time.Time)
		newTime, haveNew := resolveLastRead(bundle)
		if haveOld && haveNew && !newTime.After(oldTime) {
			return "progress is lower", true
		}
		return "", false
	}

	// Percent fallback, reading whichever progress column is bound. A book
	// with no stored progress takes its first value unguarded.
	oldPct, haveOld := asPercent(oldByKey["column_audiobook_progress_float"])
	if !haveOld {
		oldPct, haveOld = asPercent(oldByKey["column_audiobook_progress_int"])
	}
	if !haveOld {
		return "", false
	}
	newPct, haveNew := remotePercent(bundle)
	if haveNew && newPct <= oldPct {
		return "progress is lower", true
	}
	return "", false
}

func resolveLastRead(bundle resolve.Bundle) (time.Time, bool) {
	if bundle.Progress == nil || bundle.Progress.LastUpdate == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(bundle.Progress.LastUpdate).Local(), true
}

func remotePercent(bundle resolve.Bundle) (float64, bool) {
	if bundle.Progress == nil {
		return 0, false
	}
	return bundle.Progress.Progress * 100, true
}

func asPercent(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	}
	return 0, false
}
