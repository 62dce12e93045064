package sync

import (
	"context"
	"strconv"
	"time"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/columns"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/library"
)

// writebackTimeout bounds each writeback call. The listener runs on the
// caller's goroutine with no context of its own.
const writebackTimeout = 20 * time.Second

// onColumnChange is the writeback watcher. It pushes edits on writeback-capable
// columns back to the server. Events raised while a sync is in flight are the
// sync's own writes and are dropped.
func (s *Service) onColumnChange(ev library.ChangeEvent) {
	if !s.config.Sync.Writeback || s.config.Sync.DryRun {
		return
	}
	if s.inSync.Load() {
		return
	}

	desc, ok := s.boundDescriptor(ev.Column)
	if !ok || !desc.Writeback {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writebackTimeout)
	defer cancel()

	itemID, err := s.store.Identifier(ctx, ev.BookID, library.IdentifierAudiobookshelf)
	if err != nil || itemID == "" {
		return
	}

	if err := s.writeback(ctx, desc, itemID, ev.Value); err != nil {
		s.log.Error("Writeback failed", map[string]interface{}{
			"column":  ev.Column,
			"item_id": itemID,
			"error":   err.Error(),
		})
	}
}

// boundDescriptor finds the registry descriptor a column name is bound to.
func (s *Service) boundDescriptor(column string) (columns.Descriptor, bool) {
	for key, bound := range s.config.Columns {
		if bound != column {
			continue
		}
		return columns.Lookup(key)
	}
	return columns.Descriptor{}, false
}

func (s *Service) writeback(ctx context.Context, desc columns.Descriptor, itemID string, value interface{}) error {
	switch desc.ConfigKey {
	case "column_audiobook_collections":
		names, _ := value.([]string)
		return s.writebackMembership(ctx, itemID, names)

	case "column_audiobook_tags":
		tags, _ := value.([]string)
		return s.audiobookshelf.UpdateItemTags(ctx, itemID, tags)

	case "column_audiobook_series":
		sv, ok := value.(columns.SeriesValue)
		if !ok {
			return s.audiobookshelf.UpdateItemMedia(ctx, itemID, map[string]interface{}{
				"series": []interface{}{},
			})
		}
		return s.audiobookshelf.UpdateItemMedia(ctx, itemID, map[string]interface{}{
			"series": []map[string]interface{}{{
				"name":     sv.Name,
				"sequence": strconv.FormatFloat(sv.Index, 'f', -1, 64),
			}},
		})

	case "column_audiobook_narrator":
		names, _ := value.([]string)
		return s.audiobookshelf.UpdateItemMedia(ctx, itemID, map[string]interface{}{
			"narrators": names,
		})

	case "column_audiobook_genres":
		names, _ := value.([]string)
		return s.audiobookshelf.UpdateItemMedia(ctx, itemID, map[string]interface{}{
			"genres": names,
		})

	default:
		// Scalar metadata fields write under their payload field name.
		field := desc.RemoteField()
		if field == "" {
			return nil
		}
		text, _ := value.(string)
		return s.audiobookshelf.UpdateItemMedia(ctx, itemID, map[string]interface{}{
			field: text,
		})
	}
}

// writebackMembership diffs the desired labels against current server
// membership and issues batch add/remove calls. Playlist labels carry the
// "PL " prefix; a collection whose literal name also matches a prefixed
// playlist label resolves to the playlist.
func (s *Service) writebackMembership(ctx context.Context, itemID string, labels []string) error {
	want := make(map[string]bool, len(labels))
	for _, l := range labels {
		want[l] = true
	}

	type snapshot struct {
		collections []membershipGroup
		playlists   []membershipGroup
	}

	snapRaw, err := s.cache.GetWithFunc("membership_groups", membershipCacheTTL, func() (interface{}, error) {
		collections, err := s.audiobookshelf.GetCollections(ctx)
		if err != nil {
			return nil, err
		}
		playlists, err := s.audiobookshelf.GetPlaylists(ctx)
		if err != nil {
			return nil, err
		}

		snap := snapshot{}
		for _, c := range collections {
			g := membershipGroup{id: c.ID, name: c.Name}
			for _, b := range c.Books {
				g.items = append(g.items, b.ID)
			}
			snap.collections = append(snap.collections, g)
		}
		for _, p := range playlists {
			g := membershipGroup{id: p.ID, name: playlistPrefix + p.Name}
			for _, it := range p.Items {
				g.items = append(g.items, it.LibraryItemID)
			}
			snap.playlists = append(snap.playlists, g)
		}
		return snap, nil
	})
	if err != nil {
		return err
	}
	snap := snapRaw.(snapshot)

	playlistLabels := make(map[string]bool, len(snap.playlists))
	for _, g := range snap.playlists {
		playlistLabels[g.name] = true
	}

	for _, g := range snap.playlists {
		if err := s.applyMembership(ctx, g, itemID, want[g.name], true); err != nil {
			return err
		}
	}
	for _, g := range snap.collections {
		// Playlist wins a label collision.
		if playlistLabels[g.name] {
			continue
		}
		if err := s.applyMembership(ctx, g, itemID, want[g.name], false); err != nil {
			return err
		}
	}
	return nil
}

type membershipGroup struct {
	id    string
	name  string
	items []string
}

func (g membershipGroup) contains(itemID string) bool {
	for _, id := range g.items {
		if id == itemID {
			return true
		}
	}
	return false
}

func (s *Service) applyMembership(ctx context.Context, g membershipGroup, itemID string, want, playlist bool) error {
	have := g.contains(itemID)
	switch {
	case want && !have:
		s.cache.Delete("membership_groups")
		if playlist {
			return s.audiobookshelf.BatchPlaylistAdd(ctx, g.id, []string{itemID})
		}
		return s.audiobookshelf.BatchCollectionAdd(ctx, g.id, []string{itemID})
	case !want && have:
		s.cache.Delete("membership_groups")
		if playlist {
			return s.audiobookshelf.BatchPlaylistRemove(ctx, g.id, []string{itemID})
		}
		return s.audiobookshelf.BatchCollectionRemove(ctx, g.id, []string{itemID})
	}
	return nil
}
