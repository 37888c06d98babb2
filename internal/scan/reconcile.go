// Package scan holds the pure reconciliation logic for collection scans:
// diffing enumerated media against the embedded document and producing
// the work list for the derivative stages.
package scan

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pictoria/pictoria/internal/archive"
	"github.com/pictoria/pictoria/internal/models"
	"github.com/pictoria/pictoria/internal/walker"
)

// Item is one enumerated media file, normalized for reconciliation.
type Item struct {
	RelativePath string
	Name         string
	Format       string
	Kind         models.MediaKind
	Size         int64
	ModTimeUnix  int64
}

// Outcome is the result of reconciling a collection against a scan.
// When Changed is false the document must not be written and no messages
// may be emitted.
type Outcome struct {
	Changed bool
	// Process lists media item IDs that need derivative (re)generation.
	Process []uuid.UUID
	// Evict lists derivative references whose cache files should be
	// removed because their media item disappeared.
	Evict  []models.Derivative
	Result models.ScanResult
}

// FromFiles converts walker output to scan items. isVideo classifies by
// extension (without dot).
func FromFiles(files []walker.FileEntry, isVideo func(ext string) bool) []Item {
	items := make([]Item, 0, len(files))
	for _, f := range files {
		format := strings.ToLower(strings.TrimPrefix(path.Ext(f.RelativePath), "."))
		items = append(items, Item{
			RelativePath: f.RelativePath,
			Name:         f.Name,
			Format:       format,
			Kind:         mediaKind(format, isVideo),
			Size:         f.Size,
			ModTimeUnix:  f.ModTimeUnix,
		})
	}
	return items
}

// FromArchive converts archive entries to scan items, applying the
// allowed-format filter. Archive-native entry order is preserved.
func FromArchive(entries []archive.Entry, allowedFormats []string, isVideo func(ext string) bool) []Item {
	allowed := map[string]bool{}
	for _, f := range allowedFormats {
		allowed[strings.ToLower(f)] = true
	}

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		format := strings.ToLower(strings.TrimPrefix(path.Ext(e.Name), "."))
		if len(allowed) > 0 && !allowed[format] {
			continue
		}
		items = append(items, Item{
			RelativePath: e.Name,
			Name:         path.Base(e.Name),
			Format:       format,
			Kind:         mediaKind(format, isVideo),
			Size:         e.Size,
		})
	}
	return items
}

func mediaKind(format string, isVideo func(ext string) bool) models.MediaKind {
	if isVideo != nil && isVideo(format) {
		return models.MediaVideo
	}
	return models.MediaImage
}

// Reconcile diffs the scanned items against the collection's embedded
// list, keyed by normalized relative path, and mutates the collection in
// place:
//
//   - new items are appended with the next insertion order;
//   - removed items are dropped and their derivatives queued for eviction;
//   - changed items (size or mtime diverged) keep their identity and are
//     re-queued for processing;
//   - statistics and derivative counters are recomputed from what remains.
//
// Re-running on unchanged input yields Outcome.Changed == false. With
// force, every surviving item is queued for processing but the document
// is only marked changed when something actually differs.
func Reconcile(col *models.Collection, scanned []Item, force bool, now time.Time) Outcome {
	out := Outcome{}
	out.Result.Found = len(scanned)

	// Indices, not pointers: appending to col.MediaItems mid-loop would
	// leave pointers aimed at the old backing array. New items are
	// collected and appended once the update pass is done.
	existing := map[string]int{}
	for i := range col.MediaItems {
		existing[col.MediaItems[i].RelativePath] = i
	}

	var added []models.MediaItem
	seen := map[string]bool{}
	nextOrder := col.MaxInsertionOrder() + 1
	for _, s := range scanned {
		seen[s.RelativePath] = true
		idx, ok := existing[s.RelativePath]
		if !ok {
			item := models.MediaItem{
				ID:             uuid.New(),
				FileName:       s.Name,
				RelativePath:   s.RelativePath,
				Format:         s.Format,
				ByteSize:       s.Size,
				Kind:           s.Kind,
				InsertionOrder: nextOrder,
			}
			if s.ModTimeUnix != 0 {
				mt := time.Unix(s.ModTimeUnix, 0).UTC()
				item.ModTime = &mt
			}
			nextOrder++
			added = append(added, item)
			out.Process = append(out.Process, item.ID)
			out.Result.Added++
			out.Changed = true
			continue
		}

		cur := &col.MediaItems[idx]
		if cur.Deleted {
			cur.Deleted = false
			out.Changed = true
		}
		if changed := itemChanged(cur, s); changed || force {
			if changed {
				cur.ByteSize = s.Size
				cur.Kind = s.Kind
				cur.Format = s.Format
				if s.ModTimeUnix != 0 {
					mt := time.Unix(s.ModTimeUnix, 0).UTC()
					cur.ModTime = &mt
				}
				out.Result.Changed++
				out.Changed = true
			}
			out.Process = append(out.Process, cur.ID)
		}
	}

	// Items no longer on disk: drop them and evict their derivatives.
	removed := map[uuid.UUID]bool{}
	kept := col.MediaItems[:0]
	for _, m := range col.MediaItems {
		if seen[m.RelativePath] {
			kept = append(kept, m)
			continue
		}
		removed[m.ID] = true
		out.Result.Removed++
		out.Changed = true
	}
	col.MediaItems = append(kept, added...)

	if len(removed) > 0 {
		col.Thumbnails = filterDerivatives(col.Thumbnails, removed, &out.Evict)
		col.CacheImages = filterDerivatives(col.CacheImages, removed, &out.Evict)
		compactInsertionOrder(col)
	}

	recomputeStats(col, now, out.Changed)
	return out
}

func itemChanged(cur *models.MediaItem, s Item) bool {
	if cur.ByteSize != s.Size {
		return true
	}
	if s.ModTimeUnix != 0 {
		if cur.ModTime == nil || cur.ModTime.Unix() != s.ModTimeUnix {
			return true
		}
	}
	return false
}

func filterDerivatives(list []models.Derivative, removed map[uuid.UUID]bool, evict *[]models.Derivative) []models.Derivative {
	kept := list[:0]
	for _, d := range list {
		if removed[d.MediaItemID] {
			if !d.IsDirect {
				*evict = append(*evict, d)
			}
			continue
		}
		kept = append(kept, d)
	}
	return kept
}

// compactInsertionOrder renumbers items densely, preserving their relative
// order, after removals opened gaps.
func compactInsertionOrder(col *models.Collection) {
	sort.SliceStable(col.MediaItems, func(i, j int) bool {
		return col.MediaItems[i].InsertionOrder < col.MediaItems[j].InsertionOrder
	})
	for i := range col.MediaItems {
		col.MediaItems[i].InsertionOrder = i
	}
}

func recomputeStats(col *models.Collection, now time.Time, changed bool) {
	active := map[uuid.UUID]bool{}
	var totalBytes int64
	count := 0
	for _, m := range col.MediaItems {
		if m.Deleted {
			continue
		}
		active[m.ID] = true
		totalBytes += m.ByteSize
		count++
	}

	col.Stats.MediaCount = count
	col.Stats.TotalBytes = totalBytes
	col.Stats.ThumbnailCount = countFor(col.Thumbnails, active)
	col.Stats.CachedCount = countFor(col.CacheImages, active)
	scanAt := now.UTC()
	col.Stats.LastScanAt = &scanAt
	if changed {
		col.Stats.LastActivityAt = &scanAt
	}
}

func countFor(list []models.Derivative, active map[uuid.UUID]bool) int {
	seen := map[uuid.UUID]bool{}
	for _, d := range list {
		if active[d.MediaItemID] {
			seen[d.MediaItemID] = true
		}
	}
	return len(seen)
}
