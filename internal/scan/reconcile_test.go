package scan

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pictoria/pictoria/internal/archive"
	"github.com/pictoria/pictoria/internal/models"
)

func item(rel string, size int64, mod int64) Item {
	return Item{
		RelativePath: rel,
		Name:         rel,
		Format:       "jpg",
		Kind:         models.MediaImage,
		Size:         size,
		ModTimeUnix:  mod,
	}
}

func TestReconcileAddsNewItems(t *testing.T) {
	col := &models.Collection{ID: uuid.New()}
	now := time.Now()

	out := Reconcile(col, []Item{item("a.jpg", 100, 10), item("b.jpg", 200, 20)}, false, now)

	assert.True(t, out.Changed)
	assert.Equal(t, 2, out.Result.Found)
	assert.Equal(t, 2, out.Result.Added)
	assert.Len(t, out.Process, 2)
	require.Len(t, col.MediaItems, 2)
	assert.Equal(t, 0, col.MediaItems[0].InsertionOrder)
	assert.Equal(t, 1, col.MediaItems[1].InsertionOrder)
	assert.Equal(t, 2, col.Stats.MediaCount)
	assert.Equal(t, int64(300), col.Stats.TotalBytes)
}

func TestReconcileIsIdempotent(t *testing.T) {
	col := &models.Collection{ID: uuid.New()}
	scanned := []Item{item("a.jpg", 100, 10), item("b.jpg", 200, 20)}

	first := Reconcile(col, scanned, false, time.Now())
	require.True(t, first.Changed)

	second := Reconcile(col, scanned, false, time.Now())
	assert.False(t, second.Changed)
	assert.Empty(t, second.Process)
	assert.Zero(t, second.Result.Added)
	assert.Zero(t, second.Result.Removed)
	assert.Zero(t, second.Result.Changed)
}

func TestReconcileKeepsIdentityOnChange(t *testing.T) {
	col := &models.Collection{ID: uuid.New()}
	Reconcile(col, []Item{item("a.jpg", 100, 10)}, false, time.Now())
	originalID := col.MediaItems[0].ID

	out := Reconcile(col, []Item{item("a.jpg", 150, 11)}, false, time.Now())

	assert.True(t, out.Changed)
	assert.Equal(t, 1, out.Result.Changed)
	require.Len(t, out.Process, 1)
	assert.Equal(t, originalID, out.Process[0])
	assert.Equal(t, originalID, col.MediaItems[0].ID)
	assert.Equal(t, int64(150), col.MediaItems[0].ByteSize)
}

func TestReconcileRemovesMissingAndEvictsDerivatives(t *testing.T) {
	col := &models.Collection{ID: uuid.New()}
	Reconcile(col, []Item{item("a.jpg", 100, 10), item("b.jpg", 200, 20)}, false, time.Now())
	removedID := col.MediaItems[1].ID
	col.Thumbnails = []models.Derivative{
		{MediaItemID: col.MediaItems[0].ID, Preset: "thumb", Path: "/cache/x/a.jpg"},
		{MediaItemID: removedID, Preset: "thumb", Path: "/cache/x/b.jpg"},
	}
	col.CacheImages = []models.Derivative{
		{MediaItemID: removedID, Preset: "cache", Path: "/cache/x/b.cache.jpg"},
	}

	out := Reconcile(col, []Item{item("a.jpg", 100, 10)}, false, time.Now())

	assert.Equal(t, 1, out.Result.Removed)
	require.Len(t, col.MediaItems, 1)
	assert.Equal(t, "a.jpg", col.MediaItems[0].RelativePath)
	assert.Len(t, out.Evict, 2)
	assert.Len(t, col.Thumbnails, 1)
	assert.Empty(t, col.CacheImages)
	assert.Equal(t, 1, col.Stats.MediaCount)
	assert.Equal(t, 1, col.Stats.ThumbnailCount)
	assert.Equal(t, 0, col.Stats.CachedCount)
}

func TestReconcileDirectDerivativesNotEvicted(t *testing.T) {
	col := &models.Collection{ID: uuid.New()}
	Reconcile(col, []Item{item("a.jpg", 100, 10)}, false, time.Now())
	col.Thumbnails = []models.Derivative{
		{MediaItemID: col.MediaItems[0].ID, Preset: "thumb", Path: "/lib/a.jpg", IsDirect: true},
	}

	out := Reconcile(col, nil, false, time.Now())

	assert.Equal(t, 1, out.Result.Removed)
	assert.Empty(t, out.Evict, "direct references point at originals, never removed")
}

func TestReconcileCompactsInsertionOrder(t *testing.T) {
	col := &models.Collection{ID: uuid.New()}
	Reconcile(col, []Item{item("a.jpg", 1, 1), item("b.jpg", 1, 1), item("c.jpg", 1, 1)}, false, time.Now())

	Reconcile(col, []Item{item("a.jpg", 1, 1), item("c.jpg", 1, 1)}, false, time.Now())

	require.Len(t, col.MediaItems, 2)
	assert.Equal(t, "a.jpg", col.MediaItems[0].RelativePath)
	assert.Equal(t, 0, col.MediaItems[0].InsertionOrder)
	assert.Equal(t, "c.jpg", col.MediaItems[1].RelativePath)
	assert.Equal(t, 1, col.MediaItems[1].InsertionOrder)
}

func TestReconcileNewItemsAppendAfterSurvivors(t *testing.T) {
	col := &models.Collection{ID: uuid.New()}
	Reconcile(col, []Item{item("a.jpg", 1, 1), item("b.jpg", 1, 1)}, false, time.Now())

	Reconcile(col, []Item{item("a.jpg", 1, 1), item("b.jpg", 1, 1), item("z.jpg", 1, 1)}, false, time.Now())

	require.Len(t, col.MediaItems, 3)
	assert.Equal(t, "z.jpg", col.MediaItems[2].RelativePath)
	assert.Equal(t, 2, col.MediaItems[2].InsertionOrder)
}

func TestReconcileUpdatePersistsAlongsideAppend(t *testing.T) {
	col := &models.Collection{ID: uuid.New()}
	Reconcile(col, []Item{item("b.jpg", 100, 10)}, false, time.Now())

	// a.jpg sorts before b.jpg, so the append used to reallocate the
	// backing array before b.jpg's update was written through.
	out := Reconcile(col, []Item{item("a.jpg", 50, 10), item("b.jpg", 200, 10)}, false, time.Now())
	require.True(t, out.Changed)
	assert.Equal(t, 1, out.Result.Added)
	assert.Equal(t, 1, out.Result.Changed)

	var b *models.MediaItem
	for i := range col.MediaItems {
		if col.MediaItems[i].RelativePath == "b.jpg" {
			b = &col.MediaItems[i]
		}
	}
	require.NotNil(t, b)
	assert.Equal(t, int64(200), b.ByteSize)

	again := Reconcile(col, []Item{item("a.jpg", 50, 10), item("b.jpg", 200, 10)}, false, time.Now())
	assert.False(t, again.Changed, "rescan of identical input is a no-op")
	assert.Empty(t, again.Process)
	assert.Zero(t, again.Result.Changed)
}

func TestReconcileForceQueuesUnchangedItems(t *testing.T) {
	col := &models.Collection{ID: uuid.New()}
	scanned := []Item{item("a.jpg", 100, 10)}
	Reconcile(col, scanned, false, time.Now())

	out := Reconcile(col, scanned, true, time.Now())

	assert.False(t, out.Changed, "force alone does not dirty the document")
	assert.Len(t, out.Process, 1)
}

func TestReconcileEmptyScanClearsCollection(t *testing.T) {
	col := &models.Collection{ID: uuid.New()}
	Reconcile(col, []Item{item("a.jpg", 100, 10)}, false, time.Now())

	out := Reconcile(col, nil, false, time.Now())

	assert.True(t, out.Changed)
	assert.Empty(t, col.MediaItems)
	assert.Zero(t, col.Stats.MediaCount)
	assert.Zero(t, col.Stats.TotalBytes)
	assert.Equal(t, 1, out.Result.Removed)
}

func TestFromArchiveFiltersAndClassifies(t *testing.T) {
	entries := []archive.Entry{
		{Name: "art/cover.JPG", Size: 10},
		{Name: "clip.mp4", Size: 20},
		{Name: "notes.txt", Size: 5},
	}
	isVideo := func(ext string) bool { return ext == "mp4" }

	items := FromArchive(entries, []string{"jpg", "mp4"}, isVideo)

	require.Len(t, items, 2)
	assert.Equal(t, "art/cover.JPG", items[0].RelativePath)
	assert.Equal(t, "cover.JPG", items[0].Name)
	assert.Equal(t, "jpg", items[0].Format)
	assert.Equal(t, models.MediaImage, items[0].Kind)
	assert.Equal(t, models.MediaVideo, items[1].Kind)
}

func TestReconcileSetsScanTimestamps(t *testing.T) {
	col := &models.Collection{ID: uuid.New()}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	Reconcile(col, []Item{item("a.jpg", 1, 1)}, false, now)

	require.NotNil(t, col.Stats.LastScanAt)
	assert.Equal(t, now, *col.Stats.LastScanAt)
	require.NotNil(t, col.Stats.LastActivityAt)

	later := now.Add(time.Hour)
	Reconcile(col, []Item{item("a.jpg", 1, 1)}, false, later)
	assert.Equal(t, later, *col.Stats.LastScanAt)
	assert.Equal(t, now, *col.Stats.LastActivityAt, "no change keeps activity timestamp")
}
