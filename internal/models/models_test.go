package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKindForPath(t *testing.T) {
	cases := map[string]struct {
		kind    CollectionKind
		archive bool
	}{
		"album.zip":     {KindZip, true},
		"comic.CBZ":     {KindZip, true},
		"backup.7z":     {KindSevenZip, true},
		"comic.cb7":     {KindSevenZip, true},
		"old.rar":       {KindRar, true},
		"comic.cbr":     {KindRar, true},
		"bundle.tar":    {KindTar, true},
		"photos":        {KindDirectory, false},
		"movie.mp4":     {KindDirectory, false},
		"archive.zip.d": {KindDirectory, false},
	}
	for path, want := range cases {
		kind, ok := KindForPath(path)
		assert.Equal(t, want.archive, ok, path)
		assert.Equal(t, want.kind, kind, path)
	}
}

func TestIsArchive(t *testing.T) {
	assert.False(t, KindDirectory.IsArchive())
	for _, k := range []CollectionKind{KindZip, KindSevenZip, KindRar, KindTar} {
		assert.True(t, k.IsArchive())
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.False(t, JobPending.IsTerminal())
	assert.False(t, JobRunning.IsTerminal())
	assert.True(t, JobCompleted.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
}

func TestJobProgressPending(t *testing.T) {
	p := JobProgress{Total: 10, Completed: 4, Failed: 1, Skipped: 2}
	assert.Equal(t, 3, p.Pending())

	over := JobProgress{Total: 2, Completed: 3}
	assert.Zero(t, over.Pending(), "never negative")
}

func TestPresetExt(t *testing.T) {
	assert.Equal(t, "jpg", Preset{Format: "jpeg"}.Ext())
	assert.Equal(t, "jpg", Preset{Format: "JPG"}.Ext())
	assert.Equal(t, "png", Preset{Format: "png"}.Ext())
	assert.Equal(t, "webp", Preset{Format: "webp"}.Ext())
	assert.Equal(t, "jpg", Preset{Format: "tiff"}.Ext(), "unknown formats fall back to jpg")
}

func TestCacheFolderAccounting(t *testing.T) {
	f := &CacheFolder{MaxBytes: 1000, CurrentBytes: 250}
	assert.Equal(t, int64(750), f.FreeBytes())
	assert.InDelta(t, 0.25, f.FillRatio(), 1e-9)

	full := &CacheFolder{MaxBytes: 100, CurrentBytes: 180}
	assert.Zero(t, full.FreeBytes())

	zero := &CacheFolder{}
	assert.Equal(t, float64(1), zero.FillRatio(), "no quota means full")
}

func TestCollectionHelpers(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	col := &Collection{MediaItems: []MediaItem{
		{ID: a, InsertionOrder: 0},
		{ID: b, InsertionOrder: 3, Deleted: true},
	}}

	assert.Len(t, col.ActiveMediaItems(), 1)
	assert.Equal(t, 3, col.MaxInsertionOrder(), "tombstones still hold their order")
	assert.NotNil(t, col.FindMediaItem(b))
	assert.Nil(t, col.FindMediaItem(uuid.New()))

	empty := &Collection{}
	assert.Equal(t, -1, empty.MaxInsertionOrder())

	folderID := uuid.New()
	assert.False(t, col.HasBinding(folderID))
	col.CacheBindings = append(col.CacheBindings, CacheBinding{CacheFolderID: folderID})
	assert.True(t, col.HasBinding(folderID))
}
