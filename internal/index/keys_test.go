package index

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pictoria/pictoria/internal/models"
)

func testEntry() models.IndexEntry {
	return models.IndexEntry{
		ID:         uuid.MustParse("3f8e0d46-9f54-4f2f-bc5e-0a8b8f6f0001"),
		LibraryID:  uuid.MustParse("3f8e0d46-9f54-4f2f-bc5e-0a8b8f6f0002"),
		Kind:       models.KindZip,
		Name:       "Berlin Trip",
		ImageCount: 42,
		TotalBytes: 1 << 20,
		UpdatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		CreatedAt:  time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSortSetKeyDimensions(t *testing.T) {
	e := testEntry()

	assert.Equal(t, "idx:sort:updated:asc", sortSetKey(Filter{}, models.SortUpdatedAt, models.SortAsc))
	assert.Equal(t,
		"idx:by_library:"+e.LibraryID.String()+":name:desc",
		sortSetKey(Filter{LibraryID: &e.LibraryID}, models.SortName, models.SortDesc))

	kind := models.KindZip
	assert.Equal(t, "idx:by_kind:zip:size:asc", sortSetKey(Filter{Kind: &kind}, models.SortTotalBytes, models.SortAsc))
}

func TestMemberRoundTrip(t *testing.T) {
	e := testEntry()

	m := member(e, models.SortUpdatedAt)
	assert.Equal(t, e.ID.String(), m)
	id, err := memberID(m)
	require.NoError(t, err)
	assert.Equal(t, e.ID, id)

	nameMember := member(e, models.SortName)
	assert.Equal(t, "berlin trip\x00"+e.ID.String(), nameMember)
	id, err = memberID(nameMember)
	require.NoError(t, err)
	assert.Equal(t, e.ID, id)
}

func TestScoreNegatesForDescending(t *testing.T) {
	e := testEntry()

	asc := score(e, models.SortImageCount, models.SortAsc)
	desc := score(e, models.SortImageCount, models.SortDesc)
	assert.Equal(t, float64(42), asc)
	assert.Equal(t, -asc, desc)

	assert.Equal(t, float64(e.UpdatedAt.UnixMilli()), score(e, models.SortUpdatedAt, models.SortAsc))
	assert.Zero(t, score(e, models.SortName, models.SortAsc))
	assert.Zero(t, score(e, models.SortName, models.SortDesc))
}

func TestReversedReadOnlyForNameDesc(t *testing.T) {
	assert.True(t, reversedRead(models.SortName, models.SortDesc))
	assert.False(t, reversedRead(models.SortName, models.SortAsc))
	assert.False(t, reversedRead(models.SortUpdatedAt, models.SortDesc))
}

func TestSiblingWindowClamping(t *testing.T) {
	cases := []struct {
		rank, radius, total int64
		start, stop         int64
	}{
		{rank: 10, radius: 2, total: 100, start: 8, stop: 12},
		{rank: 0, radius: 2, total: 100, start: 0, stop: 4},   // re-centered at the left edge
		{rank: 99, radius: 2, total: 100, start: 95, stop: 99}, // re-centered at the right edge
		{rank: 1, radius: 5, total: 3, start: 0, stop: 2},      // window wider than the set
		{rank: 0, radius: 3, total: 0, start: 0, stop: -1},     // empty set
	}
	for _, c := range cases {
		start, stop := siblingWindow(c.rank, c.radius, c.total)
		assert.Equal(t, c.start, start, "rank=%d radius=%d total=%d", c.rank, c.radius, c.total)
		assert.Equal(t, c.stop, stop, "rank=%d radius=%d total=%d", c.rank, c.radius, c.total)
	}
}

func TestDiverged(t *testing.T) {
	assert.False(t, diverged(100, 100, 10))
	assert.False(t, diverged(105, 100, 10), "within threshold")
	assert.True(t, diverged(111, 100, 10))
	assert.True(t, diverged(89, 100, 10))
	assert.True(t, diverged(5, 0, 10), "empty catalog with stale entries")
	assert.False(t, diverged(0, 0, 10))
}

func TestEntryForCollection(t *testing.T) {
	now := time.Now()
	col := &models.Collection{
		ID:        uuid.New(),
		LibraryID: uuid.New(),
		Name:      "Holidays",
		Kind:      models.KindDirectory,
		Stats:     models.CollectionStats{MediaCount: 7, TotalBytes: 1234},
		CreatedAt: now,
		UpdatedAt: now,
	}
	e := models.EntryForCollection(col, []byte{0xFF})
	assert.Equal(t, col.ID, e.ID)
	assert.Equal(t, 7, e.ImageCount)
	assert.Equal(t, int64(1234), e.TotalBytes)
	assert.Equal(t, []byte{0xFF}, e.ThumbPreview)
}
