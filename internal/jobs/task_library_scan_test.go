package jobs

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pictoria/pictoria/internal/models"
	"github.com/pictoria/pictoria/internal/walker"
)

func scannedCollection(size, mod int64) *models.Collection {
	scanned := time.Now().Add(-time.Hour)
	return &models.Collection{
		ID:        uuid.New(),
		LibraryID: uuid.New(),
		Stats: models.CollectionStats{
			RootSignature: models.RootSignature{ByteSize: size, ModTimeUnix: mod},
			LastScanAt:    &scanned,
		},
	}
}

func TestRescanNeeded(t *testing.T) {
	cand := walker.Candidate{Name: "album.zip", Size: 4096, ModTimeUnix: 1700000000}

	never := &models.Collection{ID: uuid.New()}
	assert.True(t, rescanNeeded(never, cand), "never-scanned collections always rescan")

	same := scannedCollection(4096, 1700000000)
	assert.False(t, rescanNeeded(same, cand), "unchanged signature skips the rescan")

	grown := scannedCollection(2048, 1700000000)
	assert.True(t, rescanNeeded(grown, cand), "size divergence forces a rescan")

	touched := scannedCollection(4096, 1600000000)
	assert.True(t, rescanNeeded(touched, cand), "mtime divergence forces a rescan")
}

func TestClaimCollectionForeignLibrary(t *testing.T) {
	col := &models.Collection{
		ID:        uuid.New(),
		LibraryID: uuid.New(),
		Path:      "/data/lib-a/album",
	}

	_, err := claimCollection(col, uuid.New())
	require.Error(t, err, "a path owned by another library fails the candidate")

	got, err := claimCollection(col, col.LibraryID)
	require.NoError(t, err)
	assert.Same(t, col, got)
}
