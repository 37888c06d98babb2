package jobs

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pictoria/pictoria/internal/config"
	"github.com/pictoria/pictoria/internal/models"
)

func TestNewEnvelope(t *testing.T) {
	parent := uuid.New()
	job := &models.Job{
		ID:            uuid.New(),
		CorrelationID: uuid.New(),
		ParentJobID:   &parent,
	}

	env := NewEnvelope(job)

	assert.NotEmpty(t, env.MessageID)
	assert.Equal(t, job.ID.String(), env.JobID)
	assert.Equal(t, job.CorrelationID.String(), env.CorrelationID)
	assert.Equal(t, parent.String(), env.ParentJobID)
	assert.Equal(t, 1, env.Attempt, "first delivery")
	assert.False(t, env.CreatedAt.IsZero())

	root := NewEnvelope(&models.Job{ID: uuid.New(), CorrelationID: uuid.New()})
	assert.Empty(t, root.ParentJobID)
	assert.Empty(t, root.ScanJobID)
	assert.NotEqual(t, env.MessageID, root.MessageID, "every message gets a fresh id")

	retried := NewEnvelope(&models.Job{ID: uuid.New(), CorrelationID: uuid.New(), Attempts: 2})
	assert.Equal(t, 3, retried.Attempt)

	scanID := uuid.NewString()
	descendant := NewEnvelope(&models.Job{
		ID:            uuid.New(),
		CorrelationID: uuid.New(),
		Params:        map[string]string{"scan_job_id": scanID},
	})
	assert.Equal(t, scanID, descendant.ScanJobID)
}

func TestScanLineage(t *testing.T) {
	libScan := &models.Job{ID: uuid.New(), Kind: models.JobLibraryScan}
	assert.Equal(t, libScan.ID.String(), scanLineage(libScan), "a scan is its own lineage root")

	colScan := &models.Job{
		ID:     uuid.New(),
		Kind:   models.JobCollectionScan,
		Params: map[string]string{"scan_job_id": libScan.ID.String()},
	}
	assert.Equal(t, libScan.ID.String(), scanLineage(colScan), "children inherit the originating scan")

	bulk := &models.Job{ID: uuid.New(), Kind: models.JobBulkOperation}
	assert.Empty(t, scanLineage(bulk))
}

func TestTaskTypes(t *testing.T) {
	assert.Equal(t, "library.scan", TaskLibraryScan)
	assert.Equal(t, "collection.scan", TaskCollectionScan)
	assert.Equal(t, "thumbnail.generate", TaskThumbnail)
	assert.Equal(t, "cache.generate", TaskCache)
	assert.Equal(t, "bulk.operation", TaskBulkOperation)
	assert.Equal(t, "image.process", TaskMetadata)
}

func TestPayloadRoundTrip(t *testing.T) {
	job := &models.Job{ID: uuid.New(), CorrelationID: uuid.New()}
	p := CollectionScanPayload{
		Envelope:     NewEnvelope(job),
		CollectionID: uuid.NewString(),
		Force:        true,
	}

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var got CollectionScanPayload
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, p.JobID, got.JobID)
	assert.Equal(t, p.CorrelationID, got.CorrelationID)
	assert.Equal(t, p.CollectionID, got.CollectionID)
	assert.True(t, got.Force)
}

func TestQueueForTask(t *testing.T) {
	cases := map[string]string{
		TaskLibraryScan:    config.StageLibraryScan,
		TaskCollectionScan: config.StageCollectionScan,
		TaskThumbnail:      config.StageThumbnail,
		TaskCache:          config.StageCache,
		TaskBulkOperation:  config.StageBulk,
		TaskMetadata:       config.StageMetadata,
	}
	for taskType, queue := range cases {
		assert.Equal(t, queue, QueueForTask(taskType), taskType)
	}
}

func TestReplaceDerivative(t *testing.T) {
	itemA, itemB := uuid.New(), uuid.New()
	list := []models.Derivative{
		{MediaItemID: itemA, Preset: "thumb", ByteSize: 100},
		{MediaItemID: itemB, Preset: "thumb", ByteSize: 200},
	}

	updated := replaceDerivative(list, models.Derivative{MediaItemID: itemA, Preset: "thumb", ByteSize: 150})
	require.Len(t, updated, 2)
	assert.Equal(t, int64(150), updated[0].ByteSize)

	grown := replaceDerivative(list, models.Derivative{MediaItemID: itemA, Preset: "cache", ByteSize: 999})
	assert.Len(t, grown, 3, "different preset appends")
}

func TestReplaceDerivativeOldReturnsDisplaced(t *testing.T) {
	item := uuid.New()
	list := []models.Derivative{{MediaItemID: item, Preset: "thumb", Path: "/old/path.jpg"}}

	updated, old := replaceDerivativeOld(list, models.Derivative{MediaItemID: item, Preset: "thumb", Path: "/new/path.jpg"})
	require.NotNil(t, old)
	assert.Equal(t, "/old/path.jpg", old.Path)
	assert.Equal(t, "/new/path.jpg", updated[0].Path)

	appended, old := replaceDerivativeOld(nil, models.Derivative{MediaItemID: item, Preset: "thumb"})
	assert.Nil(t, old)
	assert.Len(t, appended, 1)
}

func TestRecountDerivatives(t *testing.T) {
	live, dead := uuid.New(), uuid.New()
	col := &models.Collection{
		MediaItems: []models.MediaItem{
			{ID: live},
			{ID: dead, Deleted: true},
		},
		Thumbnails: []models.Derivative{
			{MediaItemID: live, Preset: "thumb"},
			{MediaItemID: dead, Preset: "thumb"},
		},
		CacheImages: []models.Derivative{
			{MediaItemID: live, Preset: "cache"},
		},
	}

	recountDerivatives(col)

	assert.Equal(t, 1, col.Stats.ThumbnailCount, "tombstoned items do not count")
	assert.Equal(t, 1, col.Stats.CachedCount)
}
