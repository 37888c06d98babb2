package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pictoria/pictoria/internal/models"
)

func strPtr(s string) *string  { return &s }
func i64Ptr(n int64) *int64    { return &n }

func TestNextRunCron(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)

	sched := &models.ScheduledJob{
		ScheduleType: models.ScheduleCron,
		CronSpec:     strPtr("@every 1h"),
	}
	next, err := NextRun(sched, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(time.Hour), next.UTC())

	sched.CronSpec = strPtr("0 3 * * *")
	next, err = NextRun(sched, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.After(now))
	assert.LessOrEqual(t, next.Sub(now), 24*time.Hour)
	assert.Equal(t, 3, next.Hour())
}

func TestNextRunCronInvalidSpec(t *testing.T) {
	sched := &models.ScheduledJob{
		ScheduleType: models.ScheduleCron,
		CronSpec:     strPtr("not a cron line"),
	}
	_, err := NextRun(sched, time.Now())
	assert.Error(t, err)

	sched.CronSpec = nil
	_, err = NextRun(sched, time.Now())
	assert.Error(t, err)
}

func TestNextRunInterval(t *testing.T) {
	now := time.Now()
	sched := &models.ScheduledJob{
		ScheduleType:    models.ScheduleInterval,
		IntervalSeconds: i64Ptr(900),
	}

	next, err := NextRun(sched, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(15*time.Minute), *next)

	sched.IntervalSeconds = i64Ptr(0)
	_, err = NextRun(sched, now)
	assert.Error(t, err)
}

func TestNextRunOnce(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	sched := &models.ScheduledJob{
		ScheduleType: models.ScheduleOnce,
		NextRunAt:    &future,
	}

	next, err := NextRun(sched, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, future, *next)

	// Past its firing time a once schedule does not recur.
	next, err = NextRun(sched, future.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextRunManual(t *testing.T) {
	next, err := NextRun(&models.ScheduledJob{ScheduleType: models.ScheduleManual}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestCoalesceParam(t *testing.T) {
	assert.Equal(t, "library_id", coalesceParam(models.JobLibraryScan))
	assert.Equal(t, "collection_id", coalesceParam(models.JobCollectionScan))
	assert.Equal(t, "operation", coalesceParam(models.JobBulkOperation))
	assert.Empty(t, coalesceParam(models.JobThumbnail))
}
