package control

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pictoria/pictoria/internal/models"
)

// Validation happens before any repository call, so a zero-value service
// is enough to exercise the rejection paths.

func TestCreateLibraryValidation(t *testing.T) {
	s := &Service{}

	_, err := s.CreateLibrary("  ", "/media", models.LibrarySettings{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.CreateLibrary("Photos", "", models.LibrarySettings{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateScheduledJobValidation(t *testing.T) {
	s := &Service{}

	err := s.CreateScheduledJob(&models.ScheduledJob{
		TargetKind:   models.JobLibraryScan,
		ScheduleType: models.ScheduleManual,
	})
	assert.ErrorIs(t, err, ErrValidation, "empty name")

	err = s.CreateScheduledJob(&models.ScheduledJob{
		Name:         "nightly",
		TargetKind:   models.JobThumbnail,
		ScheduleType: models.ScheduleManual,
	})
	assert.ErrorIs(t, err, ErrValidation, "derivative stages cannot be scheduled directly")

	spec := "this is not cron"
	err = s.CreateScheduledJob(&models.ScheduledJob{
		Name:         "nightly",
		TargetKind:   models.JobLibraryScan,
		ScheduleType: models.ScheduleCron,
		CronSpec:     &spec,
	})
	assert.ErrorIs(t, err, ErrValidation, "bad cron spec")
}

func TestCreateScheduledJobOnceKeepsPresetTime(t *testing.T) {
	s := &Service{}
	at := time.Now().Add(-time.Hour)
	sched := &models.ScheduledJob{
		Name:         "one shot",
		TargetKind:   models.JobCollectionScan,
		ScheduleType: models.ScheduleOnce,
		NextRunAt:    &at,
	}

	// The create dies at the nil repository, but by then the firing time
	// must already be pinned to the requested instant, not recomputed away.
	func() {
		defer func() { _ = recover() }()
		_ = s.CreateScheduledJob(sched)
	}()

	require.NotNil(t, sched.NextRunAt)
	assert.Equal(t, at, *sched.NextRunAt)
	assert.NotEqual(t, uuid.Nil, sched.ID, "an id is assigned before persisting")
}

func TestCreateCacheFolderValidation(t *testing.T) {
	s := &Service{}

	_, err := s.CreateCacheFolder("ssd", "", 1000, 1)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.CreateCacheFolder("ssd", "/cache", 0, 1)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.CreateCacheFolder("ssd", "/cache", -5, 1)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateSettingRejectsUnknownKey(t *testing.T) {
	s := &Service{}
	err := s.UpdateSetting("favorite_color", "blue")
	assert.ErrorIs(t, err, ErrValidation)
}
