package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pictoria/pictoria/internal/models"
)

type ScheduledJobRepository struct {
	db *sql.DB
}

func NewScheduledJobRepository(db *sql.DB) *ScheduledJobRepository {
	return &ScheduledJobRepository{db: db}
}

const scheduledJobColumns = `id, name, target_kind, schedule_type, cron_spec, interval_seconds,
	enabled, run_count, coalesced_runs, last_run_at, next_run_at, params, created_at, updated_at`

func scanScheduledJob(row interface{ Scan(dest ...interface{}) error }) (*models.ScheduledJob, error) {
	s := &models.ScheduledJob{}
	var params []byte
	err := row.Scan(&s.ID, &s.Name, &s.TargetKind, &s.ScheduleType, &s.CronSpec,
		&s.IntervalSeconds, &s.Enabled, &s.RunCount, &s.CoalescedRuns,
		&s.LastRunAt, &s.NextRunAt, &params, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &s.Params); err != nil {
		return nil, fmt.Errorf("decode scheduled job params: %w", err)
	}
	return s, nil
}

func (r *ScheduledJobRepository) Create(s *models.ScheduledJob) error {
	if s.Params == nil {
		s.Params = map[string]string{}
	}
	params, err := json.Marshal(s.Params)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO scheduled_jobs (id, name, target_kind, schedule_type, cron_spec,
			interval_seconds, enabled, next_run_at, params)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`
	return r.db.QueryRow(query, s.ID, s.Name, s.TargetKind, s.ScheduleType,
		s.CronSpec, s.IntervalSeconds, s.Enabled, s.NextRunAt, params).
		Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *ScheduledJobRepository) GetByID(id uuid.UUID) (*models.ScheduledJob, error) {
	query := `SELECT ` + scheduledJobColumns + ` FROM scheduled_jobs WHERE id = $1`
	s, err := scanScheduledJob(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scheduled job %s: %w", id, ErrNotFound)
	}
	return s, err
}

func (r *ScheduledJobRepository) List() ([]*models.ScheduledJob, error) {
	return r.list(`SELECT ` + scheduledJobColumns + ` FROM scheduled_jobs ORDER BY created_at`)
}

// ListDue returns enabled schedules whose next_run_at has passed.
func (r *ScheduledJobRepository) ListDue(now time.Time) ([]*models.ScheduledJob, error) {
	return r.list(`SELECT `+scheduledJobColumns+` FROM scheduled_jobs
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at`, now)
}

// ListEnabled returns all enabled schedules, used at startup to recompute
// next_run_at.
func (r *ScheduledJobRepository) ListEnabled() ([]*models.ScheduledJob, error) {
	return r.list(`SELECT ` + scheduledJobColumns + ` FROM scheduled_jobs WHERE enabled`)
}

func (r *ScheduledJobRepository) list(query string, args ...interface{}) ([]*models.ScheduledJob, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ScheduledJob
	for rows.Next() {
		s, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetEnabled flips the schedule. Disabling clears next_run_at per the
// enabled=false ⇒ next_run_at=null rule; enabling leaves next_run_at for
// the scheduler to recompute.
func (r *ScheduledJobRepository) SetEnabled(id uuid.UUID, enabled bool) error {
	var query string
	if enabled {
		query = `UPDATE scheduled_jobs SET enabled = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $1`
	} else {
		query = `UPDATE scheduled_jobs SET enabled = FALSE, next_run_at = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = $1`
	}
	res, err := r.db.Exec(query, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduled job %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordFiring updates the schedule after a firing decision and writes the
// audit row. When coalesced, run_count is left alone and coalesced_runs is
// incremented instead.
func (r *ScheduledJobRepository) RecordFiring(id uuid.UUID, firedAt time.Time, nextRunAt *time.Time, jobID *uuid.UUID, coalesced bool) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if coalesced {
		_, err = tx.Exec(`
			UPDATE scheduled_jobs SET coalesced_runs = coalesced_runs + 1,
				last_run_at = $1, next_run_at = $2, updated_at = CURRENT_TIMESTAMP
			WHERE id = $3`, firedAt, nextRunAt, id)
	} else {
		_, err = tx.Exec(`
			UPDATE scheduled_jobs SET run_count = run_count + 1,
				last_run_at = $1, next_run_at = $2, updated_at = CURRENT_TIMESTAMP
			WHERE id = $3`, firedAt, nextRunAt, id)
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO scheduled_job_runs (id, scheduled_job_id, fired_at, job_id, coalesced)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), id, firedAt, jobID, coalesced)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// SetNextRun recomputes only next_run_at (startup recompute path).
func (r *ScheduledJobRepository) SetNextRun(id uuid.UUID, nextRunAt *time.Time) error {
	_, err := r.db.Exec(
		`UPDATE scheduled_jobs SET next_run_at = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		nextRunAt, id)
	return err
}
