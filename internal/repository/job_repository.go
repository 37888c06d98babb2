package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pictoria/pictoria/internal/models"
)

// JobRepository is the job ledger: the authoritative record of pipeline
// progress. Terminal rows (completed/failed/cancelled) are immutable; every
// mutating statement carries a status guard so a late worker cannot revive
// a finished job.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, kind, parent_job_id, correlation_id, status, attempts, timeout_ms,
	params, progress, counters, error_message, created_at, started_at, completed_at`

const nonTerminalGuard = `status NOT IN ('completed', 'failed', 'cancelled')`

func scanJob(row interface{ Scan(dest ...interface{}) error }) (*models.Job, error) {
	j := &models.Job{}
	var params, progress, counters []byte
	err := row.Scan(&j.ID, &j.Kind, &j.ParentJobID, &j.CorrelationID, &j.Status,
		&j.Attempts, &j.TimeoutMs, &params, &progress, &counters,
		&j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &j.Params); err != nil {
		return nil, fmt.Errorf("decode job params: %w", err)
	}
	if err := json.Unmarshal(progress, &j.Progress); err != nil {
		return nil, fmt.Errorf("decode job progress: %w", err)
	}
	if err := json.Unmarshal(counters, &j.Counters); err != nil {
		return nil, fmt.Errorf("decode job counters: %w", err)
	}
	return j, nil
}

func (r *JobRepository) Create(j *models.Job) error {
	if j.Params == nil {
		j.Params = map[string]string{}
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return err
	}
	progress, err := json.Marshal(j.Progress)
	if err != nil {
		return err
	}
	counters, err := json.Marshal(j.Counters)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO jobs (id, kind, parent_job_id, correlation_id, status, timeout_ms, params, progress, counters)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`
	return r.db.QueryRow(query, j.ID, j.Kind, j.ParentJobID, j.CorrelationID,
		j.Status, j.TimeoutMs, params, progress, counters).
		Scan(&j.CreatedAt)
}

func (r *JobRepository) GetByID(id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, err
}

// FindNonTerminal returns the newest non-terminal job of a kind whose
// params contain the given key=value (e.g. library_id). Used for scan
// deduplication and scheduler coalescing.
func (r *JobRepository) FindNonTerminal(kind models.JobKind, paramKey, paramValue string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE kind = $1 AND ` + nonTerminalGuard + ` AND params->>$2 = $3
		ORDER BY created_at DESC LIMIT 1`
	j, err := scanJob(r.db.QueryRow(query, kind, paramKey, paramValue))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("non-terminal %s job: %w", kind, ErrNotFound)
	}
	return j, err
}

// MarkRunning transitions pending → running (or re-running on retry) and
// bumps the attempt counter.
func (r *JobRepository) MarkRunning(id uuid.UUID) error {
	res, err := r.db.Exec(`
		UPDATE jobs SET status = 'running', attempts = attempts + 1,
			started_at = COALESCE(started_at, CURRENT_TIMESTAMP)
		WHERE id = $1 AND `+nonTerminalGuard, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is terminal: %w", id, ErrNotFound)
	}
	return nil
}

// Finish moves a job to a terminal status. A no-op when the job is already
// terminal, which keeps cancelled jobs cancelled when a worker reports late.
func (r *JobRepository) Finish(id uuid.UUID, status models.JobStatus, errMsg *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish called with non-terminal status %q", status)
	}
	_, err := r.db.Exec(`
		UPDATE jobs SET status = $1, error_message = $2, completed_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND `+nonTerminalGuard, status, errMsg, id)
	return err
}

// AddTotal grows progress.total by n. A parent's total never decreases.
func (r *JobRepository) AddTotal(id uuid.UUID, n int) error {
	return r.bumpProgress(id, "total", n)
}

// AdvanceProgress increments one of completed/failed/skipped and sets the
// current item label in a single statement.
func (r *JobRepository) AdvanceProgress(id uuid.UUID, field string, currentItem string) error {
	switch field {
	case "completed", "failed", "skipped":
	default:
		return fmt.Errorf("unknown progress field %q", field)
	}
	_, err := r.db.Exec(fmt.Sprintf(`
		UPDATE jobs SET progress = jsonb_set(
			jsonb_set(progress, '{%[1]s}', to_jsonb(COALESCE((progress->>'%[1]s')::int, 0) + 1)),
			'{current_item}', to_jsonb($1::text))
		WHERE id = $2 AND %s`, field, nonTerminalGuard),
		currentItem, id)
	return err
}

func (r *JobRepository) bumpProgress(id uuid.UUID, field string, n int) error {
	_, err := r.db.Exec(fmt.Sprintf(`
		UPDATE jobs SET progress = jsonb_set(progress, '{%[1]s}',
			to_jsonb(COALESCE((progress->>'%[1]s')::int, 0) + $1))
		WHERE id = $2 AND %s`, field, nonTerminalGuard),
		n, id)
	return err
}

// BumpCounter increments a per-stage counter (thumbnails_done, cache_done)
// on a parent job.
func (r *JobRepository) BumpCounter(id uuid.UUID, counter string) error {
	switch counter {
	case "thumbnails_done", "cache_done":
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}
	_, err := r.db.Exec(fmt.Sprintf(`
		UPDATE jobs SET counters = jsonb_set(counters, '{%[1]s}',
			to_jsonb(COALESCE((counters->>'%[1]s')::int, 0) + 1))
		WHERE id = $1 AND %s`, counter, nonTerminalGuard),
		id)
	return err
}

// CancelWithChildren cancels a job and all its non-terminal descendants.
// Returns the IDs that actually transitioned.
func (r *JobRepository) CancelWithChildren(id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(`
		WITH RECURSIVE tree AS (
			SELECT id FROM jobs WHERE id = $1
			UNION ALL
			SELECT j.id FROM jobs j JOIN tree t ON j.parent_job_id = t.id
		)
		UPDATE jobs SET status = 'cancelled', completed_at = CURRENT_TIMESTAMP
		WHERE id IN (SELECT id FROM tree) AND `+nonTerminalGuard+`
		RETURNING id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cancelled []uuid.UUID
	for rows.Next() {
		var cid uuid.UUID
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, cid)
	}
	return cancelled, rows.Err()
}

// IsCancelled reports whether the job was cancelled. Workers check this on
// message arrival so cancelled children ack without side effects.
func (r *JobRepository) IsCancelled(id uuid.UUID) (bool, error) {
	var status models.JobStatus
	err := r.db.QueryRow(`SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	return status == models.JobCancelled, nil
}

// CountNonTerminalChildren returns how many children of a parent are still
// in flight, so the parent can be finished when the last child reports.
func (r *JobRepository) CountNonTerminalChildren(parentID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE parent_job_id = $1 AND `+nonTerminalGuard, parentID).Scan(&n)
	return n, err
}

func (r *JobRepository) ListRecent(limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ──────── Per-item processing states ────────

// UpsertFileState records the outcome of one derivative attempt.
func (r *JobRepository) UpsertFileState(s *models.FileProcessingState) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.db.Exec(`
		INSERT INTO file_processing_states (id, job_id, collection_id, media_item_id, stage, status, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id, media_item_id, stage) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = file_processing_states.attempts + 1,
			last_error = EXCLUDED.last_error,
			updated_at = CURRENT_TIMESTAMP`,
		s.ID, s.JobID, s.CollectionID, s.MediaItemID, s.Stage, s.Status, s.Attempts, s.LastError)
	return err
}

// GetFileState fetches the recorded state for (job, item, stage), if any.
func (r *JobRepository) GetFileState(jobID, mediaItemID uuid.UUID, stage models.JobKind) (*models.FileProcessingState, error) {
	s := &models.FileProcessingState{}
	err := r.db.QueryRow(`
		SELECT id, job_id, collection_id, media_item_id, stage, status, attempts, last_error, updated_at
		FROM file_processing_states
		WHERE job_id = $1 AND media_item_id = $2 AND stage = $3`,
		jobID, mediaItemID, stage).
		Scan(&s.ID, &s.JobID, &s.CollectionID, &s.MediaItemID, &s.Stage,
			&s.Status, &s.Attempts, &s.LastError, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("file state: %w", ErrNotFound)
	}
	return s, err
}
