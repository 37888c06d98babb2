package jobs

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/pictoria/pictoria/internal/archive"
	"github.com/pictoria/pictoria/internal/config"
	"github.com/pictoria/pictoria/internal/derivative"
	"github.com/pictoria/pictoria/internal/ffmpeg"
	"github.com/pictoria/pictoria/internal/index"
	"github.com/pictoria/pictoria/internal/models"
	"github.com/pictoria/pictoria/internal/repository"
)

// Envelope rides on every task payload. The job ID points at the ledger
// row tracking this unit of work; the correlation ID is shared by every
// message descended from one trigger; the scan job ID names the scan the
// message descends from, when there is one.
type Envelope struct {
	MessageID     string    `json:"message_id"`
	CorrelationID string    `json:"correlation_id"`
	JobID         string    `json:"job_id"`
	ParentJobID   string    `json:"parent_job_id,omitempty"`
	ScanJobID     string    `json:"scan_job_id,omitempty"`
	Attempt       int       `json:"attempt"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewEnvelope stamps a fresh envelope for a ledger job.
func NewEnvelope(job *models.Job) Envelope {
	env := Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: job.CorrelationID.String(),
		JobID:         job.ID.String(),
		ScanJobID:     job.Params["scan_job_id"],
		Attempt:       job.Attempts + 1,
		CreatedAt:     time.Now().UTC(),
	}
	if job.ParentJobID != nil {
		env.ParentJobID = job.ParentJobID.String()
	}
	return env
}

// scanLineage resolves the scan job a child message should reference:
// the parent itself when it is a scan, otherwise whatever scan the parent
// already descends from.
func scanLineage(parent *models.Job) string {
	if id := parent.Params["scan_job_id"]; id != "" {
		return id
	}
	if parent.Kind == models.JobLibraryScan || parent.Kind == models.JobCollectionScan {
		return parent.ID.String()
	}
	return ""
}

type LibraryScanPayload struct {
	Envelope
	LibraryID string `json:"library_id"`
	Force     bool   `json:"force,omitempty"`
}

type CollectionScanPayload struct {
	Envelope
	CollectionID string `json:"collection_id"`
	Force        bool   `json:"force,omitempty"`
	// UseDirectFileAccess overrides the collection's persisted setting
	// for this scan only. Nil means no override.
	UseDirectFileAccess *bool `json:"use_direct_file_access,omitempty"`
	// Root signature of the candidate as the coordinator saw it, recorded
	// on the collection when the scan's write lands.
	RootSize        int64 `json:"root_size,omitempty"`
	RootModTimeUnix int64 `json:"root_mod_time_unix,omitempty"`
}

// DerivativePayload drives both the thumbnail and the cache stage.
type DerivativePayload struct {
	Envelope
	CollectionID string `json:"collection_id"`
	MediaItemID  string `json:"media_item_id"`
}

// Bulk operation names.
const (
	BulkDeleteCollection = "delete_collection"
	BulkReconcileFolder  = "reconcile_folder"
)

type BulkPayload struct {
	Envelope
	Operation     string `json:"operation"`
	CollectionID  string `json:"collection_id,omitempty"`
	CacheFolderID string `json:"cache_folder_id,omitempty"`
}

type MetadataPayload struct {
	Envelope
	CollectionID string `json:"collection_id"`
	MediaItemID  string `json:"media_item_id"`
}

// Deps bundles everything the stage handlers share.
type Deps struct {
	Config      *config.Config
	Libraries   *repository.LibraryRepository
	Collections *repository.CollectionRepository
	Jobs        *repository.JobRepository
	Folders     *repository.CacheFolderRepository
	Queue       *Queue
	Index       *index.Index
	Engine      *derivative.Engine
	Allocator   *derivative.Allocator
	Pool        *archive.Pool
	Prober      *ffmpeg.FFprobe
}

// RegisterHandlers wires every stage handler onto its task type.
func RegisterHandlers(q *Queue, d Deps) {
	q.RegisterHandler(TaskLibraryScan, NewLibraryScanHandler(d))
	q.RegisterHandler(TaskCollectionScan, NewCollectionScanHandler(d))
	q.RegisterHandler(TaskThumbnail, NewDerivativeHandler(d, models.JobThumbnail))
	q.RegisterHandler(TaskCache, NewDerivativeHandler(d, models.JobCache))
	q.RegisterHandler(TaskBulkOperation, NewBulkHandler(d))
	q.RegisterHandler(TaskMetadata, NewMetadataHandler(d))
}

// taskOpts derives the asynq options for a ledger job. A timeout on the
// row is enforced by the worker context.
func taskOpts(job *models.Job) []asynq.Option {
	var opts []asynq.Option
	if job.TimeoutMs > 0 {
		opts = append(opts, asynq.Timeout(time.Duration(job.TimeoutMs)*time.Millisecond))
	}
	return opts
}

// EnqueueJob turns a ledger job into its queue message, deduplicated on
// the job's logical target. Callers create the ledger row first so the
// worker can find it by ID.
func EnqueueJob(q *Queue, job *models.Job) (string, error) {
	env := NewEnvelope(job)
	opts := taskOpts(job)
	switch job.Kind {
	case models.JobLibraryScan:
		libID := job.Params["library_id"]
		return q.EnqueueUnique(TaskLibraryScan,
			LibraryScanPayload{Envelope: env, LibraryID: libID, Force: job.Params["force"] == "true"},
			"scan:library:"+libID, opts...)
	case models.JobCollectionScan:
		colID := job.Params["collection_id"]
		payload := CollectionScanPayload{Envelope: env, CollectionID: colID, Force: job.Params["force"] == "true"}
		if v, ok := job.Params["use_direct_file_access"]; ok {
			direct := v == "true"
			payload.UseDirectFileAccess = &direct
		}
		return q.EnqueueUnique(TaskCollectionScan, payload, "scan:collection:"+colID, opts...)
	case models.JobBulkOperation:
		op := job.Params["operation"]
		target := job.Params["collection_id"] + job.Params["cache_folder_id"]
		return q.EnqueueUnique(TaskBulkOperation, BulkPayload{
			Envelope:      env,
			Operation:     op,
			CollectionID:  job.Params["collection_id"],
			CacheFolderID: job.Params["cache_folder_id"],
		}, "bulk:"+op+":"+target, opts...)
	case models.JobThumbnail, models.JobCache:
		taskType := TaskThumbnail
		prefix := "thumb"
		if job.Kind == models.JobCache {
			taskType, prefix = TaskCache, "cache"
		}
		colID, itemID := job.Params["collection_id"], job.Params["media_item_id"]
		return q.EnqueueUnique(taskType,
			DerivativePayload{Envelope: env, CollectionID: colID, MediaItemID: itemID},
			fmt.Sprintf("%s:%s:%s", prefix, colID, itemID), opts...)
	case models.JobMetadata:
		colID, itemID := job.Params["collection_id"], job.Params["media_item_id"]
		return q.EnqueueUnique(TaskMetadata,
			MetadataPayload{Envelope: env, CollectionID: colID, MediaItemID: itemID},
			fmt.Sprintf("meta:%s:%s", colID, itemID), opts...)
	}
	return "", fmt.Errorf("no task type for job kind %q", job.Kind)
}

// maybeCompleteParent finishes a parent job once its fan-out is fully
// accounted for and the last child has reached a terminal state, then
// walks up the chain. A parent with pending progress is still fanning
// out and is left alone.
func maybeCompleteParent(jobs *repository.JobRepository, parentID *uuid.UUID) {
	for parentID != nil {
		n, err := jobs.CountNonTerminalChildren(*parentID)
		if err != nil || n > 0 {
			return
		}
		parent, err := jobs.GetByID(*parentID)
		if err != nil || parent.Status.IsTerminal() {
			return
		}
		if parent.Progress.Pending() > 0 {
			return
		}
		if err := jobs.Finish(parent.ID, models.JobCompleted, nil); err != nil {
			log.Printf("Jobs: finish parent %s: %v", parent.ID, err)
			return
		}
		parentID = parent.ParentJobID
	}
}

// spawnChild creates the ledger row for a child job and enqueues its task
// with a deterministic ID.
func spawnChild(d Deps, parent *models.Job, kind models.JobKind, taskType string,
	params map[string]string, uniqueID string, build func(Envelope) interface{}) (*models.Job, error) {

	if id := scanLineage(parent); id != "" {
		params["scan_job_id"] = id
	}
	child := &models.Job{
		ID:            uuid.New(),
		Kind:          kind,
		ParentJobID:   &parent.ID,
		CorrelationID: parent.CorrelationID,
		Status:        models.JobPending,
		TimeoutMs:     parent.TimeoutMs,
		Params:        params,
	}
	if err := d.Jobs.Create(child); err != nil {
		return nil, err
	}
	if _, err := d.Queue.EnqueueUnique(taskType, build(NewEnvelope(child)), uniqueID, taskOpts(child)...); err != nil {
		return nil, err
	}
	return child, nil
}
