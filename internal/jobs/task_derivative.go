package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/pictoria/pictoria/internal/derivative"
	"github.com/pictoria/pictoria/internal/models"
	"github.com/pictoria/pictoria/internal/repository"
)

// DerivativeHandler runs one derivative stage (thumbnail or cache) for a
// single media item: decode, resize, store, then append the reference to
// the collection document under optimistic concurrency.
type DerivativeHandler struct {
	d     Deps
	stage models.JobKind
}

func NewDerivativeHandler(d Deps, stage models.JobKind) *DerivativeHandler {
	return &DerivativeHandler{d: d, stage: stage}
}

func (h *DerivativeHandler) preset() models.Preset {
	if h.stage == models.JobCache {
		return h.d.Config.CachePreset
	}
	return h.d.Config.ThumbnailPreset
}

func (h *DerivativeHandler) counter() string {
	if h.stage == models.JobCache {
		return "cache_done"
	}
	return "thumbnails_done"
}

func (h *DerivativeHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p DerivativePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	jobID, err := uuid.Parse(p.JobID)
	if err != nil {
		return fmt.Errorf("bad job id %q: %w", p.JobID, asynq.SkipRetry)
	}
	if cancelled, err := h.d.Jobs.IsCancelled(jobID); err == nil && cancelled {
		return nil
	}
	if err := h.d.Jobs.MarkRunning(jobID); err != nil {
		return nil
	}

	job, err := h.d.Jobs.GetByID(jobID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}

	colID, err := uuid.Parse(p.CollectionID)
	if err != nil {
		return h.finalFailure(ctx, job, nil, fmt.Errorf("bad collection id %q", p.CollectionID))
	}
	itemID, err := uuid.Parse(p.MediaItemID)
	if err != nil {
		return h.finalFailure(ctx, job, nil, fmt.Errorf("bad media item id %q", p.MediaItemID))
	}

	col, err := h.d.Collections.GetByID(colID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return h.finalFailure(ctx, job, nil, fmt.Errorf("collection %s gone", colID))
		}
		return fmt.Errorf("get collection: %w", err)
	}
	item := col.FindMediaItem(itemID)
	if item == nil || item.Deleted {
		// Item vanished between scan and processing. Nothing to do.
		h.recordState(job, colID, itemID, models.JobCancelled, nil)
		if job.ParentJobID != nil {
			_ = h.d.Jobs.AdvanceProgress(*job.ParentJobID, "skipped", p.MediaItemID)
		}
		_ = h.d.Jobs.Finish(job.ID, models.JobCompleted, nil)
		maybeCompleteParent(h.d.Jobs, job.ParentJobID)
		return nil
	}

	// A redelivery after the commit landed but before the ack must not
	// regenerate the file.
	if state, err := h.d.Jobs.GetFileState(job.ID, item.ID, h.stage); err == nil && state.Status == models.JobCompleted {
		if job.ParentJobID != nil {
			_ = h.d.Jobs.AdvanceProgress(*job.ParentJobID, "completed", item.FileName)
		}
		_ = h.d.Jobs.Finish(job.ID, models.JobCompleted, nil)
		maybeCompleteParent(h.d.Jobs, job.ParentJobID)
		return nil
	}

	withPreview := h.stage == models.JobThumbnail && item.InsertionOrder == 0
	res, err := h.d.Engine.Generate(ctx, col, item, h.preset(), withPreview)
	if err != nil {
		return h.handleGenerateError(ctx, job, col, item, err)
	}

	if err := h.commit(colID, item.ID, res); err != nil {
		return fmt.Errorf("commit derivative: %w", err)
	}

	h.recordState(job, colID, item.ID, models.JobCompleted, nil)
	if job.ParentJobID != nil {
		_ = h.d.Jobs.BumpCounter(*job.ParentJobID, h.counter())
		_ = h.d.Jobs.AdvanceProgress(*job.ParentJobID, "completed", item.FileName)
	}
	_ = h.d.Jobs.Finish(job.ID, models.JobCompleted, nil)

	h.refreshIndex(ctx, colID, res.Preview)
	maybeCompleteParent(h.d.Jobs, job.ParentJobID)
	return nil
}

// commit appends or replaces the derivative reference in the collection
// document, retrying on version conflicts. A replaced file is evicted
// after the document write lands.
func (h *DerivativeHandler) commit(colID, itemID uuid.UUID, res *derivative.Result) error {
	for attempt := 0; ; attempt++ {
		col, err := h.d.Collections.GetByID(colID)
		if err != nil {
			return err
		}
		item := col.FindMediaItem(itemID)
		if item == nil {
			// Removed mid-flight: the file just written is orphaned.
			if res.Folder != nil {
				_ = h.d.Allocator.Remove(res.Folder.ID, res.Derivative.Path)
			}
			return nil
		}

		var replaced *models.Derivative
		if h.stage == models.JobCache {
			col.CacheImages, replaced = replaceDerivativeOld(col.CacheImages, res.Derivative)
		} else {
			col.Thumbnails, replaced = replaceDerivativeOld(col.Thumbnails, res.Derivative)
		}
		if item.Width == 0 && res.SrcWidth > 0 {
			item.Width = res.SrcWidth
			item.Height = res.SrcHeight
		}
		if res.Folder != nil && !col.HasBinding(res.Folder.ID) {
			col.CacheBindings = append(col.CacheBindings, models.CacheBinding{
				CacheFolderID: res.Folder.ID,
				BoundAt:       time.Now().UTC(),
			})
		}
		recountDerivatives(col)
		now := time.Now().UTC()
		col.Stats.LastActivityAt = &now

		err = h.d.Collections.UpdateVersioned(col)
		if err == nil {
			if replaced != nil && !replaced.IsDirect && replaced.Path != res.Derivative.Path {
				h.evictReplaced(col, *replaced)
			}
			return nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) || attempt+1 >= casAttempts {
			return err
		}
	}
}

func (h *DerivativeHandler) evictReplaced(col *models.Collection, old models.Derivative) {
	for _, b := range col.CacheBindings {
		f, err := h.d.Folders.GetByID(b.CacheFolderID)
		if err != nil {
			continue
		}
		if len(old.Path) > len(f.RootPath) && old.Path[:len(f.RootPath)] == f.RootPath {
			if err := h.d.Allocator.Remove(f.ID, old.Path); err != nil {
				log.Printf("Derivative: evict replaced %q: %v", old.Path, err)
			}
			return
		}
	}
}

// handleGenerateError retries transient failures through the queue and
// terminally fails the job on anything else, or once retries run out.
func (h *DerivativeHandler) handleGenerateError(ctx context.Context, job *models.Job,
	col *models.Collection, item *models.MediaItem, cause error) error {

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if derivative.IsRetryable(cause) && retried < maxRetry {
		h.recordState(job, col.ID, item.ID, models.JobPending, &cause)
		log.Printf("Derivative: %s %s attempt %d: %v", h.stage, item.FileName, retried+1, cause)
		return cause
	}
	return h.finalFailure(ctx, job, item, cause)
}

// failureOutcome maps a terminal generate error to the parent's progress
// counter. Capacity exhaustion and unreadable sources skip the item;
// exhausted transient i/o counts as a real failure.
func failureOutcome(cause error) string {
	if errors.Is(cause, derivative.ErrNoCacheSpace) {
		return "skipped"
	}
	if derivative.IsRetryable(cause) {
		return "failed"
	}
	return "skipped"
}

func (h *DerivativeHandler) finalFailure(ctx context.Context, job *models.Job, item *models.MediaItem, cause error) error {
	label := "?"
	if item != nil {
		label = item.FileName
	}
	if item != nil {
		colID, _ := uuid.Parse(job.Params["collection_id"])
		h.recordState(job, colID, item.ID, models.JobFailed, &cause)
	}
	if job.ParentJobID != nil {
		_ = h.d.Jobs.AdvanceProgress(*job.ParentJobID, failureOutcome(cause), label)
	}
	msg := cause.Error()
	_ = h.d.Jobs.Finish(job.ID, models.JobFailed, &msg)
	log.Printf("Derivative: %s %s failed: %v", h.stage, label, cause)
	maybeCompleteParent(h.d.Jobs, job.ParentJobID)
	return fmt.Errorf("%v: %w", cause, asynq.SkipRetry)
}

func (h *DerivativeHandler) recordState(job *models.Job, colID, itemID uuid.UUID, status models.JobStatus, cause *error) {
	s := &models.FileProcessingState{
		JobID:        job.ID,
		CollectionID: colID,
		MediaItemID:  itemID,
		Stage:        h.stage,
		Status:       status,
	}
	if cause != nil && *cause != nil {
		msg := (*cause).Error()
		s.LastError = &msg
	}
	if err := h.d.Jobs.UpsertFileState(s); err != nil {
		log.Printf("Derivative: record state: %v", err)
	}
}

// refreshIndex re-reads the document so the entry carries the final stats,
// attaching the preview when this run produced one.
func (h *DerivativeHandler) refreshIndex(ctx context.Context, colID uuid.UUID, preview []byte) {
	col, err := h.d.Collections.GetByID(colID)
	if err != nil {
		return
	}
	if err := h.d.Index.UpsertEntry(ctx, models.EntryForCollection(col, preview)); err != nil {
		log.Printf("Derivative: index upsert %s: %v", colID, err)
	}
}

// replaceDerivativeOld is replaceDerivative that also returns the entry it
// displaced, so its file can be evicted.
func replaceDerivativeOld(list []models.Derivative, d models.Derivative) ([]models.Derivative, *models.Derivative) {
	for i := range list {
		if list[i].MediaItemID == d.MediaItemID && list[i].Preset == d.Preset {
			old := list[i]
			list[i] = d
			return list, &old
		}
	}
	return append(list, d), nil
}
