package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/pictoria/pictoria/internal/models"
	"github.com/pictoria/pictoria/internal/repository"
)

// MetadataHandler probes video items with ffprobe and writes duration and
// pixel dimensions back into the collection document. Only directory
// collections are probed; archived videos get their dimensions from the
// frame decoded during thumbnail generation.
type MetadataHandler struct {
	d Deps
}

func NewMetadataHandler(d Deps) *MetadataHandler {
	return &MetadataHandler{d: d}
}

func (h *MetadataHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p MetadataPayload
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

	err = h.probe(p)
	if err != nil {
		if job.ParentJobID != nil {
			_ = h.d.Jobs.AdvanceProgress(*job.ParentJobID, "failed", p.MediaItemID)
		}
		msg := err.Error()
		_ = h.d.Jobs.Finish(jobID, models.JobFailed, &msg)
		maybeCompleteParent(h.d.Jobs, job.ParentJobID)
		log.Printf("Metadata: job %s: %v", jobID, err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if job.ParentJobID != nil {
		_ = h.d.Jobs.AdvanceProgress(*job.ParentJobID, "completed", p.MediaItemID)
	}
	_ = h.d.Jobs.Finish(jobID, models.JobCompleted, nil)
	maybeCompleteParent(h.d.Jobs, job.ParentJobID)
	return nil
}

func (h *MetadataHandler) probe(p MetadataPayload) error {
	colID, err := uuid.Parse(p.CollectionID)
	if err != nil {
		return fmt.Errorf("bad collection id %q", p.CollectionID)
	}
	itemID, err := uuid.Parse(p.MediaItemID)
	if err != nil {
		return fmt.Errorf("bad media item id %q", p.MediaItemID)
	}

	col, err := h.d.Collections.GetByID(colID)
	if err != nil {
		return err
	}
	if col.Kind.IsArchive() {
		return nil
	}
	item := col.FindMediaItem(itemID)
	if item == nil || item.Deleted {
		return nil
	}

	srcPath := filepath.Join(col.Path, filepath.FromSlash(item.RelativePath))
	result, err := h.d.Prober.Probe(srcPath)
	if err != nil {
		return fmt.Errorf("probe %q: %w", item.FileName, err)
	}
	duration := result.GetDurationMs()
	width, height := result.GetWidth(), result.GetHeight()

	for attempt := 0; ; attempt++ {
		item = col.FindMediaItem(itemID)
		if item == nil {
			return nil
		}
		if duration > 0 {
			item.DurationMs = &duration
		}
		if width > 0 {
			item.Width = width
			item.Height = height
		}
		err = h.d.Collections.UpdateVersioned(col)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) || attempt+1 >= casAttempts {
			return fmt.Errorf("write metadata %s: %w", itemID, err)
		}
		if col, err = h.d.Collections.GetByID(colID); err != nil {
			return err
		}
	}
}
