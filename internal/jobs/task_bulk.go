package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/pictoria/pictoria/internal/models"
	"github.com/pictoria/pictoria/internal/repository"
)

// BulkHandler runs maintenance operations that touch many files or rows:
// collection deletion with cache cleanup, and cache folder reconciliation
// against what is actually on disk.
type BulkHandler struct {
	d Deps
}

func NewBulkHandler(d Deps) *BulkHandler {
	return &BulkHandler{d: d}
}

func (h *BulkHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p BulkPayload
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

	switch p.Operation {
	case BulkDeleteCollection:
		err = h.deleteCollection(ctx, p.CollectionID)
	case BulkReconcileFolder:
		err = h.reconcileFolder(ctx, p.CacheFolderID)
	default:
		err = fmt.Errorf("unknown bulk operation %q", p.Operation)
	}
	if err != nil {
		msg := err.Error()
		_ = h.d.Jobs.Finish(jobID, models.JobFailed, &msg)
		log.Printf("Bulk: %s failed: %v", p.Operation, err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	_ = h.d.Jobs.Finish(jobID, models.JobCompleted, nil)
	return nil
}

// deleteCollection soft-deletes the catalog row, cancels any in-flight
// work against it, removes its derivative files from every bound cache
// folder and drops it from the ordered index.
func (h *BulkHandler) deleteCollection(ctx context.Context, id string) error {
	colID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("bad collection id %q", id)
	}
	col, err := h.d.Collections.GetByID(colID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil // already gone
		}
		return err
	}

	if scanJob, err := h.d.Jobs.FindNonTerminal(models.JobCollectionScan, "collection_id", colID.String()); err == nil {
		if cancelled, err := h.d.Jobs.CancelWithChildren(scanJob.ID); err == nil && len(cancelled) > 0 {
			log.Printf("Bulk: cancelled %d jobs for collection %s", len(cancelled), colID)
		}
	}

	for _, b := range col.CacheBindings {
		folder, err := h.d.Folders.GetByID(b.CacheFolderID)
		if err != nil {
			continue
		}
		dir := filepath.Join(folder.RootPath, colID.String())
		freed, err := dirSize(dir)
		if err != nil {
			log.Printf("Bulk: size %q: %v", dir, err)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("Bulk: remove %q: %v", dir, err)
			continue
		}
		if freed > 0 {
			_ = h.d.Folders.AddBytes(folder.ID, -freed)
		}
	}

	if err := h.d.Collections.SoftDelete(colID); err != nil {
		return fmt.Errorf("soft delete %s: %w", colID, err)
	}
	if err := h.d.Index.RemoveEntry(ctx, colID); err != nil {
		log.Printf("Bulk: index remove %s: %v", colID, err)
	}
	h.d.Pool.Invalidate(col.Path)
	log.Printf("Bulk: collection %q deleted", col.Name)
	return nil
}

// reconcileFolder recounts a cache folder's usage from disk. The counter
// drifts when files are removed out of band.
func (h *BulkHandler) reconcileFolder(ctx context.Context, id string) error {
	folderID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("bad cache folder id %q", id)
	}
	folder, err := h.d.Folders.GetByID(folderID)
	if err != nil {
		return err
	}

	actual, err := dirSize(folder.RootPath)
	if err != nil {
		return fmt.Errorf("measure %q: %w", folder.RootPath, err)
	}
	if actual == folder.CurrentBytes {
		return nil
	}
	log.Printf("Bulk: folder %q counter %d, on disk %d, correcting", folder.Name, folder.CurrentBytes, actual)
	return h.d.Folders.SetCurrentBytes(folderID, actual)
}

// dirSize sums regular file sizes under dir. A missing dir counts as zero.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}
