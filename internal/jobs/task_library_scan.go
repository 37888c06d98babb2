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
	"golang.org/x/time/rate"

	"github.com/pictoria/pictoria/internal/config"
	"github.com/pictoria/pictoria/internal/models"
	"github.com/pictoria/pictoria/internal/repository"
	"github.com/pictoria/pictoria/internal/walker"
)

// LibraryScanHandler is the scan coordinator: it enumerates top-level
// collection candidates under a library root, materializes missing
// catalog rows and fans out one collection scan per candidate.
type LibraryScanHandler struct {
	d Deps

	// fanout throttle, shared across concurrent library scans
	limiter *rate.Limiter
}

func NewLibraryScanHandler(d Deps) *LibraryScanHandler {
	return &LibraryScanHandler{
		d:       d,
		limiter: rate.NewLimiter(rate.Limit(200), 50),
	}
}

func (h *LibraryScanHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p LibraryScanPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	jobID, err := uuid.Parse(p.JobID)
	if err != nil {
		return fmt.Errorf("bad job id %q: %w", p.JobID, asynq.SkipRetry)
	}
	if cancelled, err := h.d.Jobs.IsCancelled(jobID); err == nil && cancelled {
		log.Printf("Scan: job %s cancelled, acking", jobID)
		return nil
	}
	if err := h.d.Jobs.MarkRunning(jobID); err != nil {
		return nil // terminal already, late redelivery
	}

	libID, err := uuid.Parse(p.LibraryID)
	if err != nil {
		return h.fail(jobID, fmt.Errorf("bad library id %q", p.LibraryID))
	}
	library, err := h.d.Libraries.GetByID(libID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return h.fail(jobID, fmt.Errorf("library %s not found", libID))
		}
		return fmt.Errorf("get library: %w", err)
	}

	log.Printf("Scan: library %q starting", library.Name)
	candidates, err := walker.ListCandidates(library.RootPath, library.Settings.ExcludedPaths)
	if err != nil {
		// Unreadable root fails the whole scan.
		return h.fail(jobID, fmt.Errorf("list candidates: %w", err))
	}
	if err := h.d.Jobs.AddTotal(jobID, len(candidates)); err != nil {
		return fmt.Errorf("grow progress: %w", err)
	}

	job, err := h.d.Jobs.GetByID(jobID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}

	fanned := 0
	for i, cand := range candidates {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if i%50 == 0 && i > 0 {
			if cancelled, err := h.d.Jobs.IsCancelled(jobID); err == nil && cancelled {
				log.Printf("Scan: job %s cancelled after %d/%d candidates", jobID, i, len(candidates))
				return nil
			}
		}

		if err := h.throttleFanout(ctx); err != nil {
			return err
		}

		col, err := h.ensureCollection(library, cand)
		if err != nil {
			log.Printf("Scan: candidate %q: %v", cand.Name, err)
			_ = h.d.Jobs.AdvanceProgress(jobID, "failed", cand.Name)
			continue
		}

		if !p.Force && !rescanNeeded(col, cand) {
			_ = h.d.Jobs.AdvanceProgress(jobID, "skipped", cand.Name)
			continue
		}

		// One in-flight scan per collection. An existing non-terminal
		// child means this candidate is already covered.
		if existing, err := h.d.Jobs.FindNonTerminal(models.JobCollectionScan, "collection_id", col.ID.String()); err == nil && existing != nil {
			_ = h.d.Jobs.AdvanceProgress(jobID, "skipped", cand.Name)
			continue
		}

		_, err = spawnChild(h.d, job, models.JobCollectionScan, TaskCollectionScan,
			map[string]string{"collection_id": col.ID.String(), "library_id": libID.String()},
			"scan:collection:"+col.ID.String(),
			func(env Envelope) interface{} {
				return CollectionScanPayload{
					Envelope:        env,
					CollectionID:    col.ID.String(),
					Force:           p.Force,
					RootSize:        cand.Size,
					RootModTimeUnix: cand.ModTimeUnix,
				}
			})
		if err != nil {
			log.Printf("Scan: fan out %q: %v", cand.Name, err)
			_ = h.d.Jobs.AdvanceProgress(jobID, "failed", cand.Name)
			continue
		}
		fanned++
		_ = h.d.Jobs.AdvanceProgress(jobID, "completed", cand.Name)
	}

	_ = h.d.Libraries.UpdateLastScan(libID, time.Now().UTC())
	h.refreshStats(library)
	log.Printf("Scan: library %q fanned out %d/%d collections", library.Name, fanned, len(candidates))

	finishFanout(h.d, jobID, job.ParentJobID)
	return nil
}

// refreshStats re-aggregates the library counters from its live
// collections.
func (h *LibraryScanHandler) refreshStats(library *models.Library) {
	cols, err := h.d.Collections.ListByLibrary(library.ID)
	if err != nil {
		log.Printf("Scan: aggregate stats for %q: %v", library.Name, err)
		return
	}
	stats := models.LibraryStats{CollectionCount: len(cols), LastScanAt: library.Stats.LastScanAt}
	for _, c := range cols {
		stats.MediaCount += c.Stats.MediaCount
		stats.TotalBytes += c.Stats.TotalBytes
	}
	now := time.Now().UTC()
	stats.LastScanAt = &now
	if err := h.d.Libraries.UpdateStats(library.ID, stats); err != nil {
		log.Printf("Scan: update stats for %q: %v", library.Name, err)
	}
}

// throttleFanout combines a steady rate limit with queue-depth
// backpressure: above the high watermark, fan-out pauses until the
// collection scan queue drains below the low watermark.
func (h *LibraryScanHandler) throttleFanout(ctx context.Context) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}
	high := h.d.Config.Pipeline.FanoutHighWatermark
	low := h.d.Config.Pipeline.FanoutLowWatermark
	if high <= 0 {
		return nil
	}

	depth, err := h.d.Queue.Depth(config.StageCollectionScan)
	if err != nil || depth < high {
		return nil
	}
	log.Printf("Scan: queue depth %d over watermark %d, pausing fan-out", depth, high)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			depth, err = h.d.Queue.Depth(config.StageCollectionScan)
			if err != nil || depth <= low {
				return nil
			}
		}
	}
}

// rescanNeeded reports whether a candidate's on-disk signature diverged
// from what the last completed scan recorded. Collections never scanned
// always need one.
func rescanNeeded(col *models.Collection, cand walker.Candidate) bool {
	if col.Stats.LastScanAt == nil {
		return true
	}
	sig := col.Stats.RootSignature
	return sig.ByteSize != cand.Size || sig.ModTimeUnix != cand.ModTimeUnix
}

// claimCollection rejects a catalog row owned by another library. The
// candidate fails on its own; the rest of the scan proceeds.
func claimCollection(col *models.Collection, libraryID uuid.UUID) (*models.Collection, error) {
	if col.LibraryID != libraryID {
		return nil, fmt.Errorf("path %q already catalogued under library %s", col.Path, col.LibraryID)
	}
	return col, nil
}

// ensureCollection finds or creates the catalog row for a candidate. A
// duplicate-path race with a concurrent scan resolves to the winner's row.
func (h *LibraryScanHandler) ensureCollection(library *models.Library, cand walker.Candidate) (*models.Collection, error) {
	col, err := h.d.Collections.GetByPath(cand.AbsPath)
	if err == nil {
		return claimCollection(col, library.ID)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	col = &models.Collection{
		ID:        uuid.New(),
		LibraryID: library.ID,
		Name:      cand.Name,
		Path:      cand.AbsPath,
		Kind:      cand.Kind,
		Settings: models.CollectionSettings{
			AutoScan:            library.Settings.AutoScan,
			GenerateThumbnails:  true,
			GenerateCache:       true,
			UseDirectFileAccess: library.Settings.UseDirectFileAccess && cand.Kind == models.KindDirectory,
		},
	}
	if err := h.d.Collections.Create(col); err != nil {
		if errors.Is(err, repository.ErrDuplicatePath) {
			winner, err := h.d.Collections.GetByPath(cand.AbsPath)
			if err != nil {
				return nil, err
			}
			return claimCollection(winner, library.ID)
		}
		return nil, err
	}
	return col, nil
}

func (h *LibraryScanHandler) fail(jobID uuid.UUID, cause error) error {
	msg := cause.Error()
	_ = h.d.Jobs.Finish(jobID, models.JobFailed, &msg)
	log.Printf("Scan: job %s failed: %v", jobID, cause)
	return fmt.Errorf("%v: %w", cause, asynq.SkipRetry)
}

// finishFanout closes out a fan-out job: completed immediately when no
// children remain in flight, otherwise the last child to finish completes
// it through maybeCompleteParent.
func finishFanout(d Deps, jobID uuid.UUID, parentID *uuid.UUID) {
	n, err := d.Jobs.CountNonTerminalChildren(jobID)
	if err != nil || n > 0 {
		return
	}
	if err := d.Jobs.Finish(jobID, models.JobCompleted, nil); err != nil {
		log.Printf("Jobs: finish %s: %v", jobID, err)
		return
	}
	maybeCompleteParent(d.Jobs, parentID)
}
