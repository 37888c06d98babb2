package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/pictoria/pictoria/internal/derivative"
	"github.com/pictoria/pictoria/internal/models"
	"github.com/pictoria/pictoria/internal/repository"
	"github.com/pictoria/pictoria/internal/scan"
	"github.com/pictoria/pictoria/internal/walker"
)

// casAttempts bounds the optimistic-write retry loop on the collection
// document.
const casAttempts = 5

// CollectionScanHandler enumerates one collection's media, reconciles the
// embedded document against what is on disk and fans out derivative work
// for new or changed items.
type CollectionScanHandler struct {
	d Deps
}

func NewCollectionScanHandler(d Deps) *CollectionScanHandler {
	return &CollectionScanHandler{d: d}
}

func (h *CollectionScanHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p CollectionScanPayload
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

	colID, err := uuid.Parse(p.CollectionID)
	if err != nil {
		return h.fail(jobID, fmt.Errorf("bad collection id %q", p.CollectionID))
	}

	job, err := h.d.Jobs.GetByID(jobID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}

	col, outcome, err := h.Scan(ctx, colID, p.Force, scanOptions(p))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return h.fail(jobID, fmt.Errorf("collection %s gone", colID))
		}
		if errors.Is(err, repository.ErrVersionConflict) {
			return fmt.Errorf("scan %s: %w", colID, err) // retry with backoff
		}
		if rootGone(err) {
			return h.retire(ctx, job, colID, err)
		}
		return h.fail(jobID, err)
	}

	queued, err := h.fanout(job, col, outcome, directMode(col, p.UseDirectFileAccess))
	if err != nil {
		return fmt.Errorf("fan out: %w", err)
	}
	outcome.Result.Queued = queued

	if err := h.d.Index.UpsertEntry(ctx, models.EntryForCollection(col, nil)); err != nil {
		log.Printf("Scan: index upsert %s: %v", col.ID, err)
	}

	log.Printf("Scan: collection %q found=%d added=%d removed=%d changed=%d queued=%d",
		col.Name, outcome.Result.Found, outcome.Result.Added,
		outcome.Result.Removed, outcome.Result.Changed, queued)

	finishFanout(h.d, jobID, job.ParentJobID)
	return nil
}

// ScanOptions carries the per-request direct-access override and the
// candidate signature observed by the scan coordinator.
type ScanOptions struct {
	DirectOverride *bool
	RootSig        *models.RootSignature
}

func scanOptions(p CollectionScanPayload) ScanOptions {
	opts := ScanOptions{DirectOverride: p.UseDirectFileAccess}
	if p.RootSize != 0 || p.RootModTimeUnix != 0 {
		opts.RootSig = &models.RootSignature{ByteSize: p.RootSize, ModTimeUnix: p.RootModTimeUnix}
	}
	return opts
}

// directMode resolves whether direct file access applies to this scan,
// honoring a per-request override. Archive collections never use it.
func directMode(col *models.Collection, override *bool) bool {
	direct := col.Settings.UseDirectFileAccess
	if override != nil {
		direct = *override
	}
	return direct && col.Kind == models.KindDirectory
}

// rootGone reports whether enumeration failed because the collection's
// directory or archive no longer exists on disk.
func rootGone(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// retire tombstones a collection whose root vanished and drops it from
// the ordered index. The scan job itself completes: it discovered the
// removal, which is a valid outcome.
func (h *CollectionScanHandler) retire(ctx context.Context, job *models.Job, colID uuid.UUID, cause error) error {
	if err := h.d.Collections.SoftDelete(colID); err != nil {
		return fmt.Errorf("soft delete %s: %w", colID, err)
	}
	if err := h.d.Index.RemoveEntry(ctx, colID); err != nil {
		log.Printf("Scan: index remove %s: %v", colID, err)
	}
	log.Printf("Scan: collection %s root gone, tombstoned: %v", colID, cause)
	finishFanout(h.d, job.ID, job.ParentJobID)
	return nil
}

// Scan runs the enumerate+reconcile+write cycle and returns the updated
// document. It is also the synchronous entry point used by direct-access
// requests that cannot wait for the queue.
func (h *CollectionScanHandler) Scan(ctx context.Context, colID uuid.UUID, force bool, opts ScanOptions) (*models.Collection, scan.Outcome, error) {
	col, err := h.d.Collections.GetByID(colID)
	if err != nil {
		return nil, scan.Outcome{}, err
	}

	items, err := h.enumerate(col)
	if err != nil {
		return nil, scan.Outcome{}, err
	}

	var outcome scan.Outcome
	for attempt := 0; ; attempt++ {
		outcome = scan.Reconcile(col, items, force, time.Now())
		if opts.RootSig != nil {
			col.Stats.RootSignature = *opts.RootSig
		}
		if directMode(col, opts.DirectOverride) {
			h.applyDirect(col, outcome.Process)
		}
		if !outcome.Changed {
			break
		}
		err = h.d.Collections.UpdateVersioned(col)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrVersionConflict) || attempt+1 >= casAttempts {
			return nil, scan.Outcome{}, fmt.Errorf("write collection %s: %w", colID, err)
		}
		if col, err = h.d.Collections.GetByID(colID); err != nil {
			return nil, scan.Outcome{}, err
		}
	}

	h.evict(col, outcome.Evict)
	return col, outcome, nil
}

func (h *CollectionScanHandler) enumerate(col *models.Collection) ([]scan.Item, error) {
	formats := col.Settings.AllowedFormats
	if len(formats) == 0 {
		formats = h.d.Config.AllowedFormats
	}

	if col.Kind.IsArchive() {
		reader, err := h.d.Pool.Acquire(col.Path, col.Kind)
		if err != nil {
			return nil, fmt.Errorf("open archive %q: %w", col.Path, err)
		}
		defer h.d.Pool.Release(col.Path, reader)
		return scan.FromArchive(reader.Entries(), formats, h.d.Config.IsVideoFormat), nil
	}

	files, err := walker.Walk(col.Path, walker.Options{AllowedFormats: formats})
	if err != nil {
		return nil, fmt.Errorf("walk %q: %w", col.Path, err)
	}
	return scan.FromFiles(files, h.d.Config.IsVideoFormat), nil
}

// applyDirect registers the original files as their own derivatives, so
// direct-access collections skip the derivative stages entirely.
func (h *CollectionScanHandler) applyDirect(col *models.Collection, processed []uuid.UUID) {
	for _, id := range processed {
		item := col.FindMediaItem(id)
		if item == nil || item.Kind != models.MediaImage {
			continue
		}
		thumb := derivative.DirectDerivative(col, item, h.d.Config.ThumbnailPreset)
		cache := derivative.DirectDerivative(col, item, h.d.Config.CachePreset)
		col.Thumbnails = replaceDerivative(col.Thumbnails, thumb)
		col.CacheImages = replaceDerivative(col.CacheImages, cache)
	}
	recountDerivatives(col)
}

// fanout creates one child job per derivative unit of work. Direct-access
// items were already satisfied in applyDirect and are not queued.
func (h *CollectionScanHandler) fanout(job *models.Job, col *models.Collection, outcome scan.Outcome, direct bool) (int, error) {
	type unit struct {
		kind     models.JobKind
		taskType string
		itemID   uuid.UUID
		prefix   string
	}
	var units []unit
	for _, id := range outcome.Process {
		item := col.FindMediaItem(id)
		if item == nil {
			continue
		}
		needsEngine := !direct || item.Kind == models.MediaVideo
		if needsEngine && col.Settings.GenerateThumbnails {
			units = append(units, unit{models.JobThumbnail, TaskThumbnail, id, "thumb"})
		}
		if needsEngine && col.Settings.GenerateCache {
			units = append(units, unit{models.JobCache, TaskCache, id, "cache"})
		}
		if item.Kind == models.MediaVideo && col.Kind == models.KindDirectory {
			units = append(units, unit{models.JobMetadata, TaskMetadata, id, "meta"})
		}
	}
	if len(units) == 0 {
		return 0, nil
	}

	if err := h.d.Jobs.AddTotal(job.ID, len(units)); err != nil {
		return 0, err
	}
	queued := 0
	for _, u := range units {
		uniqueID := fmt.Sprintf("%s:%s:%s", u.prefix, col.ID, u.itemID)
		params := map[string]string{
			"collection_id": col.ID.String(),
			"media_item_id": u.itemID.String(),
		}
		colID, itemID := col.ID.String(), u.itemID.String()
		taskType := u.taskType
		_, err := spawnChild(h.d, job, u.kind, taskType, params, uniqueID,
			func(env Envelope) interface{} {
				if taskType == TaskMetadata {
					return MetadataPayload{Envelope: env, CollectionID: colID, MediaItemID: itemID}
				}
				return DerivativePayload{Envelope: env, CollectionID: colID, MediaItemID: itemID}
			})
		if err != nil {
			log.Printf("Scan: queue %s for %s: %v", taskType, itemID, err)
			_ = h.d.Jobs.AdvanceProgress(job.ID, "failed", itemID)
			continue
		}
		queued++
	}
	return queued, nil
}

// evict removes derivative files whose media items disappeared, resolving
// each file's cache folder through the collection's bindings.
func (h *CollectionScanHandler) evict(col *models.Collection, evict []models.Derivative) {
	if len(evict) == 0 {
		return
	}
	folders := map[uuid.UUID]*models.CacheFolder{}
	for _, b := range col.CacheBindings {
		f, err := h.d.Folders.GetByID(b.CacheFolderID)
		if err != nil {
			continue
		}
		folders[f.ID] = f
	}

	for _, d := range evict {
		var owner *models.CacheFolder
		for _, f := range folders {
			if strings.HasPrefix(d.Path, f.RootPath) {
				owner = f
				break
			}
		}
		if owner == nil {
			log.Printf("Scan: no cache folder owns %q, leaving file", d.Path)
			continue
		}
		if err := h.d.Allocator.Remove(owner.ID, d.Path); err != nil {
			log.Printf("Scan: evict %q: %v", d.Path, err)
		}
	}
}

func (h *CollectionScanHandler) fail(jobID uuid.UUID, cause error) error {
	msg := cause.Error()
	_ = h.d.Jobs.Finish(jobID, models.JobFailed, &msg)
	log.Printf("Scan: collection job %s failed: %v", jobID, cause)
	return fmt.Errorf("%v: %w", cause, asynq.SkipRetry)
}

// replaceDerivative swaps the entry for (media item, preset) or appends.
func replaceDerivative(list []models.Derivative, d models.Derivative) []models.Derivative {
	for i := range list {
		if list[i].MediaItemID == d.MediaItemID && list[i].Preset == d.Preset {
			list[i] = d
			return list
		}
	}
	return append(list, d)
}

// recountDerivatives refreshes the per-class counters from the lists.
func recountDerivatives(col *models.Collection) {
	active := map[uuid.UUID]bool{}
	for _, m := range col.ActiveMediaItems() {
		active[m.ID] = true
	}
	count := func(list []models.Derivative) int {
		seen := map[uuid.UUID]bool{}
		for _, d := range list {
			if active[d.MediaItemID] {
				seen[d.MediaItemID] = true
			}
		}
		return len(seen)
	}
	col.Stats.ThumbnailCount = count(col.Thumbnails)
	col.Stats.CachedCount = count(col.CacheImages)
}
