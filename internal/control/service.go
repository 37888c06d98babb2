// Package control is the inbound control plane: the operations an
// external façade (REST, CLI) calls to drive the pipeline. Validation
// happens here, synchronously, before anything is enqueued.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pictoria/pictoria/internal/index"
	"github.com/pictoria/pictoria/internal/jobs"
	"github.com/pictoria/pictoria/internal/models"
	"github.com/pictoria/pictoria/internal/repository"
	"github.com/pictoria/pictoria/internal/scheduler"
)

// ErrValidation wraps every synchronous rejection so callers can map it
// to a 4xx-style response.
var ErrValidation = errors.New("validation failed")

type Service struct {
	libraries   *repository.LibraryRepository
	collections *repository.CollectionRepository
	jobsRepo    *repository.JobRepository
	folders     *repository.CacheFolderRepository
	schedules   *repository.ScheduledJobRepository
	settings    *repository.SettingsRepository
	queue       *jobs.Queue
	idx         *index.Index
}

func NewService(libraries *repository.LibraryRepository, collections *repository.CollectionRepository,
	jobsRepo *repository.JobRepository, folders *repository.CacheFolderRepository,
	schedules *repository.ScheduledJobRepository, settings *repository.SettingsRepository,
	queue *jobs.Queue, idx *index.Index) *Service {
	return &Service{
		libraries:   libraries,
		collections: collections,
		jobsRepo:    jobsRepo,
		folders:     folders,
		schedules:   schedules,
		settings:    settings,
		queue:       queue,
		idx:         idx,
	}
}

// ──────── Libraries ────────

func (s *Service) CreateLibrary(name, rootPath string, settings models.LibrarySettings) (*models.Library, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: library name is empty", ErrValidation)
	}
	if strings.TrimSpace(rootPath) == "" {
		return nil, fmt.Errorf("%w: library root path is empty", ErrValidation)
	}
	lib := &models.Library{
		ID:       uuid.New(),
		Name:     name,
		RootPath: rootPath,
		IsActive: true,
		Settings: settings,
	}
	if err := s.libraries.Create(lib); err != nil {
		return nil, err
	}
	return lib, nil
}

func (s *Service) ListLibraries() ([]*models.Library, error) {
	return s.libraries.List()
}

func (s *Service) GetLibrary(id uuid.UUID) (*models.Library, error) {
	lib, err := s.libraries.GetByID(id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: library %s not found", ErrValidation, id)
	}
	return lib, err
}

// ──────── Scans ────────

// StartLibraryScan creates the coordinator job and enqueues it. A scan
// already in flight for the library is returned instead of a new one.
func (s *Service) StartLibraryScan(libraryID uuid.UUID, force bool) (*models.Job, error) {
	lib, err := s.libraries.GetByID(libraryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: library %s not found", ErrValidation, libraryID)
		}
		return nil, err
	}
	if !lib.IsActive {
		return nil, fmt.Errorf("%w: library %q is inactive", ErrValidation, lib.Name)
	}

	if existing, err := s.jobsRepo.FindNonTerminal(models.JobLibraryScan, "library_id", libraryID.String()); err == nil {
		log.Printf("Control: scan of %q already running as job %s", lib.Name, existing.ID)
		return existing, nil
	}

	return s.createAndEnqueue(models.JobLibraryScan, map[string]string{
		"library_id": libraryID.String(),
		"force":      fmt.Sprintf("%t", force),
	})
}

// StartCollectionScan queues a rescan of one collection. A non-nil
// useDirectFileAccess overrides the collection's persisted setting for
// this scan only.
func (s *Service) StartCollectionScan(collectionID uuid.UUID, force bool, useDirectFileAccess *bool) (*models.Job, error) {
	col, err := s.collections.GetByID(collectionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: collection %s not found", ErrValidation, collectionID)
		}
		return nil, err
	}
	if col.DeletedAt != nil {
		return nil, fmt.Errorf("%w: collection %q is deleted", ErrValidation, col.Name)
	}

	if existing, err := s.jobsRepo.FindNonTerminal(models.JobCollectionScan, "collection_id", collectionID.String()); err == nil {
		return existing, nil
	}

	params := map[string]string{
		"collection_id": collectionID.String(),
		"library_id":    col.LibraryID.String(),
		"force":         fmt.Sprintf("%t", force),
	}
	if useDirectFileAccess != nil {
		params["use_direct_file_access"] = fmt.Sprintf("%t", *useDirectFileAccess)
	}
	return s.createAndEnqueue(models.JobCollectionScan, params)
}

// DeleteCollection queues the bulk delete: tombstone, cache cleanup and
// index removal happen in the worker.
func (s *Service) DeleteCollection(collectionID uuid.UUID) (*models.Job, error) {
	if _, err := s.collections.GetByID(collectionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: collection %s not found", ErrValidation, collectionID)
		}
		return nil, err
	}
	return s.createAndEnqueue(models.JobBulkOperation, map[string]string{
		"operation":     jobs.BulkDeleteCollection,
		"collection_id": collectionID.String(),
	})
}

// ──────── Listings ────────

// Page is one page of the ordered collection listing.
type Page struct {
	Entries []models.IndexEntry `json:"entries"`
	Total   int64               `json:"total"`
	// FromIndex is false when the ordered index was rebuilding and the
	// catalog served the page instead.
	FromIndex bool `json:"from_index"`
}

// ListCollections serves the ordered listing from the index, falling back
// to the catalog while the index is invalid or rebuilding.
func (s *Service) ListCollections(ctx context.Context, sort models.SortKey, dir models.SortDirection,
	filter index.Filter, offset, pageSize int) (*Page, error) {

	if s.idx.EnsureValid(ctx) {
		entries, total, err := s.idx.ListPage(ctx, sort, dir, filter, offset, pageSize)
		if err == nil {
			return &Page{Entries: entries, Total: total, FromIndex: true}, nil
		}
		log.Printf("Control: index list failed, falling back to catalog: %v", err)
	}

	cols, total, err := s.collections.ListSorted(sort, dir, filter.LibraryID, filter.Kind, offset, pageSize)
	if err != nil {
		return nil, err
	}
	entries := make([]models.IndexEntry, 0, len(cols))
	for _, c := range cols {
		entries = append(entries, models.EntryForCollection(c, nil))
	}
	return &Page{Entries: entries, Total: int64(total)}, nil
}

// GetCollectionSiblings returns the window of entries around a collection
// in a sort dimension.
func (s *Service) GetCollectionSiblings(ctx context.Context, collectionID uuid.UUID, radius int,
	sort models.SortKey, dir models.SortDirection, filter index.Filter) ([]models.IndexEntry, error) {

	sibs, err := s.idx.Siblings(ctx, collectionID, radius, sort, dir, filter)
	if err == nil {
		return sibs, nil
	}
	if errors.Is(err, index.ErrNotIndexed) {
		return nil, fmt.Errorf("%w: collection %s not indexed", ErrValidation, collectionID)
	}
	return nil, err
}

// RebuildIndex forces a full index rebuild in the background.
func (s *Service) RebuildIndex(ctx context.Context) error {
	go func() {
		if err := s.idx.Rebuild(context.Background()); err != nil && !errors.Is(err, index.ErrRebuildInFlight) {
			log.Printf("Control: index rebuild: %v", err)
		}
	}()
	return nil
}

// ──────── Scheduled jobs ────────

func (s *Service) CreateScheduledJob(sched *models.ScheduledJob) error {
	if strings.TrimSpace(sched.Name) == "" {
		return fmt.Errorf("%w: schedule name is empty", ErrValidation)
	}
	switch sched.TargetKind {
	case models.JobLibraryScan, models.JobCollectionScan, models.JobBulkOperation:
	default:
		return fmt.Errorf("%w: schedule target kind %q not allowed", ErrValidation, sched.TargetKind)
	}
	if sched.ID == uuid.Nil {
		sched.ID = uuid.New()
	}

	now := time.Now()
	next, err := scheduler.NextRun(sched, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if sched.ScheduleType == models.ScheduleOnce && sched.NextRunAt != nil {
		next = sched.NextRunAt
	}
	sched.NextRunAt = next
	return s.schedules.Create(sched)
}

func (s *Service) EnableScheduledJob(id uuid.UUID) error {
	sched, err := s.schedules.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: schedule %s not found", ErrValidation, id)
		}
		return err
	}
	if err := s.schedules.SetEnabled(id, true); err != nil {
		return err
	}
	next, err := scheduler.NextRun(sched, time.Now())
	if err != nil {
		return err
	}
	return s.schedules.SetNextRun(id, next)
}

func (s *Service) DisableScheduledJob(id uuid.UUID) error {
	if _, err := s.schedules.GetByID(id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: schedule %s not found", ErrValidation, id)
		}
		return err
	}
	return s.schedules.SetEnabled(id, false)
}

// ──────── Jobs ────────

func (s *Service) GetJob(id uuid.UUID) (*models.Job, error) {
	return s.jobsRepo.GetByID(id)
}

func (s *Service) ListRecentJobs(limit int) ([]*models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.jobsRepo.ListRecent(limit)
}

// CancelJob cancels a job and every non-terminal descendant. In-flight
// workers observe the ledger and ack without side effects.
func (s *Service) CancelJob(id uuid.UUID) ([]uuid.UUID, error) {
	if _, err := s.jobsRepo.GetByID(id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: job %s not found", ErrValidation, id)
		}
		return nil, err
	}
	cancelled, err := s.jobsRepo.CancelWithChildren(id)
	if err != nil {
		return nil, err
	}
	log.Printf("Control: cancelled job %s and %d descendants", id, len(cancelled)-1)
	return cancelled, nil
}

// ──────── Cache folders ────────

func (s *Service) CreateCacheFolder(name, rootPath string, maxBytes int64, priority int) (*models.CacheFolder, error) {
	if strings.TrimSpace(rootPath) == "" {
		return nil, fmt.Errorf("%w: cache folder path is empty", ErrValidation)
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("%w: cache folder quota must be positive", ErrValidation)
	}
	f := &models.CacheFolder{
		ID:       uuid.New(),
		Name:     name,
		RootPath: rootPath,
		MaxBytes: maxBytes,
		Priority: priority,
		IsActive: true,
	}
	if err := s.folders.Create(f); err != nil {
		return nil, err
	}
	return f, nil
}

// ReconcileCacheFolder queues a usage recount for one folder.
func (s *Service) ReconcileCacheFolder(folderID uuid.UUID) (*models.Job, error) {
	if _, err := s.folders.GetByID(folderID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: cache folder %s not found", ErrValidation, folderID)
		}
		return nil, err
	}
	return s.createAndEnqueue(models.JobBulkOperation, map[string]string{
		"operation":       jobs.BulkReconcileFolder,
		"cache_folder_id": folderID.String(),
	})
}

// ──────── System settings ────────

// settableKeys are the operator-editable settings MergeFromDB reads on
// startup. Changes take effect on the next process start.
var settableKeys = map[string]bool{
	"allowed_formats":               true,
	"video_formats":                 true,
	"thumbnail_width":               true,
	"thumbnail_height":              true,
	"thumbnail_quality":             true,
	"cache_width":                   true,
	"cache_height":                  true,
	"cache_quality":                 true,
	"queue_max_attempts":            true,
	"scheduler_coalesce":            true,
	"index_rebuild_threshold_ratio": true,
	"archive_path_repair":           true,
}

func (s *Service) GetSettings() (map[string]string, error) {
	return s.settings.All()
}

func (s *Service) GetSetting(key string) (string, error) {
	if !settableKeys[key] {
		return "", fmt.Errorf("%w: unknown setting %q", ErrValidation, key)
	}
	return s.settings.Get(key)
}

func (s *Service) UpdateSetting(key, value string) error {
	if !settableKeys[key] {
		return fmt.Errorf("%w: unknown setting %q", ErrValidation, key)
	}
	return s.settings.Set(key, value)
}

func (s *Service) createAndEnqueue(kind models.JobKind, params map[string]string) (*models.Job, error) {
	job := &models.Job{
		ID:            uuid.New(),
		Kind:          kind,
		CorrelationID: uuid.New(),
		Status:        models.JobPending,
		Params:        params,
	}
	if err := s.jobsRepo.Create(job); err != nil {
		return nil, err
	}
	if _, err := jobs.EnqueueJob(s.queue, job); err != nil {
		return nil, err
	}
	return job, nil
}
