package models

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ──────────────────── Enums ────────────────────

type CollectionKind string

const (
	KindDirectory CollectionKind = "directory"
	KindZip       CollectionKind = "zip"
	KindSevenZip  CollectionKind = "sevenzip"
	KindRar       CollectionKind = "rar"
	KindTar       CollectionKind = "tar"
)

// IsArchive reports whether the collection is backed by an archive file
// rather than a directory.
func (k CollectionKind) IsArchive() bool {
	return k != KindDirectory
}

// KindForPath maps a file extension to an archive collection kind.
// Returns KindDirectory, false for anything that is not a known archive.
func KindForPath(path string) (CollectionKind, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".cbz":
		return KindZip, true
	case ".7z", ".cb7":
		return KindSevenZip, true
	case ".rar", ".cbr":
		return KindRar, true
	case ".tar":
		return KindTar, true
	}
	return KindDirectory, false
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

type JobKind string

const (
	JobLibraryScan    JobKind = "library_scan"
	JobCollectionScan JobKind = "collection_scan"
	JobThumbnail      JobKind = "thumbnail"
	JobCache          JobKind = "cache"
	JobBulkOperation  JobKind = "bulk_operation"
	JobMetadata       JobKind = "metadata"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal jobs are never
// mutated again.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
	ScheduleManual   ScheduleType = "manual"
)

type SortKey string

const (
	SortUpdatedAt  SortKey = "updated"
	SortCreatedAt  SortKey = "created"
	SortName       SortKey = "name"
	SortImageCount SortKey = "imageCount"
	SortTotalBytes SortKey = "size"
)

type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// ──────────────────── Presets ────────────────────

// Preset describes the output parameters for one derivative class.
// Name ends up in the cache file name: <mediaItemID>.<preset>.<ext>.
type Preset struct {
	Name             string `json:"name"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Format           string `json:"format"`
	Quality          int    `json:"quality"`
	PreserveOriginal bool   `json:"preserve_original,omitempty"`
}

// Ext returns the file extension (without dot) for the preset's format.
func (p Preset) Ext() string {
	switch strings.ToLower(p.Format) {
	case "jpeg", "jpg":
		return "jpg"
	case "png":
		return "png"
	case "webp":
		return "webp"
	}
	return "jpg"
}

// ──────────────────── Library ────────────────────

type LibrarySettings struct {
	AutoScan            bool     `json:"auto_scan"`
	ScanIntervalSeconds int      `json:"scan_interval_seconds"`
	AllowedFormats      []string `json:"allowed_formats"`
	ExcludedPaths       []string `json:"excluded_paths"`
	MaxFileSize         int64    `json:"max_file_size"`
	ThumbnailPreset     Preset   `json:"thumbnail_preset"`
	CachePreset         Preset   `json:"cache_preset"`
	UseDirectFileAccess bool     `json:"use_direct_file_access"`
}

type LibraryStats struct {
	CollectionCount int        `json:"collection_count"`
	MediaCount      int        `json:"media_count"`
	TotalBytes      int64      `json:"total_bytes"`
	LastScanAt      *time.Time `json:"last_scan_at,omitempty"`
}

type Library struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	RootPath  string          `json:"root_path" db:"root_path"`
	OwnerID   *uuid.UUID      `json:"owner_id,omitempty" db:"owner_id"`
	IsActive  bool            `json:"is_active" db:"is_active"`
	Settings  LibrarySettings `json:"settings" db:"settings"`
	Stats     LibraryStats    `json:"stats" db:"stats"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// ──────────────────── Collection ────────────────────

type CollectionSettings struct {
	AutoScan            bool     `json:"auto_scan"`
	GenerateThumbnails  bool     `json:"generate_thumbnails"`
	GenerateCache       bool     `json:"generate_cache"`
	AllowedFormats      []string `json:"allowed_formats,omitempty"`
	UseDirectFileAccess bool     `json:"use_direct_file_access"`
}

// RootSignature is the size and mtime of the collection's directory or
// archive file as observed by the last completed scan. The scan
// coordinator compares it against the candidate on disk to decide whether
// a rescan is needed at all.
type RootSignature struct {
	ByteSize    int64 `json:"byte_size"`
	ModTimeUnix int64 `json:"mod_time_unix"`
}

type CollectionStats struct {
	MediaCount     int           `json:"media_count"`
	ThumbnailCount int           `json:"thumbnail_count"`
	CachedCount    int           `json:"cached_count"`
	TotalBytes     int64         `json:"total_bytes"`
	RootSignature  RootSignature `json:"root_signature"`
	LastScanAt     *time.Time    `json:"last_scan_at,omitempty"`
	LastActivityAt *time.Time    `json:"last_activity_at,omitempty"`
}

// MediaItem is embedded in the collection document. InsertionOrder is dense
// and gap-free across active (non-deleted) items; ordering is keyed by the
// normalized relative path and survives rescans.
type MediaItem struct {
	ID             uuid.UUID  `json:"id"`
	FileName       string     `json:"file_name"`
	RelativePath   string     `json:"relative_path"`
	Format         string     `json:"format"`
	ByteSize       int64      `json:"byte_size"`
	Width          int        `json:"width,omitempty"`
	Height         int        `json:"height,omitempty"`
	DurationMs     *int64     `json:"duration_ms,omitempty"`
	Kind           MediaKind  `json:"kind"`
	InsertionOrder int        `json:"insertion_order"`
	ModTime        *time.Time `json:"mod_time,omitempty"`
	Deleted        bool       `json:"deleted,omitempty"`
}

// Derivative is a thumbnail or resized cache image reference embedded in
// the collection document. When IsDirect is true, Path points at the
// original media file and no derivative file exists on disk.
type Derivative struct {
	MediaItemID uuid.UUID `json:"media_item_id"`
	Preset      string    `json:"preset"`
	Format      string    `json:"format"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Path        string    `json:"path"`
	ByteSize    int64     `json:"byte_size"`
	GeneratedAt time.Time `json:"generated_at"`
	IsDirect    bool      `json:"is_direct,omitempty"`
}

// CacheBinding records that a cache folder holds derivatives for this
// collection, so bulk cleanup knows where to look.
type CacheBinding struct {
	CacheFolderID uuid.UUID `json:"cache_folder_id"`
	BoundAt       time.Time `json:"bound_at"`
}

type Collection struct {
	ID            uuid.UUID          `json:"id" db:"id"`
	LibraryID     uuid.UUID          `json:"library_id" db:"library_id"`
	Name          string             `json:"name" db:"name"`
	Path          string             `json:"path" db:"path"`
	Kind          CollectionKind     `json:"kind" db:"kind"`
	Version       int64              `json:"version" db:"version"`
	Settings      CollectionSettings `json:"settings" db:"settings"`
	Stats         CollectionStats    `json:"stats" db:"stats"`
	MediaItems    []MediaItem        `json:"media_items" db:"media_items"`
	Thumbnails    []Derivative       `json:"thumbnails" db:"thumbnails"`
	CacheImages   []Derivative       `json:"cache_images" db:"cache_images"`
	CacheBindings []CacheBinding     `json:"cache_bindings" db:"cache_bindings"`
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at" db:"updated_at"`
	DeletedAt     *time.Time         `json:"deleted_at,omitempty" db:"deleted_at"`
}

// ActiveMediaItems returns the non-tombstoned items in insertion order.
func (c *Collection) ActiveMediaItems() []MediaItem {
	items := make([]MediaItem, 0, len(c.MediaItems))
	for _, m := range c.MediaItems {
		if !m.Deleted {
			items = append(items, m)
		}
	}
	return items
}

// FindMediaItem returns the embedded item with the given ID, or nil.
func (c *Collection) FindMediaItem(id uuid.UUID) *MediaItem {
	for i := range c.MediaItems {
		if c.MediaItems[i].ID == id {
			return &c.MediaItems[i]
		}
	}
	return nil
}

// MaxInsertionOrder returns the highest insertion order across all items,
// including tombstones, or -1 for an empty collection.
func (c *Collection) MaxInsertionOrder() int {
	max := -1
	for _, m := range c.MediaItems {
		if m.InsertionOrder > max {
			max = m.InsertionOrder
		}
	}
	return max
}

// HasBinding reports whether the collection is already bound to the folder.
func (c *Collection) HasBinding(folderID uuid.UUID) bool {
	for _, b := range c.CacheBindings {
		if b.CacheFolderID == folderID {
			return true
		}
	}
	return false
}

// ──────────────────── CacheFolder ────────────────────

type CacheFolder struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	RootPath     string    `json:"root_path" db:"root_path"`
	MaxBytes     int64     `json:"max_bytes" db:"max_bytes"`
	CurrentBytes int64     `json:"current_bytes" db:"current_bytes"`
	Priority     int       `json:"priority" db:"priority"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// FreeBytes returns the remaining quota, never negative.
func (f *CacheFolder) FreeBytes() int64 {
	free := f.MaxBytes - f.CurrentBytes
	if free < 0 {
		return 0
	}
	return free
}

// FillRatio returns current usage in [0, 1]; a zero-quota folder is full.
func (f *CacheFolder) FillRatio() float64 {
	if f.MaxBytes <= 0 {
		return 1
	}
	return float64(f.CurrentBytes) / float64(f.MaxBytes)
}

// ──────────────────── Job ledger ────────────────────

type JobProgress struct {
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	CurrentItem string `json:"current_item,omitempty"`
}

// Pending returns the items not yet accounted for.
func (p JobProgress) Pending() int {
	pending := p.Total - p.Completed - p.Failed - p.Skipped
	if pending < 0 {
		return 0
	}
	return pending
}

// JobCounters aggregates per-stage results on a parent job.
type JobCounters struct {
	ThumbnailsDone int `json:"thumbnails_done"`
	CacheDone      int `json:"cache_done"`
}

type Job struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	Kind          JobKind           `json:"kind" db:"kind"`
	ParentJobID   *uuid.UUID        `json:"parent_job_id,omitempty" db:"parent_job_id"`
	CorrelationID uuid.UUID         `json:"correlation_id" db:"correlation_id"`
	Status        JobStatus         `json:"status" db:"status"`
	Attempts      int               `json:"attempts" db:"attempts"`
	TimeoutMs     int64             `json:"timeout_ms" db:"timeout_ms"`
	Params        map[string]string `json:"params" db:"params"`
	Progress      JobProgress       `json:"progress" db:"progress"`
	Counters      JobCounters       `json:"counters" db:"counters"`
	Error         *string           `json:"error,omitempty" db:"error_message"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// FileProcessingState tracks the per-item outcome of a derivative stage,
// keyed by (job, media item). It is what makes an interrupted scan
// resumable without redoing finished items.
type FileProcessingState struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	JobID        uuid.UUID  `json:"job_id" db:"job_id"`
	CollectionID uuid.UUID  `json:"collection_id" db:"collection_id"`
	MediaItemID  uuid.UUID  `json:"media_item_id" db:"media_item_id"`
	Stage        JobKind    `json:"stage" db:"stage"`
	Status       JobStatus  `json:"status" db:"status"`
	Attempts     int        `json:"attempts" db:"attempts"`
	LastError    *string    `json:"last_error,omitempty" db:"last_error"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// ──────────────────── Scheduled jobs ────────────────────

type ScheduledJob struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	Name            string            `json:"name" db:"name"`
	TargetKind      JobKind           `json:"target_kind" db:"target_kind"`
	ScheduleType    ScheduleType      `json:"schedule_type" db:"schedule_type"`
	CronSpec        *string           `json:"cron_spec,omitempty" db:"cron_spec"`
	IntervalSeconds *int64            `json:"interval_seconds,omitempty" db:"interval_seconds"`
	Enabled         bool              `json:"enabled" db:"enabled"`
	RunCount        int               `json:"run_count" db:"run_count"`
	CoalescedRuns   int               `json:"coalesced_runs" db:"coalesced_runs"`
	LastRunAt       *time.Time        `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt       *time.Time        `json:"next_run_at,omitempty" db:"next_run_at"`
	Params          map[string]string `json:"params" db:"params"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// ScheduledJobRun is one audit row per firing decision, coalesced or not.
type ScheduledJobRun struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	ScheduledJobID uuid.UUID  `json:"scheduled_job_id" db:"scheduled_job_id"`
	FiredAt        time.Time  `json:"fired_at" db:"fired_at"`
	JobID          *uuid.UUID `json:"job_id,omitempty" db:"job_id"`
	Coalesced      bool       `json:"coalesced" db:"coalesced"`
}

// ──────────────────── Index entries ────────────────────

// IndexEntry is the denormalized collection summary held in the ordered
// index. ThumbPreview is a small pre-encoded image blob so list responses
// need no per-item decode.
type IndexEntry struct {
	ID           uuid.UUID      `json:"id"`
	LibraryID    uuid.UUID      `json:"library_id"`
	Kind         CollectionKind `json:"kind"`
	Name         string         `json:"name"`
	ImageCount   int            `json:"image_count"`
	TotalBytes   int64          `json:"total_bytes"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CreatedAt    time.Time      `json:"created_at"`
	ThumbPreview []byte         `json:"thumb_preview,omitempty"`
}

// EntryForCollection builds the index entry for a collection.
func EntryForCollection(c *Collection, preview []byte) IndexEntry {
	return IndexEntry{
		ID:           c.ID,
		LibraryID:    c.LibraryID,
		Kind:         c.Kind,
		Name:         c.Name,
		ImageCount:   c.Stats.MediaCount,
		TotalBytes:   c.Stats.TotalBytes,
		UpdatedAt:    c.UpdatedAt,
		CreatedAt:    c.CreatedAt,
		ThumbPreview: preview,
	}
}

// ──────────────────── Scan results ────────────────────

// ScanResult summarizes one collection scan.
type ScanResult struct {
	Found   int      `json:"found"`
	Added   int      `json:"added"`
	Removed int      `json:"removed"`
	Changed int      `json:"changed"`
	Queued  int      `json:"queued"`
	Errors  []string `json:"errors,omitempty"`
}
