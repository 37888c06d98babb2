package config

import (
	"database/sql"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/pictoria/pictoria/internal/models"
)

// Stage names double as asynq queue names.
const (
	StageLibraryScan    = "library_scan"
	StageCollectionScan = "collection_scan"
	StageThumbnail      = "thumbnail"
	StageCache          = "cache"
	StageBulk           = "bulk"
	StageMetadata       = "metadata"
)

// Config holds everything the pipeline reads at startup. Values come from
// the environment first, then MergeFromDB overlays operator settings.
type Config struct {
	DatabaseURL string
	RedisAddr   string
	DataDir     string

	FFmpegPath  string
	FFprobePath string

	AllowedFormats []string
	VideoFormats   []string

	ThumbnailPreset models.Preset
	CachePreset     models.Preset

	// Per-stage worker concurrency.
	WorkerConcurrency map[string]int

	Pipeline PipelineConfig
}

type PipelineConfig struct {
	QueueMaxAttempts int
	BackoffBase      time.Duration
	BackoffMax       time.Duration

	SchedulerCoalesce     bool
	RebuildThresholdRatio int
	ArchivePathRepair     bool

	FanoutHighWatermark int
	FanoutLowWatermark  int
}

func Load() *Config {
	return &Config{
		DatabaseURL: env("DATABASE_URL", "postgres://pictoria:pictoria@db:5432/pictoria?sslmode=disable"),
		RedisAddr:   env("REDIS_ADDR", "redis:6379"),
		DataDir:     env("DATA_DIR", "/data"),
		FFmpegPath:  env("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: env("FFPROBE_PATH", "ffprobe"),

		AllowedFormats: envList("ALLOWED_FORMATS",
			"jpg,jpeg,png,webp,gif,bmp,tiff,apng,mp4,webm,mov,mkv,avi,wmv,flv"),
		VideoFormats: envList("VIDEO_FORMATS", "mp4,webm,mov,mkv,avi,wmv,flv"),

		ThumbnailPreset: models.Preset{
			Name:    "thumb",
			Width:   envInt("THUMB_WIDTH", 300),
			Height:  envInt("THUMB_HEIGHT", 300),
			Format:  env("THUMB_FORMAT", "jpeg"),
			Quality: envInt("THUMB_QUALITY", 85),
		},
		CachePreset: models.Preset{
			Name:             "cache",
			Width:            envInt("CACHE_WIDTH", 1920),
			Height:           envInt("CACHE_HEIGHT", 1080),
			Format:           env("CACHE_FORMAT", "jpeg"),
			Quality:          envInt("CACHE_QUALITY", 85),
			PreserveOriginal: envBool("CACHE_PRESERVE_ORIGINAL", false),
		},

		WorkerConcurrency: map[string]int{
			StageLibraryScan:    envInt("WORKER_CONCURRENCY_LIBRARY_SCAN", 1),
			StageCollectionScan: envInt("WORKER_CONCURRENCY_COLLECTION_SCAN", 2),
			StageThumbnail:      envInt("WORKER_CONCURRENCY_THUMBNAIL", 4),
			StageCache:          envInt("WORKER_CONCURRENCY_CACHE", 2),
			StageBulk:           envInt("WORKER_CONCURRENCY_BULK", 1),
			StageMetadata:       envInt("WORKER_CONCURRENCY_METADATA", 2),
		},

		Pipeline: PipelineConfig{
			QueueMaxAttempts:      envInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:           envDuration("QUEUE_BACKOFF_BASE", time.Second),
			BackoffMax:            envDuration("QUEUE_BACKOFF_MAX", 60*time.Second),
			SchedulerCoalesce:     envBool("SCHEDULER_COALESCE", true),
			RebuildThresholdRatio: envInt("INDEX_REBUILD_THRESHOLD_RATIO", 10),
			ArchivePathRepair:     envBool("ARCHIVE_PATH_REPAIR", true),
			FanoutHighWatermark:   envInt("FANOUT_HIGH_WATERMARK", 5000),
			FanoutLowWatermark:    envInt("FANOUT_LOW_WATERMARK", 1000),
		},
	}
}

// MergeFromDB overlays operator-editable settings from the system_settings
// table. Missing table or rows are not an error.
func (c *Config) MergeFromDB(db *sql.DB) {
	rows, err := db.Query("SELECT key, value FROM system_settings")
	if err != nil {
		log.Printf("config: skipping DB merge: %v", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		switch key {
		case "allowed_formats":
			c.AllowedFormats = splitList(value)
		case "video_formats":
			c.VideoFormats = splitList(value)
		case "thumbnail_width":
			c.ThumbnailPreset.Width = cast.ToInt(value)
		case "thumbnail_height":
			c.ThumbnailPreset.Height = cast.ToInt(value)
		case "thumbnail_quality":
			c.ThumbnailPreset.Quality = cast.ToInt(value)
		case "cache_width":
			c.CachePreset.Width = cast.ToInt(value)
		case "cache_height":
			c.CachePreset.Height = cast.ToInt(value)
		case "cache_quality":
			c.CachePreset.Quality = cast.ToInt(value)
		case "queue_max_attempts":
			c.Pipeline.QueueMaxAttempts = cast.ToInt(value)
		case "scheduler_coalesce":
			c.Pipeline.SchedulerCoalesce = cast.ToBool(value)
		case "index_rebuild_threshold_ratio":
			c.Pipeline.RebuildThresholdRatio = cast.ToInt(value)
		case "archive_path_repair":
			c.Pipeline.ArchivePathRepair = cast.ToBool(value)
		}
	}
}

// IsVideoFormat reports whether the extension (without dot) is a video format.
func (c *Config) IsVideoFormat(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, v := range c.VideoFormats {
		if v == ext {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key, fallback string) []string {
	return splitList(env(key, fallback))
}
