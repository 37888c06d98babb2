package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Contains(t, cfg.AllowedFormats, "jpg")
	assert.Contains(t, cfg.AllowedFormats, "mp4")
	assert.Equal(t, "thumb", cfg.ThumbnailPreset.Name)
	assert.Equal(t, 300, cfg.ThumbnailPreset.Width)
	assert.Equal(t, "cache", cfg.CachePreset.Name)
	assert.Equal(t, 1920, cfg.CachePreset.Width)
	assert.Equal(t, 3, cfg.Pipeline.QueueMaxAttempts)
	assert.Equal(t, time.Second, cfg.Pipeline.BackoffBase)
	assert.Equal(t, 60*time.Second, cfg.Pipeline.BackoffMax)
	assert.True(t, cfg.Pipeline.SchedulerCoalesce)

	for _, stage := range []string{
		StageLibraryScan, StageCollectionScan, StageThumbnail,
		StageCache, StageBulk, StageMetadata,
	} {
		assert.Positive(t, cfg.WorkerConcurrency[stage], stage)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6400")
	t.Setenv("THUMB_WIDTH", "512")
	t.Setenv("QUEUE_BACKOFF_BASE", "250ms")
	t.Setenv("ALLOWED_FORMATS", "JPG, png ,,webp")
	t.Setenv("SCHEDULER_COALESCE", "false")

	cfg := Load()

	assert.Equal(t, "localhost:6400", cfg.RedisAddr)
	assert.Equal(t, 512, cfg.ThumbnailPreset.Width)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.BackoffBase)
	assert.Equal(t, []string{"jpg", "png", "webp"}, cfg.AllowedFormats)
	assert.False(t, cfg.Pipeline.SchedulerCoalesce)
}

func TestLoadIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("THUMB_WIDTH", "not a number")
	t.Setenv("QUEUE_BACKOFF_BASE", "soon")

	cfg := Load()
	assert.Equal(t, 300, cfg.ThumbnailPreset.Width)
	assert.Equal(t, time.Second, cfg.Pipeline.BackoffBase)
}

func TestIsVideoFormat(t *testing.T) {
	cfg := Load()

	assert.True(t, cfg.IsVideoFormat("mp4"))
	assert.True(t, cfg.IsVideoFormat(".MP4"))
	assert.True(t, cfg.IsVideoFormat("mkv"))
	assert.False(t, cfg.IsVideoFormat("jpg"))
	assert.False(t, cfg.IsVideoFormat(""))
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, splitList("A, b ,c"))
	assert.Empty(t, splitList(""))
	assert.Empty(t, splitList(" , ,"))
}
