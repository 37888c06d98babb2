package derivative

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pictoria/pictoria/internal/archive"
	"github.com/pictoria/pictoria/internal/ffmpeg"
	"github.com/pictoria/pictoria/internal/imaging"
	"github.com/pictoria/pictoria/internal/models"
)

// previewPreset is the small blob embedded in index entries so collection
// listings render without touching media files.
var previewPreset = models.Preset{Name: "preview", Width: 64, Height: 64, Format: "jpeg", Quality: 60}

// Engine produces thumbnails and resized cache images for media items.
type Engine struct {
	pool      *archive.Pool
	extractor *ffmpeg.FrameExtractor
	allocator *Allocator
}

func NewEngine(pool *archive.Pool, extractor *ffmpeg.FrameExtractor, allocator *Allocator) *Engine {
	return &Engine{pool: pool, extractor: extractor, allocator: allocator}
}

// Result is one generated derivative plus the folder it landed in and,
// for thumbnails, the small index preview rendered from the same decode.
type Result struct {
	Derivative models.Derivative
	Folder     *models.CacheFolder
	Preview    []byte

	// Source pixel dimensions, from the same decode that produced the
	// derivative.
	SrcWidth  int
	SrcHeight int
}

// Generate decodes the media item, renders the preset, stores the file in
// a cache folder and returns the derivative reference. withPreview also
// renders the index preview blob from the same pixels.
func (e *Engine) Generate(ctx context.Context, col *models.Collection, item *models.MediaItem, preset models.Preset, withPreview bool) (*Result, error) {
	img, err := e.load(ctx, col, item)
	if err != nil {
		return nil, err
	}

	fitted := imaging.Fit(img, preset.Width, preset.Height)
	data, err := imaging.EncodeBytes(fitted, preset.Format, preset.Quality)
	if err != nil {
		return nil, err
	}

	fileName := fmt.Sprintf("%s.%s.%s", item.ID, preset.Name, preset.Ext())
	folder, path, err := e.allocator.Store(col.ID, fileName, data)
	if err != nil {
		return nil, err
	}

	srcBounds := img.Bounds()
	res := &Result{
		Folder:    folder,
		SrcWidth:  srcBounds.Dx(),
		SrcHeight: srcBounds.Dy(),
		Derivative: models.Derivative{
			MediaItemID: item.ID,
			Preset:      preset.Name,
			Format:      preset.Ext(),
			Width:       fitted.Bounds().Dx(),
			Height:      fitted.Bounds().Dy(),
			Path:        path,
			ByteSize:    int64(len(data)),
			GeneratedAt: time.Now().UTC(),
		},
	}
	if withPreview {
		small := imaging.Fit(img, previewPreset.Width, previewPreset.Height)
		if preview, err := imaging.EncodeBytes(small, previewPreset.Format, previewPreset.Quality); err == nil {
			res.Preview = preview
		}
	}
	return res, nil
}

// DirectDerivative builds the derivative reference for direct file access:
// the original file itself serves as thumbnail and cache image. Only valid
// for directory collections.
func DirectDerivative(col *models.Collection, item *models.MediaItem, preset models.Preset) models.Derivative {
	return models.Derivative{
		MediaItemID: item.ID,
		Preset:      preset.Name,
		Format:      item.Format,
		Width:       item.Width,
		Height:      item.Height,
		Path:        filepath.Join(col.Path, filepath.FromSlash(item.RelativePath)),
		ByteSize:    item.ByteSize,
		GeneratedAt: time.Now().UTC(),
		IsDirect:    true,
	}
}

// IsRetryable classifies a generation error. Disk and capacity problems
// are worth retrying; corrupt or undecodable sources are not.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrIOFailed) || errors.Is(err, ErrNoCacheSpace)
}

func (e *Engine) load(ctx context.Context, col *models.Collection, item *models.MediaItem) (image.Image, error) {
	if col.Kind.IsArchive() {
		return e.loadFromArchive(ctx, col, item)
	}

	srcPath := filepath.Join(col.Path, filepath.FromSlash(item.RelativePath))
	if item.Kind == models.MediaVideo {
		img, err := e.extractor.ExtractFrame(ctx, srcPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", imaging.ErrDecodeFailed, err)
		}
		return img, nil
	}
	return imaging.DecodeFile(srcPath)
}

func (e *Engine) loadFromArchive(ctx context.Context, col *models.Collection, item *models.MediaItem) (image.Image, error) {
	reader, err := e.pool.Acquire(col.Path, col.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: open archive: %v", ErrIOFailed, err)
	}
	defer e.pool.Release(col.Path, reader)

	rc, err := reader.Open(item.RelativePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	// Archived videos need a seekable input for the frame extractor, so
	// they spill to a temp file; images stream straight to the decoder.
	if item.Kind == models.MediaVideo {
		return e.extractArchivedVideoFrame(ctx, rc, item)
	}
	return imaging.Decode(rc)
}

func (e *Engine) extractArchivedVideoFrame(ctx context.Context, rc io.Reader, item *models.MediaItem) (image.Image, error) {
	tmp, err := os.CreateTemp("", "pictoria-video-*."+item.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: temp video: %v", ErrIOFailed, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("%w: spill video: %v", archive.ErrCorruptEntry, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("%w: close temp: %v", ErrIOFailed, err)
	}

	img, err := e.extractor.ExtractFrame(ctx, tmpName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", imaging.ErrDecodeFailed, err)
	}
	return img, nil
}
