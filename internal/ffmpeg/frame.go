package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os/exec"
	"time"

	_ "image/png"
)

const frameTimeout = 2 * time.Minute

// FrameExtractor pulls single poster frames out of video files.
type FrameExtractor struct {
	ffmpegPath string
}

func NewFrameExtractor(ffmpegPath string) *FrameExtractor {
	return &FrameExtractor{ffmpegPath: ffmpegPath}
}

// ExtractFrame decodes the first frame of a video into an image. Video
// thumbnails are a single frame at time zero.
func (e *FrameExtractor) ExtractFrame(ctx context.Context, filePath string) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-ss", "0",
		"-i", filePath,
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("frame extraction timed out: %s", filePath)
		}
		return nil, fmt.Errorf("ffmpeg frame extraction: %w (%s)", err, firstLine(stderr.Bytes()))
	}

	img, _, err := image.Decode(&out)
	if err != nil {
		return nil, fmt.Errorf("decode extracted frame: %w", err)
	}
	return img, nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
