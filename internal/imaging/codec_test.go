package imaging

import (
	"bytes"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	return img
}

func TestFitNeverUpscales(t *testing.T) {
	small := testImage(100, 50)
	out := Fit(small, 400, 400)
	assert.Equal(t, 100, out.Bounds().Dx())
	assert.Equal(t, 50, out.Bounds().Dy())
}

func TestFitScalesDownPreservingAspect(t *testing.T) {
	img := testImage(800, 400)
	out := Fit(img, 200, 200)
	assert.Equal(t, 200, out.Bounds().Dx())
	assert.Equal(t, 100, out.Bounds().Dy())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	img := testImage(64, 48)
	for _, format := range []string{"jpeg", "png", "webp"} {
		data, err := EncodeBytes(img, format, 85)
		require.NoError(t, err, format)
		require.NotEmpty(t, data, format)

		decoded, err := Decode(bytes.NewReader(data))
		require.NoError(t, err, format)
		assert.Equal(t, 64, decoded.Bounds().Dx(), format)
		assert.Equal(t, 48, decoded.Bounds().Dy(), format)
	}
}

func TestEncodeUnsupportedFormat(t *testing.T) {
	_, err := EncodeBytes(testImage(8, 8), "heic", 85)
	assert.ErrorIs(t, err, ErrEncodeFailed)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode(strings.NewReader("definitely not pixels"))
	assert.ErrorIs(t, err, ErrDecodeFailed)
}

func TestDimensions(t *testing.T) {
	data, err := EncodeBytes(testImage(320, 240), "png", 0)
	require.NoError(t, err)

	w, h, err := Dimensions(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)

	_, _, err = Dimensions(strings.NewReader("nope"))
	assert.ErrorIs(t, err, ErrDecodeFailed)
}
