package imagemeta

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIsImage(t *testing.T) {
	for _, name := range []string{"a.jpg", "B.JPEG", "c.Png", "d.webp", "e.tiff"} {
		assert.True(t, IsImage(name), name)
	}
	for _, name := range []string{"notes.txt", "archive.jpg.zip", "noext", ".hidden"} {
		assert.False(t, IsImage(name), name)
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentType("photo.JPG"))
	assert.Equal(t, "image/png", ContentType("x.png"))
	assert.Equal(t, "application/octet-stream", ContentType("blob.bin"))
}

func TestDimensions(t *testing.T) {
	w, h, ok := Dimensions(bytes.NewReader(encodePNG(t, 100, 200)))
	require.True(t, ok)
	assert.Equal(t, int32(100), w)
	assert.Equal(t, int32(200), h)
}

func TestDimensionsUndecodable(t *testing.T) {
	_, _, ok := Dimensions(strings.NewReader("definitely not an image"))
	assert.False(t, ok)
}

func TestExtensionsCoversContentTypes(t *testing.T) {
	assert.ElementsMatch(t,
		[]string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tif", ".tiff"},
		Extensions())
}
