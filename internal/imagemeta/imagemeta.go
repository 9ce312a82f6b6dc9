// Package imagemeta recognizes image files and reads their pixel dimensions.
package imagemeta

import (
	"image"
	"io"
	"path/filepath"
	"strings"

	// Decoders registered for image.DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const defaultContentType = "application/octet-stream"

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// Extensions returns the recognized image extensions.
func Extensions() []string {
	out := make([]string, 0, len(contentTypes))
	for ext := range contentTypes {
		out = append(out, ext)
	}
	return out
}

// IsImage reports whether name has a recognized image extension (case-insensitive).
func IsImage(name string) bool {
	_, ok := contentTypes[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ContentType infers the MIME type from the file extension.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return defaultContentType
}

// Dimensions reads the image header. ok is false when the format is unknown
// or the header is corrupt; callers treat that as "dimensions unknown".
func Dimensions(r io.Reader) (width, height int32, ok bool) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, false
	}
	return int32(cfg.Width), int32(cfg.Height), true
}
