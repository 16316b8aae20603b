package imageio

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pspoerri/imagecache/internal/cache"
)

// Open dispatches to a concrete plugin by file extension and is the
// cache.OpenFunc every cmd/ binary wires into cache.New/cache.NewShared.
func Open(path string) (cache.ImageReader, cache.ImageSpec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return OpenTIFF(path)
	case ".jpg", ".jpeg", ".png", ".webp":
		return OpenStdImage(path)
	default:
		return nil, cache.ImageSpec{}, fmt.Errorf("imageio: no reader for %q", path)
	}
}
