package imageio

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/gen2brain/webp"
	"github.com/pspoerri/imagecache/internal/cache"
)

// stdImageReader implements cache.ImageReader over any format the stdlib (or
// gen2brain/webp) can fully decode into an image.Image: JPEG, PNG, WebP.
// These formats carry no tile or MIP structure of their own, so the whole
// image is decoded once at open time and served out of memory — the cache's
// own untiled/unmipped synthesis (CachedFile.readUntiled/readUnmipped)
// handles tiling and MIP generation on top, exactly as it would for any
// other untiled source.
type stdImageReader struct {
	img    image.Image
	format string
}

// OpenStdImage decodes path with the format registered for its extension.
func OpenStdImage(path string) (cache.ImageReader, cache.ImageSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cache.ImageSpec{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var img image.Image
	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(f)
		format = "jpeg"
	case ".png":
		img, err = png.Decode(f)
		format = "png"
	case ".webp":
		img, err = webp.Decode(f)
		format = "webp"
	default:
		return nil, cache.ImageSpec{}, fmt.Errorf("imageio: unrecognized extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, cache.ImageSpec{}, fmt.Errorf("decoding %s: %w", path, err)
	}

	r := &stdImageReader{img: img, format: format}
	return r, r.spec(), nil
}

func (r *stdImageReader) spec() cache.ImageSpec {
	b := r.img.Bounds()
	return cache.ImageSpec{
		Width: b.Dx(), Height: b.Dy(), Depth: 1,
		NChannels: 4, // decoded through image.Image's RGBA accessor
		Format:    cache.UINT8,
		FullWidth: b.Dx(), FullHeight: b.Dy(), FullDepth: 1,
	}
}

func (r *stdImageReader) SeekSubimage(index int) (cache.ImageSpec, bool) {
	if index != 0 {
		return cache.ImageSpec{}, false
	}
	return r.spec(), true
}

func (r *stdImageReader) CurrentSubimage() int { return 0 }

func (r *stdImageReader) FormatName() string { return r.format }

func (r *stdImageReader) Close() error { r.img = nil; return nil }

// ReadTile is never called: these formats always report TileWidth/Height
// zero, so CachedFile routes every read through ReadScanline/ReadImage
// instead.
func (r *stdImageReader) ReadTile(x, y, z int, dt cache.DataType, buf []byte) error {
	return fmt.Errorf("imageio: %s reader has no native tiling", r.format)
}

func (r *stdImageReader) ReadScanline(y, z int, dt cache.DataType, buf []byte) error {
	b := r.img.Bounds()
	elemSize := dt.Size()
	for x := 0; x < b.Dx(); x++ {
		rr, gg, bb, aa := r.img.At(b.Min.X+x, b.Min.Y+y).RGBA()
		vals := [4]uint8{uint8(rr >> 8), uint8(gg >> 8), uint8(bb >> 8), uint8(aa >> 8)}
		off := x * 4 * elemSize
		for c := 0; c < 4; c++ {
			if dt == cache.FLOAT {
				putLEFloat32(buf[off+c*4:off+c*4+4], float32(vals[c])/255)
			} else {
				buf[off+c] = vals[c]
			}
		}
	}
	return nil
}

func (r *stdImageReader) ReadImage(dt cache.DataType, buf []byte) error {
	b := r.img.Bounds()
	elemSize := dt.Size()
	rowBytes := b.Dx() * 4 * elemSize
	for y := 0; y < b.Dy(); y++ {
		if err := r.ReadScanline(y, 0, dt, buf[y*rowBytes:(y+1)*rowBytes]); err != nil {
			return err
		}
	}
	return nil
}
