package imageio

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/pspoerri/imagecache/internal/cache"
)

func writeTestPNG(t *testing.T, w, h int, fill color.RGBA) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, fill)
		}
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "fixture.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return path
}

func TestOpenStdImagePNGSpec(t *testing.T) {
	path := writeTestPNG(t, 6, 4, color.RGBA{10, 20, 30, 255})

	r, spec, err := OpenStdImage(path)
	if err != nil {
		t.Fatalf("OpenStdImage: %v", err)
	}
	defer r.Close()

	if spec.Width != 6 || spec.Height != 4 {
		t.Errorf("spec dims = %dx%d, want 6x4", spec.Width, spec.Height)
	}
	if spec.NChannels != 4 {
		t.Errorf("NChannels = %d, want 4", spec.NChannels)
	}
	if spec.TileWidth != 0 || spec.TileHeight != 0 {
		t.Error("a decoded stdlib image should report no native tiling")
	}
	if r.FormatName() != "png" {
		t.Errorf("FormatName() = %q, want png", r.FormatName())
	}
}

func TestStdImageReaderReadScanlineMatchesFill(t *testing.T) {
	fill := color.RGBA{10, 20, 30, 255}
	path := writeTestPNG(t, 3, 2, fill)

	r, _, err := OpenStdImage(path)
	if err != nil {
		t.Fatalf("OpenStdImage: %v", err)
	}
	defer r.Close()

	buf := make([]byte, 3*4)
	if err := r.ReadScanline(0, 0, cache.UINT8, buf); err != nil {
		t.Fatalf("ReadScanline: %v", err)
	}
	for x := 0; x < 3; x++ {
		off := x * 4
		if buf[off] != fill.R || buf[off+1] != fill.G || buf[off+2] != fill.B || buf[off+3] != fill.A {
			t.Errorf("pixel %d = %v, want %v", x, buf[off:off+4], fill)
		}
	}
}

func TestStdImageReaderReadImageFillsAllRows(t *testing.T) {
	fill := color.RGBA{1, 2, 3, 255}
	path := writeTestPNG(t, 2, 2, fill)

	r, _, err := OpenStdImage(path)
	if err != nil {
		t.Fatalf("OpenStdImage: %v", err)
	}
	defer r.Close()

	buf := make([]byte, 2*2*4)
	if err := r.ReadImage(cache.UINT8, buf); err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	for i := 0; i < 2*2; i++ {
		off := i * 4
		if buf[off] != fill.R {
			t.Errorf("sample %d red = %d, want %d", i, buf[off], fill.R)
		}
	}
}

func TestStdImageReaderReadTileAlwaysErrors(t *testing.T) {
	path := writeTestPNG(t, 2, 2, color.RGBA{0, 0, 0, 255})
	r, _, err := OpenStdImage(path)
	if err != nil {
		t.Fatalf("OpenStdImage: %v", err)
	}
	defer r.Close()

	if err := r.ReadTile(0, 0, 0, cache.UINT8, make([]byte, 16)); err == nil {
		t.Error("ReadTile on a stdlib-image reader should always error")
	}
}

func TestOpenStdImageUnrecognizedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fixture.bmp")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, _, err := OpenStdImage(path); err == nil {
		t.Error("OpenStdImage should reject an unrecognized extension")
	}
}

func TestStdImageReaderSeekSubimage(t *testing.T) {
	path := writeTestPNG(t, 2, 2, color.RGBA{0, 0, 0, 255})
	r, _, err := OpenStdImage(path)
	if err != nil {
		t.Fatalf("OpenStdImage: %v", err)
	}
	defer r.Close()

	if _, ok := r.SeekSubimage(1); ok {
		t.Error("a single-subimage reader should reject any index other than 0")
	}
	spec, ok := r.SeekSubimage(0)
	if !ok || spec.Width != 2 {
		t.Error("SeekSubimage(0) should succeed and return the base spec")
	}
}
