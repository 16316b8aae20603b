package imageio

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/pspoerri/imagecache/internal/cache"
)

// tiffInlineEntry describes one IFD entry whose 4-byte value slot holds
// either an inline scalar or an offset into externally-placed data.
type tiffInlineEntry struct {
	tag, dt uint16
	count   uint32
	value   uint32
}

func writeTIFFHeader(buf *bytes.Buffer, bo binary.ByteOrder, ifdOffset uint32) {
	buf.WriteString("II")
	binary.Write(buf, bo, uint16(42))
	binary.Write(buf, bo, ifdOffset)
}

func writeIFD(buf *bytes.Buffer, bo binary.ByteOrder, entries []tiffInlineEntry, nextIFD uint32) {
	binary.Write(buf, bo, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(buf, bo, e.tag)
		binary.Write(buf, bo, e.dt)
		binary.Write(buf, bo, e.count)
		binary.Write(buf, bo, e.value)
	}
	binary.Write(buf, bo, nextIFD)
}

// buildTiledTIFF assembles a 32x32, 4-tile (16x16), single-channel,
// uncompressed TIFF, with each tile filled with a distinct byte value so
// ReadTile's addressing can be checked against a known fixture.
func buildTiledTIFF(t *testing.T) (path string, tileFill [4]byte) {
	t.Helper()
	bo := binary.LittleEndian
	tileFill = [4]byte{10, 20, 30, 40}

	const headerSize = 8
	const numEntries = 8
	ifdSize := 2 + 12*numEntries + 4
	tileOffsetsAt := uint32(headerSize + ifdSize)
	tileByteCountsAt := tileOffsetsAt + 4*4
	tilesStartAt := tileByteCountsAt + 4*4
	const tileBytes = 16 * 16

	entries := []tiffInlineEntry{
		{tagImageWidth, dtLong, 1, 32},
		{tagImageLength, dtLong, 1, 32},
		{tagTileWidth, dtLong, 1, 16},
		{tagTileLength, dtLong, 1, 16},
		{tagSamplesPerPixel, dtShort, 1, 1},
		{tagCompression, dtShort, 1, compressionNone},
		{tagTileOffsets, dtLong, 4, tileOffsetsAt},
		{tagTileByteCounts, dtLong, 4, tileByteCountsAt},
	}

	var buf bytes.Buffer
	writeTIFFHeader(&buf, bo, headerSize)
	writeIFD(&buf, bo, entries, 0)

	for i := 0; i < 4; i++ {
		binary.Write(&buf, bo, tilesStartAt+uint32(i*tileBytes))
	}
	for i := 0; i < 4; i++ {
		binary.Write(&buf, bo, uint32(tileBytes))
	}
	for i := 0; i < 4; i++ {
		buf.Write(bytes.Repeat([]byte{tileFill[i]}, tileBytes))
	}

	dir := t.TempDir()
	path = filepath.Join(dir, "tiled.tif")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path, tileFill
}

func TestOpenTIFFTiledReadTileAddressing(t *testing.T) {
	path, tileFill := buildTiledTIFF(t)

	r, spec, err := OpenTIFF(path)
	if err != nil {
		t.Fatalf("OpenTIFF: %v", err)
	}
	defer r.Close()

	if spec.Width != 32 || spec.Height != 32 || spec.TileWidth != 16 || spec.TileHeight != 16 {
		t.Fatalf("spec = %+v, want 32x32 with 16x16 tiles", spec)
	}
	if r.FormatName() != "tiff" {
		t.Errorf("FormatName() = %q, want tiff", r.FormatName())
	}

	tests := []struct {
		x, y int
		want byte
	}{
		{0, 0, tileFill[0]},
		{16, 0, tileFill[1]},
		{0, 16, tileFill[2]},
		{16, 16, tileFill[3]},
	}
	for _, tt := range tests {
		buf := make([]byte, 16*16)
		if err := r.ReadTile(tt.x, tt.y, 0, cache.UINT8, buf); err != nil {
			t.Fatalf("ReadTile(%d,%d): %v", tt.x, tt.y, err)
		}
		for i, b := range buf {
			if b != tt.want {
				t.Fatalf("ReadTile(%d,%d) byte %d = %d, want %d", tt.x, tt.y, i, b, tt.want)
			}
		}
	}
}

func TestOpenTIFFTiledReadTileOutOfRange(t *testing.T) {
	path, _ := buildTiledTIFF(t)
	r, _, err := OpenTIFF(path)
	if err != nil {
		t.Fatalf("OpenTIFF: %v", err)
	}
	defer r.Close()

	buf := make([]byte, 16*16)
	if err := r.ReadTile(1000, 1000, 0, cache.UINT8, buf); err == nil {
		t.Error("ReadTile should reject a tile coordinate outside the image")
	}
}

// buildStrippedTIFF assembles an 8x4, single-strip, uncompressed, untiled
// TIFF whose pixel bytes are 0..31 in row-major order.
func buildStrippedTIFF(t *testing.T) string {
	t.Helper()
	bo := binary.LittleEndian
	const w, h = 8, 4

	const headerSize = 8
	const numEntries = 7
	ifdSize := 2 + 12*numEntries + 4
	stripAt := uint32(headerSize + ifdSize)

	entries := []tiffInlineEntry{
		{tagImageWidth, dtLong, 1, w},
		{tagImageLength, dtLong, 1, h},
		{tagSamplesPerPixel, dtShort, 1, 1},
		{tagCompression, dtShort, 1, compressionNone},
		{tagRowsPerStrip, dtLong, 1, h},
		{tagStripOffsets, dtLong, 1, stripAt},
		{tagStripByteCounts, dtLong, 1, w * h},
	}

	var buf bytes.Buffer
	writeTIFFHeader(&buf, bo, headerSize)
	writeIFD(&buf, bo, entries, 0)
	for i := 0; i < w*h; i++ {
		buf.WriteByte(byte(i))
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "stripped.tif")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestOpenTIFFStrippedReadScanline(t *testing.T) {
	path := buildStrippedTIFF(t)
	r, spec, err := OpenTIFF(path)
	if err != nil {
		t.Fatalf("OpenTIFF: %v", err)
	}
	defer r.Close()

	if spec.TileWidth != 0 || spec.TileHeight != 0 {
		t.Error("a strip-based IFD should report no tile dimensions")
	}

	buf := make([]byte, 8)
	if err := r.ReadScanline(2, 0, cache.UINT8, buf); err != nil {
		t.Fatalf("ReadScanline: %v", err)
	}
	for i, b := range buf {
		want := byte(2*8 + i)
		if b != want {
			t.Errorf("scanline byte %d = %d, want %d", i, b, want)
		}
	}
}

func TestOpenTIFFStrippedReadImage(t *testing.T) {
	path := buildStrippedTIFF(t)
	r, _, err := OpenTIFF(path)
	if err != nil {
		t.Fatalf("OpenTIFF: %v", err)
	}
	defer r.Close()

	buf := make([]byte, 8*4)
	if err := r.ReadImage(cache.UINT8, buf); err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	for i, b := range buf {
		if b != byte(i) {
			t.Errorf("sample %d = %d, want %d", i, b, byte(i))
		}
	}
}

func TestOpenTIFFRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.tif")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, _, err := OpenTIFF(path); err == nil {
		t.Error("OpenTIFF should reject an empty file")
	}
}

func TestConvertSamplesIdentity(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	dst := make([]byte, 4)
	if err := convertSamples(dst, src, cache.UINT8, cache.UINT8, 1); err != nil {
		t.Fatalf("convertSamples: %v", err)
	}
	if !bytes.Equal(dst, src) {
		t.Errorf("convertSamples same-type = %v, want %v", dst, src)
	}
}

func TestConvertSamplesUint8ToFloat(t *testing.T) {
	src := []byte{255}
	dst := make([]byte, 4)
	if err := convertSamples(dst, src, cache.FLOAT, cache.UINT8, 1); err != nil {
		t.Fatalf("convertSamples: %v", err)
	}
	got := bytesLEFloat32(dst)
	if got < 0.99 || got > 1.01 {
		t.Errorf("convertSamples(255 -> float) = %v, want ~1.0", got)
	}
}

func TestConvertSamplesFloatToUint8(t *testing.T) {
	src := make([]byte, 4)
	putLEFloat32(src, 0.5)
	dst := make([]byte, 1)
	if err := convertSamples(dst, src, cache.UINT8, cache.FLOAT, 1); err != nil {
		t.Fatalf("convertSamples: %v", err)
	}
	if dst[0] < 126 || dst[0] > 129 {
		t.Errorf("convertSamples(0.5 -> uint8) = %d, want ~127", dst[0])
	}
}

func TestDecodeJPEGIntoProducesNonZeroSamples(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	fill := color.RGBA{200, 100, 50, 255}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	var jpegBuf bytes.Buffer
	if err := jpeg.Encode(&jpegBuf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}

	ifd := &IFD{SamplesPerPixel: 3}
	dst := make([]byte, 4*4*3)
	if err := decodeJPEGInto(dst, ifd, jpegBuf.Bytes(), cache.UINT8); err != nil {
		t.Fatalf("decodeJPEGInto: %v", err)
	}

	var sum int
	for _, b := range dst {
		sum += int(b)
	}
	if sum == 0 {
		t.Error("decodeJPEGInto produced an all-zero image for a non-black source")
	}
}
