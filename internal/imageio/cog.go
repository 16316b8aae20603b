package imageio

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"math"
	"os"

	"github.com/pspoerri/imagecache/internal/cache"
)

// tiffReader implements cache.ImageReader over a memory-mapped TIFF/BigTIFF
// file, one IFD per subimage: the same mmap-once, parse-IFDs-once,
// decode-tiles-lazily shape a tile-only COG reader would use, but it hands
// back raw sample bytes in the cache's own DataType instead of an
// image.Image, and adds scanline/strip support a tile-only reader never
// needs.
type tiffReader struct {
	data []byte // mmap'd file contents; nil after Close
	ifds []IFD

	current int
}

// OpenTIFF opens path, memory-maps it, and parses every IFD as a subimage
// (level 0 is full resolution; subsequent IFDs, when present, are existing
// overviews the file already carries — distinct from the cache's own
// synthesized MIP chain, which only kicks in when a file has none).
func OpenTIFF(path string) (cache.ImageReader, cache.ImageSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cache.ImageSpec{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, cache.ImageSpec{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.Size() == 0 {
		return nil, cache.ImageSpec{}, fmt.Errorf("%s: empty file", path)
	}

	data, err := mmapFile(f.Fd(), int(fi.Size()))
	if err != nil {
		return nil, cache.ImageSpec{}, fmt.Errorf("mmap %s: %w", path, err)
	}

	ifds, _, err := parseTIFF(bytes.NewReader(data))
	if err != nil {
		munmapFile(data)
		return nil, cache.ImageSpec{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(ifds) == 0 {
		munmapFile(data)
		return nil, cache.ImageSpec{}, fmt.Errorf("%s: no IFDs found", path)
	}

	r := &tiffReader{data: data, ifds: ifds}
	return r, r.specFor(0), nil
}

func (r *tiffReader) specFor(level int) cache.ImageSpec {
	ifd := &r.ifds[level]
	spec := cache.ImageSpec{
		Width:     int(ifd.Width),
		Height:    int(ifd.Height),
		Depth:     1,
		NChannels: int(ifd.SamplesPerPixel),
		Format:    tiffSampleFormatToDataType(ifd),
		FullWidth: int(ifd.Width), FullHeight: int(ifd.Height), FullDepth: 1,
		Attrs: map[string]any{},
	}
	if !ifd.Untiled() {
		spec.TileWidth = int(ifd.TileWidth)
		spec.TileHeight = int(ifd.TileHeight)
		spec.TileDepth = 1
	}
	if ifd.ImageDescription != "" {
		spec.Attrs["ImageDescription"] = ifd.ImageDescription
	}
	return spec
}

func tiffSampleFormatToDataType(ifd *IFD) cache.DataType {
	bits := 8
	if len(ifd.BitsPerSample) > 0 {
		bits = int(ifd.BitsPerSample[0])
	}
	if ifd.SampleFormat == sampleFormatFloat || bits > 8 {
		return cache.FLOAT
	}
	return cache.UINT8
}

func (r *tiffReader) SeekSubimage(index int) (cache.ImageSpec, bool) {
	if index < 0 || index >= len(r.ifds) {
		return cache.ImageSpec{}, false
	}
	r.current = index
	return r.specFor(index), true
}

func (r *tiffReader) CurrentSubimage() int { return r.current }

func (r *tiffReader) FormatName() string { return "tiff" }

func (r *tiffReader) Close() error {
	if r.data == nil {
		return nil
	}
	err := munmapFile(r.data)
	r.data = nil
	return err
}

// ReadTile decodes one tile of the current subimage directly into buf, which
// must be exactly TileWidth*TileHeight*channels*dt.Size() bytes.
func (r *tiffReader) ReadTile(x, y, z int, dt cache.DataType, buf []byte) error {
	ifd := &r.ifds[r.current]
	if ifd.Untiled() {
		return fmt.Errorf("imageio: subimage %d is untiled", r.current)
	}
	tw, th := int(ifd.TileWidth), int(ifd.TileHeight)
	col, row := x/tw, y/th

	tilesAcross := ifd.TilesAcross()
	idx := row*tilesAcross + col
	if idx < 0 || idx >= len(ifd.TileOffsets) {
		return fmt.Errorf("imageio: tile (%d,%d) out of range", col, row)
	}

	offset, size := ifd.TileOffsets[idx], ifd.TileByteCounts[idx]
	if size == 0 {
		clear(buf)
		return nil
	}
	end := offset + size
	if end > uint64(len(r.data)) {
		return fmt.Errorf("imageio: tile data [%d:%d] exceeds file size %d", offset, end, len(r.data))
	}
	raw := r.data[offset:end]

	switch ifd.Compression {
	case compressionNone:
		return decodeRawSamples(buf, raw, dt, ifd)
	case compressionJPEG:
		return decodeJPEGInto(buf, ifd, raw, dt)
	case compressionLZW:
		plain, err := decompressTIFFLZW(raw)
		if err != nil {
			return fmt.Errorf("imageio: lzw: %w", err)
		}
		return decodeRawSamples(buf, plain, dt, ifd)
	default:
		return fmt.Errorf("imageio: unsupported compression %d", ifd.Compression)
	}
}

// ReadScanline decodes one row of the current (necessarily untiled)
// subimage, reading the containing strip and slicing out of it — the strip
// itself isn't cached here since CachedFile.readUntiled already amortizes
// the read across a whole tile row.
func (r *tiffReader) ReadScanline(y, z int, dt cache.DataType, buf []byte) error {
	ifd := &r.ifds[r.current]
	rowsPerStrip := int(ifd.RowsPerStrip)
	if rowsPerStrip == 0 {
		rowsPerStrip = int(ifd.Height)
	}
	stripIdx := y / rowsPerStrip
	if stripIdx < 0 || stripIdx >= len(ifd.StripOffsets) {
		return fmt.Errorf("imageio: strip %d out of range", stripIdx)
	}

	offset, size := ifd.StripOffsets[stripIdx], ifd.StripByteCounts[stripIdx]
	if size == 0 {
		clear(buf)
		return nil
	}
	end := offset + size
	if end > uint64(len(r.data)) {
		return fmt.Errorf("imageio: strip data [%d:%d] exceeds file size %d", offset, end, len(r.data))
	}
	raw := r.data[offset:end]

	var plain []byte
	switch ifd.Compression {
	case compressionNone:
		plain = raw
	case compressionLZW:
		var err error
		plain, err = decompressTIFFLZW(raw)
		if err != nil {
			return fmt.Errorf("imageio: lzw: %w", err)
		}
	default:
		return fmt.Errorf("imageio: unsupported strip compression %d", ifd.Compression)
	}

	rowInStrip := y - stripIdx*rowsPerStrip
	channels := int(ifd.SamplesPerPixel)
	srcElemSize := tiffSampleElemSize(ifd)
	rowBytes := int(ifd.Width) * channels * srcElemSize
	off := rowInStrip * rowBytes
	if off+rowBytes > len(plain) {
		return fmt.Errorf("imageio: strip too short for row %d", y)
	}
	return convertSamples(buf, plain[off:off+rowBytes], dt, tiffSampleFormatToDataType(ifd), channels)
}

// ReadImage decodes the whole current subimage in one call, used by the
// untiled autotile==0 fallback path.
func (r *tiffReader) ReadImage(dt cache.DataType, buf []byte) error {
	ifd := &r.ifds[r.current]
	h := int(ifd.Height)
	channels := int(ifd.SamplesPerPixel)
	dstElemSize := dt.Size()
	rowBytes := int(ifd.Width) * channels * dstElemSize
	for y := 0; y < h; y++ {
		if err := r.ReadScanline(y, 0, dt, buf[y*rowBytes:(y+1)*rowBytes]); err != nil {
			return err
		}
	}
	return nil
}

func tiffSampleElemSize(ifd *IFD) int {
	bits := 8
	if len(ifd.BitsPerSample) > 0 {
		bits = int(ifd.BitsPerSample[0])
	}
	if ifd.SampleFormat == sampleFormatFloat {
		return 4
	}
	if bits > 8 {
		return 2
	}
	return 1
}

// decodeRawSamples converts an uncompressed tile's raw samples (whatever
// width the TIFF declares) into dst's requested DataType.
func decodeRawSamples(dst, raw []byte, dt cache.DataType, ifd *IFD) error {
	channels := int(ifd.SamplesPerPixel)
	return convertSamples(dst, raw, dt, tiffSampleFormatToDataType(ifd), channels)
}

// convertSamples copies len(src)/srcElemSize samples from src (srcType) into
// dst (dstType), one channel value at a time, handling the only numeric
// conversion this package supports: UINT8 <-> FLOAT (normalized to [0,1]).
func convertSamples(dst, src []byte, dstType, srcType cache.DataType, channels int) error {
	srcElem, dstElem := srcType.Size(), dstType.Size()
	n := len(src) / srcElem
	if srcType == dstType {
		need := n * dstElem
		if need > len(dst) {
			need = len(dst)
		}
		copy(dst, src[:need])
		return nil
	}
	for i := 0; i < n && (i+1)*dstElem <= len(dst); i++ {
		var v float32
		if srcType == cache.FLOAT {
			v = bytesLEFloat32(src[i*4 : i*4+4])
		} else {
			v = float32(src[i]) / 255
		}
		if dstType == cache.FLOAT {
			putLEFloat32(dst[i*4:i*4+4], v)
		} else {
			iv := int32(v*255 + 0.5)
			if iv < 0 {
				iv = 0
			}
			if iv > 255 {
				iv = 255
			}
			dst[i] = byte(iv)
		}
	}
	_ = channels
	return nil
}

// decodeJPEGInto decodes a JPEG-compressed tile (optionally prefixed with
// shared JPEGTables, per TIFF-in-JPEG convention) into dst as interleaved
// samples in the requested DataType
func decodeJPEGInto(dst []byte, ifd *IFD, raw []byte, dt cache.DataType) error {
	jpegData := raw
	if len(ifd.JPEGTables) > 0 {
		tables := ifd.JPEGTables
		if len(tables) >= 2 && tables[len(tables)-2] == 0xFF && tables[len(tables)-1] == 0xD9 {
			tables = tables[:len(tables)-2]
		}
		tileData := raw
		if len(tileData) >= 2 && tileData[0] == 0xFF && tileData[1] == 0xD8 {
			tileData = tileData[2:]
		}
		jpegData = append(append([]byte{}, tables...), tileData...)
	}

	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return fmt.Errorf("decoding JPEG tile: %w", err)
	}

	bounds := img.Bounds()
	channels := int(ifd.SamplesPerPixel)
	elemSize := dt.Size()
	rowBytes := bounds.Dx() * channels * elemSize
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			rr, gg, bb, aa := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			vals := [4]uint8{uint8(rr >> 8), uint8(gg >> 8), uint8(bb >> 8), uint8(aa >> 8)}
			off := y*rowBytes + x*channels*elemSize
			for c := 0; c < channels && c < 4; c++ {
				if dt == cache.FLOAT {
					putLEFloat32(dst[off+c*4:off+c*4+4], float32(vals[c])/255)
				} else {
					dst[off+c] = vals[c]
				}
			}
		}
	}
	return nil
}

const (
	compressionNone = 1
	compressionLZW  = 5
	compressionJPEG = 7
)

func bytesLEFloat32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func putLEFloat32(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}
