package cache

import (
	"fmt"
	"sync/atomic"
	"time"
)

// fileStats are the per-file counters the statistics:level >= 2 report
// dumps. Mutated only while the file's own mutex is held, so plain ints
// suffice.
type fileStats struct {
	opens     int64
	bytesRead int64
	tilesRead int64
	ioTime    int64 // nanoseconds
}

// CachedFile is one per referenced file. It owns an ImageReader, the
// per-subimage ImageSpec list, per-file statistics, a recursive mutex, and
// the synthesis routines for untiled and unmipped sources.
type CachedFile struct {
	filename   string
	fileformat string
	modTime    time.Time

	mu     recursiveMutex
	reader ImageReader

	broken   atomic.Bool
	untiled  bool
	unmipped bool
	datatype DataType

	fingerprint string
	duplicate   atomic.Pointer[CachedFile]

	subimages       []ImageSpec
	subimageTouched []bool

	// sampling-convention attributes, parsed at open time, used for
	// fingerprint-equivalence comparison (cubeLayout also decides
	// GetImageInfo's "texturetype") — the sampling engine itself is out of
	// scope.
	swrap, twrap string
	cubeLayout   string
	yUp          bool

	used atomic.Bool

	stats fileStats

	cache *Cache // non-owning: the cache outlives every CachedFile
}

func newCachedFile(cache *Cache, filename string) *CachedFile {
	return &CachedFile{filename: filename, cache: cache}
}

func (cf *CachedFile) duplicateOf() *CachedFile { return cf.duplicate.Load() }

// canonical follows the duplicate chain (at most one hop — duplicate chains
// are never more than one link deep).
func (cf *CachedFile) canonical() *CachedFile {
	if d := cf.duplicate.Load(); d != nil {
		return d
	}
	return cf
}

// Broken reports the sticky broken flag.
func (cf *CachedFile) Broken() bool { return cf.broken.Load() }

func (cf *CachedFile) markBroken(err error) error {
	cf.broken.Store(true)
	if err != nil {
		cf.cache.appendError(err.Error())
	}
	return err
}

// Subimages returns the current subimage spec list. Caller must hold cf.mu
// or accept a torn read is harmless (specs are only replaced wholesale under
// invalidate, never mutated field-by-field after open).
func (cf *CachedFile) Subimages() []ImageSpec { return cf.subimages }

// open ensures the file has an open reader and a parsed spec list. May only
// be called while holding cf.mu.
func (cf *CachedFile) open() error {
	if cf.reader != nil {
		return nil
	}
	if cf.broken.Load() {
		return fmt.Errorf("%s: %w", cf.filename, ErrOpenFailure)
	}

	path, err := cf.cache.resolvePath(cf.filename)
	if err != nil {
		return cf.markBroken(fmt.Errorf("%s: %w", cf.filename, ErrFileNotFound))
	}

	reader, spec0, err := cf.cache.openReader(path)
	if err != nil {
		return cf.markBroken(fmt.Errorf("%s: %w: %v", cf.filename, ErrOpenFailure, err))
	}

	cf.fileformat = reader.FormatName()
	if mt, ok := cf.cache.statModTime(path); ok {
		cf.modTime = mt
	}

	subimages := []ImageSpec{spec0}
	for idx := 1; ; idx++ {
		spec, ok := reader.SeekSubimage(idx)
		if !ok {
			break
		}
		if spec.NChannels != spec0.NChannels {
			reader.Close()
			return cf.markBroken(fmt.Errorf("%s: subimage %d channel count %d != %d: %w",
				cf.filename, idx, spec.NChannels, spec0.NChannels, ErrBadSubimage))
		}
		subimages = append(subimages, spec)
	}
	reader.SeekSubimage(0)

	cfg := cf.cache.snapshotConfig()

	anyUntiled := false
	for i := range subimages {
		s := &subimages[i]
		if s.TileWidth == 0 || s.TileHeight == 0 {
			anyUntiled = true
			if cfg.Autotile > 0 {
				s.TileWidth, s.TileHeight, s.TileDepth = cfg.Autotile, cfg.Autotile, 1
			} else {
				s.TileWidth = int(pow2Ceil(uint32(s.Width)))
				s.TileHeight = int(pow2Ceil(uint32(s.Height)))
				s.TileDepth = 1
			}
		} else if s.TileDepth == 0 {
			s.TileDepth = 1
		}
	}
	cf.untiled = anyUntiled

	if anyUntiled && subimages[0].Depth > 1 {
		// 3-D volumetric autotile-untiled inputs are unsupported.
		reader.Close()
		return cf.markBroken(fmt.Errorf("%s: volumetric untiled source: %w", cf.filename, ErrBadArg))
	}

	if len(subimages) == 1 {
		cf.unmipped = true
		_, hasTextureFormat := subimages[0].GetAttribute("textureformat")
		if cfg.Automip && anyUntiled && !hasTextureFormat {
			subimages = synthesizeMipChain(subimages[0], cfg.Autotile)
		}
	}

	if anyUntiled && !cfg.AcceptUntiled {
		reader.Close()
		return cf.markBroken(fmt.Errorf("%s: %w", cf.filename, ErrRejectUntiled))
	}

	cf.parseTextureAttributes(&subimages[0])
	cf.fingerprint = parseFingerprint(&subimages[0])

	if !cfg.ForceFloat && subimages[0].Format == UINT8 {
		cf.datatype = UINT8
	} else {
		cf.datatype = FLOAT
	}

	cf.subimages = subimages
	cf.subimageTouched = make([]bool, len(subimages))
	cf.reader = reader
	cf.stats.opens++
	cf.cache.stats().FilesTotalOpens.Add(1)
	if cf.stats.opens == 1 {
		cf.cache.stats().FilesOpened.Add(1)
	}
	cf.cache.files.openCount.Add(1)
	cf.used.Store(true)
	return nil
}

// synthesizeMipChain builds subimage specs for a synthesized MIP pyramid
// over an untiled, unmipped base level, halving full width/height down to
// 1x1. Tile dims of synthesized levels follow the same autotile-or-
// whole-level policy as the base, rounded up to a power of two.
func synthesizeMipChain(base ImageSpec, autotile int) []ImageSpec {
	levels := []ImageSpec{base}
	w, h := base.Width, base.Height
	for w > 1 || h > 1 {
		w = max(1, w/2)
		h = max(1, h/2)
		lvl := base
		lvl.Width, lvl.Height = w, h
		lvl.FullWidth, lvl.FullHeight = w, h
		lvl.X, lvl.Y, lvl.Z = 0, 0, 0
		if autotile > 0 {
			lvl.TileWidth = int(pow2Ceil(uint32(min(autotile, w))))
			lvl.TileHeight = int(pow2Ceil(uint32(min(autotile, h))))
		} else {
			lvl.TileWidth = int(pow2Ceil(uint32(w)))
			lvl.TileHeight = int(pow2Ceil(uint32(h)))
		}
		lvl.TileDepth = 1
		lvl.Attrs = nil
		levels = append(levels, lvl)
	}
	return levels
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// release closes the reader, keeping the CachedFile entry and its already
// parsed subimage specs in the FileTable — the clock-sweep counterpart used
// by FileTable.checkMaxFiles.
func (cf *CachedFile) release() {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.reader != nil {
		cf.reader.Close()
		cf.reader = nil
		cf.cache.files.openCount.Add(-1)
	}
}

// invalidate closes the reader, clears the spec and fingerprint, and resets
// broken so the next access reopens fresh.
func (cf *CachedFile) invalidate() {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.reader != nil {
		cf.reader.Close()
		cf.reader = nil
		cf.cache.files.openCount.Add(-1)
	}
	cf.subimages = nil
	cf.subimageTouched = nil
	cf.fingerprint = ""
	cf.duplicate.Store(nil)
	cf.broken.Store(false)
	cf.untiled = false
	cf.unmipped = false
}

// readTile dispatches a tile read for (subimage,x,y,z) into out, which must
// be exactly spec.TileBytes(cf.datatype) long. Acquires cf.mu for the whole
// call — the recursion supports readUntiled's sibling-tile insertion and
// readUnmipped's re-entrant GetPixels call.
func (cf *CachedFile) readTile(subimage, x, y, z int, out []byte) (bool, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if err := cf.open(); err != nil {
		return false, err
	}
	if subimage < 0 || subimage >= len(cf.subimages) {
		return false, fmt.Errorf("subimage %d: %w", subimage, ErrBadArg)
	}
	if subimage < len(cf.subimageTouched) {
		cf.subimageTouched[subimage] = true
	}

	spec := &cf.subimages[subimage]

	if subimage >= 1 && cf.isSynthesizedMip(subimage) {
		return cf.readUnmipped(subimage, x, y, z, out)
	}
	if cf.untiled {
		return cf.readUntiled(subimage, x, y, z, out)
	}
	return cf.readOrdinaryTile(spec, subimage, x, y, z, out)
}

// isSynthesizedMip reports whether this subimage index is a synthesized MIP
// level rather than one the codec produced natively.
func (cf *CachedFile) isSynthesizedMip(subimage int) bool {
	return cf.unmippedSynthesized() && subimage > 0
}

func (cf *CachedFile) unmippedSynthesized() bool {
	// A file is only mip-synthesized if it was natively unmipped (a
	// single codec-reported subimage) yet now reports more than one.
	return cf.unmipped
}

func (cf *CachedFile) readOrdinaryTile(spec *ImageSpec, subimage, x, y, z int, out []byte) (bool, error) {
	if cf.reader.CurrentSubimage() != subimage {
		if _, ok := cf.reader.SeekSubimage(subimage); !ok {
			return false, fmt.Errorf("%s: seek subimage %d: %w", cf.filename, subimage, ErrReadFailure)
		}
	}

	start := time.Now()
	err := cf.reader.ReadTile(x, y, z, cf.datatype, out)
	elapsed := time.Since(start)
	cf.stats.ioTime += int64(elapsed)
	if err != nil {
		return false, fmt.Errorf("%s: %w: %v", cf.filename, ErrReadFailure, err)
	}
	cf.stats.tilesRead++
	cf.stats.bytesRead += int64(len(out))
	cf.cache.stats().TileIOTime.Add(int64(elapsed))
	cf.cache.stats().TilesRead.Add(1)
	cf.cache.stats().BytesRead.Add(int64(len(out)))
	return true, nil
}

// readUntiled synthesizes tile-sized rectangles out of a scanline source.
func (cf *CachedFile) readUntiled(subimage, x, y, z int, out []byte) (bool, error) {
	spec := &cf.subimages[subimage]
	if cf.reader.CurrentSubimage() != subimage {
		if _, ok := cf.reader.SeekSubimage(subimage); !ok {
			return false, fmt.Errorf("%s: seek subimage %d: %w", cf.filename, subimage, ErrReadFailure)
		}
	}

	cfg := cf.cache.snapshotConfig()

	if cfg.Autotile == 0 {
		// Read the whole image in one call. Exactly one tile covers the
		// whole image in this mode, but its dimensions are rounded up to
		// powers of two, so when the tile row is wider than an image row
		// the image is read into a scratch buffer and copied row by row
		// at the tile's row stride (the padding stays zero).
		imgRowBytes := spec.Width * spec.NChannels * cf.datatype.Size()
		tileRowBytes := spec.TileWidth * spec.NChannels * cf.datatype.Size()
		img := out
		if imgRowBytes != tileRowBytes {
			img = make([]byte, imgRowBytes*spec.Height)
		}
		start := time.Now()
		err := cf.reader.ReadImage(cf.datatype, img)
		elapsed := time.Since(start)
		cf.stats.ioTime += int64(elapsed)
		if err != nil {
			return false, fmt.Errorf("%s: %w: %v", cf.filename, ErrReadFailure, err)
		}
		if imgRowBytes != tileRowBytes {
			for row := 0; row < spec.Height; row++ {
				copy(out[row*tileRowBytes:], img[row*imgRowBytes:(row+1)*imgRowBytes])
			}
		}
		cf.stats.tilesRead++
		cf.stats.bytesRead += int64(len(out))
		cf.cache.stats().TileIOTime.Add(int64(elapsed))
		cf.cache.stats().TilesRead.Add(1)
		cf.cache.stats().BytesRead.Add(int64(len(out)))
		return true, nil
	}

	tw, th := spec.TileWidth, spec.TileHeight
	stripY0 := (y / th) * th
	stripRows := th
	if stripY0+stripRows > spec.Height {
		stripRows = spec.Height - stripY0
	}
	stripWidth := ((spec.Width + tw - 1) / tw) * tw
	channels := spec.NChannels
	elemSize := cf.datatype.Size()
	rowBytes := stripWidth * channels * elemSize

	strip := getTileBuffer(rowBytes * stripRows)
	defer putTileBuffer(strip)

	start := time.Now()
	for row := 0; row < stripRows; row++ {
		rowBuf := strip[row*rowBytes : (row+1)*rowBytes]
		if err := cf.reader.ReadScanline(stripY0+row, z, cf.datatype, rowBuf[:spec.Width*channels*elemSize]); err != nil {
			cf.stats.ioTime += int64(time.Since(start))
			return false, fmt.Errorf("%s: %w: %v", cf.filename, ErrReadFailure, err)
		}
	}
	elapsed := time.Since(start)
	cf.stats.ioTime += int64(elapsed)
	cf.stats.tilesRead++
	cf.stats.bytesRead += int64(rowBytes * stripRows)
	cf.cache.stats().TileIOTime.Add(int64(elapsed))
	cf.cache.stats().TilesRead.Add(1)
	cf.cache.stats().BytesRead.Add(int64(rowBytes * stripRows))

	requestedTileX := (x / tw) * tw
	extractTileFromStrip(out, strip, requestedTileX, rowBytes, tw, th, stripRows, channels, elemSize)

	// For every other tile in the same strip not already cached, build a
	// CachedTile from the strip buffer and insert it: one scanline read
	// amortizes across the whole tile row.
	tilesAcross := (spec.Width + tw - 1) / tw
	for col := 0; col < tilesAcross; col++ {
		tileX := col * tw
		if tileX == (x/tw)*tw {
			continue
		}
		id := TileID{FileKey: cf.filename, Subimage: subimage, X: tileX, Y: stripY0, Z: z}
		if cf.cache.tiles.contains(id) {
			continue
		}
		buf := getTileBuffer(spec.TileBytes(cf.datatype))
		extractTileFromStrip(buf, strip, tileX, rowBytes, tw, th, stripRows, channels, elemSize)
		cf.cache.tiles.addTileToCache(newCachedTile(id, buf, true))
	}

	return true, nil
}

// extractTileFromStrip copies the tw x th window starting at column tileX
// out of a horizontal strip buffer into dst, zero-filling rows beyond
// stripRows (the bottom partial tile of the image).
func extractTileFromStrip(dst, strip []byte, tileX, rowBytes, tw, th, stripRows, channels, elemSize int) {
	tileRowBytes := tw * channels * elemSize
	colOff := tileX * channels * elemSize
	for row := 0; row < th; row++ {
		dstRow := dst[row*tileRowBytes : (row+1)*tileRowBytes]
		if row >= stripRows {
			clear(dstRow)
			continue
		}
		srcRow := strip[row*rowBytes+colOff:]
		n := tileRowBytes
		if n > len(srcRow) {
			n = len(srcRow)
		}
		copy(dstRow, srcRow[:n])
		if n < tileRowBytes {
			clear(dstRow[n:])
		}
	}
}

// readUnmipped recursively resamples the next-finer subimage to build a
// synthesized MIP level. This recurses through the cache's own GetPixels,
// so a deeply-synthesized level is ultimately built from subimage-0 tiles.
func (cf *CachedFile) readUnmipped(subimage, x, y, z int, out []byte) (bool, error) {
	thisSpec := &cf.subimages[subimage]
	finerSpec := &cf.subimages[subimage-1]

	tw, th := thisSpec.TileWidth, thisSpec.TileHeight
	channels := thisSpec.NChannels
	elemSize := cf.datatype.Size()

	scratch := make([]float32, tw*th*channels)

	neighborhood := make([]byte, 4*channels*elemSize)

	for ty := 0; ty < th; ty++ {
		py := y + ty
		if py >= thisSpec.Height {
			continue
		}
		for tx := 0; tx < tw; tx++ {
			px := x + tx
			if px >= thisSpec.Width {
				continue
			}
			// Half-pixel-offset convention.
			xf := (float64(px)+0.5)/float64(thisSpec.Width)*float64(finerSpec.Width) - 0.5
			yf := (float64(py)+0.5)/float64(thisSpec.Height)*float64(finerSpec.Height) - 0.5

			x0 := clampi(int(floorf(xf)), 0, finerSpec.Width-1)
			y0 := clampi(int(floorf(yf)), 0, finerSpec.Height-1)
			x1 := clampi(x0+1, 0, finerSpec.Width-1)
			y1 := clampi(y0+1, 0, finerSpec.Height-1)
			fx := xf - floorf(xf)
			fy := yf - floorf(yf)

			ok00, _ := cf.cache.getPixelsInto(cf, subimage-1, x0, y0, z, 1, 1, 1, cf.datatype, neighborhood[0:channels*elemSize])
			ok10, _ := cf.cache.getPixelsInto(cf, subimage-1, x1, y0, z, 1, 1, 1, cf.datatype, neighborhood[channels*elemSize:2*channels*elemSize])
			ok01, _ := cf.cache.getPixelsInto(cf, subimage-1, x0, y1, z, 1, 1, 1, cf.datatype, neighborhood[2*channels*elemSize:3*channels*elemSize])
			ok11, _ := cf.cache.getPixelsInto(cf, subimage-1, x1, y1, z, 1, 1, 1, cf.datatype, neighborhood[3*channels*elemSize:4*channels*elemSize])
			_ = ok00 && ok10 && ok01 && ok11

			for c := 0; c < channels; c++ {
				v00 := sampleChannel(neighborhood[0:channels*elemSize], c, cf.datatype)
				v10 := sampleChannel(neighborhood[channels*elemSize:2*channels*elemSize], c, cf.datatype)
				v01 := sampleChannel(neighborhood[2*channels*elemSize:3*channels*elemSize], c, cf.datatype)
				v11 := sampleChannel(neighborhood[3*channels*elemSize:4*channels*elemSize], c, cf.datatype)
				top := v00*(1-float32(fx)) + v10*float32(fx)
				bot := v01*(1-float32(fx)) + v11*float32(fx)
				scratch[(ty*tw+tx)*channels+c] = top*(1-float32(fy)) + bot*float32(fy)
			}
		}
	}

	writeScratchInto(out, scratch, tw, th, channels, cf.datatype)
	cf.stats.tilesRead++
	cf.stats.bytesRead += int64(len(out))
	cf.cache.stats().TilesRead.Add(1)
	cf.cache.stats().BytesRead.Add(int64(len(out)))
	return true, nil
}

func floorf(v float64) float64 {
	i := int(v)
	if v < 0 && float64(i) != v {
		i--
	}
	return float64(i)
}

func clampi(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sampleChannel(buf []byte, c int, dt DataType) float32 {
	off := c * dt.Size()
	if dt == FLOAT {
		return bytesToFloat32(buf[off : off+4])
	}
	return float32(buf[off])
}

func writeScratchInto(out []byte, scratch []float32, tw, th, channels int, dt DataType) {
	elemSize := dt.Size()
	for i, v := range scratch {
		off := i * elemSize
		if dt == FLOAT {
			putFloat32(out[off:off+4], v)
		} else {
			iv := int32(v + 0.5)
			if iv < 0 {
				iv = 0
			}
			if iv > 255 {
				iv = 255
			}
			out[off] = byte(iv)
		}
	}
}
