package cache

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// sharedRegistry guards the process-wide singleton cache pointer. Callers
// explicitly opt in via NewShared; destroying a shared handle never
// destroys the underlying instance.
var sharedRegistry struct {
	mu       sync.Mutex
	instance *Cache
	refs     int
}

// Cache is the façade: configuration, query entry points, statistics
// merging, and error buffering.
type Cache struct {
	cfgMu sync.RWMutex
	cfg   Config

	debugBuild bool

	open OpenFunc

	files *FileTable
	tiles *TileTable

	clientsMu         sync.Mutex
	clients           map[ClientID]*PerThreadInfo
	nextClientID      atomic.Int64
	closedClientStats Snapshot

	errBufs sync.Map // int64 goroutine id -> *errorBuffer

	isShared bool
}

// New creates a fresh, unshared Cache.
func New(open OpenFunc) *Cache {
	cfg := DefaultConfig()
	c := &Cache{
		cfg:     cfg,
		open:    open,
		files:   newFileTable(),
		tiles:   newTileTable(),
		clients: make(map[ClientID]*PerThreadInfo),
	}
	c.tiles.setBudget(cfg.MaxMemoryBytes)
	return c
}

// NewShared returns the process-wide singleton, creating it on first call.
func NewShared(open OpenFunc) *Cache {
	sharedRegistry.mu.Lock()
	defer sharedRegistry.mu.Unlock()
	if sharedRegistry.instance == nil {
		sharedRegistry.instance = New(open)
		sharedRegistry.instance.isShared = true
	}
	sharedRegistry.refs++
	return sharedRegistry.instance
}

// Close releases a Cache handle. For a shared instance this only
// decrements the reference count; the underlying instance is never
// destroyed out from under other holders.
func (c *Cache) Close() {
	if c.isShared {
		sharedRegistry.mu.Lock()
		sharedRegistry.refs--
		release := sharedRegistry.refs <= 0
		if release {
			sharedRegistry.instance = nil
		}
		sharedRegistry.mu.Unlock()
		if !release {
			return
		}
	}

	if c.snapshotConfig().StatisticsLevel > 0 {
		fmt.Fprint(os.Stderr, c.StatisticsReport())
	}
}

func (c *Cache) snapshotConfig() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *Cache) stats() *Stats {
	// Always the package-level anonStats block, never a client's own
	// block: the file-level counters recorded by CachedFile and FileTable
	// (opens, tile reads, I/O time, file evictions) all land here, and
	// Statistics() folds anonStats into its merged total.
	return &anonStats
}

var anonStats Stats

// NewClient creates and registers a new PerThreadInfo: a per-goroutine
// handle standing in for native thread-local storage. Call once per worker
// goroutine and reuse the handle across calls to get the micro-cache
// benefit.
func (c *Cache) NewClient() *PerThreadInfo {
	pti := &PerThreadInfo{id: ClientID(c.nextClientID.Add(1))}
	pti.shared.Store(true)
	c.clientsMu.Lock()
	c.clients[pti.id] = pti
	c.clientsMu.Unlock()
	return pti
}

// ReleaseClient unregisters a PerThreadInfo, folding its final stats into
// the cache's historical totals so Statistics() stays exact after release.
func (c *Cache) ReleaseClient(pti *PerThreadInfo) {
	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()
	if _, ok := c.clients[pti.id]; !ok {
		return
	}
	delete(c.clients, pti.id)
	c.closedClientStats = c.closedClientStats.add(pti.stats.snapshot())
}

func (c *Cache) appendError(msg string) {
	gid := currentGoroutineID()
	b, _ := c.errBufs.LoadOrStore(gid, &errorBuffer{})
	b.(*errorBuffer).append(msg)
}

// GetError atomically returns and clears the calling goroutine's
// accumulated error message.
func (c *Cache) GetError() string {
	gid := currentGoroutineID()
	v, ok := c.errBufs.Load(gid)
	if !ok {
		return ""
	}
	return v.(*errorBuffer).getClear()
}

func (c *Cache) resolvePath(filename string) (string, error) {
	if _, err := os.Stat(filename); err == nil {
		return filename, nil
	}
	for _, dir := range c.snapshotConfig().SearchPath {
		candidate := dir + string(os.PathSeparator) + filename
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: %w", filename, ErrFileNotFound)
}

func (c *Cache) statModTime(path string) (time.Time, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return fi.ModTime(), true
}

func (c *Cache) openReader(path string) (ImageReader, ImageSpec, error) {
	if c.open == nil {
		return nil, ImageSpec{}, fmt.Errorf("no reader registered: %w", ErrOpenFailure)
	}
	return c.open(path)
}

// GetImageSpec finds the file, validates the subimage index, and copies the
// spec.
func (c *Cache) GetImageSpec(filename string, subimage int) (ImageSpec, error) {
	anonStats.ImageSpecCalls.Add(1)
	cf, err := c.files.findOrOpen(c, filename)
	if err != nil {
		c.appendError(err.Error())
		return ImageSpec{}, err
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.broken.Load() {
		err := fmt.Errorf("%s: %w", filename, ErrOpenFailure)
		c.appendError(err.Error())
		return ImageSpec{}, err
	}
	if subimage < 0 || subimage >= len(cf.subimages) {
		err := fmt.Errorf("subimage %d: %w", subimage, ErrBadArg)
		c.appendError(err.Error())
		return ImageSpec{}, err
	}
	return cf.subimages[subimage], nil
}

// GetImageInfo returns well-known metadata or forwards to generic attribute
// lookup on subimage 0.
func (c *Cache) GetImageInfo(filename, dataname string) (any, error) {
	cf, err := c.files.findOrOpen(c, filename)
	if err != nil {
		return nil, err
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if len(cf.subimages) == 0 {
		return nil, fmt.Errorf("%s: %w", filename, ErrOpenFailure)
	}
	spec := &cf.subimages[0]

	switch dataname {
	case "resolution":
		return [2]int{spec.Width, spec.Height}, nil
	case "texturetype":
		if cf.cubeLayout != "" {
			return "Cube Face Environment", nil
		}
		return "Plain Texture", nil
	case "textureformat":
		if v, ok := spec.GetAttribute("textureformat"); ok {
			return v, nil
		}
		return "", nil
	case "fileformat":
		return cf.fileformat, nil
	case "channels":
		return spec.NChannels, nil
	case "format":
		return spec.Format.String(), nil
	case "cachedformat":
		return cf.datatype.String(), nil
	default:
		if v, ok := spec.GetAttribute(dataname); ok {
			if n, ok := v.(int); ok {
				return float64(n), nil
			}
			return v, nil
		}
		return nil, fmt.Errorf("%s: %w", dataname, ErrBadArg)
	}
}

// GetPixels copies the requested voxel range into out, channel-interleaved
// row-major, tile by tile. Missing or invalid tiles produce zero-filled
// voxels but do not abort the call; overall success is the logical AND of
// per-tile outcomes.
func (c *Cache) GetPixels(pti *PerThreadInfo, filename string, subimage int,
	xbegin, xend, ybegin, yend, zbegin, zend int, format DataType, out []byte) (bool, error) {

	cf, err := c.files.findOrOpen(c, filename)
	if err != nil {
		c.appendError(err.Error())
		return false, err
	}
	return c.getPixelsFromFile(pti, cf, subimage, xbegin, xend, ybegin, yend, zbegin, zend, format, out)
}

func (c *Cache) getPixelsFromFile(pti *PerThreadInfo, cf *CachedFile, subimage int,
	xbegin, xend, ybegin, yend, zbegin, zend int, format DataType, out []byte) (bool, error) {

	pti.stats.GetPixelsCalls.Add(1)
	pti.checkPurge()

	cf.mu.Lock()
	if cf.broken.Load() || subimage < 0 || subimage >= len(cf.subimages) {
		cf.mu.Unlock()
		err := fmt.Errorf("%s: %w", cf.filename, ErrBadArg)
		c.appendError(err.Error())
		return false, err
	}
	spec := cf.subimages[subimage]
	cf.mu.Unlock()

	channels := spec.NChannels
	elemSize := format.Size()
	outRowBytes := (xend - xbegin) * channels * elemSize

	allOK := true
	for z := zbegin; z < zend; z++ {
		for y := ybegin; y < yend; y++ {
			for x := xbegin; x < xend; x++ {
				tileX := (x / spec.TileWidth) * spec.TileWidth
				tileY := (y / spec.TileHeight) * spec.TileHeight
				tileZ := z
				if spec.TileDepth > 1 {
					tileZ = (z / spec.TileDepth) * spec.TileDepth
				}
				id := TileID{FileKey: cf.filename, Subimage: subimage, X: tileX, Y: tileY, Z: tileZ}

				t, ok := c.tiles.findTile(c, id, pti, &spec, cf)
				outOff := (z-zbegin)*(yend-ybegin)*outRowBytes + (y-ybegin)*outRowBytes + (x-xbegin)*channels*elemSize
				dst := out[outOff : outOff+channels*elemSize]

				if !ok || !t.Valid() {
					clear(dst)
					allOK = false
					continue
				}

				localX, localY, localZ := x-tileX, y-tileY, z-tileZ
				tileRowBytes := spec.TileWidth * channels * elemSize
				tilePlaneBytes := tileRowBytes * spec.TileHeight
				srcOff := localZ*tilePlaneBytes + localY*tileRowBytes + localX*channels*elemSize
				pixels := t.Pixels()
				srcElemSize := cf.datatype.Size()
				if srcElemSize == elemSize && cf.datatype == format {
					copy(dst, pixels[srcOff:srcOff+channels*elemSize])
				} else {
					convertChannels(dst, format, pixels[srcOff:], cf.datatype, channels)
				}
			}
		}
	}
	return allOK, nil
}

// getPixelsInto is the internal single-or-small-rect helper readUnmipped
// uses to recurse into the finer subimage of the same CachedFile, bypassing
// filename resolution since the CachedFile is already in hand.
func (c *Cache) getPixelsInto(cf *CachedFile, subimage, x, y, z, w, h, d int, format DataType, out []byte) (bool, error) {
	scratchPTI := &PerThreadInfo{}
	ok, err := c.getPixelsFromFile(scratchPTI, cf, subimage, x, x+w, y, y+h, z, z+d, format, out)
	anonStats.foldFrom(scratchPTI.stats.snapshot())
	return ok, err
}

// convertChannels copies channels channels from src (in srcType) into dst
// (in dstType), doing the one implicit numeric conversion supported
// (UINT8<->FLOAT), channel by channel.
func convertChannels(dst []byte, dstType DataType, src []byte, srcType DataType, channels int) {
	for c := 0; c < channels; c++ {
		var v float32
		if srcType == FLOAT {
			v = bytesToFloat32(src[c*4 : c*4+4])
		} else {
			v = float32(src[c]) / 255
		}
		if dstType == FLOAT {
			putFloat32(dst[c*4:c*4+4], v)
		} else {
			iv := int32(v*255 + 0.5)
			if iv < 0 {
				iv = 0
			}
			if iv > 255 {
				iv = 255
			}
			dst[c] = byte(iv)
		}
	}
}

// GetTile resolves through the main tile table (bypassing the micro-cache),
// bumps refcount by one, and returns an opaque handle.
func (c *Cache) GetTile(filename string, subimage, x, y, z int) (*CachedTile, error) {
	cf, err := c.files.findOrOpen(c, filename)
	if err != nil {
		return nil, err
	}
	cf.mu.Lock()
	if cf.broken.Load() || subimage < 0 || subimage >= len(cf.subimages) {
		cf.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", filename, ErrBadArg)
	}
	spec := cf.subimages[subimage]
	cf.mu.Unlock()

	tileX := (x / spec.TileWidth) * spec.TileWidth
	tileY := (y / spec.TileHeight) * spec.TileHeight
	tileZ := z
	if spec.TileDepth > 1 {
		tileZ = (z / spec.TileDepth) * spec.TileDepth
	}
	id := TileID{FileKey: filename, Subimage: subimage, X: tileX, Y: tileY, Z: tileZ}
	return c.tiles.getTile(c, id, &spec, cf)
}

// ReleaseTile decrements the refcount.
func (c *Cache) ReleaseTile(t *CachedTile) {
	c.tiles.releaseTile(t)
}

// TilePixels exposes the raw buffer, laid out in the owning file's cached
// datatype. The element type is not returned, and dt is not used.
func (c *Cache) TilePixels(t *CachedTile, dt DataType) []byte {
	return t.Pixels()
}

// Invalidate closes and resets filename, drops all of its cached tiles, and
// sets every PerThreadInfo's purge flag.
func (c *Cache) Invalidate(filename string) {
	c.files.invalidate(c, filename)

	c.clientsMu.Lock()
	for _, pti := range c.clients {
		pti.purge.Store(true)
	}
	c.clientsMu.Unlock()
}

// MemUsed returns the total resident tile bytes across the whole cache.
func (c *Cache) MemUsed() int64 { return c.tiles.MemUsed() }

// InvalidateAll invalidates every file whose mtime changed (or all, when
// force), clears the fingerprint table, and sets all purge flags.
func (c *Cache) InvalidateAll(force bool) {
	c.files.invalidateAll(c, force)

	c.clientsMu.Lock()
	for _, pti := range c.clients {
		pti.purge.Store(true)
	}
	c.clientsMu.Unlock()
}
