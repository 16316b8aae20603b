package cache

// ImageReader is the codec-plugin capability the cache consumes. Concrete
// implementations live in internal/imageio; the cache package only depends
// on this interface, never on a concrete plugin, so the codec layer stays a
// pluggable collaborator.
//
// All methods are called exclusively while the owning CachedFile's mutex is
// held.
type ImageReader interface {
	SeekSubimage(index int) (ImageSpec, bool)
	CurrentSubimage() int
	ReadTile(x, y, z int, format DataType, buf []byte) error
	ReadScanline(y, z int, format DataType, buf []byte) error
	ReadImage(format DataType, buf []byte) error
	Close() error
	FormatName() string
}

// OpenFunc opens a file by path and returns a ready-to-use reader positioned
// at subimage 0, plus that subimage's spec. Split out as a standalone func
// so a Cache holds a single opener (internal/imageio.Open dispatches by file
// extension) without this package importing the concrete codec plugins.
type OpenFunc func(path string) (ImageReader, ImageSpec, error)
