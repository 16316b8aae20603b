// Command imcache-info dumps what the cache would see for a single file:
// resolution, tiling, channel count, and a sample GetPixels round trip for
// every subimage — the fast way to sanity check a new file before running it
// through a real workload.
package main

import (
	"fmt"
	"os"

	"github.com/pspoerri/imagecache/internal/cache"
	"github.com/pspoerri/imagecache/internal/imageio"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: imcache-info <file> [file...]\n")
		os.Exit(1)
	}

	c := cache.New(imageio.Open)
	defer c.Close()

	exit := 0
	for _, path := range os.Args[1:] {
		if err := dumpFile(c, path); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			exit = 1
		}
	}
	os.Exit(exit)
}

func dumpFile(c *cache.Cache, path string) error {
	fmt.Printf("%s\n", path)

	for subimage := 0; ; subimage++ {
		spec, err := c.GetImageSpec(path, subimage)
		if err != nil {
			if subimage == 0 {
				return err
			}
			break
		}
		fmt.Printf("  subimage %d: %dx%d, %d channels, tile %dx%d, format %s\n",
			subimage, spec.Width, spec.Height, spec.NChannels,
			spec.TileWidth, spec.TileHeight, spec.Format)

		w, h := min(spec.Width, 4), min(spec.Height, 4)
		buf := make([]byte, w*h*spec.NChannels*spec.Format.Size())
		pti := c.NewClient()
		ok, err := c.GetPixels(pti, path, subimage, 0, w, 0, h, 0, 1, spec.Format, buf)
		c.ReleaseClient(pti)
		if err != nil {
			fmt.Printf("    GetPixels: ERROR: %v\n", err)
			continue
		}
		fmt.Printf("    GetPixels(0..%d,0..%d): ok=%v, %d bytes\n", w, h, ok, len(buf))
	}

	if fileformat, err := c.GetImageInfo(path, "fileformat"); err == nil {
		fmt.Printf("  fileformat: %v\n", fileformat)
	}

	if msg := c.GetError(); msg != "" {
		fmt.Printf("  errors: %s\n", msg)
	}
	return nil
}
