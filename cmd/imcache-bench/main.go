// Command imcache-bench hammers a set of files with concurrent GetPixels
// calls to exercise the cache's eviction and micro-cache paths under load,
// printing throughput and the final statistics report. Uses
// golang.org/x/sync/errgroup rather than a hand-rolled WaitGroup plus error
// channel, since every worker here runs the same unbounded loop and a
// single I/O error should cancel the whole run promptly.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pspoerri/imagecache/internal/cache"
	"github.com/pspoerri/imagecache/internal/imageio"
)

func main() {
	var (
		workers  = flag.Int("workers", 8, "concurrent client goroutines")
		duration = flag.Duration("duration", 5*time.Second, "how long to run")
		maxMemMB = flag.Float64("max-memory-mb", 0, "override max_memory_MB (0 = default)")
	)
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "usage: imcache-bench [flags] <file> [file...]\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	c := cache.New(imageio.Open)
	defer c.Close()
	if err := c.SetAttribute("statistics:level", 2); err != nil {
		fmt.Fprintf(os.Stderr, "SetAttribute: %v\n", err)
	}
	if *maxMemMB > 0 {
		if err := c.SetAttribute("max_memory_MB", *maxMemMB); err != nil {
			fmt.Fprintf(os.Stderr, "SetAttribute: %v\n", err)
		}
	}

	specs := make(map[string]cache.ImageSpec)
	for _, p := range paths {
		spec, err := c.GetImageSpec(p, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p, err)
			os.Exit(1)
		}
		specs[p] = spec
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()

	for i := 0; i < *workers; i++ {
		seed := int64(i)
		g.Go(func() error {
			return runWorker(ctx, c, paths, specs, seed)
		})
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "worker error: %v\n", err)
	}

	elapsed := time.Since(start)
	s := c.Statistics()
	fmt.Printf("elapsed: %s\n", elapsed)
	fmt.Printf("GetPixels calls: %d (%.0f/s)\n", s.GetPixelsCalls, float64(s.GetPixelsCalls)/elapsed.Seconds())
	fmt.Printf("find_tile calls: %d (microcache hits %d, misses %d)\n",
		s.FindTileCalls, s.FindTileMicrocacheHits, s.FindTileMisses)
	fmt.Print(c.StatisticsReport())
}

func runWorker(ctx context.Context, c *cache.Cache, paths []string, specs map[string]cache.ImageSpec, seed int64) error {
	pti := c.NewClient()
	defer c.ReleaseClient(pti)

	rng := rand.New(rand.NewSource(seed))
	const patch = 16
	buf := make([]byte, patch*patch*4*4) // worst case: 4 channels, float32

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		path := paths[rng.Intn(len(paths))]
		spec := specs[path]
		if spec.Width <= patch || spec.Height <= patch {
			continue
		}
		x := rng.Intn(spec.Width - patch)
		y := rng.Intn(spec.Height - patch)

		n := spec.NChannels * spec.Format.Size()
		need := patch * patch * n
		if _, err := c.GetPixels(pti, path, 0, x, x+patch, y, y+patch, 0, 1, spec.Format, buf[:need]); err != nil {
			return err
		}
	}
}
