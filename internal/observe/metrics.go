// Package observe wires the cache's statistics into OpenTelemetry, the same
// way a tool-execution counter wires call statistics into a Meter.
package observe

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/pspoerri/imagecache/internal/cache"
)

// StatsSource is the subset of *cache.Cache this package depends on, kept
// narrow so tests can supply a fake snapshot provider.
type StatsSource interface {
	Statistics() cache.Snapshot
}

// Sink publishes a Cache's statistics as OpenTelemetry observable
// instruments, polled once per collection cycle.
type Sink struct {
	provider *sdkmetric.MeterProvider
}

// NewSink builds a MeterProvider wired to the named exporter (stdout,
// prometheus, or none) and registers callbacks that read src.Statistics() on
// every collection.
func NewSink(exporter string, src StatsSource) (*Sink, error) {
	reader, err := newReader(exporter)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("imagecache")

	if err := registerObservables(meter, src); err != nil {
		return nil, fmt.Errorf("observe: registering instruments: %w", err)
	}

	return &Sink{provider: provider}, nil
}

func newReader(exporter string) (sdkmetric.Reader, error) {
	switch exporter {
	case "stdout":
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("observe: stdout exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	case "prometheus":
		exp, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
		return exp, nil
	case "none", "":
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(io.Discard))
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	default:
		return nil, fmt.Errorf("observe: unknown metrics exporter %q", exporter)
	}
}

func registerObservables(meter metric.Meter, src StatsSource) error {
	findTile, err := meter.Int64ObservableCounter("imagecache.find_tile.calls",
		metric.WithDescription("find_tile invocations"))
	if err != nil {
		return err
	}
	microHits, err := meter.Int64ObservableCounter("imagecache.find_tile.microcache_hits",
		metric.WithDescription("find_tile resolved from the per-client micro-cache"))
	if err != nil {
		return err
	}
	misses, err := meter.Int64ObservableCounter("imagecache.find_tile.misses",
		metric.WithDescription("find_tile that required a tile-table lookup or read"))
	if err != nil {
		return err
	}
	bytesRead, err := meter.Int64ObservableCounter("imagecache.io.bytes_read",
		metric.WithDescription("bytes read from underlying image files"),
		metric.WithUnit("By"))
	if err != nil {
		return err
	}
	tilesRead, err := meter.Int64ObservableCounter("imagecache.io.tiles_read",
		metric.WithDescription("tiles read from underlying image files"))
	if err != nil {
		return err
	}
	ioTime, err := meter.Int64ObservableCounter("imagecache.io.time_ns",
		metric.WithDescription("cumulative tile I/O wall time"),
		metric.WithUnit("ns"))
	if err != nil {
		return err
	}
	tilesCreated, err := meter.Int64ObservableCounter("imagecache.tiles.created",
		metric.WithDescription("CachedTile instances created"))
	if err != nil {
		return err
	}
	filesOpened, err := meter.Int64ObservableCounter("imagecache.files.opened",
		metric.WithDescription("distinct files opened"))
	if err != nil {
		return err
	}
	getPixels, err := meter.Int64ObservableCounter("imagecache.get_pixels.calls",
		metric.WithDescription("GetPixels invocations"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := src.Statistics()
		o.ObserveInt64(findTile, s.FindTileCalls)
		o.ObserveInt64(microHits, s.FindTileMicrocacheHits)
		o.ObserveInt64(misses, s.FindTileMisses)
		o.ObserveInt64(bytesRead, s.BytesRead)
		o.ObserveInt64(tilesRead, s.TilesRead)
		o.ObserveInt64(ioTime, s.TileIOTime)
		o.ObserveInt64(tilesCreated, s.TilesCreated)
		o.ObserveInt64(filesOpened, s.FilesOpened)
		o.ObserveInt64(getPixels, s.GetPixelsCalls)
		return nil
	}, findTile, microHits, misses, bytesRead, tilesRead, ioTime, tilesCreated, filesOpened, getPixels)
	return err
}

// Shutdown flushes and stops the underlying MeterProvider.
func (s *Sink) Shutdown(ctx context.Context) error {
	return s.provider.Shutdown(ctx)
}
