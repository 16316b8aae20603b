package observe

import (
	"context"
	"testing"

	"github.com/pspoerri/imagecache/internal/cache"
)

type fakeStatsSource struct {
	snap cache.Snapshot
}

func (f *fakeStatsSource) Statistics() cache.Snapshot { return f.snap }

func TestNewSinkNoneExporter(t *testing.T) {
	src := &fakeStatsSource{snap: cache.Snapshot{GetPixelsCalls: 42}}
	sink, err := NewSink("none", src)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	defer sink.Shutdown(context.Background())
}

func TestNewSinkStdoutExporter(t *testing.T) {
	src := &fakeStatsSource{}
	sink, err := NewSink("stdout", src)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	defer sink.Shutdown(context.Background())
}

func TestNewSinkUnknownExporter(t *testing.T) {
	src := &fakeStatsSource{}
	if _, err := NewSink("not-a-real-exporter", src); err == nil {
		t.Error("NewSink should reject an unrecognized exporter name")
	}
}

func TestSinkShutdownReturnsUnderCanceledContext(t *testing.T) {
	src := &fakeStatsSource{}
	sink, err := NewSink("none", src)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Shutdown with an already-canceled context should still return,
	// not hang.
	_ = sink.Shutdown(ctx)
}
