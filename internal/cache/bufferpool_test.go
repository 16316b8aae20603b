package cache

import "testing"

func TestGetTileBufferSizeAndZeroed(t *testing.T) {
	buf := getTileBuffer(128)
	if len(buf) != 128 {
		t.Fatalf("len(buf) = %d, want 128", len(buf))
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("buf[%d] = %d, want 0", i, b)
		}
	}
}

func TestBufferPoolReuse(t *testing.T) {
	buf := getTileBuffer(256)
	for i := range buf {
		buf[i] = 0xFF
	}
	putTileBuffer(buf)

	reused := getTileBuffer(256)
	if len(reused) != 256 {
		t.Fatalf("len(reused) = %d, want 256", len(reused))
	}
	for i, b := range reused {
		if b != 0 {
			t.Fatalf("reused[%d] = %d, want 0 (buffer should be cleared before reuse)", i, b)
		}
	}
}

func TestPutTileBufferIgnoresEmpty(t *testing.T) {
	// Must not panic on a zero-length buffer.
	putTileBuffer(nil)
	putTileBuffer([]byte{})
}
