package cache

import "testing"

func TestSynthesizeMipChainHalvesToOne(t *testing.T) {
	base := ImageSpec{Width: 17, Height: 9, NChannels: 1}
	levels := synthesizeMipChain(base, 0)

	if levels[0].Width != 17 || levels[0].Height != 9 {
		t.Fatalf("level 0 = %dx%d, want 17x9 (base level must be untouched)", levels[0].Width, levels[0].Height)
	}
	last := levels[len(levels)-1]
	if last.Width != 1 || last.Height != 1 {
		t.Fatalf("last level = %dx%d, want 1x1", last.Width, last.Height)
	}
	for i := 1; i < len(levels); i++ {
		prev, cur := levels[i-1], levels[i]
		if cur.Width != max(1, prev.Width/2) || cur.Height != max(1, prev.Height/2) {
			t.Errorf("level %d = %dx%d, want halves of level %d (%dx%d)",
				i, cur.Width, cur.Height, i-1, prev.Width, prev.Height)
		}
	}
}

func TestSynthesizeMipChainAutotileCapsTileSize(t *testing.T) {
	base := ImageSpec{Width: 256, Height: 256, NChannels: 1}
	levels := synthesizeMipChain(base, 64)

	// A mip level smaller than the autotile size should still get a
	// single whole-level tile, not an oversized 64x64 tile.
	small := levels[len(levels)-2] // 2x2 level
	if small.TileWidth > small.Width && small.Width > 0 {
		t.Errorf("tile width %d exceeds level width %d", small.TileWidth, small.Width)
	}
}

func TestIsSynthesizedMip(t *testing.T) {
	cf := &CachedFile{unmipped: true}
	if cf.isSynthesizedMip(0) {
		t.Error("subimage 0 (the base level) is never a synthesized MIP")
	}
	if !cf.isSynthesizedMip(1) {
		t.Error("subimage > 0 on an unmipped file should be a synthesized MIP")
	}

	cf2 := &CachedFile{unmipped: false}
	if cf2.isSynthesizedMip(1) {
		t.Error("a natively-mipped file's subimages are never synthesized")
	}
}

func TestExtractTileFromStripZeroFillsPartialRows(t *testing.T) {
	const tw, th, channels, elemSize = 4, 4, 1, 1
	rowBytes := tw * channels * elemSize
	strip := make([]byte, rowBytes*2) // only 2 of 4 rows present
	for i := range strip {
		strip[i] = 9
	}

	dst := make([]byte, tw*th*channels*elemSize)
	extractTileFromStrip(dst, strip, 0, rowBytes, tw, th, 2, channels, elemSize)

	for row := 0; row < th; row++ {
		rowStart := row * tw
		for col := 0; col < tw; col++ {
			got := dst[rowStart+col]
			if row < 2 {
				if got != 9 {
					t.Errorf("row %d col %d = %d, want 9", row, col, got)
				}
			} else if got != 0 {
				t.Errorf("row %d col %d = %d, want 0 (beyond stripRows)", row, col, got)
			}
		}
	}
}

func TestCanonicalFollowsDuplicate(t *testing.T) {
	canon := &CachedFile{filename: "canon.tif"}
	dup := &CachedFile{filename: "dup.tif"}
	dup.duplicate.Store(canon)

	if dup.canonical() != canon {
		t.Error("canonical() should follow the duplicate pointer")
	}
	if canon.canonical() != canon {
		t.Error("canonical() on a non-duplicate should return itself")
	}
}

func TestMarkBrokenSetsFlagAndReturnsError(t *testing.T) {
	c := New(nil)
	cf := newCachedFile(c, "broken.tif")

	err := cf.markBroken(errBoom)
	if err != errBoom {
		t.Error("markBroken should return the error it was given unchanged")
	}
	if !cf.Broken() {
		t.Error("markBroken should set the sticky broken flag")
	}
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }
