package cache

import "testing"

func TestSetAttributeMaxOpenFiles(t *testing.T) {
	c := New(nil)
	if err := c.SetAttribute("max_open_files", 50); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	v, ok := c.GetAttribute("max_open_files")
	if !ok || v != 50 {
		t.Errorf("GetAttribute(max_open_files) = (%v, %v), want (50, true)", v, ok)
	}
}

func TestSetAttributeMaxMemoryMB(t *testing.T) {
	c := New(nil)
	if err := c.SetAttribute("max_memory_MB", 16.0); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	v, _ := c.GetAttribute("max_memory_MB")
	if v.(float64) != 16.0 {
		t.Errorf("GetAttribute(max_memory_MB) = %v, want 16", v)
	}
	if c.tiles.budget.Load() != 16*1024*1024 {
		t.Errorf("tile table budget = %d, want %d", c.tiles.budget.Load(), 16*1024*1024)
	}
}

func TestSetAttributeBadType(t *testing.T) {
	c := New(nil)
	if err := c.SetAttribute("max_open_files", "not a number"); err == nil {
		t.Error("SetAttribute should reject a wrong-typed value instead of panicking")
	}
}

func TestSetAttributeUnknownName(t *testing.T) {
	c := New(nil)
	if err := c.SetAttribute("nonexistent", 1); err == nil {
		t.Error("SetAttribute should reject an unrecognized attribute name")
	}
}

func TestSetAttributeAutotileRoundsUpAndFloors(t *testing.T) {
	c := New(nil)
	if err := c.SetAttribute("autotile", 100); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	v, _ := c.GetAttribute("autotile")
	if v != 128 {
		t.Errorf("autotile(100) = %v, want 128 (rounded up to a power of two)", v)
	}

	if err := c.SetAttribute("autotile", 2); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	v, _ = c.GetAttribute("autotile")
	if v != minAutotile {
		t.Errorf("autotile(2) = %v, want %d (floored to the minimum)", v, minAutotile)
	}
}

func TestSetAttributeAutotileZeroDisables(t *testing.T) {
	c := New(nil)
	if err := c.SetAttribute("autotile", 0); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	v, _ := c.GetAttribute("autotile")
	if v != 0 {
		t.Errorf("autotile(0) = %v, want 0 (untouched, not floored)", v)
	}
}

func TestSetAttributeBoolAndSearchPath(t *testing.T) {
	c := New(nil)
	if err := c.SetAttribute("automip", true); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	if v, _ := c.GetAttribute("automip"); v != true {
		t.Errorf("automip = %v, want true", v)
	}

	if err := c.SetAttribute("searchpath", "/a:/b;/c"); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	v, _ := c.GetAttribute("searchpath")
	if v != "/a:/b:/c" {
		t.Errorf("searchpath = %q, want /a:/b:/c", v)
	}
}

func TestPow2Ceil(t *testing.T) {
	tests := []struct {
		n, want uint32
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{17, 32},
		{256, 256},
	}
	for _, tt := range tests {
		if got := pow2Ceil(tt.n); got != tt.want {
			t.Errorf("pow2Ceil(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}
