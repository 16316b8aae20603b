package cache

import "testing"

func TestSnapshotAdd(t *testing.T) {
	a := Snapshot{FindTileCalls: 1, BytesRead: 10}
	b := Snapshot{FindTileCalls: 2, BytesRead: 20}

	got := a.add(b)
	if got.FindTileCalls != 3 {
		t.Errorf("FindTileCalls = %d, want 3", got.FindTileCalls)
	}
	if got.BytesRead != 30 {
		t.Errorf("BytesRead = %d, want 30", got.BytesRead)
	}
}

func TestStatsSnapshotIndependence(t *testing.T) {
	var s Stats
	s.FindTileCalls.Add(5)

	snap := s.snapshot()
	s.FindTileCalls.Add(5)

	if snap.FindTileCalls != 5 {
		t.Errorf("snapshot should be a value copy: got %d, want 5 (unaffected by the later Add)", snap.FindTileCalls)
	}
}

func TestCacheStatisticsMergesClients(t *testing.T) {
	c := New(nil)
	pti1 := c.NewClient()
	pti2 := c.NewClient()
	pti1.stats.GetPixelsCalls.Add(2)
	pti2.stats.GetPixelsCalls.Add(3)

	snap := c.Statistics()
	if snap.GetPixelsCalls != 5 {
		t.Errorf("Statistics().GetPixelsCalls = %d, want 5", snap.GetPixelsCalls)
	}
}

func TestCacheStatisticsSurvivesRelease(t *testing.T) {
	c := New(nil)
	pti := c.NewClient()
	pti.stats.GetPixelsCalls.Add(7)
	c.ReleaseClient(pti)

	snap := c.Statistics()
	if snap.GetPixelsCalls != 7 {
		t.Errorf("Statistics().GetPixelsCalls after release = %d, want 7 (folded into closedClientStats)", snap.GetPixelsCalls)
	}
}

func TestCacheStatisticsReportContainsSummaryLine(t *testing.T) {
	c := New(nil)
	report := c.StatisticsReport()
	if report == "" {
		t.Fatal("StatisticsReport() should never be empty")
	}
}
