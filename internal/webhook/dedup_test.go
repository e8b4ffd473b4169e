package webhook

import (
	"testing"
	"time"
)

func TestDedupPrecommit(t *testing.T) {
	clk := newTestClock()
	s := newDedupStore(clk)

	if !s.Precommit("acme", "MSG-1") {
		t.Fatal("first precommit rejected")
	}
	if s.Precommit("acme", "MSG-1") {
		t.Error("duplicate precommit accepted within window")
	}
	// Same id under a different tenant is a different key.
	if !s.Precommit("other", "MSG-1") {
		t.Error("precommit rejected for a different tenant")
	}
}

func TestDedupRemoveReleasesSlot(t *testing.T) {
	clk := newTestClock()
	s := newDedupStore(clk)

	s.Precommit("acme", "MSG-1")
	s.Remove("acme", "MSG-1")
	if !s.Precommit("acme", "MSG-1") {
		t.Error("precommit rejected after remove")
	}
}

func TestDedupSweep(t *testing.T) {
	clk := newTestClock()
	s := newDedupStore(clk)

	s.Precommit("acme", "MSG-old")
	clk.Advance(6 * time.Minute)
	s.Precommit("acme", "MSG-new")

	clk.Advance(5 * time.Minute) // old is now 11m, new 5m

	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
	// The expired id may be committed again, the fresh one may not.
	if !s.Precommit("acme", "MSG-old") {
		t.Error("precommit rejected for swept id")
	}
	if s.Precommit("acme", "MSG-new") {
		t.Error("precommit accepted for fresh id")
	}
}

func TestStatsRunningMean(t *testing.T) {
	clk := newTestClock()
	s := newStatsStore(clk)

	s.Record("acme", true, 100*time.Millisecond)
	s.Record("acme", true, 300*time.Millisecond)
	s.Record("acme", false, 0)

	st, ok := s.Get("acme")
	if !ok {
		t.Fatal("no stats for tenant")
	}
	if st.Total != 3 || st.Success != 2 || st.Failed != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/2/1", st.Total, st.Success, st.Failed)
	}
	if st.AvgResponseMs != 200 {
		t.Errorf("avgResponseMs = %v, want 200", st.AvgResponseMs)
	}
	wantUptime := 2.0 / 3.0 * 100
	if diff := st.UptimePercent - wantUptime; diff > 0.01 || diff < -0.01 {
		t.Errorf("uptimePercent = %v, want %v", st.UptimePercent, wantUptime)
	}
}

func TestStatsSweepIdle(t *testing.T) {
	clk := newTestClock()
	s := newStatsStore(clk)

	s.Record("stale", true, time.Millisecond)
	clk.Advance(25 * time.Hour)
	s.Record("fresh", true, time.Millisecond)

	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if _, ok := s.Get("stale"); ok {
		t.Error("stale tenant survived sweep")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("fresh tenant swept")
	}
}
