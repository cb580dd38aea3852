package metrics

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestLatencyTracker_Record(t *testing.T) {
	lt := NewLatencyTracker(0.01)

	for i := 1; i <= 100; i++ {
		lt.Record("remote.submit", time.Duration(i)*time.Millisecond)
	}

	stats, err := lt.GetStats("remote.submit")
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.Count != 100 {
		t.Errorf("Count = %d, want 100", stats.Count)
	}
	if math.Abs(stats.P50-50) > 1.5 {
		t.Errorf("P50 = %.2f, want about 50", stats.P50)
	}
	if math.Abs(stats.Max-100) > 1.5 {
		t.Errorf("Max = %.2f, want about 100", stats.Max)
	}
	if stats.Min > stats.P50 || stats.P50 > stats.P90 || stats.P90 > stats.P99 {
		t.Errorf("quantiles not monotonic: %+v", stats)
	}
}

func TestLatencyTracker_UnknownOperation(t *testing.T) {
	lt := NewLatencyTracker(0.01)
	if _, err := lt.GetStats("origin.fetch"); err == nil {
		t.Error("GetStats() expected error for untracked operation")
	}
}

func TestLatencyTracker_RecordFunc(t *testing.T) {
	lt := NewLatencyTracker(0.01)
	boom := errors.New("boom")

	err := lt.RecordFunc("origin.fetch", func() error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("RecordFunc() error = %v, want %v", err, boom)
	}

	stats, err := lt.GetStats("origin.fetch")
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.Count != 1 {
		t.Errorf("Count = %d, want 1", stats.Count)
	}
}

func TestLatencyTracker_GetAllStats(t *testing.T) {
	lt := NewLatencyTracker(0)
	lt.Record("remote.submit", time.Millisecond)
	lt.Record("origin.fetch", 2*time.Millisecond)

	all := lt.GetAllStats()
	if len(all) != 2 {
		t.Fatalf("len(GetAllStats()) = %d, want 2", len(all))
	}
	if all[0].Operation != "origin.fetch" || all[1].Operation != "remote.submit" {
		t.Errorf("operations = [%s %s], want sorted", all[0].Operation, all[1].Operation)
	}
	if !strings.Contains(all[0].String(), "origin.fetch (n=1)") {
		t.Errorf("String() = %q", all[0].String())
	}
}

func TestStats_StringNoData(t *testing.T) {
	s := Stats{Operation: "remote.submit"}
	if got := s.String(); got != "  remote.submit: no data" {
		t.Errorf("String() = %q", got)
	}
}
