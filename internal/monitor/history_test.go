package monitor

import (
	"testing"
	"time"
)

func TestMetricHistoryAveragesBucket(t *testing.T) {
	h := NewMetricHistory(5*time.Minute, 12)

	h.Record(10)
	h.Record(20)
	h.Record(30)

	points := h.Since(time.Now().Add(-time.Minute))
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}
	if points[0].Value != 20 {
		t.Errorf("bucket value = %v, want 20", points[0].Value)
	}

	latest, ok := h.Latest()
	if !ok || latest.Value != 20 {
		t.Errorf("Latest() = %+v %v, want value 20", latest, ok)
	}
}

func TestMetricHistorySinceFiltersOldPoints(t *testing.T) {
	h := NewMetricHistory(5*time.Minute, 12)
	h.Record(42)

	if got := h.Since(time.Now().Add(time.Hour)); len(got) != 0 {
		t.Errorf("Since(future) returned %d points, want 0", len(got))
	}
}

func TestHistorySetSeries(t *testing.T) {
	s := NewHistorySet(24*time.Hour, nil)

	for _, name := range s.Names() {
		if _, ok := s.Series(name); !ok {
			t.Errorf("Series(%q) missing", name)
		}
	}
	if _, ok := s.Series("nope"); ok {
		t.Error("Series returned an unknown name")
	}
}
