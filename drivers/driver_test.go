package drivers

import (
	"testing"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/storage"
)

func TestNormalizeState(t *testing.T) {
	t.Parallel()

	cases := []struct {
		vendor string
		want   storage.PrinterState
	}{
		{"RUNNING", storage.StatePrinting},
		{"Printing", storage.StatePrinting},
		{"PREPARE", storage.StatePrinting},
		{"PAUSE", storage.StatePaused},
		{"Paused", storage.StatePaused},
		{"IDLE", storage.StateOnline},
		{"FINISH", storage.StateOnline},
		{"Operational", storage.StateOnline},
		{"FAILED", storage.StateError},
		{"ATTENTION", storage.StateError},
		{"Offline", storage.StateOffline},
		{"garbage", storage.StateUnknown},
		{"", storage.StateUnknown},
	}
	for _, c := range cases {
		if got := NormalizeState(c.vendor); got != c.want {
			t.Errorf("NormalizeState(%q) = %s, want %s", c.vendor, got, c.want)
		}
	}
}

func TestClampProgress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   float64
		want float64
	}{
		{0, 0},
		{0.5, 50},    // fractional input converts to percent
		{1, 100},     // boundary of the fractional range
		{50, 50},
		{100, 100},
		{150, 100},
		{-3, 0},
	}
	for _, c := range cases {
		if got := ClampProgress(c.in); got != c.want {
			t.Errorf("ClampProgress(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestComputeStartTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	elapsed := 30
	vendor := time.Date(2026, 2, 10, 11, 15, 0, 0, time.UTC)

	// Vendor-reported start wins over the derived value.
	got := ComputeStartTime(now, &elapsed, &vendor)
	if got == nil || !got.Equal(vendor) {
		t.Errorf("expected vendor start time, got %v", got)
	}

	got = ComputeStartTime(now, &elapsed, nil)
	want := now.Add(-30 * time.Minute)
	if got == nil || !got.Equal(want) {
		t.Errorf("expected derived start %v, got %v", want, got)
	}

	if got := ComputeStartTime(now, nil, nil); got != nil {
		t.Errorf("expected nil start time with no inputs, got %v", got)
	}
}

func TestLooksLikeJSON(t *testing.T) {
	t.Parallel()

	if !LooksLikeJSON([]byte(`  {"error":"not found"}`)) {
		t.Error("object payload not detected")
	}
	if !LooksLikeJSON([]byte("\n[1,2]")) {
		t.Error("array payload not detected")
	}
	if LooksLikeJSON([]byte("G1 X10 Y10\n")) {
		t.Error("gcode misdetected as JSON")
	}
	if LooksLikeJSON(nil) {
		t.Error("empty payload misdetected as JSON")
	}
}
