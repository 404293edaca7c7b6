package files

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/logger"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

func newMetadataFixture(t *testing.T) (*MetadataExtractor, storage.Store, *events.Bus) {
	t.Helper()
	store, err := storage.NewSQLiteStore("")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	log := logger.New(logger.ERROR, "", 10)
	m := NewMetadataExtractor(store, bus, log)
	t.Cleanup(m.Close)
	return m, store, bus
}

const prusaSlicerHeader = `; generated by PrusaSlicer 2.7.0 on 2026-01-15
; layer_height = 0.2
; nozzle_diameter = 0.4
; perimeters = 3
; fill_density = 15%
; support_material = 1
; temperature = 215
; bed_temperature = 60
; filament used [g] = 21.5
; filament used [mm] = 7150.0
; filament_type = PLA
; estimated printing time (normal mode) = 2h 13m 5s
; printer_model = MK4
G28
G1 X10
`

func TestExtractGcodeMetadata(t *testing.T) {
	t.Parallel()
	m, store, _ := newMetadataFixture(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "part.gcode")
	if err := os.WriteFile(path, []byte(prusaSlicerHeader), 0644); err != nil {
		t.Fatal(err)
	}
	seedFile(t, store, "p1_part.gcode", "part.gcode")

	if err := m.Extract(ctx, "p1_part.gcode", path); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	f, err := store.GetFile(ctx, "p1_part.gcode")
	if err != nil {
		t.Fatal(err)
	}

	s := f.PrintSettings
	if s == nil {
		t.Fatal("print settings missing")
	}
	if s.LayerHeight == nil || *s.LayerHeight != 0.2 {
		t.Errorf("layer height: %v", s.LayerHeight)
	}
	if s.WallCount == nil || *s.WallCount != 3 {
		t.Errorf("wall count: %v", s.WallCount)
	}
	if s.InfillPercent == nil || *s.InfillPercent != 15 {
		t.Errorf("infill: %v", s.InfillPercent)
	}
	if s.Supports == nil || !*s.Supports {
		t.Errorf("supports: %v", s.Supports)
	}
	if s.NozzleTemp == nil || *s.NozzleTemp != 215 {
		t.Errorf("nozzle temp: %v", s.NozzleTemp)
	}

	mat := f.Material
	if mat == nil {
		t.Fatal("material requirements missing")
	}
	if mat.WeightGrams == nil || *mat.WeightGrams != 21.5 {
		t.Errorf("weight: %v", mat.WeightGrams)
	}
	if mat.LengthMeters == nil || *mat.LengthMeters != 7.15 {
		t.Errorf("length: %v", mat.LengthMeters)
	}
	if mat.MultiMaterial {
		t.Error("single filament misdetected as multi-material")
	}
	if len(mat.FilamentTypes) != 1 || mat.FilamentTypes[0] != "PLA" {
		t.Errorf("filament types: %v", mat.FilamentTypes)
	}

	c := f.Cost
	if c == nil {
		t.Fatal("cost breakdown missing")
	}
	if c.MaterialCost == nil || *c.MaterialCost <= 0 {
		t.Errorf("material cost: %v", c.MaterialCost)
	}
	if c.EnergyCost == nil || *c.EnergyCost <= 0 {
		t.Errorf("energy cost: %v", c.EnergyCost)
	}
	if c.TotalCost == nil || *c.TotalCost < *c.MaterialCost {
		t.Errorf("total cost: %v", c.TotalCost)
	}

	q := f.Quality
	if q == nil {
		t.Fatal("quality metrics missing")
	}
	if q.ComplexityScore == nil || *q.ComplexityScore < 3 || *q.ComplexityScore > 10 {
		t.Errorf("complexity score out of range: %v", q.ComplexityScore)
	}
	if q.DifficultyLevel == "" {
		t.Error("difficulty level missing")
	}

	comp := f.Compatibility
	if comp == nil {
		t.Fatal("compatibility info missing")
	}
	if comp.SlicerName != "PrusaSlicer" {
		t.Errorf("slicer name: %q", comp.SlicerName)
	}
	if len(comp.CompatiblePrinters) != 1 || comp.CompatiblePrinters[0] != "MK4" {
		t.Errorf("compatible printers: %v", comp.CompatiblePrinters)
	}
}

func TestExtractPublishesEvent(t *testing.T) {
	t.Parallel()
	m, store, bus := newMetadataFixture(t)
	ctx := context.Background()

	got := make(chan events.Event, 1)
	bus.Subscribe(events.TopicFileMetadataExtracted, func(ev events.Event) { got <- ev })

	path := filepath.Join(t.TempDir(), "part.gcode")
	if err := os.WriteFile(path, []byte("; layer_height = 0.3\nG28\n"), 0644); err != nil {
		t.Fatal(err)
	}
	seedFile(t, store, "p1_part.gcode", "part.gcode")

	if err := m.Extract(ctx, "p1_part.gcode", path); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Data["file_id"] != "p1_part.gcode" {
			t.Errorf("unexpected event payload: %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("file_metadata_extracted never published")
	}
}

func TestExtractUnknownFormat(t *testing.T) {
	t.Parallel()
	m, _, _ := newMetadataFixture(t)

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.Extract(context.Background(), "x", path); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestEstimatedMinutes(t *testing.T) {
	t.Parallel()

	raw := map[string]string{"estimated printing time (normal mode)": "1d 2h 13m 5s"}
	if got := estimatedMinutes(raw); got != 24*60+2*60+13 {
		t.Errorf("estimatedMinutes = %d", got)
	}
	if got := estimatedMinutes(map[string]string{}); got != 0 {
		t.Errorf("missing key should yield 0, got %d", got)
	}
}
