package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/config"
	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/logger"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

func newManagerFixture(t *testing.T) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLiteStore("")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	cfg := config.Default()
	cfg.ConnectionTimeout = 500 * time.Millisecond

	log := logger.New(logger.ERROR, "", 10)
	return NewManager(store, bus, cfg, log), store
}

func boolPtr(b bool) *bool { return &b }

func bambuConfig(id string) *config.PrinterConfig {
	return &config.PrinterConfig{
		ID:           id,
		Name:         id,
		Kind:         "bambu_lab",
		IPAddress:    "10.0.0.5",
		AccessCode:   "12345678",
		SerialNumber: "01S00A000000000",
	}
}

func TestLoadPrintersSkipsInactive(t *testing.T) {
	t.Parallel()
	m, store := newManagerFixture(t)
	ctx := context.Background()

	idle := bambuConfig("idle")
	idle.Active = boolPtr(false)
	configs := []*config.PrinterConfig{bambuConfig("busy"), idle}

	if err := m.LoadPrinters(ctx, configs); err != nil {
		t.Fatalf("LoadPrinters failed: %v", err)
	}

	// Both rows exist, but only the active printer has a driver.
	for _, id := range []string{"busy", "idle"} {
		if _, err := store.GetPrinter(ctx, id); err != nil {
			t.Errorf("printer %s not persisted: %v", id, err)
		}
	}
	if _, ok := m.Driver("busy"); !ok {
		t.Error("active printer has no driver")
	}
	if _, ok := m.Driver("idle"); ok {
		t.Error("inactive printer should not get a driver")
	}
}

func TestAddPrinterRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	m, store := newManagerFixture(t)
	ctx := context.Background()

	bad := &config.PrinterConfig{ID: "bad", Kind: "bambu_lab", IPAddress: "10.0.0.9"}
	if err := m.AddPrinter(ctx, bad); !errors.Is(err, config.ErrInvalidPrinterConfig) {
		t.Fatalf("expected ErrInvalidPrinterConfig, got %v", err)
	}
	if _, err := store.GetPrinter(ctx, "bad"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("invalid printer must not be persisted")
	}
}

func TestDeletePrinterBlockedByActiveJobs(t *testing.T) {
	t.Parallel()
	m, store := newManagerFixture(t)
	ctx := context.Background()

	if err := m.LoadPrinters(ctx, []*config.PrinterConfig{bambuConfig("p1")}); err != nil {
		t.Fatal(err)
	}
	job := &storage.Job{
		ID:        "job-1",
		PrinterID: "p1",
		Filename:  "benchy.3mf",
		JobName:   "benchy",
		Status:    storage.JobRunning,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	if err := m.DeletePrinter(ctx, "p1", false); !errors.Is(err, ErrActiveJobsPresent) {
		t.Fatalf("expected ErrActiveJobsPresent, got %v", err)
	}
	if _, err := store.GetPrinter(ctx, "p1"); err != nil {
		t.Fatal("blocked delete must leave the printer in place")
	}

	// Forced delete removes printer and driver but keeps job history.
	if err := m.DeletePrinter(ctx, "p1", true); err != nil {
		t.Fatalf("forced delete failed: %v", err)
	}
	if _, err := store.GetPrinter(ctx, "p1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("printer row should be gone")
	}
	if _, ok := m.Driver("p1"); ok {
		t.Error("driver should be unregistered")
	}
	if _, err := store.GetJob(ctx, "job-1"); err != nil {
		t.Errorf("job history must survive printer deletion: %v", err)
	}
}

func TestTestConnectionDoesNotTouchRegistry(t *testing.T) {
	t.Parallel()
	m, _ := newManagerFixture(t)

	pc := &config.PrinterConfig{
		ID:        "probe",
		Kind:      "prusa_core",
		IPAddress: "127.0.0.1:1",
		APIKey:    "key",
	}
	res := m.TestConnection(context.Background(), pc)
	if res.Success {
		t.Error("unreachable printer reported as reachable")
	}
	if res.Message == "" {
		t.Error("failure result should carry a message")
	}
	if _, ok := m.Driver("probe"); ok {
		t.Error("TestConnection must not register a driver")
	}
}

func TestHealthCheckAggregates(t *testing.T) {
	t.Parallel()
	m, _ := newManagerFixture(t)
	ctx := context.Background()

	configs := []*config.PrinterConfig{bambuConfig("a"), bambuConfig("b")}
	if err := m.LoadPrinters(ctx, configs); err != nil {
		t.Fatal(err)
	}

	health := m.HealthCheck(ctx)
	if health["total"] != 2 {
		t.Errorf("total = %v, want 2", health["total"])
	}
	if health["connected"] != 0 {
		t.Errorf("connected = %v, want 0", health["connected"])
	}
	printers, ok := health["printers"].(map[string]interface{})
	if !ok || len(printers) != 2 {
		t.Fatalf("unexpected printers section: %v", health["printers"])
	}
	entry, ok := printers["a"].(map[string]interface{})
	if !ok || entry["connected"] != false || entry["healthy"] != false {
		t.Errorf("unexpected health entry: %v", printers["a"])
	}
}

func TestConnectAndMonitorUnknownPrinter(t *testing.T) {
	t.Parallel()
	m, _ := newManagerFixture(t)

	if err := m.ConnectAndMonitor(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unregistered printer")
	}
}
