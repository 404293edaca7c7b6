package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/logger"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

// recordingDownloader captures download requests. With allowed set, only the
// listed filenames succeed; everything else fails like a missing file.
type recordingDownloader struct {
	mu      sync.Mutex
	allowed map[string]bool
	calls   []string
}

func (d *recordingDownloader) Download(ctx context.Context, printerID, filename, destination string) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, printerID+":"+filename)
	d.mu.Unlock()
	if d.allowed != nil && !d.allowed[filename] {
		return "", errors.New("file not found on printer")
	}
	return "/tmp/" + filename, nil
}

func (d *recordingDownloader) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *recordingDownloader) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// waitForCalls polls until the downloader has seen at least n calls.
func (d *recordingDownloader) waitForCalls(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d.count() >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return d.count() >= n
}

// recordingJobEngine captures auto-job invocations.
type recordingJobEngine struct {
	mu      sync.Mutex
	handled []string
	cleared []string
}

func (e *recordingJobEngine) HandlePrintingStatus(ctx context.Context, update *storage.StatusUpdate, kind storage.PrinterKind, isStartup bool) error {
	e.mu.Lock()
	e.handled = append(e.handled, update.PrinterID+":"+update.CurrentJob)
	e.mu.Unlock()
	return nil
}

func (e *recordingJobEngine) ClearDiscovery(printerID, filename string) {
	e.mu.Lock()
	e.cleared = append(e.cleared, printerID+":"+filename)
	e.mu.Unlock()
}

func newMonitorFixture(t *testing.T, autoJobs bool, dl *recordingDownloader) (*Monitor, storage.Store, *events.Bus, *recordingDownloader, *recordingJobEngine) {
	t.Helper()
	store, err := storage.NewSQLiteStore("")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	if dl == nil {
		dl = &recordingDownloader{}
	}
	je := &recordingJobEngine{}
	log := logger.New(logger.ERROR, "", 10)
	m := NewMonitor(store, bus, dl, je, autoJobs, log)
	return m, store, bus, dl, je
}

func seedPrinter(t *testing.T, store storage.Store, id string) {
	t.Helper()
	err := store.UpsertPrinter(context.Background(), &storage.Printer{
		ID:        id,
		Name:      id,
		Kind:      storage.KindBambuLab,
		IPAddress: "10.0.0.2",
		Active:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHandleStatusPersistsAndBroadcasts(t *testing.T) {
	t.Parallel()
	m, store, bus, _, _ := newMonitorFixture(t, false, nil)
	ctx := context.Background()
	seedPrinter(t, store, "b1")

	got := make(chan events.Event, 1)
	bus.Subscribe(events.TopicPrinterStatusUpdate, func(ev events.Event) { got <- ev })

	m.HandleStatus(ctx, &storage.StatusUpdate{
		PrinterID: "b1",
		State:     storage.StatePrinting,
		Timestamp: time.Now(),
	}, storage.KindBambuLab, false)

	p, err := store.GetPrinter(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != storage.StatePrinting {
		t.Errorf("status not persisted: %s", p.Status)
	}

	select {
	case ev := <-got:
		if ev.Data["printer_id"] != "b1" {
			t.Errorf("unexpected broadcast payload: %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("status update never broadcast")
	}
}

func TestHandleStatusBroadcastsDespiteStoreFailure(t *testing.T) {
	t.Parallel()
	m, store, bus, _, _ := newMonitorFixture(t, false, nil)

	// Close the store to force persistence failures.
	store.Close()

	got := make(chan events.Event, 1)
	bus.Subscribe(events.TopicPrinterStatusUpdate, func(ev events.Event) { got <- ev })

	m.HandleStatus(context.Background(), &storage.StatusUpdate{
		PrinterID: "b1",
		State:     storage.StateOnline,
		Timestamp: time.Now(),
	}, storage.KindBambuLab, false)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("broadcast suppressed by storage failure")
	}
}

func TestHandleStatusEnrichesWithFileAndThumbnail(t *testing.T) {
	t.Parallel()
	m, store, bus, _, _ := newMonitorFixture(t, false, nil)
	ctx := context.Background()
	seedPrinter(t, store, "b1")

	f := &storage.PrinterFile{
		ID:        storage.PrinterFileID("b1", "Part_One.3mf"),
		PrinterID: "b1",
		Filename:  "Part_One.3mf",
		Status:    storage.FileDownloaded,
		Source:    storage.SourcePrinter,
	}
	if err := store.UpsertFile(ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := store.SetFileThumbnail(ctx, f.ID, []byte{1, 2, 3}, 200, 200, "png", storage.ThumbEmbedded); err != nil {
		t.Fatal(err)
	}

	got := make(chan events.Event, 1)
	bus.Subscribe(events.TopicPrinterStatusUpdate, func(ev events.Event) { got <- ev })

	// The printer reports a decorated variant of the stored filename.
	update := &storage.StatusUpdate{
		PrinterID:  "b1",
		State:      storage.StatePrinting,
		CurrentJob: "cache/Part One.3mf",
		Timestamp:  time.Now(),
	}
	m.HandleStatus(ctx, update, storage.KindBambuLab, false)

	if update.CurrentJobFile != f.ID {
		t.Errorf("file not resolved: %q", update.CurrentJobFile)
	}
	if !update.JobHasThumb {
		t.Error("thumbnail flag not set")
	}
	if update.ThumbnailURL == "" {
		t.Error("thumbnail URL not set")
	}

	select {
	case ev := <-got:
		if ev.Data["current_job_file_id"] != f.ID {
			t.Errorf("broadcast not enriched: %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("status update never broadcast")
	}
}

func TestHandleStatusTriggersAutoDownloadOnce(t *testing.T) {
	t.Parallel()
	m, store, _, dl, _ := newMonitorFixture(t, false, nil)
	ctx := context.Background()
	seedPrinter(t, store, "b1")

	update := &storage.StatusUpdate{
		PrinterID:  "b1",
		State:      storage.StatePrinting,
		CurrentJob: "benchy.3mf",
		Timestamp:  time.Now(),
	}
	m.HandleStatus(ctx, update, storage.KindBambuLab, false)
	m.HandleStatus(ctx, update, storage.KindBambuLab, false)
	m.HandleStatus(ctx, update, storage.KindBambuLab, false)

	// The download runs on its own goroutine.
	deadline := time.Now().Add(time.Second)
	for dl.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := dl.count(); n != 1 {
		t.Errorf("expected exactly one auto-download, got %d", n)
	}
}

func TestHandleStatusNoDownloadWhenComplete(t *testing.T) {
	t.Parallel()
	m, store, _, dl, _ := newMonitorFixture(t, false, nil)
	ctx := context.Background()
	seedPrinter(t, store, "b1")

	f := &storage.PrinterFile{
		ID:        storage.PrinterFileID("b1", "done.3mf"),
		PrinterID: "b1",
		Filename:  "done.3mf",
		Status:    storage.FileDownloaded,
		Source:    storage.SourcePrinter,
	}
	if err := store.UpsertFile(ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := store.SetFileThumbnail(ctx, f.ID, []byte{1}, 200, 200, "png", storage.ThumbEmbedded); err != nil {
		t.Fatal(err)
	}

	m.HandleStatus(ctx, &storage.StatusUpdate{
		PrinterID:  "b1",
		State:      storage.StatePrinting,
		CurrentJob: "done.3mf",
		Timestamp:  time.Now(),
	}, storage.KindBambuLab, false)

	time.Sleep(50 * time.Millisecond)
	if n := dl.count(); n != 0 {
		t.Errorf("downloaded file with thumbnail should not re-download, got %d calls", n)
	}
}

func TestHandleStatusDrivesAutoJobsAndClears(t *testing.T) {
	t.Parallel()
	m, store, _, _, je := newMonitorFixture(t, true, nil)
	ctx := context.Background()
	seedPrinter(t, store, "b1")

	m.HandleStatus(ctx, &storage.StatusUpdate{
		PrinterID:  "b1",
		State:      storage.StatePrinting,
		CurrentJob: "vase.3mf",
		Timestamp:  time.Now(),
	}, storage.KindBambuLab, false)

	je.mu.Lock()
	handled := len(je.handled)
	je.mu.Unlock()
	if handled != 1 {
		t.Fatalf("expected one auto-job invocation, got %d", handled)
	}

	// Print finishes: discovery for the previous job is cleared.
	m.HandleStatus(ctx, &storage.StatusUpdate{
		PrinterID: "b1",
		State:     storage.StateOnline,
		Timestamp: time.Now(),
	}, storage.KindBambuLab, false)

	je.mu.Lock()
	defer je.mu.Unlock()
	if len(je.cleared) != 1 || je.cleared[0] != "b1:vase.3mf" {
		t.Errorf("expected discovery cleared for vase.3mf, got %v", je.cleared)
	}
}

func TestAutoDownloadFallsBackToVariant(t *testing.T) {
	t.Parallel()
	dl := &recordingDownloader{allowed: map[string]bool{"Phone_Stand_v2.3mf": true}}
	m, store, _, _, _ := newMonitorFixture(t, false, dl)
	ctx := context.Background()
	seedPrinter(t, store, "b1")

	// The printer reports spaces where the stored file uses underscores.
	update := &storage.StatusUpdate{
		PrinterID:  "b1",
		State:      storage.StatePrinting,
		CurrentJob: "Phone Stand v2.3mf",
		Timestamp:  time.Now(),
	}
	m.HandleStatus(ctx, update, storage.KindBambuLab, false)

	if !dl.waitForCalls(2, time.Second) {
		t.Fatalf("variant never attempted after verbatim failure: %v", dl.snapshot())
	}
	calls := dl.snapshot()
	if calls[0] != "b1:Phone Stand v2.3mf" || calls[1] != "b1:Phone_Stand_v2.3mf" {
		t.Fatalf("unexpected attempt order: %v", calls)
	}

	// The variant succeeded; repeated printing updates attempt nothing new.
	m.HandleStatus(ctx, update, storage.KindBambuLab, false)
	m.HandleStatus(ctx, update, storage.KindBambuLab, false)
	time.Sleep(50 * time.Millisecond)
	if n := dl.count(); n != 2 {
		t.Errorf("expected no attempts beyond the successful variant, got %v", dl.snapshot())
	}
}

func TestAutoDownloadPicksUpDiscoveredName(t *testing.T) {
	t.Parallel()
	dl := &recordingDownloader{allowed: map[string]bool{"benchy_boat_final_version_3.gcode": true}}
	m, store, _, _, _ := newMonitorFixture(t, false, dl)
	ctx := context.Background()
	seedPrinter(t, store, "b1")

	// The printer truncates the name and no file record exists yet, so the
	// first attempts all fail.
	update := &storage.StatusUpdate{
		PrinterID:  "b1",
		State:      storage.StatePrinting,
		CurrentJob: "benchy_boat_final_version.gcode",
		Timestamp:  time.Now(),
	}
	m.HandleStatus(ctx, update, storage.KindBambuLab, false)
	if !dl.waitForCalls(1, time.Second) {
		t.Fatal("verbatim attempt missing")
	}
	before := dl.count()

	// Discovery learns the real filename between updates.
	err := store.UpsertFile(ctx, &storage.PrinterFile{
		ID:        storage.PrinterFileID("b1", "benchy_boat_final_version_3.gcode"),
		PrinterID: "b1",
		Filename:  "benchy_boat_final_version_3.gcode",
		Status:    storage.FileAvailable,
		Source:    storage.SourcePrinter,
	})
	if err != nil {
		t.Fatal(err)
	}

	m.HandleStatus(ctx, update, storage.KindBambuLab, false)
	if !dl.waitForCalls(before+1, time.Second) {
		t.Fatalf("discovered name never attempted: %v", dl.snapshot())
	}
	calls := dl.snapshot()
	if calls[len(calls)-1] != "b1:benchy_boat_final_version_3.gcode" {
		t.Fatalf("expected the discovered name last, got %v", calls)
	}
}

func TestFilenameCandidates(t *testing.T) {
	t.Parallel()

	got := filenameCandidates("cache/My Part (v2), final.3mf")
	want := []string{
		"cache/My Part (v2), final.3mf",
		"My Part (v2), final.3mf",
		"My Part v2 final.3mf",
		"My_Part_v2_final.3mf",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidate %d: got %q, want %q", i, got[i], want[i])
		}
	}

	// No decorations: a single candidate, no duplicates.
	if got := filenameCandidates("plain.gcode"); len(got) != 1 || got[0] != "plain.gcode" {
		t.Errorf("plain name should yield itself only, got %v", got)
	}
}
