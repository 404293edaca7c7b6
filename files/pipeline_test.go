package files

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/drivers"
	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/logger"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

// stubDriver is a minimal in-memory Driver for pipeline tests.
type stubDriver struct {
	files     []drivers.FileInfo
	content   map[string][]byte
	listErr   error
	dlErr     error
	downloads int
}

func (s *stubDriver) Connect(ctx context.Context) error    { return nil }
func (s *stubDriver) Disconnect(ctx context.Context) error { return nil }
func (s *stubDriver) IsConnected() bool                    { return true }

func (s *stubDriver) GetStatus(ctx context.Context) *storage.StatusUpdate {
	return &storage.StatusUpdate{State: storage.StateOnline, Timestamp: time.Now()}
}
func (s *stubDriver) ListFiles(ctx context.Context) ([]drivers.FileInfo, error) {
	return s.files, s.listErr
}
func (s *stubDriver) DownloadFile(ctx context.Context, filename, localPath string) error {
	s.downloads++
	if s.dlErr != nil {
		return s.dlErr
	}
	data, ok := s.content[filename]
	if !ok {
		return drivers.ErrDownloadFailed
	}
	return os.WriteFile(localPath, data, 0644)
}
func (s *stubDriver) Pause(ctx context.Context) error  { return nil }
func (s *stubDriver) Resume(ctx context.Context) error { return nil }
func (s *stubDriver) Stop(ctx context.Context) error   { return nil }
func (s *stubDriver) HasCamera() bool                  { return false }
func (s *stubDriver) CameraStreamURL() (string, bool)  { return "", false }
func (s *stubDriver) TakeSnapshot(ctx context.Context) ([]byte, error) {
	return nil, drivers.ErrNotSupported
}
func (s *stubDriver) SetStatusCallback(fn drivers.StatusCallback) {}
func (s *stubDriver) StartMonitoring(ctx context.Context) error   { return nil }
func (s *stubDriver) StopMonitoring()                             {}

// stubProvider maps printer ids to stub drivers.
type stubProvider map[string]drivers.Driver

func (p stubProvider) Driver(printerID string) (drivers.Driver, bool) {
	d, ok := p[printerID]
	return d, ok
}

func newPipelineFixture(t *testing.T, driver drivers.Driver) (*Pipeline, storage.Store, *events.Bus, string) {
	t.Helper()
	store, err := storage.NewSQLiteStore("")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	root := t.TempDir()
	log := logger.New(logger.ERROR, "", 10)
	p := NewPipeline(store, bus, stubProvider{"p1": driver}, root, log)
	return p, store, bus, root
}

func TestDownloadHappyPath(t *testing.T) {
	t.Parallel()

	driver := &stubDriver{content: map[string][]byte{"benchy.gcode": []byte("G28\nG1 X5\n")}}
	p, store, bus, root := newPipelineFixture(t, driver)

	gotComplete := make(chan events.Event, 1)
	bus.Subscribe(events.TopicFileDownloadComplete, func(ev events.Event) { gotComplete <- ev })
	gotThumb := make(chan events.Event, 1)
	bus.Subscribe(events.TopicFileNeedsThumbnail, func(ev events.Event) { gotThumb <- ev })

	dest, err := p.Download(context.Background(), "p1", "benchy.gcode", "")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if filepath.Dir(dest) != filepath.Join(root, "p1") {
		t.Errorf("destination outside printer directory: %s", dest)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}

	fileID := storage.PrinterFileID("p1", "benchy.gcode")
	f, err := store.GetFile(context.Background(), fileID)
	if err != nil {
		t.Fatalf("file row missing after download: %v", err)
	}
	if f.Status != storage.FileDownloaded {
		t.Errorf("expected downloaded status, got %s", f.Status)
	}

	st, ok := p.DownloadState(fileID)
	if !ok || st.Status != DownloadCompleted || st.Progress != 100 {
		t.Errorf("unexpected download state: %+v", st)
	}

	select {
	case <-gotComplete:
	case <-time.After(time.Second):
		t.Error("file_download_complete never published")
	}
	select {
	case ev := <-gotThumb:
		if ev.Data["file_path"] != dest {
			t.Errorf("thumbnail event path mismatch: %v", ev.Data["file_path"])
		}
	case <-time.After(time.Second):
		t.Error("thumbnail processing event never published")
	}
}

func TestDownloadRejectsPathTraversal(t *testing.T) {
	t.Parallel()

	driver := &stubDriver{content: map[string][]byte{"a.gcode": []byte("G28")}}
	p, _, bus, root := newPipelineFixture(t, driver)

	failed := make(chan events.Event, 3)
	bus.Subscribe(events.TopicFileDownloadFailed, func(ev events.Event) { failed <- ev })

	evil := []string{
		"/etc/evil.gcode",
		filepath.Join(root, "..", "evil.gcode"),
		filepath.Join(root, "p1", "..", "..", "evil.gcode"),
	}
	for _, dest := range evil {
		if _, err := p.Download(context.Background(), "p1", "a.gcode", dest); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("destination %q: expected ErrPathTraversal, got %v", dest, err)
		}
	}

	select {
	case ev := <-failed:
		if ev.Data["kind"] != "path_traversal_attempt" {
			t.Errorf("expected path_traversal_attempt kind, got %v", ev.Data["kind"])
		}
	case <-time.After(time.Second):
		t.Error("failure event never published")
	}
}

func TestDownloadRejectsTraversalFilename(t *testing.T) {
	t.Parallel()

	driver := &stubDriver{content: map[string][]byte{"../../etc/shadow": []byte("x")}}
	p, _, bus, _ := newPipelineFixture(t, driver)

	failed := make(chan events.Event, 1)
	bus.Subscribe(events.TopicFileDownloadFailed, func(ev events.Event) { failed <- ev })

	// No explicit destination: the hostile filename itself must be caught.
	_, err := p.Download(context.Background(), "p1", "../../etc/shadow", "")
	if !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal, got %v", err)
	}
	if driver.downloads != 0 {
		t.Errorf("driver invoked %d times for a rejected filename", driver.downloads)
	}

	select {
	case ev := <-failed:
		if ev.Data["kind"] != "path_traversal_attempt" {
			t.Errorf("expected path_traversal_attempt kind, got %v", ev.Data["kind"])
		}
	case <-time.After(time.Second):
		t.Error("failure event never published")
	}
}

func TestDownloadAllowsSubdirFilename(t *testing.T) {
	t.Parallel()

	driver := &stubDriver{content: map[string][]byte{"cache/benchy.3mf": []byte("data")}}
	p, _, _, root := newPipelineFixture(t, driver)

	dest, err := p.Download(context.Background(), "p1", "cache/benchy.3mf", "")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	want := filepath.Join(root, "p1", "cache", "benchy.3mf")
	if dest != want {
		t.Errorf("destination %s, want %s", dest, want)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
}

func TestDownloadVerifiesNonEmpty(t *testing.T) {
	t.Parallel()

	// Driver "succeeds" but writes an empty file.
	driver := &stubDriver{content: map[string][]byte{"empty.gcode": {}}}
	p, _, _, _ := newPipelineFixture(t, driver)

	_, err := p.Download(context.Background(), "p1", "empty.gcode", "")
	if !errors.Is(err, drivers.ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed for empty file, got %v", err)
	}

	st, ok := p.DownloadState(storage.PrinterFileID("p1", "empty.gcode"))
	if !ok || st.Status != DownloadFailed {
		t.Errorf("expected failed state, got %+v", st)
	}
}

func TestSyncPrinterFilesMarksMissing(t *testing.T) {
	t.Parallel()

	driver := &stubDriver{files: []drivers.FileInfo{
		{Filename: "keep.3mf", Size: 100, Path: "/keep.3mf"},
		{Filename: "new.gcode", Size: 200, Path: "/new.gcode"},
	}}
	p, store, _, _ := newPipelineFixture(t, driver)
	ctx := context.Background()

	// Seed a file that is about to disappear from the printer.
	gone := &storage.PrinterFile{
		ID:        storage.PrinterFileID("p1", "gone.gcode"),
		PrinterID: "p1",
		Filename:  "gone.gcode",
		Status:    storage.FileAvailable,
		Source:    storage.SourcePrinter,
	}
	if err := store.UpsertFile(ctx, gone); err != nil {
		t.Fatal(err)
	}

	added, removed, err := p.SyncPrinterFiles(ctx, "p1")
	if err != nil {
		t.Fatalf("SyncPrinterFiles failed: %v", err)
	}
	if added != 2 {
		t.Errorf("expected 2 added, got %d", added)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}

	f, err := store.GetFile(ctx, gone.ID)
	if err != nil {
		t.Fatalf("missing file must stay in the store: %v", err)
	}
	if f.Status != storage.FileUnavailable {
		t.Errorf("expected unavailable, got %s", f.Status)
	}
}

func TestCleanupDownloadStatus(t *testing.T) {
	t.Parallel()

	p, _, _, _ := newPipelineFixture(t, &stubDriver{})
	old := time.Now().Add(-2 * time.Hour)
	p.setState(&DownloadState{FileID: "a", Status: DownloadCompleted, CompletedAt: old})
	p.setState(&DownloadState{FileID: "b", Status: DownloadFailed, CompletedAt: old})
	p.setState(&DownloadState{FileID: "c", Status: DownloadDownloading, StartedAt: old})
	p.setState(&DownloadState{FileID: "d", Status: DownloadCompleted, CompletedAt: time.Now()})

	if n := p.CleanupDownloadStatus(time.Hour); n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	if _, ok := p.DownloadState("c"); !ok {
		t.Error("in-flight state must survive cleanup")
	}
	if _, ok := p.DownloadState("d"); !ok {
		t.Error("recent terminal state must survive cleanup")
	}
}
