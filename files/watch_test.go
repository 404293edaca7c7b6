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

func newWatchFixture(t *testing.T, folders []string) (*WatchService, storage.Store, *events.Bus) {
	t.Helper()
	store, err := storage.NewSQLiteStore("")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	log := logger.New(logger.ERROR, "", 10)
	return NewWatchService(store, bus, folders, time.Hour, log), store, bus
}

func TestScanOnceRegistersModels(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for name, body := range map[string]string{
		"cube.stl":   "solid cube\nendsolid\n",
		"part.gcode": "G28\n",
		"notes.txt":  "ignored",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	// Hidden directories are skipped entirely.
	hidden := filepath.Join(dir, ".cache")
	if err := os.Mkdir(hidden, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(hidden, "tmp.stl"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	w, store, bus := newWatchFixture(t, []string{dir})

	thumbEvents := make(chan events.Event, 8)
	bus.Subscribe(events.TopicFileNeedsThumbnail, func(ev events.Event) { thumbEvents <- ev })

	ctx := context.Background()
	if n := w.ScanOnce(ctx); n != 2 {
		t.Fatalf("ScanOnce registered %d files, want 2", n)
	}

	files, err := store.ListFiles(ctx, storage.FileFilter{Source: storage.SourceLocalWatch})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 watched files, got %d", len(files))
	}
	for _, f := range files {
		if f.WatchFolder != dir {
			t.Errorf("watch folder not recorded: %+v", f)
		}
		if f.Status != storage.FileDownloaded {
			t.Errorf("local file should be downloaded: %s", f.Status)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-thumbEvents:
		case <-time.After(time.Second):
			t.Fatal("thumbnail event missing for watched file")
		}
	}

	// A second scan with nothing changed registers nothing.
	if n := w.ScanOnce(ctx); n != 0 {
		t.Errorf("unchanged rescan registered %d files, want 0", n)
	}
}

func TestScanOnceReRegistersChangedFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "cube.stl")
	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}

	w, store, _ := newWatchFixture(t, []string{dir})
	ctx := context.Background()

	if n := w.ScanOnce(ctx); n != 1 {
		t.Fatalf("first scan registered %d, want 1", n)
	}

	if err := os.WriteFile(path, []byte("version two"), 0644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if n := w.ScanOnce(ctx); n != 1 {
		t.Fatalf("changed file not re-registered, got %d", n)
	}
	f, err := store.GetFile(ctx, localFileID(path))
	if err != nil {
		t.Fatal(err)
	}
	if f.Size != int64(len("version two")) {
		t.Errorf("size not refreshed: %d", f.Size)
	}
}
