package files

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

// watchExtensions are the model file types picked up from watch folders.
var watchExtensions = map[string]bool{
	"stl":    true,
	"obj":    true,
	"3mf":    true,
	"gcode":  true,
	"bgcode": true,
	"ply":    true,
}

// WatchService periodically scans configured local folders and registers the
// model files it finds, so local libraries show up next to printer files.
type WatchService struct {
	store   storage.Store
	bus     *events.Bus
	folders []string
	period  time.Duration
	log     Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatchService creates a watch service over the given folders. A zero
// period defaults to five minutes.
func NewWatchService(store storage.Store, bus *events.Bus, folders []string, period time.Duration, log Logger) *WatchService {
	if period <= 0 {
		period = 5 * time.Minute
	}
	return &WatchService{
		store:   store,
		bus:     bus,
		folders: folders,
		period:  period,
		log:     log,
	}
}

// Start launches the scan loop. It is a no-op without folders.
func (w *WatchService) Start(ctx context.Context) {
	if len(w.folders) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
}

// Stop halts the scan loop and waits for it to exit.
func (w *WatchService) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (w *WatchService) loop(ctx context.Context) {
	defer close(w.done)
	w.ScanOnce(ctx)
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ScanOnce(ctx)
		}
	}
}

// ScanOnce walks every watch folder once and returns how many files were
// newly registered.
func (w *WatchService) ScanOnce(ctx context.Context) int {
	added := 0
	for _, folder := range w.folders {
		n, err := w.scanFolder(ctx, folder)
		if err != nil {
			w.log.Warn("Watch folder scan failed", "folder", folder, "error", err)
			continue
		}
		added += n
	}
	return added
}

func (w *WatchService) scanFolder(ctx context.Context, folder string) (int, error) {
	added := 0
	err := filepath.WalkDir(folder, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != folder {
				return filepath.SkipDir
			}
			return nil
		}
		if !watchExtensions[storage.ExtensionKind(path)] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		id := localFileID(path)
		if existing, getErr := w.store.GetFile(ctx, id); getErr == nil {
			// Re-register only when the file changed on disk.
			if existing.Size == info.Size() && existing.ModifiedAt.Equal(info.ModTime()) {
				return nil
			}
		}
		f := &storage.PrinterFile{
			ID:          id,
			Filename:    d.Name(),
			DisplayName: d.Name(),
			LocalPath:   path,
			Size:        info.Size(),
			Extension:   storage.ExtensionKind(path),
			Status:      storage.FileDownloaded,
			Source:      storage.SourceLocalWatch,
			WatchFolder: folder,
			ModifiedAt:  info.ModTime(),
		}
		if err := w.store.UpsertFile(ctx, f); err != nil {
			w.log.Error("Failed to register watched file", "path", path, "error", err)
			return nil
		}
		added++
		w.bus.Publish(events.TopicFileNeedsThumbnail, map[string]interface{}{
			"file_id":   id,
			"file_path": path,
		})
		return nil
	})
	if err != nil && err != ctx.Err() {
		return added, err
	}
	return added, nil
}
