// Package files implements the discovery, download, thumbnail and metadata
// pipeline for printer files.
package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/drivers"
	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

// ErrPathTraversal is returned when a computed download destination escapes
// the downloads root. Nothing is written.
var ErrPathTraversal = errors.New("path traversal attempt")

// DriverProvider resolves a printer id to its live driver. The connection
// manager implements it; the pipeline and monitor consume it so neither
// needs to own driver instances.
type DriverProvider interface {
	Driver(printerID string) (drivers.Driver, bool)
}

// DownloadStatus is the state of one in-flight or finished download.
type DownloadStatus string

const (
	DownloadStarting    DownloadStatus = "starting"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
	DownloadNotFound    DownloadStatus = "not_found"
)

// DownloadState tracks one download by file id. It lives in memory until a
// cleanup pass removes terminal entries.
type DownloadState struct {
	FileID      string         `json:"file_id"`
	Status      DownloadStatus `json:"status"`
	Progress    int            `json:"progress"`
	Bytes       int64          `json:"bytes"`
	TotalBytes  int64          `json:"total_bytes"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

// Logger is the subset of the logger the pipeline needs.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Pipeline owns file discovery and downloads. It exclusively owns the
// DownloadState map.
type Pipeline struct {
	store         storage.Store
	bus           *events.Bus
	drivers       DriverProvider
	downloadsRoot string
	log           Logger

	mu        sync.Mutex
	downloads map[string]*DownloadState

	tasks sync.WaitGroup
}

// NewPipeline creates a file pipeline. downloadsRoot must be an absolute
// path; Download rejects destinations that resolve outside it.
func NewPipeline(store storage.Store, bus *events.Bus, provider DriverProvider, downloadsRoot string, log Logger) *Pipeline {
	return &Pipeline{
		store:         store,
		bus:           bus,
		drivers:       provider,
		downloadsRoot: downloadsRoot,
		log:           log,
		downloads:     make(map[string]*DownloadState),
	}
}

// SyncPrinterFiles runs one discovery pass for a printer: list the driver's
// files, upsert each into the store, and mark files that disappeared as
// unavailable (never deleted).
func (p *Pipeline) SyncPrinterFiles(ctx context.Context, printerID string) (added, removed int, err error) {
	driver, ok := p.drivers.Driver(printerID)
	if !ok {
		return 0, 0, fmt.Errorf("no driver for printer %s", printerID)
	}
	listing, err := driver.ListFiles(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("file listing failed for %s: %w", printerID, err)
	}

	known, err := p.store.ListFiles(ctx, storage.FileFilter{PrinterID: printerID, Source: storage.SourcePrinter})
	if err != nil {
		return 0, 0, err
	}
	knownByName := make(map[string]*storage.PrinterFile, len(known))
	for _, f := range known {
		knownByName[f.Filename] = f
	}

	seen := make(map[string]bool, len(listing))
	payload := make([]map[string]interface{}, 0, len(listing))
	for _, fi := range listing {
		seen[fi.Filename] = true
		if _, ok := knownByName[fi.Filename]; !ok {
			added++
		}
		f := &storage.PrinterFile{
			ID:          storage.PrinterFileID(printerID, fi.Filename),
			PrinterID:   printerID,
			Filename:    fi.Filename,
			DisplayName: fi.Filename,
			Size:        fi.Size,
			Extension:   storage.ExtensionKind(fi.Filename),
			Status:      storage.FileAvailable,
			Source:      storage.SourcePrinter,
			RelPath:     fi.Path,
			ModifiedAt:  fi.ModifiedAt,
		}
		if err := p.store.UpsertFile(ctx, f); err != nil {
			p.log.Error("Failed to upsert discovered file",
				"printer_id", printerID, "filename", fi.Filename, "error", err)
			continue
		}
		payload = append(payload, map[string]interface{}{
			"id":       f.ID,
			"filename": fi.Filename,
			"size":     fi.Size,
			"path":     fi.Path,
		})
	}

	for name, f := range knownByName {
		if seen[name] || f.Status == storage.FileUnavailable {
			continue
		}
		if f.Status == storage.FileDownloaded {
			// Already on disk; losing the printer copy doesn't matter.
			continue
		}
		if err := p.store.SetFileStatus(ctx, f.ID, storage.FileUnavailable); err == nil {
			removed++
		}
	}

	p.bus.Publish(events.TopicFilesDiscovered, map[string]interface{}{
		"printer_id": printerID,
		"files":      payload,
	})
	p.bus.Publish(events.TopicFileSyncComplete, map[string]interface{}{
		"printer_id": printerID,
		"added":      added,
		"removed":    removed,
	})
	return added, removed, nil
}

// Download is the one and only download entry point. It computes the
// destination under {downloadsRoot}/{printerID}/ when none is given,
// verifies the result, updates the store and publishes lifecycle events.
// Returns the destination path.
func (p *Pipeline) Download(ctx context.Context, printerID, filename, destination string) (string, error) {
	fileID := storage.PrinterFileID(printerID, filename)

	p.setState(&DownloadState{
		FileID:    fileID,
		Status:    DownloadStarting,
		StartedAt: time.Now(),
	})

	// The raw filename joins the path unsanitized so a hostile name is
	// caught by the containment check below instead of silently flattened.
	if destination == "" {
		destination = filepath.Join(p.downloadsRoot, printerID, filename)
	}
	abs, err := filepath.Abs(destination)
	if err != nil || !strings.HasPrefix(abs, p.downloadsRoot+string(os.PathSeparator)) {
		p.failDownload(fileID, filename, ErrPathTraversal.Error())
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, filename)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		p.failDownload(fileID, filename, err.Error())
		return "", fmt.Errorf("failed to create destination directory: %w", err)
	}

	driver, ok := p.drivers.Driver(printerID)
	if !ok {
		p.failDownload(fileID, filename, "no driver")
		return "", fmt.Errorf("no driver for printer %s", printerID)
	}

	p.bus.Publish(events.TopicFileDownloadStarted, map[string]interface{}{
		"file_id":    fileID,
		"printer_id": printerID,
		"filename":   filename,
	})
	p.updateState(fileID, func(st *DownloadState) { st.Status = DownloadDownloading })
	p.broadcastProgress(fileID, 0)

	if err := driver.DownloadFile(ctx, filename, abs); err != nil {
		// React to cancellation by removing any partial file.
		if ctx.Err() != nil {
			os.Remove(abs)
		}
		p.failDownload(fileID, filename, err.Error())
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil || info.Size() == 0 {
		os.Remove(abs)
		p.failDownload(fileID, filename, "downloaded file missing or empty")
		return "", fmt.Errorf("%w: verification failed for %s", drivers.ErrDownloadFailed, filename)
	}

	if err := p.store.SetFileDownloaded(ctx, fileID, abs, time.Now()); err != nil {
		if err == storage.ErrNotFound {
			// File wasn't discovered first; register it now.
			regErr := p.store.UpsertFile(ctx, &storage.PrinterFile{
				ID:        fileID,
				PrinterID: printerID,
				Filename:  filename,
				Size:      info.Size(),
				Extension: storage.ExtensionKind(filename),
				Status:    storage.FileDownloaded,
				Source:    storage.SourcePrinter,
				LocalPath: abs,
			})
			if regErr != nil {
				p.log.Error("Failed to register downloaded file", "file_id", fileID, "error", regErr)
			}
		} else {
			p.log.Error("Failed to record download", "file_id", fileID, "error", err)
		}
	}

	p.updateState(fileID, func(st *DownloadState) {
		st.Status = DownloadCompleted
		st.Progress = 100
		st.Bytes = info.Size()
		st.TotalBytes = info.Size()
		st.CompletedAt = time.Now()
	})
	p.broadcastProgress(fileID, 100)

	p.bus.Publish(events.TopicFileDownloadComplete, map[string]interface{}{
		"file_id":    fileID,
		"printer_id": printerID,
		"filename":   filename,
		"local_path": abs,
		"size":       info.Size(),
	})
	p.bus.Publish(events.TopicFileNeedsThumbnail, map[string]interface{}{
		"file_id":    fileID,
		"printer_id": printerID,
		"file_path":  abs,
	})
	return abs, nil
}

func (p *Pipeline) failDownload(fileID, filename, msg string) {
	p.updateState(fileID, func(st *DownloadState) {
		st.Status = DownloadFailed
		st.Error = msg
		st.CompletedAt = time.Now()
	})
	kind := "download_failed"
	if msg == ErrPathTraversal.Error() {
		kind = "path_traversal_attempt"
	}
	p.bus.Publish(events.TopicFileDownloadFailed, map[string]interface{}{
		"file_id":  fileID,
		"filename": filename,
		"error":    msg,
		"kind":     kind,
	})
}

// broadcastProgress publishes download progress for UI consumption. Failures
// here must never reach the download path; bus publish is already
// fire-and-forget.
func (p *Pipeline) broadcastProgress(fileID string, progress int) {
	p.bus.Publish(events.TopicSystemEvent, map[string]interface{}{
		"event":    "download_progress",
		"file_id":  fileID,
		"progress": progress,
	})
}

func (p *Pipeline) setState(st *DownloadState) {
	p.mu.Lock()
	p.downloads[st.FileID] = st
	p.mu.Unlock()
}

func (p *Pipeline) updateState(fileID string, fn func(*DownloadState)) {
	p.mu.Lock()
	if st, ok := p.downloads[fileID]; ok {
		fn(st)
	}
	p.mu.Unlock()
}

// DownloadState returns a point-in-time copy of the state for a file id.
func (p *Pipeline) DownloadState(fileID string) (DownloadState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.downloads[fileID]
	if !ok {
		return DownloadState{}, false
	}
	return *st, true
}

// CleanupDownloadStatus removes terminal entries older than maxAge and
// returns the number removed.
func (p *Pipeline) CleanupDownloadStatus(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, st := range p.downloads {
		if st.Status != DownloadCompleted && st.Status != DownloadFailed {
			continue
		}
		if st.CompletedAt.Before(cutoff) {
			delete(p.downloads, id)
			removed++
		}
	}
	return removed
}

// Shutdown waits up to the deadline for background tasks, then returns.
func (p *Pipeline) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.log.Warn("File pipeline shutdown timed out waiting for background tasks")
	}
}
