package files

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/drivers"
	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

// targetThumbSize is the preferred thumbnail edge length. When a file embeds
// several thumbnails the one closest to this size wins.
const targetThumbSize = 200

// processingLogSize bounds the rolling in-memory processing log.
const processingLogSize = 50

// ProcessingEntry records one thumbnail processing attempt.
type ProcessingEntry struct {
	Timestamp time.Time `json:"timestamp"`
	FileID    string    `json:"file_id"`
	FilePath  string    `json:"file_path"`
	Extension string    `json:"extension"`
	Status    string    `json:"status"` // started, success, failed
	Details   string    `json:"details,omitempty"`
}

// ThumbnailProcessor consumes file_needs_thumbnail_processing events and
// produces stored thumbnails. Fallback order: embedded (3MF/G-code), printer
// capability (Prusa), generated preview (mesh types).
type ThumbnailProcessor struct {
	store   storage.Store
	bus     *events.Bus
	drivers DriverProvider
	log     Logger

	mu      sync.Mutex
	entries []ProcessingEntry
	tasks   sync.WaitGroup
	unsub   func()
}

// NewThumbnailProcessor creates a processor and subscribes it to the bus.
func NewThumbnailProcessor(store storage.Store, bus *events.Bus, provider DriverProvider, log Logger) *ThumbnailProcessor {
	t := &ThumbnailProcessor{
		store:   store,
		bus:     bus,
		drivers: provider,
		log:     log,
	}
	t.unsub = bus.Subscribe(events.TopicFileNeedsThumbnail, t.handleEvent)
	return t
}

func (t *ThumbnailProcessor) handleEvent(ev events.Event) {
	fileID, _ := ev.Data["file_id"].(string)
	filePath, _ := ev.Data["file_path"].(string)
	printerID, _ := ev.Data["printer_id"].(string)
	if fileID == "" || filePath == "" {
		return
	}
	if err := t.Process(context.Background(), fileID, filePath, printerID); err != nil {
		t.log.Warn("Thumbnail processing failed", "file_id", fileID, "error", err)
	}
}

// Process extracts or generates a thumbnail for the file and stores it. The
// file stays usable when every stage fails; the failure is only logged.
func (t *ThumbnailProcessor) Process(ctx context.Context, fileID, filePath, printerID string) error {
	ext := storage.ExtensionKind(filePath)
	t.record(fileID, filePath, ext, "started", "")

	thumb, meta, err := t.extract(ctx, fileID, filePath, printerID, ext)
	if err != nil {
		t.record(fileID, filePath, ext, "failed", err.Error())
		return err
	}

	if err := t.store.SetFileThumbnail(ctx, fileID, thumb.data, thumb.width, thumb.height, thumb.format, thumb.source); err != nil {
		t.record(fileID, filePath, ext, "failed", err.Error())
		return err
	}
	if len(meta) > 0 {
		if err := t.store.MergeFileMetadata(ctx, fileID, meta); err != nil {
			t.log.Warn("Failed to merge file metadata", "file_id", fileID, "error", err)
		}
	}

	t.record(fileID, filePath, ext, "success", string(thumb.source))
	t.bus.Publish(events.TopicFileThumbnailsProcessed, map[string]interface{}{
		"file_id": fileID,
		"width":   thumb.width,
		"height":  thumb.height,
		"format":  thumb.format,
		"source":  string(thumb.source),
	})

	// Mesh types additionally get an animated preview; its failure never
	// marks the file as failed.
	if ext == "stl" || ext == "obj" {
		t.tasks.Add(1)
		go func() {
			defer t.tasks.Done()
			t.generateAnimatedPreview(context.Background(), fileID, filePath)
		}()
	}
	return nil
}

type thumbnail struct {
	data   []byte
	width  int
	height int
	format string
	source storage.ThumbnailSource
}

func (t *ThumbnailProcessor) extract(ctx context.Context, fileID, filePath, printerID, ext string) (*thumbnail, map[string]interface{}, error) {
	switch ext {
	case "3mf":
		if th, meta, err := extract3MF(filePath); err == nil {
			return th, meta, nil
		}
	case "gcode", "bgcode":
		if th, meta, err := extractGcode(filePath); err == nil {
			return th, meta, nil
		}
	}

	// Printer fallback: ask the driver for a rendered thumbnail when the
	// vendor protocol has one.
	if printerID != "" {
		if driver, ok := t.drivers.Driver(printerID); ok {
			if td, ok := driver.(drivers.ThumbnailDownloader); ok {
				if data, err := td.DownloadThumbnail(ctx, filepath.Base(filePath), true); err == nil && len(data) > 0 {
					w, h := pngDimensions(data)
					if w == 0 || h == 0 {
						w, h = targetThumbSize, targetThumbSize
					}
					return &thumbnail{data: data, width: w, height: h, format: "png", source: storage.ThumbPrinter}, nil, nil
				}
			}
		}
	}

	// Generated fallback for renderable mesh types.
	if ext == "stl" || ext == "obj" {
		data, err := RenderPreviewPNG(filePath, targetThumbSize)
		if err != nil {
			return nil, nil, fmt.Errorf("preview render failed: %w", err)
		}
		return &thumbnail{data: data, width: targetThumbSize, height: targetThumbSize, format: "png", source: storage.ThumbGenerated}, nil, nil
	}

	return nil, nil, fmt.Errorf("no thumbnail source for %s", filePath)
}

func (t *ThumbnailProcessor) generateAnimatedPreview(ctx context.Context, fileID, filePath string) {
	data, err := RenderAnimatedGIF(filePath, targetThumbSize)
	if err != nil {
		t.log.Debug("Animated preview generation failed", "file_id", fileID, "error", err)
		return
	}
	meta := map[string]interface{}{
		"animated_preview_bytes": len(data),
	}
	if err := t.store.MergeFileMetadata(ctx, fileID, meta); err != nil {
		t.log.Debug("Failed to record animated preview", "file_id", fileID, "error", err)
	}
}

func (t *ThumbnailProcessor) record(fileID, filePath, ext, status, details string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= processingLogSize {
		t.entries = t.entries[1:]
	}
	t.entries = append(t.entries, ProcessingEntry{
		Timestamp: time.Now(),
		FileID:    fileID,
		FilePath:  filePath,
		Extension: ext,
		Status:    status,
		Details:   details,
	})
}

// ProcessingLog returns a copy of the rolling processing log.
func (t *ThumbnailProcessor) ProcessingLog() []ProcessingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ProcessingEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Shutdown unsubscribes and waits up to the deadline for preview tasks.
func (t *ThumbnailProcessor) Shutdown(timeout time.Duration) {
	if t.unsub != nil {
		t.unsub()
	}
	done := make(chan struct{})
	go func() {
		t.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.log.Warn("Thumbnail processor shutdown timed out")
	}
}

// extract3MF pulls embedded PNG thumbnails and plate metadata out of a 3MF
// archive, picking the thumbnail closest to the target size.
func extract3MF(path string) (*thumbnail, map[string]interface{}, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open 3mf: %w", err)
	}
	defer zr.Close()

	var best *thumbnail
	bestDelta := 1 << 30
	meta := map[string]interface{}{}

	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		if !strings.HasSuffix(name, ".png") {
			continue
		}
		if !strings.HasPrefix(name, "metadata/") && !strings.HasPrefix(name, "thumbnails/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}

		w, h := pngDimensions(data)
		if w == 0 || h == 0 {
			continue
		}
		delta := abs(w-targetThumbSize) + abs(h-targetThumbSize)
		if best == nil || delta < bestDelta {
			best = &thumbnail{data: data, width: w, height: h, format: "png", source: storage.ThumbEmbedded}
			bestDelta = delta
			meta["thumbnail_archive_entry"] = f.Name
		}
	}
	if best == nil {
		return nil, nil, fmt.Errorf("no embedded thumbnail in %s", path)
	}
	return best, meta, nil
}

// extractGcode parses the "; thumbnail begin WxH LEN ... ; thumbnail end"
// blocks slicers embed as base64 PNG, plus header comment metadata.
func extractGcode(path string) (*thumbnail, map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var best *thumbnail
	bestDelta := 1 << 30
	meta := map[string]interface{}{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	var inThumb bool
	var b64 bytes.Buffer
	var curW, curH int

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, ";") {
			// Thumbnails and metadata live in the comment header; stop at
			// the first real command to avoid scanning the whole file.
			if line != "" {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(line, ";"))

		switch {
		case strings.HasPrefix(comment, "thumbnail begin"), strings.HasPrefix(comment, "THUMBNAIL_BLOCK_START"):
			inThumb = true
			b64.Reset()
			curW, curH = parseThumbDims(comment)
		case strings.HasPrefix(comment, "thumbnail end"), strings.HasPrefix(comment, "THUMBNAIL_BLOCK_END"):
			if inThumb && b64.Len() > 0 {
				if data, err := base64.StdEncoding.DecodeString(b64.String()); err == nil {
					w, h := curW, curH
					if pw, ph := pngDimensions(data); pw > 0 && ph > 0 {
						w, h = pw, ph
					}
					delta := abs(w-targetThumbSize) + abs(h-targetThumbSize)
					if best == nil || delta < bestDelta {
						best = &thumbnail{data: data, width: w, height: h, format: "png", source: storage.ThumbEmbedded}
						bestDelta = delta
					}
				}
			}
			inThumb = false
		case inThumb:
			b64.WriteString(comment)
		default:
			if k, v, ok := parseHeaderComment(comment); ok {
				meta[k] = v
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if best == nil {
		return nil, nil, fmt.Errorf("no embedded thumbnail in %s", path)
	}
	return best, meta, nil
}

// parseThumbDims extracts "WxH" from a thumbnail begin comment.
func parseThumbDims(comment string) (int, int) {
	for _, tok := range strings.Fields(comment) {
		if i := strings.IndexByte(tok, 'x'); i > 0 {
			w := atoi(tok[:i])
			h := atoi(tok[i+1:])
			if w > 0 && h > 0 {
				return w, h
			}
		}
	}
	return 0, 0
}

// parseHeaderComment splits "key = value" or "key: value" slicer comments.
// Keys may contain spaces ("filament used [g] = 5.4") when an explicit
// separator is present; the bare "=" form requires a single-token key.
func parseHeaderComment(comment string) (string, string, bool) {
	for _, sep := range []string{" = ", ": ", "="} {
		i := strings.Index(comment, sep)
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(comment[:i])
		val := strings.TrimSpace(comment[i+len(sep):])
		if key == "" || val == "" || strings.ContainsRune(key, ';') {
			continue
		}
		if sep == "=" && strings.ContainsRune(key, ' ') {
			continue
		}
		return key, val, true
	}
	return "", "", false
}

// pngDimensions reads width and height from a PNG IHDR chunk.
func pngDimensions(data []byte) (int, int) {
	// 8-byte signature + 4 length + "IHDR" + 4 width + 4 height
	if len(data) < 24 || !bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G'}) {
		return 0, 0
	}
	if !bytes.Equal(data[12:16], []byte("IHDR")) {
		return 0, 0
	}
	w := int(binary.BigEndian.Uint32(data[16:20]))
	h := int(binary.BigEndian.Uint32(data[20:24]))
	return w, h
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
