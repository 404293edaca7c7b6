package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

var (
	// ErrUploadsDisabled is returned when uploads are switched off.
	ErrUploadsDisabled = errors.New("uploads are disabled")
	// ErrFileTooLarge is returned when an upload exceeds the size cap.
	ErrFileTooLarge = errors.New("file exceeds maximum upload size")
	// ErrExtensionNotAllowed is returned for uploads outside the allow-list.
	ErrExtensionNotAllowed = errors.New("file extension not allowed")
	// ErrDuplicateFilename is returned when the filename already exists.
	ErrDuplicateFilename = errors.New("a file with this name already exists")
)

// UploadConfig controls the upload manager.
type UploadConfig struct {
	Enabled           bool
	MaxFileSize       int64
	AllowedExtensions []string
	Dir               string
}

// DefaultUploadConfig returns the shipped upload policy.
func DefaultUploadConfig(dir string) UploadConfig {
	return UploadConfig{
		Enabled:           true,
		MaxFileSize:       100 * 1024 * 1024,
		AllowedExtensions: []string{"stl", "obj", "3mf", "gcode", "bgcode", "ply"},
		Dir:               dir,
	}
}

// UploadResult is the per-file outcome of a batch upload.
type UploadResult struct {
	Filename string `json:"filename"`
	FileID   string `json:"file_id,omitempty"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// UploadManager accepts user-provided model files into the local library.
type UploadManager struct {
	store storage.Store
	bus   *events.Bus
	cfg   UploadConfig
	log   Logger
}

// NewUploadManager creates an upload manager.
func NewUploadManager(store storage.Store, bus *events.Bus, cfg UploadConfig, log Logger) *UploadManager {
	return &UploadManager{store: store, bus: bus, cfg: cfg, log: log}
}

// Upload stores one file from r. Validation failures return before any bytes
// are written.
func (u *UploadManager) Upload(ctx context.Context, filename string, size int64, r io.Reader) (*UploadResult, error) {
	res := &UploadResult{Filename: filename}
	if err := u.validate(ctx, filename, size); err != nil {
		res.Error = err.Error()
		return res, err
	}

	if err := os.MkdirAll(u.cfg.Dir, 0755); err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("failed to create upload directory: %w", err)
	}
	dest := filepath.Join(u.cfg.Dir, filepath.Base(filename))

	out, err := os.Create(dest)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	written, err := io.Copy(out, io.LimitReader(r, u.cfg.MaxFileSize+1))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written > u.cfg.MaxFileSize {
		err = ErrFileTooLarge
	}
	if err != nil {
		os.Remove(dest)
		res.Error = err.Error()
		return res, err
	}

	f := &storage.PrinterFile{
		ID:          localFileID(dest),
		Filename:    filepath.Base(filename),
		DisplayName: filepath.Base(filename),
		LocalPath:   dest,
		Size:        written,
		Extension:   storage.ExtensionKind(filename),
		Status:      storage.FileDownloaded,
		Source:      storage.SourceUpload,
	}
	if err := u.store.UpsertFile(ctx, f); err != nil {
		os.Remove(dest)
		res.Error = err.Error()
		return res, fmt.Errorf("failed to register upload: %w", err)
	}

	res.FileID = f.ID
	res.Success = true
	u.bus.Publish(events.TopicFileNeedsThumbnail, map[string]interface{}{
		"file_id":   f.ID,
		"file_path": dest,
	})
	u.log.Info("File uploaded", "file_id", f.ID, "filename", f.Filename, "size", written)
	return res, nil
}

// UploadBatch processes each file independently; one failure never aborts
// the rest.
func (u *UploadManager) UploadBatch(ctx context.Context, open func(name string) (io.ReadCloser, int64, error), names []string) []UploadResult {
	results := make([]UploadResult, 0, len(names))
	for _, name := range names {
		rc, size, err := open(name)
		if err != nil {
			results = append(results, UploadResult{Filename: name, Error: err.Error()})
			continue
		}
		res, err := u.Upload(ctx, name, size, rc)
		rc.Close()
		if err != nil {
			u.log.Warn("Upload failed", "filename", name, "error", err)
		}
		results = append(results, *res)
	}
	return results
}

func (u *UploadManager) validate(ctx context.Context, filename string, size int64) error {
	if !u.cfg.Enabled {
		return ErrUploadsDisabled
	}
	if size > u.cfg.MaxFileSize {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, size)
	}
	ext := storage.ExtensionKind(filename)
	allowed := false
	for _, a := range u.cfg.AllowedExtensions {
		if strings.EqualFold(a, ext) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: .%s", ErrExtensionNotAllowed, ext)
	}

	existing, err := u.store.ListFiles(ctx, storage.FileFilter{Source: storage.SourceUpload})
	if err != nil {
		return err
	}
	base := filepath.Base(filename)
	for _, f := range existing {
		if f.Filename == base {
			return fmt.Errorf("%w: %s", ErrDuplicateFilename, base)
		}
	}
	return nil
}

// localFileID derives a stable id from the absolute path, so rescans of the
// same file never create a second row.
func localFileID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := sha256.Sum256([]byte(abs))
	return "local_" + hex.EncodeToString(sum[:8])
}
