package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a create collides with an existing row
	ErrDuplicate = errors.New("already exists")
	// ErrInvalidID is returned when an id is empty or malformed
	ErrInvalidID = errors.New("invalid or empty id")
)

// Store is the interface for persistent state behind the fleet coordinator.
// Implementations can be SQLite (disk-based) or in-memory (":memory:").
type Store interface {
	// Printers

	// CreatePrinter adds a new printer. Returns ErrDuplicate if the id exists.
	CreatePrinter(ctx context.Context, p *Printer) error

	// GetPrinter retrieves a printer by id. Returns ErrNotFound if missing.
	GetPrinter(ctx context.Context, id string) (*Printer, error)

	// UpdatePrinter modifies an existing printer. Returns ErrNotFound if missing.
	UpdatePrinter(ctx context.Context, p *Printer) error

	// UpsertPrinter creates or updates a printer.
	UpsertPrinter(ctx context.Context, p *Printer) error

	// DeletePrinter removes a printer by id. Returns ErrNotFound if missing.
	DeletePrinter(ctx context.Context, id string) error

	// ListPrinters returns all printers, optionally active only.
	ListPrinters(ctx context.Context, activeOnly bool) ([]*Printer, error)

	// UpdatePrinterStatus persists the normalized state and last-seen time
	// for a printer without touching its configuration fields.
	UpdatePrinterStatus(ctx context.Context, id string, state PrinterState, seen time.Time) error

	// Files

	// UpsertFile creates or updates a file row. Existing thumbnail columns
	// and JSON metadata are preserved, never cleared, by the upsert.
	UpsertFile(ctx context.Context, f *PrinterFile) error

	// GetFile retrieves a file by composite id. Returns ErrNotFound if missing.
	GetFile(ctx context.Context, id string) (*PrinterFile, error)

	// GetFileByPrinterAndFilename resolves a file by its (printer, filename)
	// pair. Returns ErrNotFound if missing.
	GetFileByPrinterAndFilename(ctx context.Context, printerID, filename string) (*PrinterFile, error)

	// ListFiles returns files matching the filter.
	ListFiles(ctx context.Context, filter FileFilter) ([]*PrinterFile, error)

	// SetFileStatus updates only the status column of a file.
	SetFileStatus(ctx context.Context, id string, status FileStatus) error

	// SetFileDownloaded records a completed download: status, local path,
	// timestamp and 100% progress.
	SetFileDownloaded(ctx context.Context, id, localPath string, at time.Time) error

	// SetFileThumbnail stores thumbnail bytes, dimensions, format and source.
	SetFileThumbnail(ctx context.Context, id string, data []byte, width, height int, format string, source ThumbnailSource) error

	// MergeFileMetadata merges the given keys into the file's JSON metadata
	// without overwriting keys that already exist.
	MergeFileMetadata(ctx context.Context, id string, meta map[string]interface{}) error

	// SetEnhancedMetadata stores the structured metadata groups on the file.
	SetEnhancedMetadata(ctx context.Context, id string, f *PrinterFile) error

	// DeleteFile removes a file row. Returns ErrNotFound if missing.
	DeleteFile(ctx context.Context, id string) error

	// Jobs

	// CreateJob adds a new job. Returns ErrDuplicate when an active
	// (running|pending|paused) job already exists for the same
	// (printer, filename) pair.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by id. Returns ErrNotFound if missing.
	GetJob(ctx context.Context, id string) (*Job, error)

	// UpdateJob modifies an existing job. Returns ErrNotFound if missing.
	UpdateJob(ctx context.Context, j *Job) error

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// CountActiveJobs returns the number of running|pending|paused jobs
	// for a printer.
	CountActiveJobs(ctx context.Context, printerID string) (int, error)

	// FindRecentJob returns a job on the printer whose filename matches
	// (after cache/ stripping on both sides) and whose start time
	// (preferred) or creation time falls within the window around ref.
	// Searches the most recent `limit` jobs of any status. Returns
	// ErrNotFound when nothing matches.
	FindRecentJob(ctx context.Context, printerID, cleanName string, ref time.Time, window time.Duration, limit int) (*Job, error)

	// Close closes the storage connection.
	Close() error

	// Stats returns storage statistics (row counts per table).
	Stats(ctx context.Context) (map[string]interface{}, error)
}
