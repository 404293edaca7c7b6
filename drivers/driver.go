// Package drivers implements the vendor normalization boundary: one driver
// per printer type, all exposing the same capability surface over very
// different wire protocols (Bambu MQTT+FTPS push, Prusa HTTP polling).
package drivers

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/storage"
)

var (
	// ErrConnectionFailed covers network, auth, or protocol errors reaching
	// a printer.
	ErrConnectionFailed = errors.New("printer connection failed")
	// ErrCommandFailed means the vendor rejected pause/resume/stop or the
	// printer is in a state where the command is illegal. Not retried.
	ErrCommandFailed = errors.New("printer command failed")
	// ErrDownloadFailed means the driver could not produce a verified binary
	// file at the destination.
	ErrDownloadFailed = errors.New("file download failed")
	// ErrNotSupported marks capabilities a driver does not implement.
	ErrNotSupported = errors.New("not supported")
)

// FileInfo describes one entry of a printer's file listing.
type FileInfo struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
	Path       string    `json:"path"`
}

// StatusCallback receives every status change a driver observes. A single
// slot is sufficient: the monitor is the only subscriber.
type StatusCallback func(*storage.StatusUpdate)

// Driver is the uniform capability surface over a vendor protocol.
type Driver interface {
	// Connect establishes the vendor connection. Idempotent when already
	// connected. Retries internally with bounded backoff.
	Connect(ctx context.Context) error

	// Disconnect tears down the vendor connection.
	Disconnect(ctx context.Context) error

	// IsConnected reports the connection state.
	IsConnected() bool

	// GetStatus returns a normalized snapshot. It never fails: on error it
	// returns a status with state=error and a message.
	GetStatus(ctx context.Context) *storage.StatusUpdate

	// ListFiles returns the printer's file listing.
	ListFiles(ctx context.Context) ([]FileInfo, error)

	// DownloadFile writes the binary content of filename to localPath. The
	// driver must refuse payloads that are JSON metadata rather than a
	// binary stream.
	DownloadFile(ctx context.Context, filename, localPath string) error

	// Pause, Resume and Stop broker control commands to the vendor.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error

	// Camera capabilities.
	HasCamera() bool
	CameraStreamURL() (string, bool)
	TakeSnapshot(ctx context.Context) ([]byte, error)

	// SetStatusCallback registers the subscriber invoked on every status
	// change once monitoring starts.
	SetStatusCallback(fn StatusCallback)

	// StartMonitoring starts the internal mechanism (polling task or event
	// subscription) that produces status callbacks. StopMonitoring stops it.
	StartMonitoring(ctx context.Context) error
	StopMonitoring()
}

// ThumbnailDownloader is implemented by drivers whose vendor protocol can
// serve a rendered thumbnail for a file (Prusa).
type ThumbnailDownloader interface {
	DownloadThumbnail(ctx context.Context, filename string, large bool) ([]byte, error)
}

// NormalizeState maps a vendor state string to the normalized state.
func NormalizeState(vendor string) storage.PrinterState {
	switch vendor {
	case "PRINTING", "RUNNING", "Printing", "printing", "PREPARE":
		return storage.StatePrinting
	case "PAUSE", "PAUSED", "Paused", "paused", "PAUSING":
		return storage.StatePaused
	case "IDLE", "FINISH", "READY", "Operational", "operational", "FINISHED", "STOPPED":
		return storage.StateOnline
	case "FAILED", "ERROR", "Error", "error", "ATTENTION":
		return storage.StateError
	case "OFFLINE", "Offline", "offline":
		return storage.StateOffline
	default:
		return storage.StateUnknown
	}
}

// ClampProgress clamps progress to [0,100], converting fractional 0..1
// values to percent.
func ClampProgress(v float64) float64 {
	if v > 0 && v <= 1 {
		v = v * 100
	}
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ComputeStartTime prefers the printer-supplied start time; otherwise it is
// derived as now minus the elapsed minutes when those are known. The
// printer-reported time survives reconnects, so it wins.
func ComputeStartTime(now time.Time, elapsedMin *int, vendorStart *time.Time) *time.Time {
	if vendorStart != nil {
		return vendorStart
	}
	if elapsedMin != nil {
		t := now.Add(-time.Duration(*elapsedMin) * time.Minute)
		return &t
	}
	return nil
}

// LooksLikeJSON sniffs the first bytes of a payload for a JSON document.
// Download paths use this to refuse metadata responses masquerading as
// file content.
func LooksLikeJSON(b []byte) bool {
	trimmed := bytes.TrimLeft(b, " \t\r\n")
	if len(trimmed) == 0 {
		return false
	}
	return trimmed[0] == '{' || trimmed[0] == '['
}

// ErrorStatus builds the status a driver returns when it cannot reach the
// printer.
func ErrorStatus(printerID, msg string) *storage.StatusUpdate {
	return &storage.StatusUpdate{
		PrinterID: printerID,
		State:     storage.StateError,
		Message:   msg,
		Timestamp: time.Now(),
	}
}
