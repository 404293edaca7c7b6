// Package storage provides the shared data structures and the persistent
// store behind the printer fleet coordinator.
package storage

import (
	"strings"
	"time"
)

// PrinterKind identifies the vendor family of a printer.
type PrinterKind string

const (
	KindBambuLab  PrinterKind = "bambu_lab"
	KindPrusaCore PrinterKind = "prusa_core"
)

// PrinterState is the normalized state of a printer.
type PrinterState string

const (
	StateOnline   PrinterState = "online"
	StatePrinting PrinterState = "printing"
	StatePaused   PrinterState = "paused"
	StateError    PrinterState = "error"
	StateOffline  PrinterState = "offline"
	StateUnknown  PrinterState = "unknown"
)

// Printer represents a configured printer with its identity and credentials.
type Printer struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Kind         PrinterKind  `json:"kind"`
	IPAddress    string       `json:"ip_address"`
	APIKey       string       `json:"api_key,omitempty"`       // prusa_core
	AccessCode   string       `json:"access_code,omitempty"`   // bambu_lab
	SerialNumber string       `json:"serial_number,omitempty"` // bambu_lab
	WebcamURL    string       `json:"webcam_url,omitempty"`
	Location     string       `json:"location,omitempty"`
	Description  string       `json:"description,omitempty"`
	Active       bool         `json:"active"`
	Status       PrinterState `json:"status,omitempty"`
	LastSeen     time.Time    `json:"last_seen,omitempty"`
	CreatedAt    time.Time    `json:"created_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at,omitempty"`
}

// StatusUpdate is a normalized snapshot of printer state at one instant.
// Optional numeric fields are pointers so absent values stay null, not zero.
type StatusUpdate struct {
	PrinterID      string                 `json:"printer_id"`
	State          PrinterState           `json:"state"`
	Message        string                 `json:"message,omitempty"`
	BedTemp        *float64               `json:"bed_temp,omitempty"`
	BedTarget      *float64               `json:"bed_target,omitempty"`
	NozzleTemp     *float64               `json:"nozzle_temp,omitempty"`
	NozzleTarget   *float64               `json:"nozzle_target,omitempty"`
	Progress       float64                `json:"progress"`
	CurrentJob     string                 `json:"current_job,omitempty"`
	CurrentJobFile string                 `json:"current_job_file_id,omitempty"`
	JobHasThumb    bool                   `json:"current_job_has_thumbnail,omitempty"`
	ThumbnailURL   string                 `json:"current_job_thumbnail_url,omitempty"`
	RemainingMin   *int                   `json:"remaining_minutes,omitempty"`
	ElapsedMin     *int                   `json:"elapsed_minutes,omitempty"`
	PrintStartTime *time.Time             `json:"print_start_time,omitempty"`
	Raw            map[string]interface{} `json:"raw,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// FileSource describes where a PrinterFile came from.
type FileSource string

const (
	SourcePrinter    FileSource = "printer"
	SourceLocalWatch FileSource = "local_watch"
	SourceUpload     FileSource = "upload"
)

// FileStatus is the availability status of a PrinterFile.
type FileStatus string

const (
	FileAvailable   FileStatus = "available"
	FileDownloading FileStatus = "downloading"
	FileDownloaded  FileStatus = "downloaded"
	FileFailed      FileStatus = "failed"
	FileUnavailable FileStatus = "unavailable"
	FileDeleted     FileStatus = "deleted"
)

// ThumbnailSource describes how a thumbnail was obtained.
type ThumbnailSource string

const (
	ThumbEmbedded  ThumbnailSource = "embedded"
	ThumbPrinter   ThumbnailSource = "printer"
	ThumbGenerated ThumbnailSource = "generated"
)

// KnownExtensions are the recognized 3D file extension kinds.
var KnownExtensions = []string{".3mf", ".gcode", ".bgcode", ".stl", ".obj", ".ply"}

// PrinterFile represents a file known to the system, whether resident on a
// printer, found in a watch folder, or uploaded.
type PrinterFile struct {
	ID          string     `json:"id"` // "<printer_id>_<filename>" or "local_<hash>"
	PrinterID   string     `json:"printer_id"`
	Filename    string     `json:"filename"`
	DisplayName string     `json:"display_name,omitempty"`
	LocalPath   string     `json:"local_path,omitempty"`
	Size        int64      `json:"size"`
	Extension   string     `json:"extension,omitempty"`
	Status      FileStatus `json:"status"`
	Source      FileSource `json:"source"`
	WatchFolder string     `json:"watch_folder,omitempty"`
	RelPath     string     `json:"rel_path,omitempty"`
	ModifiedAt  time.Time  `json:"modified_at,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	ThumbnailData   []byte          `json:"-"`
	ThumbnailWidth  int             `json:"thumbnail_width,omitempty"`
	ThumbnailHeight int             `json:"thumbnail_height,omitempty"`
	ThumbnailFormat string          `json:"thumbnail_format,omitempty"`
	ThumbnailSource ThumbnailSource `json:"thumbnail_source,omitempty"`

	// Enhanced metadata groups, each nullable as a whole.
	Physical      *PhysicalProperties   `json:"physical_properties,omitempty"`
	PrintSettings *PrintSettings        `json:"print_settings,omitempty"`
	Material      *MaterialRequirements `json:"material_requirements,omitempty"`
	Cost          *CostBreakdown        `json:"cost_breakdown,omitempty"`
	Quality       *QualityMetrics       `json:"quality_metrics,omitempty"`
	Compatibility *CompatibilityInfo    `json:"compatibility_info,omitempty"`

	DownloadProgress int       `json:"download_progress,omitempty"`
	DownloadedAt     time.Time `json:"downloaded_at,omitempty"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

// HasThumbnail reports whether a usable thumbnail is stored for the file.
func (f *PrinterFile) HasThumbnail() bool {
	return len(f.ThumbnailData) > 0 && f.ThumbnailWidth > 0 && f.ThumbnailHeight > 0
}

// PhysicalProperties holds model geometry extracted from the file.
type PhysicalProperties struct {
	WidthMM     *float64 `json:"width_mm,omitempty"`
	DepthMM     *float64 `json:"depth_mm,omitempty"`
	HeightMM    *float64 `json:"height_mm,omitempty"`
	VolumeCm3   *float64 `json:"volume_cm3,omitempty"`
	SurfaceCm2  *float64 `json:"surface_cm2,omitempty"`
	ObjectCount *int     `json:"object_count,omitempty"`
}

// PrintSettings holds slicer settings extracted from the file.
type PrintSettings struct {
	LayerHeight    *float64 `json:"layer_height,omitempty"`
	NozzleDiameter *float64 `json:"nozzle_diameter,omitempty"`
	WallCount      *int     `json:"wall_count,omitempty"`
	InfillPercent  *float64 `json:"infill_percent,omitempty"`
	Supports       *bool    `json:"supports,omitempty"`
	NozzleTemp     *float64 `json:"nozzle_temp,omitempty"`
	BedTemp        *float64 `json:"bed_temp,omitempty"`
	PrintSpeed     *float64 `json:"print_speed,omitempty"`
	LayerCount     *int     `json:"layer_count,omitempty"`
}

// MaterialRequirements holds filament usage extracted from the file.
type MaterialRequirements struct {
	WeightGrams   *float64  `json:"weight_grams,omitempty"`
	PerToolGrams  []float64 `json:"per_tool_grams,omitempty"`
	LengthMeters  *float64  `json:"length_meters,omitempty"`
	MultiMaterial bool      `json:"multi_material"`
	FilamentTypes []string  `json:"filament_types,omitempty"`
}

// CostBreakdown holds estimated costs for a print.
type CostBreakdown struct {
	MaterialCost *float64 `json:"material_cost,omitempty"`
	EnergyCost   *float64 `json:"energy_cost,omitempty"`
	TotalCost    *float64 `json:"total_cost,omitempty"`
	Currency     string   `json:"currency,omitempty"`
}

// QualityMetrics holds derived print difficulty estimates.
type QualityMetrics struct {
	ComplexityScore    *float64 `json:"complexity_score,omitempty"`
	DifficultyLevel    string   `json:"difficulty_level,omitempty"`
	SuccessProbability *float64 `json:"success_probability,omitempty"`
}

// CompatibilityInfo holds slicer/printer compatibility hints.
type CompatibilityInfo struct {
	CompatiblePrinters []string `json:"compatible_printers,omitempty"`
	SlicerName         string   `json:"slicer_name,omitempty"`
	SlicerVersion      string   `json:"slicer_version,omitempty"`
	BedType            string   `json:"bed_type,omitempty"`
}

// JobStatus is the lifecycle status of a print job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ActiveJobStatuses are the statuses that count as an active job for
// deduplication and deletion guards.
var ActiveJobStatuses = []JobStatus{JobRunning, JobPending, JobPaused}

// Job represents a print job, whether user-created or auto-created by the
// fleet coordinator when it observes a print in progress.
type Job struct {
	ID           string                 `json:"id"`
	PrinterID    string                 `json:"printer_id"`
	PrinterKind  PrinterKind            `json:"printer_kind,omitempty"`
	JobName      string                 `json:"job_name"`
	Filename     string                 `json:"filename"`
	Status       JobStatus              `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	StartTime    *time.Time             `json:"start_time,omitempty"`
	Progress     float64                `json:"progress"`
	FileID       string                 `json:"file_id,omitempty"`
	CustomerInfo map[string]interface{} `json:"customer_info,omitempty"`
}

// PrinterFileID builds the composite id for a printer-resident file.
func PrinterFileID(printerID, filename string) string {
	return printerID + "_" + filename
}

// CleanFilename strips the cache/ prefix some printers report.
func CleanFilename(name string) string {
	return strings.TrimPrefix(name, "cache/")
}

// StripKnownExtension removes a recognized 3D extension from a filename,
// yielding a job display name.
func StripKnownExtension(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range KnownExtensions {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

// ExtensionKind returns the lowercase extension of a filename without the
// leading dot, or empty when unrecognized.
func ExtensionKind(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range KnownExtensions {
		if strings.HasSuffix(lower, ext) {
			return ext[1:]
		}
	}
	return ""
}

// FileFilter selects files in List queries.
type FileFilter struct {
	PrinterID string
	Status    FileStatus
	Source    FileSource
	Limit     int
}

// JobFilter selects jobs in List queries.
type JobFilter struct {
	PrinterID string
	Statuses  []JobStatus
	Filename  string
	Limit     int
}
