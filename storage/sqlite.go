package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Logger interface for storage operations
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Global logger for storage package
var storageLogger Logger

// SetLogger sets the logger for the storage package
func SetLogger(logger Logger) {
	storageLogger = logger
}

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite-based store.
// If dbPath is empty, uses in-memory database (:memory:)
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite handles write serialization internally with busy_timeout;
	// WAL mode allows concurrent readers.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &SQLiteStore{db: db, dbPath: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS printers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		api_key TEXT,
		access_code TEXT,
		serial_number TEXT,
		webcam_url TEXT,
		location TEXT,
		description TEXT,
		active BOOLEAN DEFAULT 1,
		status TEXT DEFAULT 'unknown',
		last_seen DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_printers_active ON printers(active);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		printer_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		display_name TEXT,
		local_path TEXT,
		size INTEGER DEFAULT 0,
		extension TEXT,
		status TEXT NOT NULL,
		source TEXT NOT NULL,
		watch_folder TEXT,
		rel_path TEXT,
		modified_at DATETIME,
		metadata TEXT,
		thumbnail_data BLOB,
		thumbnail_width INTEGER DEFAULT 0,
		thumbnail_height INTEGER DEFAULT 0,
		thumbnail_format TEXT,
		thumbnail_source TEXT,
		physical_properties TEXT,
		print_settings TEXT,
		material_requirements TEXT,
		cost_breakdown TEXT,
		quality_metrics TEXT,
		compatibility_info TEXT,
		download_progress INTEGER DEFAULT 0,
		downloaded_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_files_printer_filename ON files(printer_id, filename);
	CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		printer_id TEXT NOT NULL,
		printer_kind TEXT,
		job_name TEXT NOT NULL,
		filename TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		start_time DATETIME,
		progress REAL DEFAULT 0,
		file_id TEXT,
		customer_info TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_printer ON jobs(printer_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the storage connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Printers ---

// CreatePrinter adds a new printer
func (s *SQLiteStore) CreatePrinter(ctx context.Context, p *Printer) error {
	if p.ID == "" {
		return ErrInvalidID
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = StateUnknown
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO printers (id, name, kind, ip_address, api_key, access_code, serial_number,
			webcam_url, location, description, active, status, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Kind), p.IPAddress, p.APIKey, p.AccessCode, p.SerialNumber,
		p.WebcamURL, p.Location, p.Description, p.Active, string(p.Status),
		nullTime(p.LastSeen), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create printer: %w", err)
	}
	return nil
}

const printerColumns = `id, name, kind, ip_address, api_key, access_code, serial_number,
	webcam_url, location, description, active, status, last_seen, created_at, updated_at`

func scanPrinter(row interface{ Scan(...interface{}) error }) (*Printer, error) {
	p := &Printer{}
	var kind, status string
	var apiKey, accessCode, serial, webcam, location, description sql.NullString
	var lastSeen sql.NullTime
	err := row.Scan(&p.ID, &p.Name, &kind, &p.IPAddress, &apiKey, &accessCode, &serial,
		&webcam, &location, &description, &p.Active, &status, &lastSeen, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Kind = PrinterKind(kind)
	p.Status = PrinterState(status)
	p.APIKey = apiKey.String
	p.AccessCode = accessCode.String
	p.SerialNumber = serial.String
	p.WebcamURL = webcam.String
	p.Location = location.String
	p.Description = description.String
	if lastSeen.Valid {
		p.LastSeen = lastSeen.Time
	}
	return p, nil
}

// GetPrinter retrieves a printer by id
func (s *SQLiteStore) GetPrinter(ctx context.Context, id string) (*Printer, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+printerColumns+" FROM printers WHERE id = ?", id)
	p, err := scanPrinter(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get printer: %w", err)
	}
	return p, nil
}

// UpdatePrinter modifies an existing printer
func (s *SQLiteStore) UpdatePrinter(ctx context.Context, p *Printer) error {
	if p.ID == "" {
		return ErrInvalidID
	}
	p.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE printers SET name = ?, kind = ?, ip_address = ?, api_key = ?, access_code = ?,
			serial_number = ?, webcam_url = ?, location = ?, description = ?, active = ?,
			updated_at = ?
		WHERE id = ?`,
		p.Name, string(p.Kind), p.IPAddress, p.APIKey, p.AccessCode, p.SerialNumber,
		p.WebcamURL, p.Location, p.Description, p.Active, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update printer: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertPrinter creates or updates a printer
func (s *SQLiteStore) UpsertPrinter(ctx context.Context, p *Printer) error {
	err := s.CreatePrinter(ctx, p)
	if err == ErrDuplicate {
		return s.UpdatePrinter(ctx, p)
	}
	return err
}

// DeletePrinter removes a printer by id
func (s *SQLiteStore) DeletePrinter(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM printers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete printer: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPrinters returns all printers, optionally active only
func (s *SQLiteStore) ListPrinters(ctx context.Context, activeOnly bool) ([]*Printer, error) {
	query := "SELECT " + printerColumns + " FROM printers"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	defer rows.Close()

	printers := []*Printer{}
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan printer: %w", err)
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

// UpdatePrinterStatus persists the normalized state and last-seen time
func (s *SQLiteStore) UpdatePrinterStatus(ctx context.Context, id string, state PrinterState, seen time.Time) error {
	if id == "" {
		return ErrInvalidID
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE printers SET status = ?, last_seen = ?, updated_at = ? WHERE id = ?",
		string(state), seen.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update printer status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Files ---

// UpsertFile creates or updates a file row. Thumbnail columns, JSON metadata
// and download state of an existing row are preserved; the incoming row only
// refreshes discovery-visible attributes.
func (s *SQLiteStore) UpsertFile(ctx context.Context, f *PrinterFile) error {
	if f.ID == "" {
		return ErrInvalidID
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.getFileTx(ctx, tx, f.ID)
	if err != nil && err != ErrNotFound {
		return err
	}

	if existing == nil {
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		f.UpdatedAt = now
		if f.Status == "" {
			f.Status = FileAvailable
		}
		metaJSON, _ := marshalOrNil(f.Metadata)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO files (id, printer_id, filename, display_name, local_path, size,
				extension, status, source, watch_folder, rel_path, modified_at, metadata,
				thumbnail_data, thumbnail_width, thumbnail_height, thumbnail_format, thumbnail_source,
				download_progress, downloaded_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.PrinterID, f.Filename, f.DisplayName, f.LocalPath, f.Size,
			f.Extension, string(f.Status), string(f.Source), f.WatchFolder, f.RelPath,
			nullTime(f.ModifiedAt), metaJSON,
			f.ThumbnailData, f.ThumbnailWidth, f.ThumbnailHeight, f.ThumbnailFormat, string(f.ThumbnailSource),
			f.DownloadProgress, nullTime(f.DownloadedAt), f.CreatedAt, f.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert file: %w", err)
		}
		return tx.Commit()
	}

	// Merge: never clear thumbnails, metadata, or a completed download.
	status := f.Status
	if status == "" || (existing.Status == FileDownloaded && status == FileAvailable) {
		status = existing.Status
	}
	localPath := f.LocalPath
	if localPath == "" {
		localPath = existing.LocalPath
	}
	size := f.Size
	if size == 0 {
		size = existing.Size
	}
	displayName := f.DisplayName
	if displayName == "" {
		displayName = existing.DisplayName
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE files SET display_name = ?, local_path = ?, size = ?, extension = ?,
			status = ?, source = ?, watch_folder = ?, rel_path = ?, modified_at = ?,
			updated_at = ?
		WHERE id = ?`,
		displayName, localPath, size, coalesce(f.Extension, existing.Extension),
		string(status), string(coalesceSource(f.Source, existing.Source)),
		coalesce(f.WatchFolder, existing.WatchFolder), coalesce(f.RelPath, existing.RelPath),
		nullTime(latestTime(f.ModifiedAt, existing.ModifiedAt)), now, f.ID)
	if err != nil {
		return fmt.Errorf("failed to update file: %w", err)
	}
	return tx.Commit()
}

const fileColumns = `id, printer_id, filename, display_name, local_path, size, extension,
	status, source, watch_folder, rel_path, modified_at, metadata,
	thumbnail_data, thumbnail_width, thumbnail_height, thumbnail_format, thumbnail_source,
	physical_properties, print_settings, material_requirements, cost_breakdown,
	quality_metrics, compatibility_info,
	download_progress, downloaded_at, created_at, updated_at`

type rowScanner interface {
	Scan(...interface{}) error
}

func scanFile(row rowScanner) (*PrinterFile, error) {
	f := &PrinterFile{}
	var status, source string
	var displayName, localPath, extension, watchFolder, relPath, thumbFormat, thumbSource sql.NullString
	var metaJSON, physJSON, printJSON, matJSON, costJSON, qualJSON, compatJSON sql.NullString
	var modifiedAt, downloadedAt sql.NullTime

	err := row.Scan(&f.ID, &f.PrinterID, &f.Filename, &displayName, &localPath, &f.Size,
		&extension, &status, &source, &watchFolder, &relPath, &modifiedAt, &metaJSON,
		&f.ThumbnailData, &f.ThumbnailWidth, &f.ThumbnailHeight, &thumbFormat, &thumbSource,
		&physJSON, &printJSON, &matJSON, &costJSON, &qualJSON, &compatJSON,
		&f.DownloadProgress, &downloadedAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}

	f.Status = FileStatus(status)
	f.Source = FileSource(source)
	f.DisplayName = displayName.String
	f.LocalPath = localPath.String
	f.Extension = extension.String
	f.WatchFolder = watchFolder.String
	f.RelPath = relPath.String
	f.ThumbnailFormat = thumbFormat.String
	f.ThumbnailSource = ThumbnailSource(thumbSource.String)
	if modifiedAt.Valid {
		f.ModifiedAt = modifiedAt.Time
	}
	if downloadedAt.Valid {
		f.DownloadedAt = downloadedAt.Time
	}
	if metaJSON.Valid && metaJSON.String != "" {
		json.Unmarshal([]byte(metaJSON.String), &f.Metadata)
	}
	if physJSON.Valid && physJSON.String != "" {
		json.Unmarshal([]byte(physJSON.String), &f.Physical)
	}
	if printJSON.Valid && printJSON.String != "" {
		json.Unmarshal([]byte(printJSON.String), &f.PrintSettings)
	}
	if matJSON.Valid && matJSON.String != "" {
		json.Unmarshal([]byte(matJSON.String), &f.Material)
	}
	if costJSON.Valid && costJSON.String != "" {
		json.Unmarshal([]byte(costJSON.String), &f.Cost)
	}
	if qualJSON.Valid && qualJSON.String != "" {
		json.Unmarshal([]byte(qualJSON.String), &f.Quality)
	}
	if compatJSON.Valid && compatJSON.String != "" {
		json.Unmarshal([]byte(compatJSON.String), &f.Compatibility)
	}
	return f, nil
}

func (s *SQLiteStore) getFileTx(ctx context.Context, tx *sql.Tx, id string) (*PrinterFile, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+fileColumns+" FROM files WHERE id = ?", id)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// GetFile retrieves a file by composite id
func (s *SQLiteStore) GetFile(ctx context.Context, id string) (*PrinterFile, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+fileColumns+" FROM files WHERE id = ?", id)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// GetFileByPrinterAndFilename resolves a file by its (printer, filename) pair
func (s *SQLiteStore) GetFileByPrinterAndFilename(ctx context.Context, printerID, filename string) (*PrinterFile, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE printer_id = ? AND filename = ?",
		printerID, filename)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// ListFiles returns files matching the filter
func (s *SQLiteStore) ListFiles(ctx context.Context, filter FileFilter) ([]*PrinterFile, error) {
	query := "SELECT " + fileColumns + " FROM files WHERE 1=1"
	args := []interface{}{}
	if filter.PrinterID != "" {
		query += " AND printer_id = ?"
		args = append(args, filter.PrinterID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, string(filter.Source))
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	files := []*PrinterFile{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// SetFileStatus updates only the status column of a file
func (s *SQLiteStore) SetFileStatus(ctx context.Context, id string, status FileStatus) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE files SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set file status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFileDownloaded records a completed download
func (s *SQLiteStore) SetFileDownloaded(ctx context.Context, id, localPath string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE files SET status = ?, local_path = ?, downloaded_at = ?,
			download_progress = 100, updated_at = ?
		WHERE id = ?`,
		string(FileDownloaded), localPath, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark file downloaded: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFileThumbnail stores thumbnail bytes, dimensions, format and source
func (s *SQLiteStore) SetFileThumbnail(ctx context.Context, id string, data []byte, width, height int, format string, source ThumbnailSource) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE files SET thumbnail_data = ?, thumbnail_width = ?, thumbnail_height = ?,
			thumbnail_format = ?, thumbnail_source = ?, updated_at = ?
		WHERE id = ?`,
		data, width, height, format, string(source), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set thumbnail: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeFileMetadata merges keys into the file's JSON metadata without
// overwriting keys that already exist
func (s *SQLiteStore) MergeFileMetadata(ctx context.Context, id string, meta map[string]interface{}) error {
	if len(meta) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.getFileTx(ctx, tx, id)
	if err != nil {
		return err
	}
	merged := existing.Metadata
	if merged == nil {
		merged = make(map[string]interface{}, len(meta))
	}
	for k, v := range meta {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	metaJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE files SET metadata = ?, updated_at = ? WHERE id = ?",
		string(metaJSON), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to merge metadata: %w", err)
	}
	return tx.Commit()
}

// SetEnhancedMetadata stores the structured metadata groups on the file
func (s *SQLiteStore) SetEnhancedMetadata(ctx context.Context, id string, f *PrinterFile) error {
	physJSON, _ := marshalOrNil(f.Physical)
	printJSON, _ := marshalOrNil(f.PrintSettings)
	matJSON, _ := marshalOrNil(f.Material)
	costJSON, _ := marshalOrNil(f.Cost)
	qualJSON, _ := marshalOrNil(f.Quality)
	compatJSON, _ := marshalOrNil(f.Compatibility)

	result, err := s.db.ExecContext(ctx, `
		UPDATE files SET physical_properties = ?, print_settings = ?,
			material_requirements = ?, cost_breakdown = ?, quality_metrics = ?,
			compatibility_info = ?, updated_at = ?
		WHERE id = ?`,
		physJSON, printJSON, matJSON, costJSON, qualJSON, compatJSON,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set enhanced metadata: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFile removes a file row
func (s *SQLiteStore) DeleteFile(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

// CreateJob adds a new job. Returns ErrDuplicate when an active job already
// exists for the same (printer, filename) pair.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		return ErrInvalidID
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE printer_id = ? AND filename = ? AND status IN ('running', 'pending', 'paused')`,
		j.PrinterID, j.Filename).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check for active job: %w", err)
	}
	if count > 0 {
		return ErrDuplicate
	}

	infoJSON, _ := marshalOrNil(j.CustomerInfo)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, printer_id, printer_kind, job_name, filename, status,
			created_at, start_time, progress, file_id, customer_info)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.PrinterID, string(j.PrinterKind), j.JobName, j.Filename, string(j.Status),
		j.CreatedAt.UTC(), nullTimePtr(j.StartTime), j.Progress, j.FileID, infoJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return tx.Commit()
}

const jobColumns = `id, printer_id, printer_kind, job_name, filename, status,
	created_at, start_time, progress, file_id, customer_info`

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var kind, status string
	var fileID, infoJSON sql.NullString
	var startTime sql.NullTime
	err := row.Scan(&j.ID, &j.PrinterID, &kind, &j.JobName, &j.Filename, &status,
		&j.CreatedAt, &startTime, &j.Progress, &fileID, &infoJSON)
	if err != nil {
		return nil, err
	}
	j.PrinterKind = PrinterKind(kind)
	j.Status = JobStatus(status)
	j.FileID = fileID.String
	if startTime.Valid {
		t := startTime.Time
		j.StartTime = &t
	}
	if infoJSON.Valid && infoJSON.String != "" {
		json.Unmarshal([]byte(infoJSON.String), &j.CustomerInfo)
	}
	return j, nil
}

// GetJob retrieves a job by id
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// UpdateJob modifies an existing job
func (s *SQLiteStore) UpdateJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		return ErrInvalidID
	}
	infoJSON, _ := marshalOrNil(j.CustomerInfo)
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = ?, start_time = ?, file_id = ?, customer_info = ?
		WHERE id = ?`,
		string(j.Status), j.Progress, nullTimePtr(j.StartTime), j.FileID, infoJSON, j.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListJobs returns jobs matching the filter, newest first
func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE 1=1"
	args := []interface{}{}
	if filter.PrinterID != "" {
		query += " AND printer_id = ?"
		args = append(args, filter.PrinterID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if filter.Filename != "" {
		query += " AND filename = ?"
		args = append(args, filter.Filename)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountActiveJobs returns the number of running|pending|paused jobs for a printer
func (s *SQLiteStore) CountActiveJobs(ctx context.Context, printerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE printer_id = ? AND status IN ('running', 'pending', 'paused')`,
		printerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// FindRecentJob searches the most recent jobs of any status for a filename
// match whose start time (preferred) or creation time falls within the window.
func (s *SQLiteStore) FindRecentJob(ctx context.Context, printerID, cleanName string, ref time.Time, window time.Duration, limit int) (*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	jobs, err := s.ListJobs(ctx, JobFilter{PrinterID: printerID, Limit: limit})
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if CleanFilename(j.Filename) != cleanName {
			continue
		}
		t := j.CreatedAt
		if j.StartTime != nil {
			t = *j.StartTime
		}
		diff := t.Sub(ref)
		if diff < 0 {
			diff = -diff
		}
		if diff <= window {
			return j, nil
		}
	}
	return nil, ErrNotFound
}

// Stats returns storage statistics
func (s *SQLiteStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})
	for _, table := range []string{"printers", "files", "jobs"} {
		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	stats["path"] = s.dbPath
	return stats, nil
}

// --- helpers ---

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalOrNil(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			return nil, nil
		}
	case *PhysicalProperties:
		if t == nil {
			return nil, nil
		}
	case *PrintSettings:
		if t == nil {
			return nil, nil
		}
	case *MaterialRequirements:
		if t == nil {
			return nil, nil
		}
	case *CostBreakdown:
		if t == nil {
			return nil, nil
		}
	case *QualityMetrics:
		if t == nil {
			return nil, nil
		}
	case *CompatibilityInfo:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func coalesceSource(a, b FileSource) FileSource {
	if a != "" {
		return a
	}
	return b
}

func latestTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
