package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v4"

	"github.com/schmacka/printernizer-ha-sub000/storage"
)

const (
	prusaTotalTimeout   = 60 * time.Second
	prusaConnectTimeout = 10 * time.Second
	prusaMaxAttempts    = 3
	// Oldest PrusaLink API version the driver is known to work against.
	prusaMinAPIVersion = "2.0.0"
)

// PrusaLogger is the subset of the logger the driver needs.
type PrusaLogger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
	WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{})
}

// PrusaDriver talks to a PrusaLink printer over its HTTP API. The vendor
// protocol is pull-based, so monitoring is a polling task.
type PrusaDriver struct {
	printerID string
	baseURL   string
	apiKey    string
	interval  time.Duration
	client    *http.Client
	log       PrusaLogger

	mu        sync.Mutex
	connected bool
	callback  StatusCallback
	cancel    context.CancelFunc
}

// NewPrusaDriver creates a driver for a prusa_core printer.
func NewPrusaDriver(printerID, host, apiKey string, interval time.Duration, log PrusaLogger) *PrusaDriver {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	base := host
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &PrusaDriver{
		printerID: printerID,
		baseURL:   strings.TrimRight(base, "/"),
		apiKey:    apiKey,
		interval:  interval,
		log:       log,
		client: &http.Client{
			Timeout: prusaTotalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: prusaConnectTimeout}).DialContext,
			},
		},
	}
}

// Connect verifies the printer is reachable. Idempotent.
func (d *PrusaDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	body, err := d.getWithRetry(ctx, "/api/version")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	var ver struct {
		API    string `json:"api"`
		Server string `json:"server"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(body, &ver); err == nil && ver.API != "" {
		d.checkAPIVersion(ver.API)
	}

	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

// checkAPIVersion warns (rate-limited) when the PrusaLink API is older than
// the minimum the driver was built against.
func (d *PrusaDriver) checkAPIVersion(api string) {
	have, err := semver.NewVersion(api)
	if err != nil {
		return
	}
	min := semver.MustParse(prusaMinAPIVersion)
	if have.LessThan(min) && d.log != nil {
		d.log.WarnRateLimited("prusa_api_version_"+d.printerID, time.Hour,
			"PrusaLink API version is older than supported minimum",
			"printer_id", d.printerID, "api", api, "min", prusaMinAPIVersion)
	}
}

// Disconnect marks the driver disconnected. There is no session to tear down.
func (d *PrusaDriver) Disconnect(ctx context.Context) error {
	d.StopMonitoring()
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

// IsConnected reports the connection state
func (d *PrusaDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// GetStatus polls /api/printer and /api/job and merges them into one
// normalized snapshot. Never fails.
func (d *PrusaDriver) GetStatus(ctx context.Context) *storage.StatusUpdate {
	printerBody, err := d.getWithRetry(ctx, "/api/printer")
	if err != nil {
		return ErrorStatus(d.printerID, fmt.Sprintf("status request failed: %v", err))
	}

	var pr prusaPrinterResponse
	if err := json.Unmarshal(printerBody, &pr); err != nil {
		return ErrorStatus(d.printerID, fmt.Sprintf("status parse failed: %v", err))
	}

	now := time.Now()
	update := &storage.StatusUpdate{
		PrinterID: d.printerID,
		State:     NormalizeState(pr.State.Text),
		Timestamp: now,
		Raw:       map[string]interface{}{"printer": json.RawMessage(printerBody)},
	}
	if pr.State.Flags.Printing {
		update.State = storage.StatePrinting
	} else if pr.State.Flags.Paused {
		update.State = storage.StatePaused
	} else if pr.State.Flags.Error {
		update.State = storage.StateError
	}

	if pr.Temperature.Bed != nil {
		update.BedTemp = &pr.Temperature.Bed.Actual
		if pr.Temperature.Bed.Target > 0 {
			update.BedTarget = &pr.Temperature.Bed.Target
		}
	}
	if pr.Temperature.Tool0 != nil {
		update.NozzleTemp = &pr.Temperature.Tool0.Actual
		if pr.Temperature.Tool0.Target > 0 {
			update.NozzleTarget = &pr.Temperature.Tool0.Target
		}
	}

	// The job endpoint fills progress, filename and times. Its absence is
	// not an error for an idle printer.
	if jobBody, err := d.getWithRetry(ctx, "/api/job"); err == nil {
		var jr prusaJobResponse
		if err := json.Unmarshal(jobBody, &jr); err == nil {
			d.applyJob(update, &jr, now)
			update.Raw["job"] = json.RawMessage(jobBody)
		}
	}
	return update
}

func (d *PrusaDriver) applyJob(update *storage.StatusUpdate, jr *prusaJobResponse, now time.Time) {
	if jr.Job.File.Name != "" {
		update.CurrentJob = jr.Job.File.Name
	}
	if jr.Progress != nil {
		// Percent is already in 0..100 here; only clamp, the fractional
		// completion shape was converted during unmarshal.
		pct := jr.Progress.Percent
		if pct < 0 {
			pct = 0
		} else if pct > 100 {
			pct = 100
		}
		update.Progress = pct
		if elapsed := jr.Progress.ElapsedMinutes(); elapsed != nil {
			update.ElapsedMin = elapsed
		}
		if remaining := jr.Progress.RemainingMinutes(); remaining != nil {
			update.RemainingMin = remaining
		}
	}
	update.PrintStartTime = ComputeStartTime(now, update.ElapsedMin, nil)
}

// ListFiles flattens the file index into a listing.
func (d *PrusaDriver) ListFiles(ctx context.Context) ([]FileInfo, error) {
	entries, err := d.fileIndex(ctx)
	if err != nil {
		return nil, err
	}
	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		files = append(files, FileInfo{
			Filename:   e.Name,
			Size:       e.Size,
			ModifiedAt: e.modTime(),
			Path:       e.Path,
		})
	}
	return files, nil
}

// DownloadFile performs the two-step flow: resolve the reported filename to
// a {storage, path} pair in the file index, then fetch the binary from
// /api/v1/files/{storage}/{path}. Refuses JSON payloads.
func (d *PrusaDriver) DownloadFile(ctx context.Context, filename, localPath string) error {
	entry, err := d.resolveFile(ctx, filename)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("/api/v1/files/%s/%s", url.PathEscape(entry.storage()), escapePath(entry.storagePath()))
	req, err := d.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d for %s", ErrDownloadFailed, resp.StatusCode, filename)
	}

	return writeBinary(resp.Body, localPath)
}

// writeBinary streams body to localPath, sniffing the first bytes and
// refusing JSON metadata. A partial file is removed on any failure.
func writeBinary(body io.Reader, localPath string) error {
	head := make([]byte, 512)
	n, err := io.ReadFull(body, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	head = head[:n]
	if LooksLikeJSON(head) {
		return fmt.Errorf("%w: payload is JSON metadata, not file content", ErrDownloadFailed)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	_, werr := io.Copy(out, io.MultiReader(bytes.NewReader(head), body))
	cerr := out.Close()
	if werr != nil || cerr != nil {
		os.Remove(localPath)
		if werr == nil {
			werr = cerr
		}
		return fmt.Errorf("%w: %v", ErrDownloadFailed, werr)
	}
	return nil
}

// resolveFile finds the index entry whose name or path matches the reported
// filename. The driver does not rewrite names; reconciliation of mismatched
// names lives in the monitor.
func (d *PrusaDriver) resolveFile(ctx context.Context, filename string) (*prusaFileEntry, error) {
	entries, err := d.fileIndex(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		e := &entries[i]
		if e.Name == filename || e.Path == filename || strings.TrimPrefix(e.Path, "/") == filename {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s not present in file index", ErrDownloadFailed, filename)
}

// DownloadThumbnail fetches the rendered thumbnail PrusaLink serves for a
// file (refs.thumbnail when large, refs.icon otherwise).
func (d *PrusaDriver) DownloadThumbnail(ctx context.Context, filename string, large bool) ([]byte, error) {
	entries, err := d.fileIndex(ctx)
	if err != nil {
		return nil, err
	}
	var ref string
	for i := range entries {
		e := &entries[i]
		if e.Name != filename && e.Path != filename {
			continue
		}
		if large {
			ref = e.Refs.Thumbnail
		} else {
			ref = e.Refs.Icon
		}
		break
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: no thumbnail reference for %s", ErrNotSupported, filename)
	}

	req, err := d.newRequest(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("thumbnail request failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Pause pauses the running print.
func (d *PrusaDriver) Pause(ctx context.Context) error {
	return d.postJobCommand(ctx, map[string]interface{}{"command": "pause", "action": "pause"})
}

// Resume resumes a paused print.
func (d *PrusaDriver) Resume(ctx context.Context) error {
	return d.postJobCommand(ctx, map[string]interface{}{"command": "pause", "action": "resume"})
}

// Stop cancels the running print.
func (d *PrusaDriver) Stop(ctx context.Context) error {
	return d.postJobCommand(ctx, map[string]interface{}{"command": "cancel"})
}

func (d *PrusaDriver) postJobCommand(ctx context.Context, body map[string]interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	req, err := d.newRequest(ctx, http.MethodPost, "/api/job", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: vendor returned status %d", ErrCommandFailed, resp.StatusCode)
	}
	return nil
}

// HasCamera reports false; PrusaLink has no camera endpoint the core uses.
func (d *PrusaDriver) HasCamera() bool { return false }

// CameraStreamURL reports no stream.
func (d *PrusaDriver) CameraStreamURL() (string, bool) { return "", false }

// TakeSnapshot is not supported.
func (d *PrusaDriver) TakeSnapshot(ctx context.Context) ([]byte, error) {
	return nil, ErrNotSupported
}

// SetStatusCallback registers the monitor's callback.
func (d *PrusaDriver) SetStatusCallback(fn StatusCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = fn
}

// StartMonitoring begins the polling task that produces status callbacks.
func (d *PrusaDriver) StartMonitoring(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	go d.poll(runCtx)
	return nil
}

// StopMonitoring stops the polling task.
func (d *PrusaDriver) StopMonitoring() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mu.Unlock()
}

func (d *PrusaDriver) poll(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		update := d.GetStatus(ctx)
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()
		if cb != nil {
			cb(update)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// getWithRetry performs a GET with bounded exponential backoff across
// transient DNS/connect/timeout errors. HTTP error statuses are permanent.
func (d *PrusaDriver) getWithRetry(ctx context.Context, endpoint string) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := d.newRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return err // transient: DNS, connect, timeout
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("unexpected status %d for %s", resp.StatusCode, endpoint))
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), prusaMaxAttempts-1), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return body, nil
}

func (d *PrusaDriver) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	target := endpoint
	if strings.HasPrefix(endpoint, "/") {
		target = d.baseURL + endpoint
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", d.apiKey)
	return req, nil
}

// fileIndex fetches and flattens /api/files.
func (d *PrusaDriver) fileIndex(ctx context.Context) ([]prusaFileEntry, error) {
	body, err := d.getWithRetry(ctx, "/api/files")
	if err != nil {
		return nil, err
	}
	var idx struct {
		Files []prusaFileEntry `json:"files"`
	}
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse file index: %w", err)
	}
	var flat []prusaFileEntry
	flatten(idx.Files, &flat)
	return flat, nil
}

func flatten(entries []prusaFileEntry, out *[]prusaFileEntry) {
	for _, e := range entries {
		if len(e.Children) > 0 {
			flatten(e.Children, out)
			continue
		}
		if e.Type == "folder" {
			continue
		}
		*out = append(*out, e)
	}
}

// escapePath escapes each path segment while keeping the separators.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// --- wire types ---

type prusaTemperature struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

type prusaPrinterResponse struct {
	State struct {
		Text  string `json:"text"`
		Flags struct {
			Operational bool `json:"operational"`
			Printing    bool `json:"printing"`
			Paused      bool `json:"paused"`
			Error       bool `json:"error"`
		} `json:"flags"`
	} `json:"state"`
	Temperature struct {
		Bed   *prusaTemperature `json:"bed"`
		Tool0 *prusaTemperature `json:"tool0"`
	} `json:"temperature"`
}

type prusaJobResponse struct {
	State string `json:"state"`
	Job   struct {
		File struct {
			Name string `json:"name"`
			Path string `json:"path"`
		} `json:"file"`
	} `json:"job"`
	Progress *prusaProgress `json:"progress"`
}

// prusaProgress accepts the two shapes the vendor emits: a bare numeric
// percent and an object with a 0..1 completion plus vendor-named time
// fields (time_printing/time_remaining, with printTime/printTimeLeft as
// alternates).
type prusaProgress struct {
	Percent       float64
	TimePrinting  *float64
	TimeRemaining *float64
}

func (p *prusaProgress) UnmarshalJSON(data []byte) error {
	var percent float64
	if err := json.Unmarshal(data, &percent); err == nil {
		p.Percent = percent
		return nil
	}

	var obj struct {
		Completion    *float64 `json:"completion"`
		TimePrinting  *float64 `json:"time_printing"`
		TimeRemaining *float64 `json:"time_remaining"`
		PrintTime     *float64 `json:"printTime"`
		PrintTimeLeft *float64 `json:"printTimeLeft"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.Completion != nil {
		p.Percent = *obj.Completion * 100
	}
	p.TimePrinting = obj.TimePrinting
	if p.TimePrinting == nil {
		p.TimePrinting = obj.PrintTime
	}
	p.TimeRemaining = obj.TimeRemaining
	if p.TimeRemaining == nil {
		p.TimeRemaining = obj.PrintTimeLeft
	}
	return nil
}

// ElapsedMinutes converts the vendor's elapsed seconds to whole minutes.
func (p *prusaProgress) ElapsedMinutes() *int {
	if p.TimePrinting == nil {
		return nil
	}
	m := int(*p.TimePrinting / 60)
	return &m
}

// RemainingMinutes converts the vendor's remaining seconds to whole minutes.
func (p *prusaProgress) RemainingMinutes() *int {
	if p.TimeRemaining == nil {
		return nil
	}
	m := int(*p.TimeRemaining / 60)
	return &m
}

type prusaFileEntry struct {
	Name     string           `json:"name"`
	Path     string           `json:"path"`
	Display  string           `json:"display"`
	Size     int64            `json:"size"`
	Date     int64            `json:"date"`
	Type     string           `json:"type"`
	Children []prusaFileEntry `json:"children"`
	Refs     struct {
		Download  string `json:"download"`
		Thumbnail string `json:"thumbnail"`
		Icon      string `json:"icon"`
	} `json:"refs"`
}

func (e *prusaFileEntry) modTime() time.Time {
	if e.Date == 0 {
		return time.Time{}
	}
	return time.Unix(e.Date, 0)
}

// storage returns the storage component of the entry path ("local" from
// "/local/dir/file.gcode").
func (e *prusaFileEntry) storage() string {
	trimmed := strings.TrimPrefix(e.Path, "/")
	if i := strings.Index(trimmed, "/"); i > 0 {
		return trimmed[:i]
	}
	return "local"
}

// storagePath returns the path below the storage component.
func (e *prusaFileEntry) storagePath() string {
	trimmed := strings.TrimPrefix(e.Path, "/")
	if i := strings.Index(trimmed, "/"); i > 0 {
		return trimmed[i+1:]
	}
	return path.Join(trimmed, e.Name)
}
