package drivers

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jlaffaye/ftp"

	"github.com/schmacka/printernizer-ha-sub000/storage"
)

const (
	bambuMQTTPort       = 8883
	bambuFTPPort        = 990
	bambuMQTTUser       = "bblp"
	bambuQoS            = 0
	bambuConnectTimeout = 5 * time.Second
	bambuMaxAttempts    = 3
)

// BambuLogger is the subset of the logger the driver needs.
type BambuLogger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// BambuDriver talks to a Bambu Lab printer. Status is push-based over a
// long-lived MQTT subscription; files move over the printer's implicit-TLS
// FTP service. Thumbnails come from the file payload itself, so the driver
// has no thumbnail capability of its own.
type BambuDriver struct {
	printerID  string
	host       string
	accessCode string
	serial     string
	interval   time.Duration
	log        BambuLogger

	mu         sync.Mutex
	client     paho.Client
	callback   StatusCallback
	monitoring bool
	cancel     context.CancelFunc

	// last merged vendor payload; Bambu pushes diffs, so fields are
	// accumulated across messages.
	state bambuPrintPayload
	seen  time.Time
}

// NewBambuDriver creates a driver for a bambu_lab printer.
func NewBambuDriver(printerID, host, accessCode, serial string, interval time.Duration, log BambuLogger) *BambuDriver {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &BambuDriver{
		printerID:  printerID,
		host:       host,
		accessCode: accessCode,
		serial:     serial,
		interval:   interval,
		log:        log,
	}
}

// Connect establishes the MQTT connection with bounded retries. Idempotent.
func (d *BambuDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.client != nil && d.client.IsConnected() {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", d.host, bambuMQTTPort)).
		SetClientID("printernizer-" + d.printerID).
		SetUsername(bambuMQTTUser).
		SetPassword(d.accessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetAutoReconnect(true).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(bambuConnectTimeout).
		SetOnConnectHandler(d.onConnect).
		SetConnectionLostHandler(d.onConnectionLost)

	client := paho.NewClient(opts)

	var lastErr error
	for attempt := 1; attempt <= bambuMaxAttempts; attempt++ {
		token := client.Connect()
		if token.WaitTimeout(bambuConnectTimeout+time.Second) && token.Error() == nil {
			d.mu.Lock()
			d.client = client
			d.mu.Unlock()
			return nil
		}
		lastErr = token.Error()
		if lastErr == nil {
			lastErr = fmt.Errorf("connect timed out")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrConnectionFailed, ctx.Err())
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, lastErr)
}

func (d *BambuDriver) onConnect(client paho.Client) {
	topic := fmt.Sprintf("device/%s/report", d.serial)
	token := client.Subscribe(topic, bambuQoS, d.handleMessage)
	if token.Wait() && token.Error() != nil {
		if d.log != nil {
			d.log.Error("Failed to subscribe to printer report topic",
				"printer_id", d.printerID, "error", token.Error())
		}
		return
	}
	d.requestPushAll()
}

func (d *BambuDriver) onConnectionLost(client paho.Client, err error) {
	if d.log != nil {
		d.log.Warn("Printer MQTT connection lost", "printer_id", d.printerID, "error", err)
	}
}

func (d *BambuDriver) handleMessage(client paho.Client, msg paho.Message) {
	var received bambuReport
	if err := json.Unmarshal(msg.Payload(), &received); err != nil {
		if d.log != nil {
			d.log.Debug("Unparseable printer report", "printer_id", d.printerID, "error", err)
		}
		return
	}

	d.mu.Lock()
	d.state.merge(&received.Print)
	d.seen = time.Now()
	update := d.buildStatusLocked(msg.Payload())
	monitoring := d.monitoring
	cb := d.callback
	d.mu.Unlock()

	if monitoring && cb != nil {
		cb(update)
	}
}

// buildStatusLocked converts the merged vendor payload into a normalized
// snapshot. Caller holds the mutex.
func (d *BambuDriver) buildStatusLocked(raw []byte) *storage.StatusUpdate {
	now := time.Now()
	st := &d.state
	update := &storage.StatusUpdate{
		PrinterID:  d.printerID,
		State:      NormalizeState(st.GcodeState),
		Progress:   ClampProgress(float64(st.McPercent)),
		CurrentJob: st.GcodeFile,
		Timestamp:  now,
	}
	if len(raw) > 0 {
		update.Raw = map[string]interface{}{"report": json.RawMessage(raw)}
	}
	if st.McPrintErrorCode != "" && st.McPrintErrorCode != "0" {
		update.State = storage.StateError
		update.Message = "vendor error code " + st.McPrintErrorCode
	}
	if st.BedTemper != nil {
		update.BedTemp = st.BedTemper
	}
	if st.BedTargetTemper != nil && *st.BedTargetTemper > 0 {
		update.BedTarget = st.BedTargetTemper
	}
	if st.NozzleTemper != nil {
		update.NozzleTemp = st.NozzleTemper
	}
	if st.NozzleTargetTemper != nil && *st.NozzleTargetTemper > 0 {
		update.NozzleTarget = st.NozzleTargetTemper
	}
	if st.McRemainingTime > 0 {
		rm := st.McRemainingTime
		update.RemainingMin = &rm
	}
	var vendorStart *time.Time
	if st.GcodeStartTime != "" {
		if epoch, err := strconv.ParseInt(st.GcodeStartTime, 10, 64); err == nil && epoch > 0 {
			t := time.Unix(epoch, 0)
			vendorStart = &t
			elapsed := int(now.Sub(t).Minutes())
			if elapsed >= 0 {
				update.ElapsedMin = &elapsed
			}
		}
	}
	update.PrintStartTime = ComputeStartTime(now, update.ElapsedMin, vendorStart)
	return update
}

// Disconnect closes the MQTT connection.
func (d *BambuDriver) Disconnect(ctx context.Context) error {
	d.StopMonitoring()
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

// IsConnected reports the connection state.
func (d *BambuDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client != nil && d.client.IsConnected()
}

// GetStatus returns the latest merged snapshot. When no report has arrived
// yet it requests one and reports unknown rather than failing.
func (d *BambuDriver) GetStatus(ctx context.Context) *storage.StatusUpdate {
	d.mu.Lock()
	connected := d.client != nil && d.client.IsConnected()
	stale := d.seen.IsZero() || time.Since(d.seen) > 2*d.interval
	var update *storage.StatusUpdate
	if !d.seen.IsZero() {
		update = d.buildStatusLocked(nil)
	}
	d.mu.Unlock()

	if !connected {
		return ErrorStatus(d.printerID, "printer not connected")
	}
	if stale {
		d.requestPushAll()
	}
	if update == nil {
		return &storage.StatusUpdate{
			PrinterID: d.printerID,
			State:     storage.StateUnknown,
			Message:   "awaiting first report",
			Timestamp: time.Now(),
		}
	}
	return update
}

// ListFiles lists the model directories of the printer's FTP service.
func (d *BambuDriver) ListFiles(ctx context.Context) ([]FileInfo, error) {
	conn, err := d.dialFTP(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	var files []FileInfo
	for _, dir := range []string{"/", "/cache"} {
		entries, err := conn.List(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.Type != ftp.EntryTypeFile {
				continue
			}
			if storage.ExtensionKind(e.Name) == "" {
				continue
			}
			p := e.Name
			if dir != "/" {
				p = dir + "/" + e.Name
			}
			files = append(files, FileInfo{
				Filename:   e.Name,
				Size:       int64(e.Size),
				ModifiedAt: e.Time,
				Path:       p,
			})
		}
	}
	return files, nil
}

// DownloadFile fetches filename over FTP and writes it to localPath with the
// binary sniff guard shared with the Prusa driver.
func (d *BambuDriver) DownloadFile(ctx context.Context, filename, localPath string) error {
	conn, err := d.dialFTP(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer conn.Quit()

	resp, err := conn.Retr(filename)
	if err != nil {
		// Reported names often live under cache/.
		resp, err = conn.Retr("cache/" + filename)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
	}
	defer resp.Close()

	return writeBinary(resp, localPath)
}

func (d *BambuDriver) dialFTP(ctx context.Context) (*ftp.ServerConn, error) {
	addr := fmt.Sprintf("%s:%d", d.host, bambuFTPPort)
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(bambuConnectTimeout),
		ftp.DialWithTLS(&tls.Config{InsecureSkipVerify: true}))
	if err != nil {
		return nil, err
	}
	if err := conn.Login(bambuMQTTUser, d.accessCode); err != nil {
		conn.Quit()
		return nil, err
	}
	return conn, nil
}

// Pause pauses the running print.
func (d *BambuDriver) Pause(ctx context.Context) error {
	return d.publishPrintCommand("pause")
}

// Resume resumes a paused print.
func (d *BambuDriver) Resume(ctx context.Context) error {
	return d.publishPrintCommand("resume")
}

// Stop aborts the running print.
func (d *BambuDriver) Stop(ctx context.Context) error {
	return d.publishPrintCommand("stop")
}

func (d *BambuDriver) publishPrintCommand(command string) error {
	return d.publish(map[string]interface{}{
		"print": map[string]interface{}{
			"command":     command,
			"sequence_id": strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
	}, true)
}

func (d *BambuDriver) requestPushAll() {
	d.publish(map[string]interface{}{
		"pushing": map[string]interface{}{
			"command":     "pushall",
			"sequence_id": strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
	}, false)
}

func (d *BambuDriver) publish(cmd map[string]interface{}, command bool) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil || !client.IsConnected() {
		if command {
			return fmt.Errorf("%w: not connected", ErrCommandFailed)
		}
		return nil
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	topic := fmt.Sprintf("device/%s/request", d.serial)
	token := client.Publish(topic, bambuQoS, false, data)
	if token.Wait() && token.Error() != nil {
		if command {
			return fmt.Errorf("%w: %v", ErrCommandFailed, token.Error())
		}
		if d.log != nil {
			d.log.Debug("Failed to request printer report", "printer_id", d.printerID, "error", token.Error())
		}
	}
	return nil
}

// HasCamera reports true: Bambu printers expose an RTSP chamber camera.
func (d *BambuDriver) HasCamera() bool { return true }

// CameraStreamURL returns the chamber camera stream address.
func (d *BambuDriver) CameraStreamURL() (string, bool) {
	return fmt.Sprintf("rtsps://%s:%s@%s:322/streaming/live/1", bambuMQTTUser, d.accessCode, d.host), true
}

// TakeSnapshot is not supported over the protocols the driver speaks.
func (d *BambuDriver) TakeSnapshot(ctx context.Context) ([]byte, error) {
	return nil, ErrNotSupported
}

// SetStatusCallback registers the monitor's callback.
func (d *BambuDriver) SetStatusCallback(fn StatusCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = fn
}

// StartMonitoring enables callback delivery and starts the periodic
// pushall request loop that keeps the event subscription fresh.
func (d *BambuDriver) StartMonitoring(ctx context.Context) error {
	d.mu.Lock()
	if d.monitoring {
		d.mu.Unlock()
		return nil
	}
	d.monitoring = true
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.requestPushAll()
			}
		}
	}()
	return nil
}

// StopMonitoring disables callback delivery.
func (d *BambuDriver) StopMonitoring() {
	d.mu.Lock()
	d.monitoring = false
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mu.Unlock()
}

// --- wire types ---

type bambuReport struct {
	Print bambuPrintPayload `json:"print"`
}

type bambuPrintPayload struct {
	GcodeFile          string   `json:"gcode_file"`
	SubtaskName        string   `json:"subtask_name"`
	GcodeState         string   `json:"gcode_state"`
	GcodeStartTime     string   `json:"gcode_start_time"`
	McPrintErrorCode   string   `json:"mc_print_error_code"`
	McRemainingTime    int      `json:"mc_remaining_time"` // minutes
	McPercent          int      `json:"mc_percent"`        // 0-100
	BedTemper          *float64 `json:"bed_temper"`
	BedTargetTemper    *float64 `json:"bed_target_temper"`
	NozzleTemper       *float64 `json:"nozzle_temper"`
	NozzleTargetTemper *float64 `json:"nozzle_target_temper"`
}

// merge folds a diff payload into the accumulated state. Bambu pushes only
// changed fields, so zero values mean "unchanged". A new gcode_file starts a
// new print; the previous print's progress and timing must not leak into its
// first reports.
func (s *bambuPrintPayload) merge(in *bambuPrintPayload) {
	if in.GcodeFile != "" && in.GcodeFile != s.GcodeFile {
		s.GcodeFile = in.GcodeFile
		s.SubtaskName = ""
		s.GcodeStartTime = ""
		s.McPrintErrorCode = ""
		s.McRemainingTime = 0
		s.McPercent = 0
	}
	if in.SubtaskName != "" {
		s.SubtaskName = in.SubtaskName
	}
	if in.GcodeState != "" {
		s.GcodeState = in.GcodeState
	}
	if in.GcodeStartTime != "" {
		s.GcodeStartTime = in.GcodeStartTime
	}
	if in.McPrintErrorCode != "" {
		s.McPrintErrorCode = in.McPrintErrorCode
	}
	if in.McRemainingTime != 0 {
		s.McRemainingTime = in.McRemainingTime
	}
	if in.McPercent != 0 {
		s.McPercent = in.McPercent
	}
	if in.BedTemper != nil {
		s.BedTemper = in.BedTemper
	}
	if in.BedTargetTemper != nil {
		s.BedTargetTemper = in.BedTargetTemper
	}
	if in.NozzleTemper != nil {
		s.NozzleTemper = in.NozzleTemper
	}
	if in.NozzleTargetTemper != nil {
		s.NozzleTargetTemper = in.NozzleTargetTemper
	}
}
