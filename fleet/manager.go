// Package fleet owns the printer registry, driver lifecycle and the status
// monitoring pipeline that fans normalized updates out to storage, the event
// bus and the downstream engines.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/config"
	"github.com/schmacka/printernizer-ha-sub000/drivers"
	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

// ErrActiveJobsPresent blocks printer deletion while jobs are active, unless
// forced.
var ErrActiveJobsPresent = errors.New("printer has active jobs")

// Logger is the subset of the logger the fleet needs. It covers both driver
// logger interfaces so one logger serves the whole stack.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
	WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{})
}

// StatusHandler receives every normalized status update from any driver.
// The monitor implements it.
type StatusHandler interface {
	HandleStatus(ctx context.Context, update *storage.StatusUpdate, kind storage.PrinterKind, isStartup bool)
}

// TestResult is the outcome of a connection test against a candidate config.
type TestResult struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}

// Manager owns one driver per active printer. It implements the driver
// provider interface the file pipeline consumes.
type Manager struct {
	store storage.Store
	bus   *events.Bus
	cfg   *config.Config
	log   Logger

	mu      sync.RWMutex
	drivers map[string]drivers.Driver

	handler StatusHandler
}

// NewManager creates a fleet manager.
func NewManager(store storage.Store, bus *events.Bus, cfg *config.Config, log Logger) *Manager {
	return &Manager{
		store:   store,
		bus:     bus,
		cfg:     cfg,
		log:     log,
		drivers: make(map[string]drivers.Driver),
	}
}

// SetStatusHandler registers the monitor. Must be called before any printer
// connects.
func (m *Manager) SetStatusHandler(h StatusHandler) {
	m.handler = h
}

// Driver returns the live driver for a printer id.
func (m *Manager) Driver(printerID string) (drivers.Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[printerID]
	return d, ok
}

// LoadPrinters persists the configured printers and registers drivers for the
// active ones. Inactive printers keep their store rows but get no driver.
func (m *Manager) LoadPrinters(ctx context.Context, configs []*config.PrinterConfig) error {
	for _, pc := range configs {
		p := pc.ToPrinter()
		if err := m.store.UpsertPrinter(ctx, p); err != nil {
			return fmt.Errorf("failed to persist printer %s: %w", p.ID, err)
		}
		if !p.Active {
			m.log.Info("Printer configured but inactive", "printer_id", p.ID)
			continue
		}
		if err := m.register(p); err != nil {
			return err
		}
		m.log.Info("Printer registered", "printer_id", p.ID, "kind", string(p.Kind))
	}
	return nil
}

// AddPrinter validates and registers one printer at runtime.
func (m *Manager) AddPrinter(ctx context.Context, pc *config.PrinterConfig) error {
	if err := pc.Validate(); err != nil {
		return err
	}
	p := pc.ToPrinter()
	if err := m.store.CreatePrinter(ctx, p); err != nil {
		return err
	}
	if !p.Active {
		return nil
	}
	return m.register(p)
}

func (m *Manager) register(p *storage.Printer) error {
	d, err := m.buildDriver(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.drivers[p.ID] = d
	m.mu.Unlock()
	return nil
}

func (m *Manager) buildDriver(p *storage.Printer) (drivers.Driver, error) {
	switch p.Kind {
	case storage.KindBambuLab:
		return drivers.NewBambuDriver(p.ID, p.IPAddress, p.AccessCode, p.SerialNumber, m.cfg.MonitoringInterval, m.log), nil
	case storage.KindPrusaCore:
		return drivers.NewPrusaDriver(p.ID, p.IPAddress, p.APIKey, m.cfg.MonitoringInterval, m.log), nil
	default:
		return nil, fmt.Errorf("unknown printer kind %q for %s", p.Kind, p.ID)
	}
}

// ConnectAll connects and starts monitoring every registered printer in
// parallel. Individual failures are logged and reported on the bus; they
// never abort the rest of the fleet.
func (m *Manager) ConnectAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.drivers))
	for id := range m.drivers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(printerID string) {
			defer wg.Done()
			if err := m.ConnectAndMonitor(ctx, printerID); err != nil {
				m.log.Error("Printer connect failed", "printer_id", printerID, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// ConnectAndMonitor connects one printer, processes its initial status and
// starts continuous monitoring. Idempotent for an already-connected printer.
func (m *Manager) ConnectAndMonitor(ctx context.Context, printerID string) error {
	d, ok := m.Driver(printerID)
	if !ok {
		return fmt.Errorf("no driver registered for printer %s", printerID)
	}
	if d.IsConnected() {
		return nil
	}

	m.progress(printerID, "connecting")

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	err := d.Connect(connectCtx)
	cancel()
	if err != nil {
		m.progress(printerID, "failed")
		m.bus.Publish(events.TopicPrinterDisconnected, map[string]interface{}{
			"printer_id": printerID,
			"error":      err.Error(),
		})
		return fmt.Errorf("%w: %s: %v", drivers.ErrConnectionFailed, printerID, err)
	}
	m.progress(printerID, "connected")
	m.bus.Publish(events.TopicPrinterConnected, map[string]interface{}{
		"printer_id": printerID,
	})

	if err := m.store.UpdatePrinterStatus(ctx, printerID, storage.StateOnline, time.Now()); err != nil {
		m.log.Warn("Failed to persist connect state", "printer_id", printerID, "error", err)
	}

	kind := m.printerKind(ctx, printerID)

	// The initial read catches a print that started while this process was
	// down, so it is flagged as a startup observation.
	if initial := d.GetStatus(ctx); initial != nil && m.handler != nil {
		m.handler.HandleStatus(ctx, initial, kind, true)
	}

	if m.handler != nil {
		d.SetStatusCallback(func(update *storage.StatusUpdate) {
			m.handler.HandleStatus(context.Background(), update, kind, false)
		})
	}

	if err := d.StartMonitoring(ctx); err != nil {
		return fmt.Errorf("failed to start monitoring %s: %w", printerID, err)
	}
	m.progress(printerID, "monitoring")
	m.bus.Publish(events.TopicPrinterMonitoringStarted, map[string]interface{}{
		"printer_id": printerID,
	})
	return nil
}

func (m *Manager) printerKind(ctx context.Context, printerID string) storage.PrinterKind {
	if p, err := m.store.GetPrinter(ctx, printerID); err == nil {
		return p.Kind
	}
	return ""
}

func (m *Manager) progress(printerID, stage string) {
	m.bus.Publish(events.TopicPrinterConnectionProg, map[string]interface{}{
		"printer_id": printerID,
		"stage":      stage,
	})
}

// Disconnect stops monitoring and tears down one printer's connection.
// Idempotent when already disconnected.
func (m *Manager) Disconnect(ctx context.Context, printerID string) error {
	d, ok := m.Driver(printerID)
	if !ok {
		return fmt.Errorf("no driver registered for printer %s", printerID)
	}
	if !d.IsConnected() {
		return nil
	}
	d.StopMonitoring()
	m.bus.Publish(events.TopicPrinterMonitoringStopped, map[string]interface{}{
		"printer_id": printerID,
	})
	if err := d.Disconnect(ctx); err != nil {
		return err
	}
	m.bus.Publish(events.TopicPrinterDisconnected, map[string]interface{}{
		"printer_id": printerID,
	})
	if err := m.store.UpdatePrinterStatus(ctx, printerID, storage.StateOffline, time.Now()); err != nil {
		m.log.Warn("Failed to persist disconnect state", "printer_id", printerID, "error", err)
	}
	return nil
}

// TestConnection probes a candidate configuration with a throwaway driver.
// The registry is never touched.
func (m *Manager) TestConnection(ctx context.Context, pc *config.PrinterConfig) *TestResult {
	if err := pc.Validate(); err != nil {
		return &TestResult{Success: false, Message: err.Error()}
	}
	d, err := m.buildDriver(pc.ToPrinter())
	if err != nil {
		return &TestResult{Success: false, Message: err.Error()}
	}

	start := time.Now()
	testCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	defer cancel()

	if err := d.Connect(testCtx); err != nil {
		return &TestResult{
			Success:        false,
			Message:        err.Error(),
			ResponseTimeMS: time.Since(start).Milliseconds(),
		}
	}
	defer d.Disconnect(context.Background())

	status := d.GetStatus(testCtx)
	elapsed := time.Since(start).Milliseconds()
	if status.State == storage.StateError {
		return &TestResult{Success: false, Message: status.Message, ResponseTimeMS: elapsed}
	}
	return &TestResult{
		Success:        true,
		Message:        fmt.Sprintf("printer reachable, state %s", status.State),
		ResponseTimeMS: elapsed,
	}
}

// HealthCheck reports per-printer connection health plus fleet aggregates.
func (m *Manager) HealthCheck(ctx context.Context) map[string]interface{} {
	m.mu.RLock()
	snapshot := make(map[string]drivers.Driver, len(m.drivers))
	for id, d := range m.drivers {
		snapshot[id] = d
	}
	m.mu.RUnlock()

	printers := make(map[string]interface{}, len(snapshot))
	connected, healthy := 0, 0
	for id, d := range snapshot {
		isConn := d.IsConnected()
		isHealthy := false
		if isConn {
			connected++
			st := d.GetStatus(ctx)
			isHealthy = st.State != storage.StateError && st.State != storage.StateUnknown
			if isHealthy {
				healthy++
			}
		}
		printers[id] = map[string]interface{}{
			"connected": isConn,
			"healthy":   isHealthy,
		}
	}
	return map[string]interface{}{
		"printers":  printers,
		"total":     len(snapshot),
		"connected": connected,
		"healthy":   healthy,
	}
}

// DeletePrinter removes a printer from the registry and the store. With
// active jobs present the call fails unless force is set. Job rows are never
// touched either way; history survives the printer.
func (m *Manager) DeletePrinter(ctx context.Context, printerID string, force bool) error {
	active, err := m.store.CountActiveJobs(ctx, printerID)
	if err != nil {
		return err
	}
	if active > 0 && !force {
		return fmt.Errorf("%w: %d active", ErrActiveJobsPresent, active)
	}

	if d, ok := m.Driver(printerID); ok {
		if d.IsConnected() {
			d.StopMonitoring()
			if err := d.Disconnect(ctx); err != nil {
				m.log.Warn("Disconnect during delete failed", "printer_id", printerID, "error", err)
			}
		}
		m.mu.Lock()
		delete(m.drivers, printerID)
		m.mu.Unlock()
	}

	if err := m.store.DeletePrinter(ctx, printerID); err != nil {
		return err
	}
	m.log.Info("Printer deleted", "printer_id", printerID, "forced", force)
	return nil
}

// Shutdown disconnects every printer. Errors are logged, never re-raised;
// shutdown always completes.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.drivers))
	for id := range m.drivers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(printerID string) {
			defer wg.Done()
			if err := m.Disconnect(ctx, printerID); err != nil {
				m.log.Error("Disconnect during shutdown failed", "printer_id", printerID, "error", err)
			}
		}(id)
	}
	wg.Wait()
}
