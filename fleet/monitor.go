package fleet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

// Downloader is the file pipeline surface the monitor uses to trigger
// automatic downloads.
type Downloader interface {
	Download(ctx context.Context, printerID, filename, destination string) (string, error)
}

// JobEngine is the auto-job surface the monitor drives.
type JobEngine interface {
	HandlePrintingStatus(ctx context.Context, update *storage.StatusUpdate, kind storage.PrinterKind, isStartup bool) error
	ClearDiscovery(printerID, filename string)
}

// Monitor processes every normalized status update: persist, enrich,
// broadcast, then drive downstream automation. It implements StatusHandler.
type Monitor struct {
	store      storage.Store
	bus        *events.Bus
	downloader Downloader
	autoJobs   JobEngine
	log        Logger

	autoCreateJobs bool

	mu sync.Mutex
	// lastJob tracks the printing job last seen per printer, for discovery
	// cleanup when the printer leaves the printing state.
	lastJob map[string]string
	// attempted records filename variants already tried per printer, so
	// each reconciliation candidate is attempted at most once.
	attempted map[string]map[string]bool
	// downloadTried records (printer, filename) auto-download attempts.
	downloadTried map[string]bool
}

// NewMonitor creates a status monitor.
func NewMonitor(store storage.Store, bus *events.Bus, downloader Downloader, autoJobs JobEngine, autoCreateJobs bool, log Logger) *Monitor {
	return &Monitor{
		store:          store,
		bus:            bus,
		downloader:     downloader,
		autoJobs:       autoJobs,
		log:            log,
		autoCreateJobs: autoCreateJobs,
		lastJob:        make(map[string]string),
		attempted:      make(map[string]map[string]bool),
		downloadTried:  make(map[string]bool),
	}
}

// HandleStatus runs the full per-update sequence. A storage failure is
// logged but never suppresses the broadcast; live visibility beats
// persistence.
func (m *Monitor) HandleStatus(ctx context.Context, update *storage.StatusUpdate, kind storage.PrinterKind, isStartup bool) {
	if update == nil || update.PrinterID == "" {
		return
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}

	if err := m.store.UpdatePrinterStatus(ctx, update.PrinterID, update.State, update.Timestamp); err != nil {
		m.log.Error("Failed to persist printer status",
			"printer_id", update.PrinterID, "state", string(update.State), "error", err)
	}

	var file *storage.PrinterFile
	if update.CurrentJob != "" {
		file = m.resolveCurrentFile(ctx, update.PrinterID, update.CurrentJob)
		if file != nil {
			// Re-read before stamping: a thumbnail may have landed between
			// resolution and now.
			if fresh, err := m.store.GetFile(ctx, file.ID); err == nil {
				file = fresh
			}
			update.CurrentJobFile = file.ID
			update.JobHasThumb = file.HasThumbnail()
			if update.JobHasThumb {
				update.ThumbnailURL = "/api/v1/files/" + file.ID + "/thumbnail"
			}
		}
	}

	m.bus.Publish(events.TopicPrinterStatusUpdate, map[string]interface{}{
		"printer_id":                update.PrinterID,
		"status":                    update,
		"current_job_file_id":       update.CurrentJobFile,
		"current_job_has_thumbnail": update.JobHasThumb,
	})

	if update.State == storage.StatePrinting && update.CurrentJob != "" {
		if file == nil || file.Status != storage.FileDownloaded || !file.HasThumbnail() {
			m.maybeAutoDownload(ctx, update.PrinterID, update.CurrentJob, file)
		}
		if m.autoCreateJobs && m.autoJobs != nil {
			if err := m.autoJobs.HandlePrintingStatus(ctx, update, kind, isStartup); err != nil {
				m.log.Error("Auto-job handling failed",
					"printer_id", update.PrinterID, "filename", update.CurrentJob, "error", err)
			}
		}
	}

	m.trackTransition(update)
}

// trackTransition clears the auto-job discovery record when a printer leaves
// the printing state, so the next print of the same file is a new discovery.
func (m *Monitor) trackTransition(update *storage.StatusUpdate) {
	m.mu.Lock()
	prev := m.lastJob[update.PrinterID]
	if update.State == storage.StatePrinting && update.CurrentJob != "" {
		m.lastJob[update.PrinterID] = update.CurrentJob
		m.mu.Unlock()
		return
	}
	delete(m.lastJob, update.PrinterID)
	m.mu.Unlock()

	if prev != "" && m.autoJobs != nil &&
		(update.State == storage.StateOnline || update.State == storage.StateError) {
		m.autoJobs.ClearDiscovery(update.PrinterID, prev)
	}
}

// resolveCurrentFile matches the printer-reported job filename against the
// file records, trying progressively looser variants. When every variant
// misses the full attempt list is logged, once per reported name.
func (m *Monitor) resolveCurrentFile(ctx context.Context, printerID, reported string) *storage.PrinterFile {
	candidates := filenameCandidates(reported)

	for _, cand := range candidates {
		if f, err := m.store.GetFileByPrinterAndFilename(ctx, printerID, cand); err == nil {
			return f
		}
	}

	// Loose pass over the printer's files: case-insensitive match, then a
	// 20-char lowercase prefix match tolerating small length differences.
	files, err := m.store.ListFiles(ctx, storage.FileFilter{PrinterID: printerID})
	if err == nil {
		lowerReported := strings.ToLower(storage.CleanFilename(reported))
		for _, f := range files {
			if strings.ToLower(f.Filename) == lowerReported {
				return f
			}
		}
		prefix := lowerReported
		if len(prefix) > 20 {
			prefix = prefix[:20]
		}
		for _, f := range files {
			lower := strings.ToLower(f.Filename)
			if len(prefix) >= 10 && strings.HasPrefix(lower, prefix) &&
				absInt(len(lower)-len(lowerReported)) <= 5 {
				return f
			}
		}
	}

	// One failure log per reported name per printer; repeats from the same
	// print are silent.
	if !m.alreadyAttempted(printerID, reported) {
		m.log.Debug("Could not resolve current job to a file record",
			"printer_id", printerID, "reported", reported,
			"attempted", strings.Join(candidates, ", "))
	}
	return nil
}

// filenameCandidates produces the reconciliation variants in match order.
// Duplicates are removed while keeping the first occurrence.
func filenameCandidates(reported string) []string {
	variants := []string{reported}

	stripped := storage.CleanFilename(reported)
	variants = append(variants, stripped)

	// Slicers decorate names with parentheses and commas the printer UI
	// sometimes drops.
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '(', ')', ',':
			return -1
		}
		return r
	}, stripped)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	variants = append(variants, cleaned)

	variants = append(variants, strings.ReplaceAll(cleaned, " ", "_"))

	seen := make(map[string]bool, len(variants))
	out := make([]string, 0, len(variants))
	for _, v := range variants {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func (m *Monitor) alreadyAttempted(printerID, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.attempted[printerID]
	if !ok {
		set = make(map[string]bool)
		m.attempted[printerID] = set
	}
	if set[name] {
		return true
	}
	set[name] = true
	return false
}

// maybeAutoDownload downloads the file of the current print so its thumbnail
// can be extracted. The same name variants used for store resolution are
// tried in order, each variant at most once per process; the first success
// wins. Later updates pick up variants that appear after discovery learns
// the real filename. The downloads run detached from the status path.
func (m *Monitor) maybeAutoDownload(ctx context.Context, printerID, reported string, file *storage.PrinterFile) {
	if m.downloader == nil {
		return
	}
	candidates := m.downloadCandidates(ctx, printerID, reported, file)

	fresh := make([]string, 0, len(candidates))
	m.mu.Lock()
	for _, cand := range candidates {
		key := printerID + ":" + cand
		if m.downloadTried[key] {
			continue
		}
		m.downloadTried[key] = true
		fresh = append(fresh, cand)
	}
	m.mu.Unlock()
	if len(fresh) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		for _, name := range fresh {
			if _, err := m.downloader.Download(ctx, printerID, name, ""); err == nil {
				return
			}
			m.log.Debug("Auto-download variant failed",
				"printer_id", printerID, "filename", name)
		}
		m.log.Warn("Automatic download of current job failed",
			"printer_id", printerID, "reported", reported,
			"attempted", strings.Join(fresh, ", "))
	}()
}

// downloadCandidates builds the ordered download attempt list: the resolved
// file's own name first, then the reconciliation variants of the reported
// name, then loose matches against the printer's known files (the same
// case-insensitive and truncation-prefix rules resolution uses).
func (m *Monitor) downloadCandidates(ctx context.Context, printerID, reported string, file *storage.PrinterFile) []string {
	var candidates []string
	if file != nil {
		candidates = append(candidates, file.Filename)
	}
	candidates = append(candidates, filenameCandidates(reported)...)

	if files, err := m.store.ListFiles(ctx, storage.FileFilter{PrinterID: printerID}); err == nil {
		lowerReported := strings.ToLower(storage.CleanFilename(reported))
		prefix := lowerReported
		if len(prefix) > 20 {
			prefix = prefix[:20]
		}
		for _, f := range files {
			lower := strings.ToLower(f.Filename)
			if lower == lowerReported {
				candidates = append(candidates, f.Filename)
				continue
			}
			if len(prefix) >= 10 && strings.HasPrefix(lower, prefix) &&
				absInt(len(lower)-len(lowerReported)) <= 5 {
				candidates = append(candidates, f.Filename)
			}
		}
	}

	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
