// Package jobs turns observed printing transitions into deduplicated job
// records. The store provides correctness; the in-memory tracking maps are
// only a fast path within one process lifetime.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

// dedupWindow absorbs clock drift, elapsed-time computation drift and
// restart skew when matching historical jobs against a reference time.
const dedupWindow = 5 * time.Minute

// historyLimit bounds the recent-job scan during dedup.
const historyLimit = 100

// Logger is the subset of the logger the engine needs.
type Logger interface {
	Error(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Engine ensures exactly one job row exists per observed print, robust to
// polling jitter, process restart, mid-print reconnects and racing status
// callbacks.
type Engine struct {
	store storage.Store
	bus   *events.Bus
	log   Logger

	mu sync.Mutex
	// printDiscoveries records when each (printer, filename) print was
	// first seen in this process.
	printDiscoveries map[discoveryKey]time.Time
	// cache short-circuits job keys already handled in this process.
	cache map[string]map[string]struct{}
}

type discoveryKey struct {
	printerID string
	filename  string
}

// NewEngine creates an auto-job engine.
func NewEngine(store storage.Store, bus *events.Bus, log Logger) *Engine {
	return &Engine{
		store:            store,
		bus:              bus,
		log:              log,
		printDiscoveries: make(map[discoveryKey]time.Time),
		cache:            make(map[string]map[string]struct{}),
	}
}

// HandlePrintingStatus is called with a status whose state is printing and
// whose current job is set. isStartup marks the initial post-connect status
// read, when the system may be rediscovering a print it wasn't running to
// witness.
func (e *Engine) HandlePrintingStatus(ctx context.Context, update *storage.StatusUpdate, kind storage.PrinterKind, isStartup bool) error {
	if update.State != storage.StatePrinting || update.CurrentJob == "" {
		return nil
	}

	// Job creation is serialized across all printers. Contention is
	// negligible next to the I/O and the ordering keeps the dedup simple.
	e.mu.Lock()
	defer e.mu.Unlock()

	dkey := discoveryKey{update.PrinterID, update.CurrentJob}
	firstSeen, ok := e.printDiscoveries[dkey]
	if !ok {
		firstSeen = time.Now()
		e.printDiscoveries[dkey] = firstSeen
	}

	// The printer-reported start time is stable across restarts, so it is
	// the preferred reference; first-seen is only a fallback.
	refTime := firstSeen
	if update.PrintStartTime != nil {
		refTime = *update.PrintStartTime
	}

	cleanName := storage.CleanFilename(update.CurrentJob)
	jobKey := fmt.Sprintf("%s:%s:%s", update.PrinterID, cleanName,
		refTime.Truncate(time.Minute).Format(time.RFC3339))

	if cached, ok := e.cache[update.PrinterID]; ok {
		if _, hit := cached[jobKey]; hit {
			return nil
		}
	}

	// An active job for the same filename, whether manual or auto-created,
	// already covers this print.
	active, err := e.store.ListJobs(ctx, storage.JobFilter{
		PrinterID: update.PrinterID,
		Statuses:  storage.ActiveJobStatuses,
	})
	if err != nil {
		return fmt.Errorf("failed to query active jobs: %w", err)
	}
	for _, j := range active {
		if storage.CleanFilename(j.Filename) == cleanName {
			e.cacheKey(update.PrinterID, jobKey)
			return nil
		}
	}

	// A historical job within the window means the same print was recorded
	// before a restart or reconnect.
	if _, err := e.store.FindRecentJob(ctx, update.PrinterID, cleanName, refTime, dedupWindow, historyLimit); err == nil {
		e.cacheKey(update.PrinterID, jobKey)
		return nil
	} else if err != storage.ErrNotFound {
		return fmt.Errorf("failed to query job history: %w", err)
	}

	job := &storage.Job{
		ID:          uuid.NewString(),
		PrinterID:   update.PrinterID,
		PrinterKind: kind,
		JobName:     storage.StripKnownExtension(cleanName),
		Filename:    update.CurrentJob,
		Status:      storage.JobRunning,
		CreatedAt:   firstSeen,
		StartTime:   update.PrintStartTime,
		Progress:    update.Progress,
		FileID:      update.CurrentJobFile,
		CustomerInfo: map[string]interface{}{
			"auto_created":          true,
			"discovered_on_startup": isStartup,
			"discovery_time":        firstSeen.Format(time.RFC3339),
		},
	}
	if update.PrintStartTime != nil {
		job.CustomerInfo["printer_start_time"] = update.PrintStartTime.Format(time.RFC3339)
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		if err == storage.ErrDuplicate {
			// Another path created it first; that is success.
			e.cacheKey(update.PrinterID, jobKey)
			return nil
		}
		return fmt.Errorf("failed to create auto job: %w", err)
	}

	if e.log != nil {
		e.log.Info("Auto-created job for observed print",
			"printer_id", update.PrinterID, "filename", update.CurrentJob,
			"job_id", job.ID, "startup", isStartup)
	}
	if e.bus != nil {
		e.bus.Publish(events.TopicJobAutoCreated, map[string]interface{}{
			"job_id":     job.ID,
			"printer_id": update.PrinterID,
			"filename":   update.CurrentJob,
			"job_name":   job.JobName,
			"startup":    isStartup,
		})
	}
	e.cacheKey(update.PrinterID, jobKey)
	return nil
}

func (e *Engine) cacheKey(printerID, jobKey string) {
	cached, ok := e.cache[printerID]
	if !ok {
		cached = make(map[string]struct{})
		e.cache[printerID] = cached
	}
	cached[jobKey] = struct{}{}
}

// ClearDiscovery drops the first-seen entry for a (printer, filename) pair.
// The monitor calls this when the printer leaves the printing state. The
// cache entry stays: it is a one-shot dedup for the print's lifetime.
func (e *Engine) ClearDiscovery(printerID, filename string) {
	e.mu.Lock()
	delete(e.printDiscoveries, discoveryKey{printerID, filename})
	e.mu.Unlock()
}
