// Printernizer is a real-time fleet coordinator for Bambu Lab and Prusa 3D
// printers. It keeps one live connection per printer, normalizes status into
// a common model, records print jobs, and manages the files the printers
// hold.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/config"
	"github.com/schmacka/printernizer-ha-sub000/discovery"
	"github.com/schmacka/printernizer-ha-sub000/drivers"
	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/files"
	"github.com/schmacka/printernizer-ha-sub000/fleet"
	"github.com/schmacka/printernizer-ha-sub000/jobs"
	"github.com/schmacka/printernizer-ha-sub000/logger"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

// Version is set at build time.
var Version = "dev"

const (
	fileSyncInterval        = 5 * time.Minute
	downloadCleanupInterval = time.Hour
	downloadStateMaxAge     = 24 * time.Hour
)

func main() {
	configPath := flag.String("config", "printernizer.toml", "Configuration file path")
	serviceCmd := flag.String("service", "", "Service control: install, uninstall, start, stop, restart, status, run")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Printernizer %s\n", Version)
		return
	}

	if *serviceCmd != "" {
		handleServiceCommand(*serviceCmd, *configPath)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runCoordinator(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "printernizer: %v\n", err)
		os.Exit(1)
	}
}

// runCoordinator wires the whole system together and blocks until the
// context is cancelled. A configuration error is fatal; anything after
// startup degrades per printer instead.
func runCoordinator(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(logger.LevelFromString(cfg.LogLevel), cfg.LogDir, 1000)
	defer log.Close()
	log.Info("Printernizer starting", "version", Version, "config", configPath)

	printers, err := config.LoadPrinters(cfg.PrintersFile)
	if err != nil {
		log.Error("Printer configuration invalid", "error", err)
		return err
	}

	downloadsRoot, err := cfg.ResolveDownloadsRoot()
	if err != nil {
		return err
	}

	store, err := storage.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	storage.SetLogger(log)

	logf := func(format string, args ...interface{}) {
		log.Debug(fmt.Sprintf(format, args...))
	}
	bus := events.NewBus(logf)
	defer bus.Close()
	bridge := events.NewWSBridge(bus, logf)
	defer bridge.Close()

	manager := fleet.NewManager(store, bus, cfg, log)
	pipeline := files.NewPipeline(store, bus, manager, downloadsRoot, log)
	thumbs := files.NewThumbnailProcessor(store, bus, manager, log)
	metadata := files.NewMetadataExtractor(store, bus, log)
	defer metadata.Close()
	uploads := files.NewUploadManager(store, bus, files.DefaultUploadConfig(downloadsRoot+"/uploads"), log)
	autoJobs := jobs.NewEngine(store, bus, log)
	monitor := fleet.NewMonitor(store, bus, pipeline, autoJobs, cfg.AutoCreateJobs, log)
	manager.SetStatusHandler(monitor)

	if err := manager.LoadPrinters(ctx, printers); err != nil {
		return err
	}

	watch := files.NewWatchService(store, bus, cfg.WatchFolders, 0, log)
	watch.Start(ctx)
	defer watch.Stop()

	scanner := discovery.NewScanner(cfg.Discovery, bus, log)
	scanner.StartupScan(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newMux(bridge, store, manager, pipeline, uploads, thumbs, log),
	}
	go func() {
		log.Info("Event bridge listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
		}
	}()

	go manager.ConnectAll(ctx)
	go syncLoop(ctx, manager, pipeline, log)
	go cleanupLoop(ctx, pipeline)

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	manager.Shutdown(shutdownCtx)
	thumbs.Shutdown(10 * time.Second)
	pipeline.Shutdown(10 * time.Second)
	return nil
}

// syncLoop runs periodic file discovery for every connected printer.
func syncLoop(ctx context.Context, manager *fleet.Manager, pipeline *files.Pipeline, log *logger.Logger) {
	ticker := time.NewTicker(fileSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		health := manager.HealthCheck(ctx)
		printers, _ := health["printers"].(map[string]interface{})
		for id, info := range printers {
			state, _ := info.(map[string]interface{})
			if connected, _ := state["connected"].(bool); !connected {
				continue
			}
			if _, _, err := pipeline.SyncPrinterFiles(ctx, id); err != nil {
				log.Debug("Periodic file sync failed", "printer_id", id, "error", err)
			}
		}
	}
}

func cleanupLoop(ctx context.Context, pipeline *files.Pipeline) {
	ticker := time.NewTicker(downloadCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pipeline.CleanupDownloadStatus(downloadStateMaxAge)
		}
	}
}

// newMux builds the small HTTP surface: the websocket event bridge plus the
// handful of endpoints the bridge's clients need.
func newMux(bridge *events.WSBridge, store storage.Store, manager *fleet.Manager, pipeline *files.Pipeline, uploads *files.UploadManager, thumbs *files.ThumbnailProcessor, log *logger.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", bridge)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, manager.HealthCheck(r.Context()))
	})

	mux.HandleFunc("/api/v1/files/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reader, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var results []files.UploadResult
		for {
			part, err := reader.NextPart()
			if err != nil {
				break
			}
			if part.FileName() == "" {
				continue
			}
			res, upErr := uploads.Upload(r.Context(), part.FileName(), r.ContentLength, part)
			part.Close()
			if upErr != nil {
				log.Warn("Upload rejected", "filename", part.FileName(), "error", upErr)
			}
			results = append(results, *res)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
	})

	// Serves the thumbnail bytes referenced by status updates.
	mux.HandleFunc("/api/v1/files/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/files/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		id, action := parts[0], parts[1]
		f, err := store.GetFile(r.Context(), id)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		switch action {
		case "thumbnail":
			if !f.HasThumbnail() {
				http.NotFound(w, r)
				return
			}
			ctype := mime.TypeByExtension("." + f.ThumbnailFormat)
			if ctype == "" {
				ctype = "image/png"
			}
			w.Header().Set("Content-Type", ctype)
			w.Write(f.ThumbnailData)
		case "download":
			if _, err := pipeline.Download(r.Context(), f.PrinterID, f.Filename, ""); err != nil {
				status := http.StatusBadGateway
				if errors.Is(err, files.ErrPathTraversal) {
					status = http.StatusBadRequest
				} else if errors.Is(err, drivers.ErrDownloadFailed) {
					status = http.StatusNotFound
				}
				http.Error(w, err.Error(), status)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"file_id": f.ID, "status": "completed"})
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/api/v1/thumbnails/log", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": thumbs.ProcessingLog()})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
