package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/storage"
)

// testLogger records warnings so tests can assert on them.
type testLogger struct {
	mu       sync.Mutex
	warnings []string
}

func (l *testLogger) Error(msg string, context ...interface{}) {}
func (l *testLogger) Warn(msg string, context ...interface{}) {
	l.mu.Lock()
	l.warnings = append(l.warnings, msg)
	l.mu.Unlock()
}
func (l *testLogger) Info(msg string, context ...interface{})  {}
func (l *testLogger) Debug(msg string, context ...interface{}) {}
func (l *testLogger) WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{}) {
	l.Warn(msg, context...)
}

func (l *testLogger) warned() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.warnings))
	copy(out, l.warnings)
	return out
}

func newPrusaTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *PrusaDriver, *testLogger) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	log := &testLogger{}
	d := NewPrusaDriver("prusa1", ts.URL, "testkey", time.Second, log)
	return ts, d, log
}

func TestPrusaGetStatusObjectProgress(t *testing.T) {
	t.Parallel()

	_, d, _ := newPrusaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "testkey" {
			t.Errorf("missing api key header, got %q", got)
		}
		switch r.URL.Path {
		case "/api/printer":
			io.WriteString(w, `{
				"state": {"text": "Printing", "flags": {"printing": true}},
				"temperature": {
					"bed": {"actual": 60.1, "target": 60},
					"tool0": {"actual": 215.4, "target": 215}
				}
			}`)
		case "/api/job":
			io.WriteString(w, `{
				"state": "Printing",
				"job": {"file": {"name": "benchy.gcode", "path": "/local/benchy.gcode"}},
				"progress": {"completion": 0.5, "time_printing": 600, "time_remaining": 1200}
			}`)
		default:
			http.NotFound(w, r)
		}
	})

	st := d.GetStatus(context.Background())
	if st.State != storage.StatePrinting {
		t.Errorf("expected printing, got %s", st.State)
	}
	if st.Progress != 50 {
		t.Errorf("expected progress 50, got %v", st.Progress)
	}
	if st.CurrentJob != "benchy.gcode" {
		t.Errorf("expected current job benchy.gcode, got %q", st.CurrentJob)
	}
	if st.ElapsedMin == nil || *st.ElapsedMin != 10 {
		t.Errorf("expected 10 elapsed minutes, got %v", st.ElapsedMin)
	}
	if st.RemainingMin == nil || *st.RemainingMin != 20 {
		t.Errorf("expected 20 remaining minutes, got %v", st.RemainingMin)
	}
	if st.BedTemp == nil || *st.BedTemp != 60.1 {
		t.Errorf("expected bed temp 60.1, got %v", st.BedTemp)
	}
	if st.PrintStartTime == nil {
		t.Fatal("expected derived print start time")
	}
	drift := time.Since(st.PrintStartTime.Add(10 * time.Minute))
	if drift < -time.Minute || drift > time.Minute {
		t.Errorf("derived start time off by %v", drift)
	}
}

func TestPrusaGetStatusBareProgress(t *testing.T) {
	t.Parallel()

	_, d, _ := newPrusaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/printer":
			io.WriteString(w, `{"state": {"text": "Printing", "flags": {"printing": true}}, "temperature": {}}`)
		case "/api/job":
			io.WriteString(w, `{"job": {"file": {"name": "a.gcode"}}, "progress": 50}`)
		default:
			http.NotFound(w, r)
		}
	})

	st := d.GetStatus(context.Background())
	if st.Progress != 50 {
		t.Errorf("bare percent shape: expected 50, got %v", st.Progress)
	}
}

func TestPrusaGetStatusUnreachable(t *testing.T) {
	t.Parallel()

	log := &testLogger{}
	d := NewPrusaDriver("prusa1", "127.0.0.1:1", "key", time.Second, log)
	st := d.GetStatus(context.Background())
	if st.State != storage.StateError {
		t.Errorf("expected error state for unreachable printer, got %s", st.State)
	}
	if st.Message == "" {
		t.Error("expected a message on the error status")
	}
}

func TestPrusaConnectWarnsOnOldAPI(t *testing.T) {
	t.Parallel()

	_, d, log := newPrusaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/version" {
			io.WriteString(w, `{"api": "1.5.0", "server": "2.4.2"}`)
			return
		}
		http.NotFound(w, r)
	})

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !d.IsConnected() {
		t.Error("expected connected after Connect")
	}
	if len(log.warned()) == 0 {
		t.Error("expected a version warning for API older than minimum")
	}
}

func TestPrusaDownloadFileTwoStep(t *testing.T) {
	t.Parallel()

	const content = "G28\nG1 X10 Y10 E5\n"
	var binaryPath string

	_, d, _ := newPrusaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/files":
			io.WriteString(w, `{"files": [
				{"name": "usb", "type": "folder", "children": [
					{"name": "part.gcode", "path": "/usb/part.gcode", "size": 18}
				]}
			]}`)
		case "/api/v1/files/usb/part.gcode":
			binaryPath = r.URL.Path
			io.WriteString(w, content)
		default:
			http.NotFound(w, r)
		}
	})

	dest := filepath.Join(t.TempDir(), "part.gcode")
	if err := d.DownloadFile(context.Background(), "part.gcode", dest); err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}
	if binaryPath == "" {
		t.Fatal("binary endpoint was never hit")
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
	if string(data) != content {
		t.Errorf("content mismatch: %q", data)
	}
}

func TestPrusaDownloadRefusesJSONPayload(t *testing.T) {
	t.Parallel()

	_, d, _ := newPrusaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/files":
			io.WriteString(w, `{"files": [{"name": "part.gcode", "path": "/usb/part.gcode"}]}`)
		case "/api/v1/files/usb/part.gcode":
			io.WriteString(w, `{"name": "part.gcode", "size": 1234}`)
		default:
			http.NotFound(w, r)
		}
	})

	dest := filepath.Join(t.TempDir(), "part.gcode")
	err := d.DownloadFile(context.Background(), "part.gcode", dest)
	if !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed for JSON payload, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("partial file left behind after refused download")
	}
}

func TestPrusaCommands(t *testing.T) {
	t.Parallel()

	var bodies []map[string]interface{}
	var mu sync.Mutex

	_, d, _ := newPrusaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/job" && r.Method == http.MethodPost {
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			bodies = append(bodies, body)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	})

	ctx := context.Background()
	if err := d.Pause(ctx); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := d.Resume(ctx); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 3 {
		t.Fatalf("expected 3 command posts, got %d", len(bodies))
	}
	if bodies[0]["command"] != "pause" || bodies[0]["action"] != "pause" {
		t.Errorf("unexpected pause body: %v", bodies[0])
	}
	if bodies[1]["command"] != "pause" || bodies[1]["action"] != "resume" {
		t.Errorf("unexpected resume body: %v", bodies[1])
	}
	if bodies[2]["command"] != "cancel" {
		t.Errorf("unexpected cancel body: %v", bodies[2])
	}
}

func TestPrusaCommandFailurePropagates(t *testing.T) {
	t.Parallel()

	_, d, _ := newPrusaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conflict", http.StatusConflict)
	})

	err := d.Pause(context.Background())
	if !errors.Is(err, ErrCommandFailed) {
		t.Errorf("expected ErrCommandFailed, got %v", err)
	}
}
