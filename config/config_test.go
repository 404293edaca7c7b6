package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.MonitoringInterval != 30*time.Second {
		t.Errorf("unexpected default monitoring interval: %v", cfg.MonitoringInterval)
	}
	if !cfg.AutoCreateJobs {
		t.Error("auto job creation should default to on")
	}
	if cfg.Discovery.Enabled {
		t.Error("discovery should default to off")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("missing config file must not be an error: %v", err)
	}
	if cfg.ListenAddr != ":8087" {
		t.Errorf("expected default listen addr, got %q", cfg.ListenAddr)
	}
}

func TestLoadTOMLAndEnvLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printernizer.toml")
	content := `
log_level = "DEBUG"
monitoring_interval_seconds = 60
downloads_path = "/data/downloads"
auto_create_jobs = false

[discovery]
enabled = true
timeout_seconds = 3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	// Environment wins over the file.
	t.Setenv("MONITORING_INTERVAL", "15")
	t.Setenv("JOB_CREATION_AUTO_CREATE", "yes")
	t.Setenv("DISCOVERY_ENABLED", "0")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("file value not applied: %q", cfg.LogLevel)
	}
	if cfg.DownloadsPath != "/data/downloads" {
		t.Errorf("file value not applied: %q", cfg.DownloadsPath)
	}
	if cfg.MonitoringInterval != 15*time.Second {
		t.Errorf("env override lost: %v", cfg.MonitoringInterval)
	}
	if !cfg.AutoCreateJobs {
		t.Error("env 'yes' should enable auto job creation")
	}
	if cfg.Discovery.Enabled {
		t.Error("env '0' should disable discovery")
	}
	if cfg.Discovery.TimeoutSeconds != 3 {
		t.Errorf("file discovery timeout lost: %d", cfg.Discovery.TimeoutSeconds)
	}
}

func TestParseBool(t *testing.T) {
	truthy := []string{"true", "TRUE", "1", "yes", "Yes", "on", " on "}
	for _, v := range truthy {
		if !ParseBool(v) {
			t.Errorf("ParseBool(%q) = false, want true", v)
		}
	}
	falsy := []string{"false", "0", "no", "off", "", "banana"}
	for _, v := range falsy {
		if ParseBool(v) {
			t.Errorf("ParseBool(%q) = true, want false", v)
		}
	}
}

func TestPrinterValidation(t *testing.T) {
	cases := []struct {
		name string
		pc   PrinterConfig
		ok   bool
	}{
		{"bambu complete", PrinterConfig{ID: "b1", Kind: "bambu_lab", IPAddress: "10.0.0.2", AccessCode: "12345678"}, true},
		{"bambu missing code", PrinterConfig{ID: "b1", Kind: "bambu_lab", IPAddress: "10.0.0.2"}, false},
		{"prusa complete", PrinterConfig{ID: "p1", Kind: "prusa_core", IPAddress: "10.0.0.3", APIKey: "key"}, true},
		{"prusa missing key", PrinterConfig{ID: "p1", Kind: "prusa_core", IPAddress: "10.0.0.3"}, false},
		{"unknown kind", PrinterConfig{ID: "x", Kind: "ender", IPAddress: "10.0.0.4"}, false},
		{"missing id", PrinterConfig{Kind: "prusa_core", IPAddress: "10.0.0.5", APIKey: "k"}, false},
	}
	for _, c := range cases {
		err := c.pc.Validate()
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

func TestSafeMapMasksCredentials(t *testing.T) {
	pc := PrinterConfig{
		ID:         "b1",
		Kind:       "bambu_lab",
		IPAddress:  "10.0.0.2",
		AccessCode: "supersecret",
		APIKey:     "alsosecret",
	}
	m := pc.SafeMap()
	if m["access_code"] != MaskToken {
		t.Errorf("access code leaked: %v", m["access_code"])
	}
	if m["api_key"] != MaskToken {
		t.Errorf("api key leaked: %v", m["api_key"])
	}
	for k, v := range m {
		if s, ok := v.(string); ok && (s == "supersecret" || s == "alsosecret") {
			t.Errorf("credential leaked under key %q", k)
		}
	}
}

func TestLoadPrintersEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printers.json")
	content := `{
		"version": 1,
		"printers": {
			"workshop": {"name": "Workshop", "kind": "prusa_core", "ip_address": "10.0.0.3", "api_key": "filekey"}
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PRINTERNIZER_PRINTER_WORKSHOP_API_KEY", "envkey")
	t.Setenv("PRINTERNIZER_PRINTER_GARAGE_IP_ADDRESS", "10.0.0.9")
	t.Setenv("PRINTERNIZER_PRINTER_GARAGE_ACCESS_CODE", "code1234")

	configs, err := LoadPrinters(path)
	if err != nil {
		t.Fatalf("LoadPrinters failed: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 printers, got %d", len(configs))
	}

	// Sorted by id: garage first, then workshop.
	garage, workshop := configs[0], configs[1]
	if garage.ID != "garage" || workshop.ID != "workshop" {
		t.Fatalf("unexpected order: %s, %s", configs[0].ID, configs[1].ID)
	}
	if workshop.APIKey != "envkey" {
		t.Errorf("env should win over file: %q", workshop.APIKey)
	}
	if garage.Kind != "bambu_lab" {
		t.Errorf("access code env should imply bambu_lab, got %q", garage.Kind)
	}
}

func TestLoadPrintersInvalidFailsFast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printers.json")
	content := `{
		"version": 1,
		"printers": {
			"broken": {"kind": "bambu_lab", "ip_address": "10.0.0.2"}
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPrinters(path); err == nil {
		t.Fatal("expected validation failure for bambu printer without access code")
	}
}
