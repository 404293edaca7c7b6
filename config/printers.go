package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/schmacka/printernizer-ha-sub000/storage"
)

// ErrInvalidPrinterConfig is returned when a printer config is missing the
// credentials its vendor kind requires. Fatal at startup; at runtime the
// offending create/update is rejected.
var ErrInvalidPrinterConfig = errors.New("invalid printer configuration")

// MaskToken replaces sensitive credential values in safe serializations.
const MaskToken = "********"

const printerEnvPrefix = "PRINTERNIZER_PRINTER_"

// PrinterConfig is one printer entry from the configuration file or
// environment.
type PrinterConfig struct {
	ID           string `json:"-"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	IPAddress    string `json:"ip_address"`
	APIKey       string `json:"api_key,omitempty"`
	AccessCode   string `json:"access_code,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	WebcamURL    string `json:"webcam_url,omitempty"`
	Location     string `json:"location,omitempty"`
	Description  string `json:"description,omitempty"`
	Active       *bool  `json:"active,omitempty"`
}

// printersFile is the on-disk shape of the printer configuration file.
type printersFile struct {
	Version   int                      `json:"version"`
	UpdatedAt time.Time                `json:"updated_at"`
	Printers  map[string]PrinterConfig `json:"printers"`
}

// Validate checks the credential set required by the vendor kind.
func (p *PrinterConfig) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPrinterConfig)
	}
	switch storage.PrinterKind(p.Kind) {
	case storage.KindBambuLab:
		if p.IPAddress == "" || p.AccessCode == "" {
			return fmt.Errorf("%w: %s: bambu_lab requires ip_address and access_code", ErrInvalidPrinterConfig, p.ID)
		}
	case storage.KindPrusaCore:
		if p.IPAddress == "" || p.APIKey == "" {
			return fmt.Errorf("%w: %s: prusa_core requires ip_address and api_key", ErrInvalidPrinterConfig, p.ID)
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidPrinterConfig, p.ID, p.Kind)
	}
	return nil
}

// IsActive reports the active flag, defaulting to true when unset.
func (p *PrinterConfig) IsActive() bool {
	return p.Active == nil || *p.Active
}

// ToPrinter converts the config into the domain model.
func (p *PrinterConfig) ToPrinter() *storage.Printer {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return &storage.Printer{
		ID:           p.ID,
		Name:         name,
		Kind:         storage.PrinterKind(p.Kind),
		IPAddress:    p.IPAddress,
		APIKey:       p.APIKey,
		AccessCode:   p.AccessCode,
		SerialNumber: p.SerialNumber,
		WebcamURL:    p.WebcamURL,
		Location:     p.Location,
		Description:  p.Description,
		Active:       p.IsActive(),
	}
}

// SafeMap serializes the config with credentials masked. This is the only
// shape of a printer config that may reach logs or the bus.
func (p *PrinterConfig) SafeMap() map[string]interface{} {
	m := map[string]interface{}{
		"id":         p.ID,
		"name":       p.Name,
		"kind":       p.Kind,
		"ip_address": p.IPAddress,
		"active":     p.IsActive(),
	}
	if p.APIKey != "" {
		m["api_key"] = MaskToken
	}
	if p.AccessCode != "" {
		m["access_code"] = MaskToken
	}
	if p.SerialNumber != "" {
		m["serial_number"] = p.SerialNumber
	}
	if p.WebcamURL != "" {
		m["webcam_url"] = p.WebcamURL
	}
	if p.Location != "" {
		m["location"] = p.Location
	}
	return m
}

// LoadPrinters reads the JSON printer file (if present) and layers
// environment variables over it (later wins). Every resulting config is
// validated; the first validation failure is returned.
func LoadPrinters(path string) ([]*PrinterConfig, error) {
	byID := make(map[string]*PrinterConfig)

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var pf printersFile
			if err := json.Unmarshal(data, &pf); err != nil {
				return nil, fmt.Errorf("failed to parse printers file: %w", err)
			}
			for id, pc := range pf.Printers {
				entry := pc
				entry.ID = id
				byID[id] = &entry
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read printers file: %w", err)
		}
	}

	applyPrinterEnv(byID)

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	configs := make([]*PrinterConfig, 0, len(byID))
	for _, id := range ids {
		pc := byID[id]
		if err := pc.Validate(); err != nil {
			return nil, err
		}
		configs = append(configs, pc)
	}
	return configs, nil
}

// applyPrinterEnv overlays PRINTERNIZER_PRINTER_<ID>_<FIELD> variables.
// The printer id is lowercased; field is one of IP_ADDRESS, API_KEY,
// ACCESS_CODE, SERIAL_NUMBER, ACTIVE.
func applyPrinterEnv(byID map[string]*PrinterConfig) {
	fields := []string{"IP_ADDRESS", "API_KEY", "ACCESS_CODE", "SERIAL_NUMBER", "ACTIVE"}

	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, printerEnvPrefix) {
			continue
		}
		kv := strings.SplitN(env, "=", 2)
		if len(kv) != 2 {
			continue
		}
		rest := strings.TrimPrefix(kv[0], printerEnvPrefix)

		var field, idPart string
		for _, f := range fields {
			if strings.HasSuffix(rest, "_"+f) {
				field = f
				idPart = strings.TrimSuffix(rest, "_"+f)
				break
			}
		}
		if field == "" || idPart == "" {
			continue
		}
		id := strings.ToLower(idPart)

		pc, ok := byID[id]
		if !ok {
			pc = &PrinterConfig{ID: id}
			byID[id] = pc
		}
		switch field {
		case "IP_ADDRESS":
			pc.IPAddress = kv[1]
		case "API_KEY":
			pc.APIKey = kv[1]
			if pc.Kind == "" {
				pc.Kind = string(storage.KindPrusaCore)
			}
		case "ACCESS_CODE":
			pc.AccessCode = kv[1]
			if pc.Kind == "" {
				pc.Kind = string(storage.KindBambuLab)
			}
		case "SERIAL_NUMBER":
			pc.SerialNumber = kv[1]
		case "ACTIVE":
			active := ParseBool(kv[1])
			pc.Active = &active
		}
	}
}
