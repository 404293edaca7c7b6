package files

import (
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

// Material and energy rates used for cost estimation when the slicer file
// carries no prices of its own.
const (
	defaultFilamentEurPerKg = 25.0
	defaultEnergyEurPerKWh  = 0.30
	defaultPrinterWattage   = 150.0
)

// MetadataExtractor derives the structured metadata groups from downloaded
// files. It runs after a download completes; extraction failure never affects
// the file's availability.
type MetadataExtractor struct {
	store storage.Store
	bus   *events.Bus
	log   Logger
	unsub func()
}

// NewMetadataExtractor creates an extractor and subscribes it to download
// completions.
func NewMetadataExtractor(store storage.Store, bus *events.Bus, log Logger) *MetadataExtractor {
	m := &MetadataExtractor{store: store, bus: bus, log: log}
	m.unsub = bus.Subscribe(events.TopicFileDownloadComplete, m.handleEvent)
	return m
}

func (m *MetadataExtractor) handleEvent(ev events.Event) {
	fileID, _ := ev.Data["file_id"].(string)
	localPath, _ := ev.Data["local_path"].(string)
	if fileID == "" || localPath == "" {
		return
	}
	if err := m.Extract(context.Background(), fileID, localPath); err != nil {
		m.log.Debug("Metadata extraction skipped", "file_id", fileID, "error", err)
	}
}

// Extract parses the file, stores the derived metadata groups and publishes
// file_metadata_extracted.
func (m *MetadataExtractor) Extract(ctx context.Context, fileID, path string) error {
	var raw map[string]string
	var err error
	switch storage.ExtensionKind(path) {
	case "gcode", "bgcode":
		raw, err = readGcodeHeader(path)
	case "3mf":
		raw, err = read3MFConfig(path)
	default:
		return fmt.Errorf("no metadata parser for %s", path)
	}
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("no slicer metadata in %s", path)
	}

	f := &storage.PrinterFile{ID: fileID}
	f.Physical = derivePhysical(raw)
	f.PrintSettings = deriveSettings(raw)
	f.Material = deriveMaterial(raw)
	f.Cost = deriveCost(raw, f.Material)
	f.Quality = deriveQuality(f.PrintSettings, f.Material)
	f.Compatibility = deriveCompatibility(raw)

	if err := m.store.SetEnhancedMetadata(ctx, fileID, f); err != nil {
		return fmt.Errorf("failed to store metadata: %w", err)
	}

	m.bus.Publish(events.TopicFileMetadataExtracted, map[string]interface{}{
		"file_id": fileID,
	})
	return nil
}

// Close unsubscribes the extractor from the bus.
func (m *MetadataExtractor) Close() {
	if m.unsub != nil {
		m.unsub()
	}
}

// headerScanLimit bounds how much of a G-code file is scanned for metadata.
// Slicers put settings in the leading and trailing comment blocks; the
// trailing block is found by scanning comment lines throughout.
const headerScanLimit = 8 * 1024 * 1024

func readGcodeHeader(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	raw := map[string]string{}
	scanner := bufio.NewScanner(io.LimitReader(file, headerScanLimit))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, ";") {
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(line, ";"))
		if strings.HasPrefix(comment, "thumbnail") {
			continue
		}
		// The slicer identity line has no separator ("generated by
		// PrusaSlicer 2.7.0 on ...").
		if rest, ok := strings.CutPrefix(comment, "generated by "); ok {
			if _, exists := raw["generated by"]; !exists {
				raw["generated by"] = rest
			}
			continue
		}
		if k, v, ok := parseHeaderComment(comment); ok {
			k = strings.ToLower(k)
			if _, exists := raw[k]; !exists {
				raw[k] = v
			}
		}
	}
	return raw, scanner.Err()
}

// metadataRe matches 3MF <metadata name="...">...</metadata> entries without
// pulling in a full XML model.
var metadataRe = regexp.MustCompile(`<metadata[^>]*name="([^"]+)"[^>]*>([^<]*)</metadata>`)

func read3MFConfig(path string) (map[string]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	raw := map[string]string{}
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		switch {
		case strings.HasSuffix(name, "3dmodel.model"),
			strings.HasSuffix(name, "model_settings.config"),
			strings.HasSuffix(name, "slice_info.config"),
			strings.HasSuffix(name, "project_settings.config"):
		default:
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(rc, 4*1024*1024))
		rc.Close()
		if err != nil {
			continue
		}
		for _, match := range metadataRe.FindAllStringSubmatch(string(data), -1) {
			key := strings.ToLower(strings.TrimSpace(match[1]))
			val := strings.TrimSpace(match[2])
			if key != "" && val != "" {
				raw[key] = val
			}
		}
		// Bambu project settings are JSON "key": "value" pairs.
		if strings.HasSuffix(name, "project_settings.config") {
			for k, v := range parseFlatJSONStrings(data) {
				raw[k] = v
			}
		}
	}
	return raw, nil
}

var flatJSONRe = regexp.MustCompile(`"([a-z0-9_]+)"\s*:\s*"([^"]*)"`)

func parseFlatJSONStrings(data []byte) map[string]string {
	out := map[string]string{}
	for _, m := range flatJSONRe.FindAllStringSubmatch(string(data), -1) {
		out[m[1]] = m[2]
	}
	return out
}

func derivePhysical(raw map[string]string) *storage.PhysicalProperties {
	p := &storage.PhysicalProperties{}
	found := false
	if v := floatKey(raw, "max_z_height", "model_height"); v != nil {
		p.HeightMM = v
		found = true
	}
	if v := intKey(raw, "total_object_count", "object_count"); v != nil {
		p.ObjectCount = v
		found = true
	}
	// PrusaSlicer emits "; size = 120x80x45" style entries.
	if s, ok := raw["size"]; ok {
		parts := strings.Split(s, "x")
		if len(parts) == 3 {
			w, e1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
			d, e2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			h, e3 := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
			if e1 == nil && e2 == nil && e3 == nil {
				p.WidthMM, p.DepthMM, p.HeightMM = &w, &d, &h
				found = true
			}
		}
	}
	if !found {
		return nil
	}
	return p
}

func deriveSettings(raw map[string]string) *storage.PrintSettings {
	s := &storage.PrintSettings{}
	found := false
	if v := floatKey(raw, "layer_height"); v != nil {
		s.LayerHeight = v
		found = true
	}
	if v := floatKey(raw, "nozzle_diameter"); v != nil {
		s.NozzleDiameter = v
		found = true
	}
	if v := intKey(raw, "wall_loops", "perimeters"); v != nil {
		s.WallCount = v
		found = true
	}
	if v, ok := raw["fill_density"]; ok {
		if f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "%"), 64); err == nil {
			s.InfillPercent = &f
			found = true
		}
	} else if v := floatKey(raw, "sparse_infill_density"); v != nil {
		s.InfillPercent = v
		found = true
	}
	if v, ok := raw["support_material"]; ok {
		b := v == "1" || strings.EqualFold(v, "true")
		s.Supports = &b
		found = true
	} else if v, ok := raw["enable_support"]; ok {
		b := v == "1" || strings.EqualFold(v, "true")
		s.Supports = &b
		found = true
	}
	if v := floatKey(raw, "nozzle_temperature", "temperature"); v != nil {
		s.NozzleTemp = v
		found = true
	}
	if v := floatKey(raw, "bed_temperature", "hot_plate_temp"); v != nil {
		s.BedTemp = v
		found = true
	}
	if v := floatKey(raw, "outer_wall_speed", "perimeter_speed"); v != nil {
		s.PrintSpeed = v
		found = true
	}
	if v := intKey(raw, "total_layer_number", "layer_count"); v != nil {
		s.LayerCount = v
		found = true
	}
	if !found {
		return nil
	}
	return s
}

func deriveMaterial(raw map[string]string) *storage.MaterialRequirements {
	m := &storage.MaterialRequirements{}
	found := false
	if v, ok := firstKey(raw, "filament used [g]", "total filament used [g]", "filament_used_g"); ok {
		var perTool []float64
		total := 0.0
		for _, part := range strings.Split(v, ",") {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				continue
			}
			perTool = append(perTool, f)
			total += f
		}
		if len(perTool) > 0 {
			m.WeightGrams = &total
			m.PerToolGrams = perTool
			m.MultiMaterial = len(perTool) > 1
			found = true
		}
	}
	if v, ok := firstKey(raw, "filament used [mm]", "filament_used_mm"); ok {
		total := 0.0
		n := 0
		for _, part := range strings.Split(v, ",") {
			if f, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
				total += f
				n++
			}
		}
		if n > 0 {
			meters := total / 1000
			m.LengthMeters = &meters
			found = true
		}
	}
	if v, ok := firstKey(raw, "filament_type", "filament type"); ok {
		for _, t := range strings.Split(v, ";") {
			if t = strings.TrimSpace(t); t != "" {
				m.FilamentTypes = append(m.FilamentTypes, t)
			}
		}
		if len(m.FilamentTypes) > 0 {
			found = true
		}
	}
	if !found {
		return nil
	}
	return m
}

func deriveCost(raw map[string]string, mat *storage.MaterialRequirements) *storage.CostBreakdown {
	c := &storage.CostBreakdown{Currency: "EUR"}
	found := false
	if v := floatKey(raw, "total cost", "filament cost"); v != nil {
		c.MaterialCost = v
		found = true
	} else if mat != nil && mat.WeightGrams != nil {
		cost := *mat.WeightGrams / 1000 * defaultFilamentEurPerKg
		c.MaterialCost = &cost
		found = true
	}
	if mins := estimatedMinutes(raw); mins > 0 {
		energy := float64(mins) / 60 * defaultPrinterWattage / 1000 * defaultEnergyEurPerKWh
		c.EnergyCost = &energy
		found = true
	}
	if found {
		total := 0.0
		if c.MaterialCost != nil {
			total += *c.MaterialCost
		}
		if c.EnergyCost != nil {
			total += *c.EnergyCost
		}
		c.TotalCost = &total
		return c
	}
	return nil
}

// estimatedMinutes parses "estimated printing time" values like "2h 13m 5s".
func estimatedMinutes(raw map[string]string) int {
	v, ok := firstKey(raw,
		"estimated printing time (normal mode)",
		"estimated printing time",
		"model printing time")
	if !ok {
		return 0
	}
	mins := 0
	for _, tok := range strings.Fields(v) {
		switch {
		case strings.HasSuffix(tok, "d"):
			mins += 24 * 60 * atoi(strings.TrimSuffix(tok, "d"))
		case strings.HasSuffix(tok, "h"):
			mins += 60 * atoi(strings.TrimSuffix(tok, "h"))
		case strings.HasSuffix(tok, "m"):
			mins += atoi(strings.TrimSuffix(tok, "m"))
		}
	}
	return mins
}

// deriveQuality scores print difficulty from layer height, supports and
// material count. The heuristic is coarse on purpose.
func deriveQuality(s *storage.PrintSettings, m *storage.MaterialRequirements) *storage.QualityMetrics {
	if s == nil {
		return nil
	}
	score := 3.0
	if s.LayerHeight != nil && *s.LayerHeight < 0.15 {
		score += 2
	}
	if s.Supports != nil && *s.Supports {
		score += 2
	}
	if m != nil && m.MultiMaterial {
		score += 2
	}
	if s.LayerCount != nil && *s.LayerCount > 500 {
		score += 1
	}
	if score > 10 {
		score = 10
	}
	level := "beginner"
	switch {
	case score >= 8:
		level = "expert"
	case score >= 6:
		level = "advanced"
	case score >= 4:
		level = "intermediate"
	}
	prob := 1.05 - score/12
	if prob > 0.98 {
		prob = 0.98
	}
	return &storage.QualityMetrics{
		ComplexityScore:    &score,
		DifficultyLevel:    level,
		SuccessProbability: &prob,
	}
}

func deriveCompatibility(raw map[string]string) *storage.CompatibilityInfo {
	c := &storage.CompatibilityInfo{}
	found := false
	if v, ok := firstKey(raw, "generated_by", "generated by", "application"); ok {
		fields := strings.Fields(v)
		if len(fields) > 0 {
			c.SlicerName = fields[0]
			found = true
		}
		if len(fields) > 1 {
			c.SlicerVersion = fields[1]
		}
	}
	if v, ok := firstKey(raw, "printer_model", "compatible_printers", "printer_settings_id"); ok {
		for _, p := range strings.Split(v, ";") {
			if p = strings.TrimSpace(p); p != "" {
				c.CompatiblePrinters = append(c.CompatiblePrinters, p)
			}
		}
		found = found || len(c.CompatiblePrinters) > 0
	}
	if v, ok := firstKey(raw, "curr_bed_type", "bed_type"); ok {
		c.BedType = v
		found = true
	}
	if !found {
		return nil
	}
	return c
}

func firstKey(raw map[string]string, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func floatKey(raw map[string]string, keys ...string) *float64 {
	v, ok := firstKey(raw, keys...)
	if !ok {
		return nil
	}
	// Multi-extruder values come comma-separated; the first one stands in.
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return nil
	}
	return &f
}

func intKey(raw map[string]string, keys ...string) *int {
	f := floatKey(raw, keys...)
	if f == nil {
		return nil
	}
	n := int(*f)
	return &n
}
