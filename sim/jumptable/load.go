package jumptable

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// file is the on-disk YAML layout.
type file struct {
	Entries []Entry `yaml:"entries"`
}

// csvColumns is the CSV header row. The trailing realized_sequence_length
// column is optional on read.
var csvColumns = []string{"address", "tau", "pulses", "phase"}

const lengthColumn = "realized_sequence_length"

// Load reads a table from a YAML (.yaml, .yml) or CSV (.csv) file.
// YAML parsing is strict: unrecognized keys are rejected.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading jump table: %w", err)
	}
	var entries []Entry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		entries, err = parseYAML(data)
	case ".csv":
		entries, err = parseCSV(data)
	default:
		return nil, fmt.Errorf("jump table %s: unsupported extension; use .yaml, .yml or .csv", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing jump table %s: %w", path, err)
	}
	t, err := New(entries)
	if err != nil {
		return nil, fmt.Errorf("jump table %s: %w", path, err)
	}
	logrus.Infof("loaded jump table %s: %d entries, max address %d", path, t.Len(), t.MaxAddress())
	return t, nil
}

func parseYAML(data []byte) ([]Entry, error) {
	var f file
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, err
	}
	return f.Entries, nil
}

func parseCSV(data []byte) ([]Entry, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	if len(header) < len(csvColumns) {
		return nil, fmt.Errorf("CSV header has %d columns, expected %v", len(header), csvColumns)
	}
	for i, col := range csvColumns {
		if strings.TrimSpace(strings.ToLower(header[i])) != col {
			return nil, fmt.Errorf("CSV column %d is %q, expected %q", i, header[i], col)
		}
	}
	withLength := len(header) > len(csvColumns) &&
		strings.TrimSpace(strings.ToLower(header[len(csvColumns)])) == lengthColumn

	var entries []Entry
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row: %w", err)
		}
		e, err := parseRow(row, withLength)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseRow(row []string, withLength bool) (Entry, error) {
	addr, err := strconv.ParseUint(row[0], 10, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("address: %w", err)
	}
	tau, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return Entry{}, fmt.Errorf("tau: %w", err)
	}
	pulses, err := strconv.Atoi(row[2])
	if err != nil {
		return Entry{}, fmt.Errorf("pulses: %w", err)
	}
	phase, err := strconv.ParseFloat(row[3], 64)
	if err != nil {
		return Entry{}, fmt.Errorf("phase: %w", err)
	}
	e := Entry{Address: uint32(addr), Tau: tau, Pulses: pulses, Phase: phase}
	if withLength && len(row) > len(csvColumns) && strings.TrimSpace(row[len(csvColumns)]) != "" {
		if e.RealizedLength, err = strconv.ParseFloat(row[len(csvColumns)], 64); err != nil {
			return Entry{}, fmt.Errorf("%s: %w", lengthColumn, err)
		}
	}
	return e, nil
}

// WriteCSV writes the table in the format Load reads. The
// realized_sequence_length column is written only when some entry sets it.
func (t *Table) WriteCSV(w io.Writer) error {
	withLength := false
	for _, e := range t.entries {
		withLength = withLength || e.RealizedLength > 0
	}
	header := csvColumns
	if withLength {
		header = append(append([]string(nil), csvColumns...), lengthColumn)
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, e := range t.entries {
		row := []string{
			strconv.FormatUint(uint64(e.Address), 10),
			strconv.FormatFloat(e.Tau, 'g', -1, 64),
			strconv.Itoa(e.Pulses),
			strconv.FormatFloat(e.Phase, 'g', -1, 64),
		}
		if withLength {
			row = append(row, strconv.FormatFloat(e.RealizedLength, 'g', -1, 64))
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("writing CSV row %d: %w", e.Address, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// GridSpec describes a generated table: Count interrogation times between
// TauMin and TauMax, crossed with every pulse count and phase.
type GridSpec struct {
	TauMin  float64 `yaml:"tau_min"`
	TauMax  float64 `yaml:"tau_max"`
	Count   int     `yaml:"count"`
	Spacing string  `yaml:"spacing,omitempty"` // "log" (default) or "linear"
	// Pulses lists the pulse counts; empty means free precession only.
	Pulses []int `yaml:"pulses,omitempty"`
	// Phases lists the read phases; empty means phase 0 only.
	Phases      []float64 `yaml:"phases,omitempty"`
	BaseAddress uint32    `yaml:"base_address,omitempty"`
}

// ValidSpacings is the set of recognized grid spacings.
var ValidSpacings = map[string]bool{"": true, "log": true, "linear": true}

// Validate checks the grid parameters.
func (g *GridSpec) Validate() error {
	if !(g.TauMin > 0) || math.IsInf(g.TauMin, 0) {
		return fmt.Errorf("jump_table.tau_min must be a finite positive number, got %g", g.TauMin)
	}
	if !(g.TauMax >= g.TauMin) || math.IsInf(g.TauMax, 0) {
		return fmt.Errorf("jump_table.tau_max must be finite and at least tau_min, got %g", g.TauMax)
	}
	if g.Count < 1 {
		return fmt.Errorf("jump_table.count must be positive, got %d", g.Count)
	}
	if !ValidSpacings[g.Spacing] {
		return fmt.Errorf("unknown jump_table.spacing %q; valid: log, linear", g.Spacing)
	}
	for i, p := range g.Pulses {
		if p < 0 {
			return fmt.Errorf("jump_table.pulses[%d] must be non-negative, got %d", i, p)
		}
	}
	size := uint64(g.Count) * uint64(max(1, len(g.Pulses))) * uint64(max(1, len(g.Phases)))
	if uint64(g.BaseAddress)+size-1 > math.MaxUint32 {
		return fmt.Errorf("jump_table grid of %d entries overflows the address space from base %d", size, g.BaseAddress)
	}
	return nil
}

// Generate builds a table from a grid. Addresses are assigned consecutively
// from BaseAddress in (tau, pulses, phase) order.
func Generate(g GridSpec) (*Table, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	pulses := g.Pulses
	if len(pulses) == 0 {
		pulses = []int{0}
	}
	phases := g.Phases
	if len(phases) == 0 {
		phases = []float64{0}
	}
	entries := make([]Entry, 0, g.Count*len(pulses)*len(phases))
	addr := g.BaseAddress
	for i := 0; i < g.Count; i++ {
		tau := gridPoint(g, i)
		for _, n := range pulses {
			for _, ph := range phases {
				entries = append(entries, Entry{Address: addr, Tau: tau, Pulses: n, Phase: ph})
				addr++
			}
		}
	}
	return New(entries)
}

func gridPoint(g GridSpec, i int) float64 {
	if g.Count == 1 {
		return g.TauMin
	}
	f := float64(i) / float64(g.Count-1)
	if g.Spacing == "linear" {
		return g.TauMin + f*(g.TauMax-g.TauMin)
	}
	return g.TauMin * math.Pow(g.TauMax/g.TauMin, f)
}
