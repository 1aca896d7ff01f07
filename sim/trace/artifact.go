package trace

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ArtifactVersion is the current artifact header version.
const ArtifactVersion = 1

// End reasons recorded in RunMetadata.EndReason.
const (
	EndMaxEpochs = "max_epochs"
	EndAborted   = "aborted"
	EndFatal     = "fatal"
)

// RunMetadata is the artifact header: everything needed besides the epoch
// rows to recompute sensitivity and timing statistics offline.
type RunMetadata struct {
	Version   int    `yaml:"artifact_version"`
	RunID     string `yaml:"run_id"`
	CreatedAt string `yaml:"created_at,omitempty"`

	Model           string             `yaml:"model"`
	ParamNames      []string           `yaml:"param_names"`
	Hyperparameters map[string]float64 `yaml:"hyperparameters,omitempty"`

	PriorType  string    `yaml:"prior_type"`
	PriorLower []float64 `yaml:"prior_lower"`
	PriorUpper []float64 `yaml:"prior_upper"`

	NumParticles      int     `yaml:"num_particles"`
	ResampleThreshold float64 `yaml:"resample_threshold"`
	ResamplerA        float64 `yaml:"resampler_a"`
	ZeroWeightPolicy  string  `yaml:"zero_weight_policy"`
	Heuristic         string  `yaml:"heuristic,omitempty"`

	Seed           int64 `yaml:"seed"`
	MaxEpochs      int   `yaml:"max_epochs"`
	RecordCapacity int   `yaml:"record_capacity"`

	// Filled in when the run ends.
	Epochs         int    `yaml:"epochs"`
	DroppedRecords int    `yaml:"dropped_records"`
	EndReason      string `yaml:"end_reason,omitempty"`
	Error          string `yaml:"error,omitempty"`
}

// NewRunMetadata returns a header stamped with a fresh run ID and creation time.
func NewRunMetadata() RunMetadata {
	return RunMetadata{
		Version:   ArtifactVersion,
		RunID:     uuid.NewString(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// RunArtifact combines the header and the flushed epoch history.
type RunArtifact struct {
	Metadata RunMetadata
	Records  []EpochRecord
}

// CSV column headers for the artifact data file.
var artifactColumns = []string{
	"epoch",
	"measured_tau", "measured_pulses", "measured_phase",
	"requested_tau", "requested_pulses", "requested_phase",
	"realized_tau", "realized_pulses", "realized_phase", "address",
	"counts", "sweeps", "value", "label",
	"mean", "covariance", "ess",
	"timeout", "resampled", "zero_weight_action", "address_rejected", "overrun",
	"entry_unix_nano", "exit_unix_nano",
}

// vectorSep joins vector-valued columns inside one CSV cell.
const vectorSep = ";"

// Export writes the artifact header (YAML) and epoch rows (CSV) to separate files.
func Export(a *RunArtifact, headerPath, dataPath string) error {
	headerData, err := yaml.Marshal(&a.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling artifact header: %w", err)
	}
	if err := os.WriteFile(headerPath, headerData, 0644); err != nil {
		return fmt.Errorf("writing artifact header: %w", err)
	}

	file, err := os.Create(dataPath)
	if err != nil {
		return fmt.Errorf("creating artifact data file: %w", err)
	}
	defer func() { _ = file.Close() }()
	return WriteRecords(file, a.Records)
}

// WriteRecords writes epoch rows, header row first. Timestamps use integer
// formatting to keep nanosecond precision.
func WriteRecords(w io.Writer, records []EpochRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(artifactColumns); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, r := range records {
		row := []string{
			strconv.Itoa(r.Epoch),
			formatFloat(r.Measured.Tau), strconv.Itoa(r.Measured.Pulses), formatFloat(r.Measured.Phase),
			formatFloat(r.Requested.Tau), strconv.Itoa(r.Requested.Pulses), formatFloat(r.Requested.Phase),
			formatFloat(r.Realized.Tau), strconv.Itoa(r.Realized.Pulses), formatFloat(r.Realized.Phase),
			strconv.FormatUint(uint64(r.Address), 10),
			strconv.FormatInt(r.Counts, 10),
			strconv.FormatInt(r.Sweeps, 10),
			formatFloat(r.Value),
			strconv.Itoa(r.Label),
			formatVector(r.Mean),
			formatVector(r.Covariance),
			formatFloat(r.ESS),
			strconv.FormatBool(r.Timeout),
			strconv.FormatBool(r.Resampled),
			r.ZeroWeightAction,
			strconv.FormatBool(r.AddressRejected),
			strconv.FormatBool(r.Overrun),
			strconv.FormatInt(r.EntryUnixNano, 10),
			strconv.FormatInt(r.ExitUnixNano, 10),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("writing CSV row %d: %w", r.Epoch, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// LoadRunArtifact reads an artifact header (YAML) and data (CSV).
func LoadRunArtifact(headerPath, dataPath string) (*RunArtifact, error) {
	headerData, err := os.ReadFile(headerPath)
	if err != nil {
		return nil, fmt.Errorf("reading artifact header: %w", err)
	}
	var meta RunMetadata
	if err := yaml.Unmarshal(headerData, &meta); err != nil {
		return nil, fmt.Errorf("parsing artifact header: %w", err)
	}
	if meta.Version > ArtifactVersion {
		return nil, fmt.Errorf("artifact version %d is newer than supported version %d", meta.Version, ArtifactVersion)
	}

	file, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("opening artifact data: %w", err)
	}
	defer func() { _ = file.Close() }()

	records, err := ReadRecords(file)
	if err != nil {
		return nil, err
	}
	return &RunArtifact{Metadata: meta, Records: records}, nil
}

// ReadRecords parses rows written by WriteRecords.
func ReadRecords(r io.Reader) ([]EpochRecord, error) {
	reader := csv.NewReader(r)
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	var records []EpochRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row: %w", err)
		}
		if len(row) < len(artifactColumns) {
			return nil, fmt.Errorf("CSV row has %d columns, expected %d", len(row), len(artifactColumns))
		}
		rec, err := parseRecord(row)
		if err != nil {
			return nil, fmt.Errorf("CSV row %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// rowParser accumulates the first parse error so a row can be decoded
// column by column.
type rowParser struct {
	row []string
	err error
}

func (p *rowParser) int(i int) int {
	v, err := strconv.Atoi(p.row[i])
	p.fail(i, err)
	return v
}

func (p *rowParser) int64(i int) int64 {
	v, err := strconv.ParseInt(p.row[i], 10, 64)
	p.fail(i, err)
	return v
}

func (p *rowParser) float(i int) float64 {
	v, err := strconv.ParseFloat(p.row[i], 64)
	p.fail(i, err)
	return v
}

func (p *rowParser) bool(i int) bool {
	v, err := strconv.ParseBool(p.row[i])
	p.fail(i, err)
	return v
}

func (p *rowParser) vector(i int) []float64 {
	if p.row[i] == "" {
		return nil
	}
	parts := strings.Split(p.row[i], vectorSep)
	out := make([]float64, len(parts))
	for k, s := range parts {
		v, err := strconv.ParseFloat(s, 64)
		p.fail(i, err)
		out[k] = v
	}
	return out
}

func (p *rowParser) fail(i int, err error) {
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("column %s: %w", artifactColumns[i], err)
	}
}

func parseRecord(row []string) (EpochRecord, error) {
	p := &rowParser{row: row}
	addr, err := strconv.ParseUint(row[10], 10, 32)
	p.fail(10, err)
	rec := EpochRecord{
		Epoch:            p.int(0),
		Measured:         DesignRecord{Tau: p.float(1), Pulses: p.int(2), Phase: p.float(3)},
		Requested:        DesignRecord{Tau: p.float(4), Pulses: p.int(5), Phase: p.float(6)},
		Realized:         DesignRecord{Tau: p.float(7), Pulses: p.int(8), Phase: p.float(9)},
		Address:          uint32(addr),
		Counts:           p.int64(11),
		Sweeps:           p.int64(12),
		Value:            p.float(13),
		Label:            p.int(14),
		Mean:             p.vector(15),
		Covariance:       p.vector(16),
		ESS:              p.float(17),
		Timeout:          p.bool(18),
		Resampled:        p.bool(19),
		ZeroWeightAction: row[20],
		AddressRejected:  p.bool(21),
		Overrun:          p.bool(22),
		EntryUnixNano:    p.int64(23),
		ExitUnixNano:     p.int64(24),
	}
	return rec, p.err
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func formatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = formatFloat(x)
	}
	return strings.Join(parts, vectorSep)
}
