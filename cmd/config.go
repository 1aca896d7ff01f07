package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/adaptive-sim/adaptive-sim/sim"
	"github.com/adaptive-sim/adaptive-sim/sim/epoch"
	"github.com/adaptive-sim/adaptive-sim/sim/hardware"
	"github.com/adaptive-sim/adaptive-sim/sim/heuristic"
	"github.com/adaptive-sim/adaptive-sim/sim/jumptable"
	"github.com/adaptive-sim/adaptive-sim/sim/model"
)

// JumpTableConfig selects the jump table: a file on disk or a generated grid.
type JumpTableConfig struct {
	// Path is resolved relative to the run config file.
	Path string              `yaml:"path,omitempty"`
	Grid *jumptable.GridSpec `yaml:"grid,omitempty"`
}

// RunConfig is the full run configuration file.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type RunConfig struct {
	Seed       int64                    `yaml:"seed"`
	Model      model.Spec               `yaml:"model"`
	Prior      sim.PriorSpec            `yaml:"prior"`
	Updater    sim.UpdaterConfig        `yaml:"updater"`
	Resampler  sim.ResamplerConfig      `yaml:"resampler"`
	Heuristic  heuristic.Config         `yaml:"heuristic"`
	JumpTable  JumpTableConfig          `yaml:"jump_table"`
	Controller epoch.Config             `yaml:"controller"`
	Apparatus  hardware.ApparatusConfig `yaml:"apparatus"`

	dir string // directory of the loaded file
}

// DefaultRunConfig returns the defaults a config file is decoded over.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Seed:       42,
		Updater:    sim.DefaultUpdaterConfig(),
		Resampler:  sim.DefaultResamplerConfig(),
		Controller: epoch.DefaultConfig(),
		Apparatus: hardware.ApparatusConfig{
			SweepsPerEpoch: 1,
			TriggerLine:    "ready",
			Port:           hardware.DefaultPortConfig(),
		},
	}
}

// LoadRunConfig reads a run config with strict field checking: typos must
// cause errors.
func LoadRunConfig(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("reading run config: %w", err)
	}
	cfg, err := parseRunConfig(data)
	if err != nil {
		return RunConfig{}, fmt.Errorf("parsing run config %s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

func parseRunConfig(data []byte) (RunConfig, error) {
	cfg := DefaultRunConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// Validate checks every section. The model is built to learn the parameter
// dimension the prior and apparatus are checked against.
func (c *RunConfig) Validate() error {
	m, err := model.New(c.Model)
	if err != nil {
		return err
	}
	if err := c.Prior.Validate(m.NumParams()); err != nil {
		return err
	}
	if err := c.Updater.Validate(); err != nil {
		return err
	}
	if err := c.Resampler.Validate(); err != nil {
		return err
	}
	if err := c.Heuristic.Validate(); err != nil {
		return err
	}
	if err := c.JumpTable.validate(); err != nil {
		return err
	}
	if err := c.Controller.Validate(); err != nil {
		return err
	}
	if err := c.Apparatus.Validate(m); err != nil {
		return err
	}
	if c.Controller.TriggerLine != c.Apparatus.TriggerLine {
		return fmt.Errorf("controller.trigger_line %q does not match apparatus.trigger_line %q", c.Controller.TriggerLine, c.Apparatus.TriggerLine)
	}
	return nil
}

func (j *JumpTableConfig) validate() error {
	switch {
	case j.Path == "" && j.Grid == nil:
		return errors.New("jump_table needs a path or a grid")
	case j.Path != "" && j.Grid != nil:
		return errors.New("jump_table.path and jump_table.grid are mutually exclusive")
	case j.Grid != nil:
		return j.Grid.Validate()
	}
	return nil
}

// table loads or generates the configured jump table.
func (c *RunConfig) table() (*jumptable.Table, error) {
	if c.JumpTable.Grid != nil {
		return jumptable.Generate(*c.JumpTable.Grid)
	}
	path := c.JumpTable.Path
	if !filepath.IsAbs(path) && c.dir != "" {
		path = filepath.Join(c.dir, path)
	}
	return jumptable.Load(path)
}
