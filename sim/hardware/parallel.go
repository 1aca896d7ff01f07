// Package hardware provides a software apparatus for closed-loop runs
// without instruments: a parallel-port control word path and a simulated
// measurement that answers with counts drawn from a forward model.
package hardware

import (
	"fmt"
	"sync"

	"github.com/adaptive-sim/adaptive-sim/sim/epoch"
)

// Lines is one write to the port: the data bus, the strobe line and the
// data-select line that marks the high half of a split address.
type Lines struct {
	Data   uint32
	Strobe bool
	Select bool
}

// LineWriter drives the physical lines.
type LineWriter interface {
	WriteLines(l Lines) error
}

// PortConfig sizes the control word path.
type PortConfig struct {
	// DataLines is the data bus width.
	DataLines int `yaml:"data_lines"`
	// AddressBits is the control word width. Addresses wider than the bus
	// go out as two writes, low half first.
	AddressBits int `yaml:"address_bits"`
}

// DefaultPortConfig is an 8-line bus carrying 16-bit addresses.
func DefaultPortConfig() PortConfig {
	return PortConfig{DataLines: 8, AddressBits: 16}
}

// Validate checks that an address fits in at most two bus writes.
func (c PortConfig) Validate() error {
	if c.DataLines < 1 || c.DataLines > 32 {
		return fmt.Errorf("port.data_lines must be in [1,32], got %d", c.DataLines)
	}
	if c.AddressBits < 1 || c.AddressBits > 32 {
		return fmt.Errorf("port.address_bits must be in [1,32], got %d", c.AddressBits)
	}
	if c.AddressBits > 2*c.DataLines {
		return fmt.Errorf("port.address_bits %d needs more than two writes on %d data lines", c.AddressBits, c.DataLines)
	}
	return nil
}

func (c PortConfig) split() bool { return c.AddressBits > c.DataLines }

func (c PortConfig) maxAddress() uint32 {
	return uint32(uint64(1)<<c.AddressBits - 1)
}

func (c PortConfig) dataMask() uint32 {
	return uint32(uint64(1)<<c.DataLines - 1)
}

// ParallelPort is an epoch.ControlSink that strobes addresses onto a LineWriter.
type ParallelPort struct {
	mu  sync.Mutex
	cfg PortConfig
	out LineWriter
}

// NewParallelPort validates cfg and returns a port writing to out.
func NewParallelPort(cfg PortConfig, out LineWriter) (*ParallelPort, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ParallelPort{cfg: cfg, out: out}, nil
}

// MaxAddress is the largest address the word width can carry.
func (p *ParallelPort) MaxAddress() uint32 { return p.cfg.maxAddress() }

// Emit writes addr: data settles with the strobe low, then the strobe rises.
func (p *ParallelPort) Emit(addr uint32) error {
	if addr > p.MaxAddress() {
		return fmt.Errorf("address %d exceeds %d-bit port: %w", addr, p.cfg.AddressBits, epoch.ErrAddressOutOfRange)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	mask := p.cfg.dataMask()
	if err := p.strobe(addr&mask, false); err != nil {
		return err
	}
	if p.cfg.split() {
		return p.strobe(addr>>p.cfg.DataLines&mask, true)
	}
	return nil
}

func (p *ParallelPort) strobe(data uint32, sel bool) error {
	for _, l := range []Lines{
		{Data: data, Select: sel},
		{Data: data, Select: sel, Strobe: true},
		{Data: data, Select: sel},
	} {
		if err := p.out.WriteLines(l); err != nil {
			return fmt.Errorf("writing port lines: %w", err)
		}
	}
	return nil
}

// Latch is a LineWriter that decodes strobed writes back into addresses,
// standing in for the sequencer's address register.
type Latch struct {
	mu      sync.Mutex
	cfg     PortConfig
	strobe  bool
	low     uint32
	haveLow bool
	onWord  func(addr uint32)
}

// NewLatch returns a latch calling onWord for every complete address.
func NewLatch(cfg PortConfig, onWord func(addr uint32)) (*Latch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Latch{cfg: cfg, onWord: onWord}, nil
}

// WriteLines latches the data bus on a rising strobe.
func (l *Latch) WriteLines(in Lines) error {
	l.mu.Lock()
	rising := in.Strobe && !l.strobe
	l.strobe = in.Strobe
	if !rising {
		l.mu.Unlock()
		return nil
	}
	data := in.Data & l.cfg.dataMask()
	var addr uint32
	switch {
	case !l.cfg.split():
		addr = data
	case !in.Select:
		l.low, l.haveLow = data, true
		l.mu.Unlock()
		return nil
	case !l.haveLow:
		l.mu.Unlock()
		return fmt.Errorf("latch: high half strobed without a low half")
	default:
		addr = data<<l.cfg.DataLines | l.low
		l.haveLow = false
	}
	l.mu.Unlock()
	if l.onWord != nil {
		l.onWord(addr)
	}
	return nil
}
