// Package plan describes routing plans for all-to-all
// exchanges: which devices each flow hops through, and how
// much of its pair's chunk budget it carries.
package plan

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// A Sequence routes one flow of an all-to-all exchange.
//
// Hops[0] is the source device and Hops[len(Hops)-1] the
// final destination; every adjacent pair of hops is one
// transfer in the corresponding phase. Size is the flow's
// share of its pair's chunk budget.
type Sequence struct {
	Hops []int
	Size int
}

// A Plan is a verified set of routing sequences for an
// all-to-all exchange across a fixed number of devices.
//
// Plans are immutable after construction.
type Plan struct {
	devices int
	phases  int
	chunks  int
	seqs    []Sequence
	valid   bool
}

// New builds a plan from routing sequences and verifies it.
//
// Every sequence must have the same number of hops, every
// hop must name a device, and sizes must be positive. For
// every ordered device pair, including the self pairs, the
// sizes of the sequences routing that pair must sum to
// exactly numChunks.
func New(numDevices, numChunks int, seqs []Sequence) (*Plan, error) {
	if numDevices < 1 {
		return nil, fmt.Errorf("plan: invalid device count %d", numDevices)
	}
	if numChunks < 1 {
		return nil, fmt.Errorf("plan: invalid chunk count %d", numChunks)
	}
	if len(seqs) == 0 {
		return nil, fmt.Errorf("plan: no sequences")
	}
	phases := len(seqs[0].Hops) - 1
	if phases < 1 {
		return nil, fmt.Errorf("plan: sequence 0 has %d hops, need at least 2", len(seqs[0].Hops))
	}
	copied := make([]Sequence, len(seqs))
	for i, seq := range seqs {
		copied[i] = Sequence{Hops: append([]int(nil), seq.Hops...), Size: seq.Size}
	}
	p := &Plan{devices: numDevices, phases: phases, chunks: numChunks, seqs: copied}
	if err := p.verify(); err != nil {
		return nil, err
	}
	p.valid = true
	return p, nil
}

// Direct returns the canonical single-phase plan: one
// sequence per ordered device pair, each carrying the full
// chunk budget.
func Direct(numDevices int) *Plan {
	var seqs []Sequence
	for src := 0; src < numDevices; src++ {
		for dst := 0; dst < numDevices; dst++ {
			seqs = append(seqs, Sequence{Hops: []int{src, dst}, Size: 1})
		}
	}
	p, err := New(numDevices, 1, seqs)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Plan) verify() error {
	weights := make([]int, p.devices*p.devices)
	for i, seq := range p.seqs {
		if len(seq.Hops) != p.phases+1 {
			return fmt.Errorf("plan: sequence %d has %d hops, want %d", i, len(seq.Hops), p.phases+1)
		}
		for _, hop := range seq.Hops {
			if hop < 0 || hop >= p.devices {
				return fmt.Errorf("plan: sequence %d visits device %d of %d", i, hop, p.devices)
			}
		}
		if seq.Size < 1 {
			return fmt.Errorf("plan: sequence %d has size %d", i, seq.Size)
		}
		src := seq.Hops[0]
		dst := seq.Hops[len(seq.Hops)-1]
		weights[src*p.devices+dst] += seq.Size
	}
	for src := 0; src < p.devices; src++ {
		for dst := 0; dst < p.devices; dst++ {
			if w := weights[src*p.devices+dst]; w != p.chunks {
				return fmt.Errorf("plan: pair (%d, %d) carries weight %d, want %d",
					src, dst, w, p.chunks)
			}
		}
	}
	return nil
}

// NumDevices returns the number of devices the plan spans.
func (p *Plan) NumDevices() int {
	return p.devices
}

// NumPhases returns the number of transfer phases.
func (p *Plan) NumPhases() int {
	return p.phases
}

// NumChunks returns the per-pair chunk budget.
func (p *Plan) NumChunks() int {
	return p.chunks
}

// Valid reports whether the plan passed verification. It is
// safe to call on a nil plan.
func (p *Plan) Valid() bool {
	return p != nil && p.valid
}

// Sequences returns the routing sequences in scheduling
// order. The slice is shared; do not modify it.
func (p *Plan) Sequences() []Sequence {
	return p.seqs
}

// Write renders the plan as a table.
func (p *Plan) Write(w io.Writer) {
	fmt.Fprintf(w, "plan: %d devices, %d phases, %d chunks, %d sequences\n",
		p.devices, p.phases, p.chunks, len(p.seqs))
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"seq", "route", "size"})
	for i, seq := range p.seqs {
		hops := make([]string, len(seq.Hops))
		for j, hop := range seq.Hops {
			hops[j] = strconv.Itoa(hop)
		}
		table.Append([]string{strconv.Itoa(i), strings.Join(hops, " -> "), strconv.Itoa(seq.Size)})
	}
	table.Render()
}

// Show prints the plan to standard output.
func (p *Plan) Show() {
	p.Write(os.Stdout)
}
