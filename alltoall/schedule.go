package alltoall

import (
	"errors"
	"fmt"

	"github.com/unixpickle/essentials"

	"github.com/unixpickle/gpu-shuffle/plan"
)

// A Transfer is one concrete copy of an exchange: Len
// elements from device From at SrcOff into device To at
// DstOff. Len may be zero for the trailing chunks of a
// small flow; zero-length transfers are still issued so
// that the shape of the exchange depends only on the plan.
type Transfer struct {
	From   int
	To     int
	SrcOff int
	DstOff int
	Len    int
}

// A schedule is a fully resolved exchange: the per-phase
// transfer lists plus the totals the engine checks buffer
// capacities against.
type schedule struct {
	phases [][]Transfer

	// sendTotal[s] is the number of elements initially
	// resident on device s.
	sendTotal []int

	// writeTotal[p][d] is the number of elements phase p
	// writes into device d's buffer.
	writeTotal [][]int
}

// buildSchedule walks the plan's sequences in order and
// resolves every hop into a Transfer.
//
// Each sequence carries min(ceil(total/chunks)*size,
// remaining) elements of its pair's region, so a pair's
// sequences tile the region exactly in plan order. Phase 1
// reads at source displacements, the final phase writes at
// target displacements, and the phases between write at
// running per-device cursors that start at zero.
func buildSchedule(p *plan.Plan, counts [][]int) (*schedule, error) {
	if !p.Valid() {
		return nil, errors.New("alltoall: plan is not valid")
	}
	srcDisp, trgDisp, err := displacements(counts)
	if err != nil {
		return nil, err
	}
	n := p.NumDevices()
	if len(counts) != n {
		return nil, fmt.Errorf("alltoall: send-count matrix is %dx%d but plan spans %d devices",
			len(counts), len(counts), n)
	}
	phases := p.NumPhases()
	chunks := p.NumChunks()

	srcCur := newOffsetMat(n, n)
	trgCur := newOffsetMat(n, n)
	for s := 0; s < n; s++ {
		for d := 0; d < n; d++ {
			srcCur.set(s, d, srcDisp.at(s, d))
			trgCur.set(s, d, trgDisp.at(s, d))
		}
	}
	mid := make([][]int, phases-1)
	for i := range mid {
		mid[i] = make([]int, n)
	}

	out := &schedule{
		phases:     make([][]Transfer, phases),
		sendTotal:  make([]int, n),
		writeTotal: make([][]int, phases),
	}
	for s := 0; s < n; s++ {
		out.sendTotal[s] = srcDisp.at(s, n)
	}
	for i := range out.writeTotal {
		out.writeTotal[i] = make([]int, n)
	}

	for _, seq := range p.Sequences() {
		src := seq.Hops[0]
		dst := seq.Hops[len(seq.Hops)-1]
		total := counts[src][dst]
		remaining := srcDisp.at(src, dst) + total - srcCur.at(src, dst)
		length := essentials.MinInt(ceilDiv(total, chunks)*seq.Size, remaining)

		cur := srcCur.add(src, dst, length)
		for hop := 1; hop <= phases; hop++ {
			from, to := seq.Hops[hop-1], seq.Hops[hop]
			var dstOff int
			if hop == phases {
				dstOff = trgCur.add(src, dst, length)
			} else {
				dstOff = mid[hop-1][to]
				mid[hop-1][to] += length
			}
			out.phases[hop-1] = append(out.phases[hop-1], Transfer{
				From:   from,
				To:     to,
				SrcOff: cur,
				DstOff: dstOff,
				Len:    length,
			})
			out.writeTotal[hop-1][to] += length
			cur = dstOff
		}
	}

	// A verified plan tiles every pair exactly; anything
	// else is a configuration error, not something to paper
	// over.
	for s := 0; s < n; s++ {
		for d := 0; d < n; d++ {
			want := counts[s][d]
			if got := srcCur.at(s, d) - srcDisp.at(s, d); got != want {
				return nil, fmt.Errorf("alltoall: plan moves %d of %d elements for pair (%d, %d)",
					got, want, s, d)
			}
			if got := trgCur.at(s, d) - trgDisp.at(s, d); got != want {
				return nil, fmt.Errorf("alltoall: plan delivers %d of %d elements for pair (%d, %d)",
					got, want, s, d)
			}
		}
	}
	return out, nil
}

// numTransfers returns the total descriptor count across
// all phases.
func (s *schedule) numTransfers() int {
	total := 0
	for _, phase := range s.phases {
		total += len(phase)
	}
	return total
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
