package alltoall

import "github.com/unixpickle/gpu-shuffle/simulator"

// runDirect issues the schedule straight onto the per-pair
// streams, one phase at a time.
//
// The final phase is left in flight; the caller syncs when
// it needs the results.
func (e *Engine) runDirect(sched *schedule, srcs, dsts []*simulator.Buffer) {
	reading, writing := srcs, dsts
	for p, phase := range sched.phases {
		if p > 0 {
			// Later phases read what earlier phases wrote,
			// and the per-pair streams give no cross-phase
			// ordering on their own.
			e.ctx.SyncAllStreams()
		}
		for _, t := range phase {
			e.ctx.Streams(t.From)[t.To].Memcpy(writing[t.To], t.DstOff, reading[t.From], t.SrcOff, t.Len)
		}
		reading, writing = writing, reading
	}
}
