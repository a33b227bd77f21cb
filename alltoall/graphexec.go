package alltoall

import (
	"errors"

	"github.com/unixpickle/gpu-shuffle/simulator"
)

// A graphExecutor owns the capture machinery of an Engine:
// a capture stream, a reusable phase marker, and the
// instantiated executable that replays the exchange.
type graphExecutor struct {
	ctx       simulator.Context
	capStream *simulator.Stream
	marker    *simulator.Event
	exec      *simulator.Exec
}

// ensure points the executor at ctx, creating the capture
// stream and marker on first use and recreating them when
// the engine moves to a different context.
func (g *graphExecutor) ensure(ctx simulator.Context) {
	if g.ctx != ctx {
		g.ctx = ctx
		g.capStream = nil
		g.marker = nil
	}
	if g.capStream == nil {
		g.capStream = ctx.NewStream(0)
		g.marker = ctx.NewEvent()
	}
}

// capture records the whole exchange into a graph without
// running any of it.
//
// Each phase starts with a marker on the capture stream.
// Every transfer's stream waits on the marker, issues its
// copy, and records its pair event; the capture stream then
// waits on all pair events, which closes the phase barrier.
// Pairs silent in a phase contribute no-op edges, so the
// graph's shape depends only on the plan.
func (g *graphExecutor) capture(sched *schedule, srcs, dsts []*simulator.Buffer) (*simulator.Graph, error) {
	n := g.ctx.NumDevices()
	if err := g.capStream.BeginCapture(); err != nil {
		return nil, err
	}
	reading, writing := srcs, dsts
	for _, phase := range sched.phases {
		g.marker.Record(g.capStream)
		for _, t := range phase {
			stream := g.ctx.Streams(t.From)[t.To]
			stream.WaitEvent(g.marker)
			stream.Memcpy(writing[t.To], t.DstOff, reading[t.From], t.SrcOff, t.Len)
			g.ctx.Events(t.From)[t.To].Record(stream)
		}
		for src := 0; src < n; src++ {
			for dst := 0; dst < n; dst++ {
				g.capStream.WaitEvent(g.ctx.Events(src)[dst])
			}
		}
		reading, writing = writing, reading
	}
	return g.capStream.EndCapture()
}

// prepare captures the exchange and binds it to the
// executable, instantiating a fresh one when there is none
// or when the topology changed. It reports whether a new
// executable was built.
//
// A fresh executable is warmed through the update path once
// before its first launch, so that later count changes
// exercise a path that has already run.
func (g *graphExecutor) prepare(sched *schedule, srcs, dsts []*simulator.Buffer) (bool, error) {
	graph, err := g.capture(sched, srcs, dsts)
	if err != nil {
		return false, err
	}
	if g.exec != nil {
		err := g.exec.Update(graph)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, simulator.ErrTopologyChanged) {
			return false, err
		}
		g.exec.Free()
		g.exec = nil
	}
	exec, err := graph.Instantiate()
	if err != nil {
		return false, err
	}
	warmup, err := g.capture(sched, srcs, dsts)
	if err != nil {
		exec.Free()
		return false, err
	}
	if err := exec.Update(warmup); err != nil {
		exec.Free()
		return false, err
	}
	g.exec = exec
	return true, nil
}

// launch replays the prepared executable on s.
func (g *graphExecutor) launch(s *simulator.Stream) {
	g.exec.Launch(s)
}

// free releases the executable, if any.
func (g *graphExecutor) free() {
	if g.exec != nil {
		g.exec.Free()
		g.exec = nil
	}
}
