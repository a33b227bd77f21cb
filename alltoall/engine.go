package alltoall

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/unixpickle/gpu-shuffle/plan"
	"github.com/unixpickle/gpu-shuffle/simulator"
)

// An Engine redistributes data between the devices of a
// Context according to a routing plan.
//
// An Engine is not safe for concurrent use, and Execute
// returns while device work may still be in flight; call
// Sync before reading destination buffers from the host.
// Engines on separate Systems are fully independent.
type Engine struct {
	ctx  simulator.Context
	plan *plan.Plan

	useGraph bool
	verbose  bool
	log      *slog.Logger

	graph        *graphExecutor
	engineStream *simulator.Stream
}

// An Option configures an Engine.
type Option func(*Engine)

// WithGraph makes the engine capture each exchange into an
// execution graph and replay it, instead of issuing copies
// directly.
func WithGraph() Option {
	return func(e *Engine) {
		e.useGraph = true
	}
}

// WithVerbose makes the engine log each scheduled exchange.
func WithVerbose() Option {
	return func(e *Engine) {
		e.verbose = true
	}
}

// WithLogger routes the engine's logging through l.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// New creates an engine for a device context and a routing
// plan. The plan must span exactly the context's devices.
func New(ctx simulator.Context, p *plan.Plan, opts ...Option) (*Engine, error) {
	e := &Engine{ctx: ctx, plan: p, log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if err := checkSetup(ctx, p); err != nil {
		return nil, err
	}
	return e, nil
}

func checkSetup(ctx simulator.Context, p *plan.Plan) error {
	if ctx == nil || !ctx.Valid() {
		return errors.New("alltoall: device context is not usable")
	}
	if !p.Valid() {
		return errors.New("alltoall: transfer plan is not valid")
	}
	if p.NumDevices() != ctx.NumDevices() {
		return fmt.Errorf("alltoall: plan spans %d devices but context has %d",
			p.NumDevices(), ctx.NumDevices())
	}
	return nil
}

// Execute runs one exchange: counts[s][d] elements move
// from device s's source buffer to device d's destination
// buffer, routed per the plan.
//
// srcs[i] and dsts[i] must live on device i. For plans with
// an even number of phases the results land in the original
// source buffers, and Execute swaps the two slices in place
// so that dsts always names the buffers holding results.
// The exchange is asynchronous either way.
func (e *Engine) Execute(srcs, dsts []*simulator.Buffer, counts [][]int) error {
	sched, err := e.validate(srcs, dsts, counts)
	if err != nil {
		return err
	}
	if e.useGraph {
		if err := e.prepareGraph(sched, srcs, dsts); err != nil {
			return err
		}
		e.graph.launch(e.launchStream())
	} else {
		e.runDirect(sched, srcs, dsts)
	}
	if e.plan.NumPhases()%2 == 0 {
		swapBuffers(srcs, dsts)
	}
	return nil
}

// Prepare captures an exchange into the engine's executable
// without launching it. Only engines built with WithGraph
// can prepare.
//
// Like Execute, Prepare swaps srcs and dsts in place for
// even phase counts, so after it returns dsts names the
// buffers every subsequent Launch leaves results in.
func (e *Engine) Prepare(srcs, dsts []*simulator.Buffer, counts [][]int) error {
	if !e.useGraph {
		return errors.New("alltoall: engine was built without WithGraph")
	}
	sched, err := e.validate(srcs, dsts, counts)
	if err != nil {
		return err
	}
	if err := e.prepareGraph(sched, srcs, dsts); err != nil {
		return err
	}
	if e.plan.NumPhases()%2 == 0 {
		swapBuffers(srcs, dsts)
	}
	return nil
}

// Launch replays the prepared exchange on s. A nil s
// replays on an engine-owned stream on device 0. The replay
// is asynchronous.
func (e *Engine) Launch(s *simulator.Stream) error {
	if e.graph == nil || e.graph.exec == nil {
		return errors.New("alltoall: nothing prepared (call Prepare first)")
	}
	if s == nil {
		s = e.launchStream()
	}
	e.graph.launch(s)
	return nil
}

// SetPlan swaps the routing plan, keeping the device
// context.
func (e *Engine) SetPlan(p *plan.Plan) error {
	return e.Reset(e.ctx, p)
}

// Reset points the engine at a new context and plan.
//
// Swapping plans on the same context keeps a prepared
// executable: the next exchange updates it in place when the
// new schedule still matches its topology, and rebuilds it
// otherwise. Moving to a different context drops it, since
// an executable's copies are bound to the devices it was
// captured on; Launch then fails until the next Prepare.
func (e *Engine) Reset(ctx simulator.Context, p *plan.Plan) error {
	if err := checkSetup(ctx, p); err != nil {
		return err
	}
	if ctx != e.ctx {
		e.engineStream = nil
		if e.graph != nil {
			e.graph.free()
		}
	}
	e.ctx = ctx
	e.plan = p
	return nil
}

// validate checks the buffers and counts against the plan
// and resolves the schedule.
func (e *Engine) validate(srcs, dsts []*simulator.Buffer, counts [][]int) (*schedule, error) {
	if err := checkSetup(e.ctx, e.plan); err != nil {
		return nil, err
	}
	n := e.ctx.NumDevices()
	if len(srcs) != n || len(dsts) != n {
		return nil, fmt.Errorf("alltoall: need %d source and %d destination buffers, got %d and %d",
			n, n, len(srcs), len(dsts))
	}
	elemSize := 0
	for i := 0; i < n; i++ {
		if srcs[i] == nil || dsts[i] == nil {
			return nil, fmt.Errorf("alltoall: device %d: nil buffer", i)
		}
		if srcs[i] == dsts[i] {
			return nil, fmt.Errorf("alltoall: device %d: source and destination buffers alias", i)
		}
		dev := e.ctx.Streams(i)[i].Device()
		if srcs[i].Device() != dev || dsts[i].Device() != dev {
			return nil, fmt.Errorf("alltoall: device %d: buffer does not reside on that device", i)
		}
		for _, b := range []*simulator.Buffer{srcs[i], dsts[i]} {
			if elemSize == 0 {
				elemSize = b.ElemSize()
			} else if b.ElemSize() != elemSize {
				return nil, fmt.Errorf("alltoall: mixed element widths (%d and %d bytes)",
					elemSize, b.ElemSize())
			}
		}
	}
	sched, err := buildSchedule(e.plan, counts)
	if err != nil {
		return nil, err
	}
	for s := 0; s < n; s++ {
		if sched.sendTotal[s] > srcs[s].Len() {
			return nil, fmt.Errorf("alltoall: device %d sends %d elements but its source buffer holds %d",
				s, sched.sendTotal[s], srcs[s].Len())
		}
	}
	for p := range sched.phases {
		into := dsts
		if p%2 == 1 {
			into = srcs
		}
		for d := 0; d < n; d++ {
			if sched.writeTotal[p][d] > into[d].Len() {
				return nil, fmt.Errorf("alltoall: phase %d writes %d elements into device %d's buffer of %d",
					p+1, sched.writeTotal[p][d], d, into[d].Len())
			}
		}
	}
	if e.verbose {
		e.log.Info("scheduled all-to-all exchange",
			"devices", n,
			"phases", len(sched.phases),
			"chunks", e.plan.NumChunks(),
			"transfers", sched.numTransfers())
	}
	return sched, nil
}

func (e *Engine) prepareGraph(sched *schedule, srcs, dsts []*simulator.Buffer) error {
	if e.graph == nil {
		e.graph = &graphExecutor{}
	}
	e.graph.ensure(e.ctx)
	rebuilt, err := e.graph.prepare(sched, srcs, dsts)
	if err != nil {
		return err
	}
	if rebuilt {
		e.log.Debug("instantiated execution graph",
			"id", e.graph.exec.ID(),
			"nodes", e.graph.exec.NumNodes())
	} else {
		e.log.Debug("updated execution graph in place", "id", e.graph.exec.ID())
	}
	return nil
}

func (e *Engine) launchStream() *simulator.Stream {
	if e.engineStream == nil {
		e.engineStream = e.ctx.NewStream(0)
	}
	return e.engineStream
}

// Sync waits for the per-pair streams and the engine's own
// launch stream to drain.
func (e *Engine) Sync() {
	e.ctx.SyncAllStreams()
	if e.engineStream != nil {
		e.engineStream.Sync()
	}
}

// SyncHard waits for every stream on the context.
func (e *Engine) SyncHard() {
	e.ctx.SyncHard()
}

// NumDevices returns the number of devices the engine spans.
func (e *Engine) NumDevices() int {
	return e.ctx.NumDevices()
}

// Plan returns the active routing plan.
func (e *Engine) Plan() *plan.Plan {
	return e.plan
}

// ShowPlan prints the active plan to standard output.
func (e *Engine) ShowPlan() {
	e.plan.Show()
}

// WritePlan renders the active plan to w.
func (e *Engine) WritePlan(w io.Writer) {
	e.plan.Write(w)
}

// Close frees the prepared executable, if any. The device
// context is left alone.
func (e *Engine) Close() {
	if e.graph != nil {
		e.graph.free()
	}
}

func swapBuffers(a, b []*simulator.Buffer) {
	for i := range a {
		a[i], b[i] = b[i], a[i]
	}
}
