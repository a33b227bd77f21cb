package simulator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrTopologyChanged reports that an executable could not
// be updated in place because the replacement graph has a
// different shape.
var ErrTopologyChanged = errors.New("graph topology changed")

// A graphNode is one captured copy plus the indices of the
// nodes that must complete before it runs.
type graphNode struct {
	deps   []int
	params copyParams
}

// A Graph is an immutable DAG of copies produced by stream
// capture. It cannot run on its own; instantiate it into an
// Exec first.
type Graph struct {
	nodes []graphNode
}

// NumNodes returns the number of copies in the graph.
func (g *Graph) NumNodes() int {
	return len(g.nodes)
}

func (g *Graph) check() error {
	for i, node := range g.nodes {
		for _, d := range node.deps {
			if d < 0 || d >= i {
				return fmt.Errorf("node %d: dependency %d is not an earlier node", i, d)
			}
		}
		if err := node.params.check(); err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
	}
	return nil
}

// Instantiate compiles the graph into a launchable
// executable. The executable owns private copies of the
// graph's nodes and remains valid after the Graph is gone.
func (g *Graph) Instantiate() (*Exec, error) {
	if err := g.check(); err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	return &Exec{id: uuid.New(), nodes: cloneNodes(g.nodes)}, nil
}

func cloneNodes(nodes []graphNode) []graphNode {
	res := make([]graphNode, len(nodes))
	for i, n := range nodes {
		res[i] = graphNode{deps: append([]int(nil), n.deps...), params: n.params}
	}
	return res
}

// An Exec is an instantiated execution graph.
//
// Its identity is fixed at instantiation and survives
// Update; re-instantiating produces a new identity. During
// a replay, every node runs as soon as its dependencies
// finish, with no global barriers in between.
type Exec struct {
	id uuid.UUID

	lock  sync.Mutex
	nodes []graphNode
	freed bool
}

// ID returns the executable's unique identity.
func (e *Exec) ID() string {
	return e.id.String()
}

// NumNodes returns the number of copies in the executable.
func (e *Exec) NumNodes() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.nodes)
}

// Update rebinds the executable's copies to the buffers and
// ranges of g without changing its identity.
//
// The node count, the per-node dependencies, and the source
// and destination device of every node must match the
// captured topology. Otherwise an error wrapping
// ErrTopologyChanged is returned and the executable is left
// untouched.
func (e *Exec) Update(g *Graph) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.freed {
		return errors.New("update: executable was freed")
	}
	if len(g.nodes) != len(e.nodes) {
		return fmt.Errorf("update: %d nodes where %d were captured: %w",
			len(g.nodes), len(e.nodes), ErrTopologyChanged)
	}
	for i, node := range g.nodes {
		old := &e.nodes[i]
		if !equalDeps(old.deps, node.deps) {
			return fmt.Errorf("update: node %d dependencies differ: %w", i, ErrTopologyChanged)
		}
		if node.params.src.dev != old.params.src.dev || node.params.dst.dev != old.params.dst.dev {
			return fmt.Errorf("update: node %d moved to a different device pair: %w",
				i, ErrTopologyChanged)
		}
	}
	if err := g.check(); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	for i := range e.nodes {
		e.nodes[i].params = g.nodes[i].params
	}
	return nil
}

// equalDeps compares dependency lists positionally. Capture
// orders dependencies deterministically, so identical
// topologies produce identical lists.
func equalDeps(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i, x := range a {
		if x != b[i] {
			return false
		}
	}
	return true
}

// Launch enqueues a replay of the executable on a stream.
// The launch returns immediately; the stream is occupied
// until the replay's last node finishes.
func (e *Exec) Launch(s *Stream) {
	if s.cap != nil {
		panic("launch inside a capture is not supported")
	}
	e.lock.Lock()
	freed := e.freed
	e.lock.Unlock()
	if freed {
		panic("launch of freed executable")
	}
	s.enqueue(streamOp{launch: e})
}

// replay runs every node, one Goroutine per node gated on
// its dependencies. Called from a stream worker.
func (e *Exec) replay() {
	e.lock.Lock()
	nodes := cloneNodes(e.nodes)
	e.lock.Unlock()

	done := make([]chan struct{}, len(nodes))
	for i := range done {
		done[i] = make(chan struct{})
	}
	var wg sync.WaitGroup
	wg.Add(len(nodes))
	for i := range nodes {
		i := i
		go func() {
			defer wg.Done()
			for _, d := range nodes[i].deps {
				<-done[d]
			}
			nodes[i].params.run()
			close(done[i])
		}()
	}
	wg.Wait()
}

// Free releases the executable. Launching it afterwards
// panics, and Update returns an error.
func (e *Exec) Free() {
	e.lock.Lock()
	e.freed = true
	e.nodes = nil
	e.lock.Unlock()
}
