package simulator

import "errors"

// A capture accumulates the copies issued to a set of
// streams as graph nodes instead of running them.
//
// Streams join a capture through events: waiting on an
// event recorded inside the capture pulls the waiting
// stream in. Each captured stream tracks a frontier, the
// set of nodes that new work on the stream depends on.
type capture struct {
	sys     *System
	origin  *Stream
	nodes   []graphNode
	streams []*Stream
}

func (c *capture) active() bool {
	return c.sys.capturing == c
}

func (c *capture) join(s *Stream) {
	if s.cap == c {
		return
	}
	if s.cap != nil {
		panic("stream is already part of another capture")
	}
	s.cap = c
	s.frontier = nil
	c.streams = append(c.streams, s)
}

func (c *capture) addCopy(s *Stream, p copyParams) {
	node := graphNode{
		deps:   append([]int(nil), s.frontier...),
		params: p,
	}
	c.nodes = append(c.nodes, node)
	s.frontier = []int{len(c.nodes) - 1}
}

// BeginCapture redirects subsequent work on the stream, and
// on any stream that joins through events, into a graph
// under construction. Only one capture may be active on a
// System at a time.
func (s *Stream) BeginCapture() error {
	if s.sys.capturing != nil {
		return errors.New("begin capture: a capture is already active on this system")
	}
	s.lock.Lock()
	closed := s.closed
	s.lock.Unlock()
	if closed {
		return errors.New("begin capture: stream is closed")
	}
	c := &capture{sys: s.sys, origin: s}
	c.join(s)
	s.sys.capturing = c
	return nil
}

// EndCapture finishes the capture begun on this stream and
// returns the captured graph. Every stream pulled into the
// capture goes back to normal execution.
func (s *Stream) EndCapture() (*Graph, error) {
	c := s.sys.capturing
	if c == nil {
		return nil, errors.New("end capture: no capture is active")
	}
	if c.origin != s {
		return nil, errors.New("end capture: capture was begun on a different stream")
	}
	for _, st := range c.streams {
		st.cap = nil
		st.frontier = nil
	}
	s.sys.capturing = nil
	return &Graph{nodes: c.nodes}, nil
}

// unionNodes merges two dependency sets, preserving the
// order of first appearance.
func unionNodes(a, b []int) []int {
	res := append([]int(nil), a...)
	for _, x := range b {
		seen := false
		for _, y := range res {
			if x == y {
				seen = true
				break
			}
		}
		if !seen {
			res = append(res, x)
		}
	}
	return res
}
