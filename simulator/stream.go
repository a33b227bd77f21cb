package simulator

import (
	"fmt"
	"sync"

	"github.com/unixpickle/essentials"
)

// A Stream is an in-order queue of device operations.
//
// Operations return immediately on the host and run one at
// a time on a background worker, the way work submitted to
// a hardware queue runs behind the submitting thread.
//
// The enqueueing side of a Stream (Memcpy, WaitEvent,
// capture) is meant to be driven by a single scheduling
// Goroutine per System.
type Stream struct {
	sys *System
	dev *Device

	lock   sync.Mutex
	cond   *sync.Cond
	queue  []streamOp
	active bool
	closed bool
	done   chan struct{}

	// Capture state. Only touched by the scheduling
	// Goroutine, never by the worker.
	cap      *capture
	frontier []int
}

func newStream(sys *System, dev *Device) *Stream {
	s := &Stream{sys: sys, dev: dev, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.lock)
	go s.run()
	return s
}

// Device returns the device the stream was created on.
func (s *Stream) Device() *Device {
	return s.dev
}

// Memcpy enqueues a copy of n elements from src starting at
// srcOff into dst starting at dstOff.
//
// The copy itself is asynchronous, but its arguments are
// validated right away; a malformed copy panics at the call
// site. A zero-length copy is legal and still becomes a
// node when the stream is capturing.
func (s *Stream) Memcpy(dst *Buffer, dstOff int, src *Buffer, srcOff int, n int) {
	if dst == nil || src == nil {
		panic("memcpy: nil buffer")
	}
	if dst.dev.sys != s.sys || src.dev.sys != s.sys {
		panic("memcpy: buffer belongs to a different system")
	}
	p := copyParams{dst: dst, dstOff: dstOff, src: src, srcOff: srcOff, n: n}
	if err := p.check(); err != nil {
		panic(err.Error())
	}
	if s.cap != nil {
		s.cap.addCopy(s, p)
		return
	}
	s.enqueue(streamOp{copy: &p})
}

// WaitEvent makes the stream wait for the marker most
// recently recorded into e before running anything enqueued
// after this call.
//
// Waiting on an event that was never recorded is a no-op.
// If e was recorded during the active capture, the wait
// joins this stream to the capture and carries the event's
// captured dependencies instead of blocking anything at
// runtime.
func (s *Stream) WaitEvent(e *Event) {
	if e.sys != s.sys {
		panic("wait event: event belongs to a different system")
	}
	if e.cap != nil && !e.cap.active() {
		// The capture the event was last recorded in has
		// ended; its runtime marker is whatever was recorded
		// before that capture began.
		e.cap = nil
		e.frontier = nil
	}
	if e.cap != nil {
		e.cap.join(s)
		s.frontier = unionNodes(s.frontier, e.frontier)
		return
	}
	if s.cap != nil {
		// An event with no marker in this capture adds no
		// edges.
		return
	}
	e.lock.Lock()
	ch := e.signal
	e.lock.Unlock()
	if ch == nil {
		return
	}
	s.enqueue(streamOp{wait: ch})
}

// Sync blocks the calling Goroutine until every operation
// enqueued on the stream so far has finished.
func (s *Stream) Sync() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for len(s.queue) > 0 || s.active {
		s.cond.Wait()
	}
}

func (s *Stream) enqueue(op streamOp) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		panic("operation on closed stream")
	}
	s.queue = append(s.queue, op)
	s.cond.Broadcast()
}

func (s *Stream) close() {
	s.lock.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.lock.Unlock()
	<-s.done
}

// run executes queued operations in FIFO order until the
// stream is closed and drained.
func (s *Stream) run() {
	defer close(s.done)
	for {
		s.lock.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.lock.Unlock()
			return
		}
		op := s.queue[0]
		essentials.OrderedDelete(&s.queue, 0)
		s.active = true
		s.lock.Unlock()

		op.run()

		s.lock.Lock()
		s.active = false
		s.cond.Broadcast()
		s.lock.Unlock()
	}
}

// A streamOp is one queued unit of stream work. Exactly one
// field is set.
type streamOp struct {
	copy   *copyParams
	wait   <-chan struct{}
	record chan struct{}
	launch *Exec
}

func (op streamOp) run() {
	switch {
	case op.copy != nil:
		op.copy.run()
	case op.wait != nil:
		<-op.wait
	case op.record != nil:
		close(op.record)
	case op.launch != nil:
		op.launch.replay()
	}
}

// copyParams fully describes one device-to-device element
// copy.
type copyParams struct {
	dst    *Buffer
	dstOff int
	src    *Buffer
	srcOff int
	n      int
}

func (p *copyParams) check() error {
	if p.n < 0 {
		return fmt.Errorf("memcpy: negative length %d", p.n)
	}
	if p.src.elemSize != p.dst.elemSize {
		return fmt.Errorf("memcpy: element width mismatch (%d vs %d bytes)",
			p.src.elemSize, p.dst.elemSize)
	}
	if p.srcOff < 0 || p.srcOff+p.n > p.src.Len() {
		return fmt.Errorf("memcpy: source range [%d, %d) outside buffer of %d elements",
			p.srcOff, p.srcOff+p.n, p.src.Len())
	}
	if p.dstOff < 0 || p.dstOff+p.n > p.dst.Len() {
		return fmt.Errorf("memcpy: destination range [%d, %d) outside buffer of %d elements",
			p.dstOff, p.dstOff+p.n, p.dst.Len())
	}
	return nil
}

func (p *copyParams) run() {
	if p.n == 0 {
		return
	}
	w := p.src.elemSize
	copy(p.dst.data[p.dstOff*w:(p.dstOff+p.n)*w], p.src.data[p.srcOff*w:(p.srcOff+p.n)*w])
}
