package simulator

import "sync"

// An Event is a reusable marker that can be recorded into a
// stream and waited on from other streams.
//
// Each Record supersedes the previous one: waiters observe
// the most recent marker at the time of their WaitEvent
// call, never a later one.
type Event struct {
	sys *System

	lock   sync.Mutex
	signal chan struct{}

	// Capture state. Scheduling Goroutine only.
	cap      *capture
	frontier []int
}

// Record places a marker in the stream that completes once
// everything enqueued on the stream before this call has
// run.
//
// Recording during a capture snapshots the stream's
// captured dependencies instead of enqueueing anything.
func (e *Event) Record(s *Stream) {
	if e.sys != s.sys {
		panic("record event: event belongs to a different system")
	}
	if s.cap != nil {
		e.cap = s.cap
		e.frontier = append([]int(nil), s.frontier...)
		return
	}
	ch := make(chan struct{})
	e.lock.Lock()
	e.signal = ch
	e.lock.Unlock()
	s.enqueue(streamOp{record: ch})
}

// Sync blocks the calling Goroutine until the most recently
// recorded marker completes. Syncing an event that was
// never recorded returns immediately.
func (e *Event) Sync() {
	e.lock.Lock()
	ch := e.signal
	e.lock.Unlock()
	if ch != nil {
		<-ch
	}
}
