// Package simulator models a multi-device accelerator
// system in software: devices with private memory,
// asynchronous copy streams, events, and capturable
// execution graphs.
package simulator

import (
	"fmt"
	"sync"
)

// A Context is the device-runtime surface that transfer
// engines work against: device enumeration, the per-pair
// stream and event fabric, scratch stream and event
// creation, and whole-system synchronization.
type Context interface {
	// NumDevices returns the number of devices.
	NumDevices() int

	// DeviceID returns the native identifier of device i.
	DeviceID(i int) int

	// Streams returns the row of per-pair streams carrying
	// copies out of device src. The slice is shared; do not
	// modify it.
	Streams(src int) []*Stream

	// Events returns the row of per-pair events paired with
	// Streams(src).
	Events(src int) []*Event

	// NewStream creates an extra stream on device dev.
	NewStream(dev int) *Stream

	// NewEvent creates an extra event.
	NewEvent() *Event

	// SyncAllStreams blocks until every per-pair stream has
	// drained.
	SyncAllStreams()

	// SyncHard blocks until every stream on the system,
	// per-pair or extra, has drained.
	SyncHard()

	// Valid reports whether the context can still be used.
	Valid() bool
}

// A System is a self-contained set of simulated devices
// wired with one stream and one event per ordered device
// pair, including the self pairs.
//
// Systems are isolated from each other: streams refuse
// buffers and events that belong to another System. The
// enqueueing APIs are meant to be driven by one scheduling
// Goroutine per System; the stream workers underneath run
// concurrently on their own.
type System struct {
	devices []*Device
	streams [][]*Stream
	events  [][]*Event

	// capturing is the active capture, if any. Scheduling
	// Goroutine only.
	capturing *capture

	lock   sync.Mutex
	extras []*Stream
	closed bool
}

// NewSystem creates a system of numDevices devices, each
// owning memPerDevice bytes of buffer memory.
func NewSystem(numDevices, memPerDevice int) *System {
	if numDevices < 1 {
		panic(fmt.Sprintf("invalid device count: %d", numDevices))
	}
	if memPerDevice < 0 {
		panic(fmt.Sprintf("invalid device memory size: %d", memPerDevice))
	}
	sys := &System{}
	for i := 0; i < numDevices; i++ {
		sys.devices = append(sys.devices, &Device{
			sys:   sys,
			index: i,
			id:    i,
			arena: make([]byte, memPerDevice),
		})
	}
	for i := 0; i < numDevices; i++ {
		streams := make([]*Stream, numDevices)
		events := make([]*Event, numDevices)
		for j := 0; j < numDevices; j++ {
			streams[j] = newStream(sys, sys.devices[i])
			events[j] = &Event{sys: sys}
		}
		sys.streams = append(sys.streams, streams)
		sys.events = append(sys.events, events)
	}
	return sys
}

// NumDevices returns the number of devices in the system.
func (s *System) NumDevices() int {
	return len(s.devices)
}

// Device returns device i.
func (s *System) Device(i int) *Device {
	return s.devices[i]
}

// DeviceID returns the native identifier of device i.
func (s *System) DeviceID(i int) int {
	return s.devices[i].ID()
}

// Streams returns the per-pair streams out of device src:
// Streams(src)[dst] carries copies from src to dst.
func (s *System) Streams(src int) []*Stream {
	return s.streams[src]
}

// Events returns the per-pair events out of device src.
func (s *System) Events(src int) []*Event {
	return s.events[src]
}

// NewStream creates an extra stream on device dev, beyond
// the per-pair fabric.
func (s *System) NewStream(dev int) *Stream {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		panic("new stream on closed system")
	}
	st := newStream(s, s.devices[dev])
	s.extras = append(s.extras, st)
	return st
}

// NewEvent creates an extra event.
func (s *System) NewEvent() *Event {
	return &Event{sys: s}
}

// SyncAllStreams waits for every per-pair stream to drain.
func (s *System) SyncAllStreams() {
	for _, row := range s.streams {
		for _, st := range row {
			st.Sync()
		}
	}
}

// SyncHard waits for every stream on the system, including
// extra streams, to drain.
func (s *System) SyncHard() {
	s.SyncAllStreams()
	s.lock.Lock()
	extras := append([]*Stream(nil), s.extras...)
	s.lock.Unlock()
	for _, st := range extras {
		st.Sync()
	}
}

// Valid reports whether the system is still usable.
func (s *System) Valid() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return !s.closed
}

// Close drains and shuts down every stream. Enqueueing on
// the system afterwards panics.
func (s *System) Close() {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	extras := s.extras
	s.lock.Unlock()

	for _, row := range s.streams {
		for _, st := range row {
			st.close()
		}
	}
	for _, st := range extras {
		st.close()
	}
}
