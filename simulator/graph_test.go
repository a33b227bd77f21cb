package simulator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCaptureAndReplay(t *testing.T) {
	sys := NewSystem(2, 1024)
	defer sys.Close()
	a := mustAlloc[uint32](t, sys.Device(0), 4)
	b := mustAlloc[uint32](t, sys.Device(1), 4)
	c := mustAlloc[uint32](t, sys.Device(1), 4)
	require.NoError(t, Upload(a, []uint32{3, 1, 4, 1}))

	cap := sys.NewStream(0)
	marker := sys.NewEvent()
	s01 := sys.Streams(0)[1]
	s11 := sys.Streams(1)[1]
	e01 := sys.Events(0)[1]
	e11 := sys.Events(1)[1]

	require.NoError(t, cap.BeginCapture())
	marker.Record(cap)
	s01.WaitEvent(marker)
	s01.Memcpy(b, 0, a, 0, 4)
	e01.Record(s01)
	s11.WaitEvent(e01)
	s11.Memcpy(c, 0, b, 0, 4)
	e11.Record(s11)
	cap.WaitEvent(e11)
	graph, err := cap.EndCapture()
	require.NoError(t, err)
	require.Equal(t, 2, graph.NumNodes())

	// Nothing ran during the capture.
	vals, err := Download[uint32](b)
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 0, 0, 0}, vals)

	exec, err := graph.Instantiate()
	require.NoError(t, err)
	require.Equal(t, 2, exec.NumNodes())
	launch := sys.NewStream(0)
	exec.Launch(launch)
	launch.Sync()

	vals, err = Download[uint32](c)
	require.NoError(t, err)
	require.Equal(t, []uint32{3, 1, 4, 1}, vals)

	// Replaying picks up new source contents.
	require.NoError(t, Upload(a, []uint32{9, 9, 9, 9}))
	exec.Launch(launch)
	launch.Sync()
	vals, err = Download[uint32](c)
	require.NoError(t, err)
	require.Equal(t, []uint32{9, 9, 9, 9}, vals)
}

func TestCaptureZeroLengthNodes(t *testing.T) {
	sys := NewSystem(1, 1024)
	defer sys.Close()
	a := mustAlloc[uint32](t, sys.Device(0), 4)
	b := mustAlloc[uint32](t, sys.Device(0), 4)

	cap := sys.NewStream(0)
	marker := sys.NewEvent()
	s := sys.Streams(0)[0]
	e := sys.Events(0)[0]

	require.NoError(t, cap.BeginCapture())
	marker.Record(cap)
	s.WaitEvent(marker)
	s.Memcpy(b, 4, a, 4, 0)
	e.Record(s)
	cap.WaitEvent(e)
	graph, err := cap.EndCapture()
	require.NoError(t, err)

	// A zero-length copy still occupies a node.
	require.Equal(t, 1, graph.NumNodes())
}

func TestExecUpdate(t *testing.T) {
	sys := NewSystem(2, 4096)
	defer sys.Close()
	a := mustAlloc[uint32](t, sys.Device(0), 8)
	b := mustAlloc[uint32](t, sys.Device(1), 8)
	a2 := mustAlloc[uint32](t, sys.Device(0), 8)
	b2 := mustAlloc[uint32](t, sys.Device(1), 8)
	require.NoError(t, Upload(a, []uint32{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, Upload(a2, []uint32{8, 7, 6, 5, 4, 3, 2, 1}))

	cap := sys.NewStream(0)
	marker := sys.NewEvent()
	s01 := sys.Streams(0)[1]
	e01 := sys.Events(0)[1]

	capture := func(src, dst *Buffer, n int) *Graph {
		require.NoError(t, cap.BeginCapture())
		marker.Record(cap)
		s01.WaitEvent(marker)
		s01.Memcpy(dst, 0, src, 0, n)
		e01.Record(s01)
		cap.WaitEvent(e01)
		graph, err := cap.EndCapture()
		require.NoError(t, err)
		return graph
	}

	exec, err := capture(a, b, 8).Instantiate()
	require.NoError(t, err)
	id := exec.ID()
	require.NotEmpty(t, id)

	// Same topology, new buffers and length: updated in
	// place, identity preserved.
	require.NoError(t, exec.Update(capture(a2, b2, 4)))
	require.Equal(t, id, exec.ID())

	launch := sys.NewStream(1)
	exec.Launch(launch)
	launch.Sync()

	vals, err := Download[uint32](b2)
	require.NoError(t, err)
	require.Equal(t, []uint32{8, 7, 6, 5, 0, 0, 0, 0}, vals)
	vals, err = Download[uint32](b)
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 0, 0, 0, 0, 0, 0, 0}, vals)

	// A fresh instantiation gets a fresh identity.
	exec2, err := capture(a, b, 8).Instantiate()
	require.NoError(t, err)
	require.NotEqual(t, id, exec2.ID())
}

func TestExecTopologyChanged(t *testing.T) {
	sys := NewSystem(2, 4096)
	defer sys.Close()
	a := mustAlloc[uint32](t, sys.Device(0), 4)
	b := mustAlloc[uint32](t, sys.Device(1), 4)
	b2 := mustAlloc[uint32](t, sys.Device(1), 4)
	c := mustAlloc[uint32](t, sys.Device(1), 4)
	d := mustAlloc[uint32](t, sys.Device(0), 4)

	cap := sys.NewStream(0)
	marker := sys.NewEvent()
	s01 := sys.Streams(0)[1]
	s10 := sys.Streams(1)[0]
	s11 := sys.Streams(1)[1]
	e01 := sys.Events(0)[1]
	e10 := sys.Events(1)[0]
	e11 := sys.Events(1)[1]

	single := func() *Graph {
		require.NoError(t, cap.BeginCapture())
		marker.Record(cap)
		s01.WaitEvent(marker)
		s01.Memcpy(b, 0, a, 0, 2)
		e01.Record(s01)
		cap.WaitEvent(e01)
		g, err := cap.EndCapture()
		require.NoError(t, err)
		return g
	}
	reversed := func() *Graph {
		require.NoError(t, cap.BeginCapture())
		marker.Record(cap)
		s10.WaitEvent(marker)
		s10.Memcpy(d, 0, b, 0, 2)
		e10.Record(s10)
		cap.WaitEvent(e10)
		g, err := cap.EndCapture()
		require.NoError(t, err)
		return g
	}
	chain := func() *Graph {
		require.NoError(t, cap.BeginCapture())
		marker.Record(cap)
		s01.WaitEvent(marker)
		s01.Memcpy(b, 0, a, 0, 2)
		e01.Record(s01)
		s11.WaitEvent(e01)
		s11.Memcpy(c, 0, b, 0, 2)
		e11.Record(s11)
		cap.WaitEvent(e11)
		g, err := cap.EndCapture()
		require.NoError(t, err)
		return g
	}
	parallel := func() *Graph {
		require.NoError(t, cap.BeginCapture())
		marker.Record(cap)
		s01.WaitEvent(marker)
		s01.Memcpy(b, 0, a, 0, 2)
		e01.Record(s01)
		s11.WaitEvent(marker)
		s11.Memcpy(c, 0, b2, 0, 2)
		e11.Record(s11)
		cap.WaitEvent(e01)
		cap.WaitEvent(e11)
		g, err := cap.EndCapture()
		require.NoError(t, err)
		return g
	}

	exec, err := single().Instantiate()
	require.NoError(t, err)

	// Node count changed.
	err = exec.Update(chain())
	require.ErrorIs(t, err, ErrTopologyChanged)

	// Device pair changed.
	err = exec.Update(reversed())
	require.ErrorIs(t, err, ErrTopologyChanged)

	// Same node count, different dependencies.
	exec2, err := chain().Instantiate()
	require.NoError(t, err)
	err = exec2.Update(parallel())
	require.ErrorIs(t, err, ErrTopologyChanged)

	// A failed update leaves the executable launchable.
	require.NoError(t, Upload(a, []uint32{6, 6, 6, 6}))
	launch := sys.NewStream(0)
	exec.Launch(launch)
	launch.Sync()
	vals, err := Download[uint32](b)
	require.NoError(t, err)
	require.Equal(t, []uint32{6, 6, 0, 0}, vals)
}

func TestCaptureErrors(t *testing.T) {
	sys := NewSystem(1, 64)
	defer sys.Close()
	s := sys.NewStream(0)
	s2 := sys.NewStream(0)

	require.NoError(t, s.BeginCapture())
	if err := s2.BeginCapture(); err == nil {
		t.Error("expected second capture to fail")
	}
	if _, err := s2.EndCapture(); err == nil {
		t.Error("expected end on a non-origin stream to fail")
	}
	graph, err := s.EndCapture()
	require.NoError(t, err)
	require.Equal(t, 0, graph.NumNodes())
	if _, err := s.EndCapture(); err == nil {
		t.Error("expected end without an active capture to fail")
	}

	// An empty graph instantiates and replays as a no-op.
	exec, err := graph.Instantiate()
	require.NoError(t, err)
	exec.Launch(s)
	s.Sync()
}

func TestExecFree(t *testing.T) {
	sys := NewSystem(1, 1024)
	defer sys.Close()
	a := mustAlloc[uint32](t, sys.Device(0), 4)
	b := mustAlloc[uint32](t, sys.Device(0), 4)

	cap := sys.NewStream(0)
	marker := sys.NewEvent()
	s := sys.Streams(0)[0]
	e := sys.Events(0)[0]

	require.NoError(t, cap.BeginCapture())
	marker.Record(cap)
	s.WaitEvent(marker)
	s.Memcpy(b, 0, a, 0, 4)
	e.Record(s)
	cap.WaitEvent(e)
	graph, err := cap.EndCapture()
	require.NoError(t, err)

	exec, err := graph.Instantiate()
	require.NoError(t, err)
	exec.Free()

	require.Panics(t, func() { exec.Launch(cap) })
	if err := exec.Update(graph); err == nil {
		t.Error("expected update of freed executable to fail")
	}
}
