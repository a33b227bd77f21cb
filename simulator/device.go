package simulator

import (
	"fmt"
	"unsafe"

	"golang.org/x/sync/errgroup"
)

// A Device is a single simulated accelerator in a System.
//
// Each device owns a fixed-size memory arena. Buffers are
// carved out of the arena and never returned to it; a
// System is meant to be torn down and rebuilt between
// workloads rather than managed allocation by allocation.
type Device struct {
	sys   *System
	index int
	id    int
	arena []byte
	used  int
}

// Index returns the device's position in its System.
func (d *Device) Index() int {
	return d.index
}

// ID returns the device's native identifier.
//
// In the simulator this happens to equal Index, but callers
// should not depend on that.
func (d *Device) ID() int {
	return d.id
}

// MemFree returns the number of unallocated bytes.
func (d *Device) MemFree() int {
	return len(d.arena) - d.used
}

// Alloc creates a buffer of n elements, each elemSize bytes
// wide, on the device.
func (d *Device) Alloc(n, elemSize int) (*Buffer, error) {
	if n < 0 || elemSize <= 0 {
		return nil, fmt.Errorf("alloc on device %d: invalid shape %dx%d", d.index, n, elemSize)
	}
	numBytes := n * elemSize
	if numBytes > d.MemFree() {
		return nil, fmt.Errorf("alloc on device %d: out of memory (need %d bytes, %d free)",
			d.index, numBytes, d.MemFree())
	}
	buf := &Buffer{
		dev:      d,
		elemSize: elemSize,
		data:     d.arena[d.used : d.used+numBytes : d.used+numBytes],
	}
	d.used += numBytes
	return buf, nil
}

// A Buffer is a device-resident array of fixed-width
// elements.
//
// Buffers carry identity: two buffers of the same length
// are still distinct allocations, and an execution graph
// bound to one will never touch the other.
type Buffer struct {
	dev      *Device
	elemSize int
	data     []byte
}

// Device returns the device holding the buffer.
func (b *Buffer) Device() *Device {
	return b.dev
}

// Len returns the number of elements in the buffer.
func (b *Buffer) Len() int {
	return len(b.data) / b.elemSize
}

// ElemSize returns the width of one element in bytes.
func (b *Buffer) ElemSize() int {
	return b.elemSize
}

// AllocOf allocates a buffer of n elements of type T.
func AllocOf[T any](d *Device, n int) (*Buffer, error) {
	var zero T
	return d.Alloc(n, int(unsafe.Sizeof(zero)))
}

// Upload copies host values into the front of a device
// buffer.
//
// T must be a fixed-size type containing no pointers. The
// caller is responsible for synchronizing any device work
// touching the buffer before uploading.
func Upload[T any](b *Buffer, values []T) error {
	var zero T
	if size := int(unsafe.Sizeof(zero)); size != b.elemSize {
		return fmt.Errorf("upload: host elements are %d bytes but buffer holds %d-byte elements",
			size, b.elemSize)
	}
	if len(values) > b.Len() {
		return fmt.Errorf("upload: %d values do not fit in a buffer of %d elements",
			len(values), b.Len())
	}
	if len(values) == 0 {
		return nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*b.elemSize)
	copy(b.data, src)
	return nil
}

// Download copies a device buffer back into a host slice.
//
// Like Upload, the caller must synchronize outstanding
// device work on the buffer first.
func Download[T any](b *Buffer) ([]T, error) {
	var zero T
	if size := int(unsafe.Sizeof(zero)); size != b.elemSize {
		return nil, fmt.Errorf("download: host elements are %d bytes but buffer holds %d-byte elements",
			size, b.elemSize)
	}
	res := make([]T, b.Len())
	if len(res) == 0 {
		return res, nil
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(&res[0])), len(res)*b.elemSize)
	copy(dst, b.data)
	return res, nil
}

// UploadAll uploads one host slice per buffer, in parallel.
func UploadAll[T any](bufs []*Buffer, values [][]T) error {
	if len(bufs) != len(values) {
		return fmt.Errorf("upload: %d buffers but %d host slices", len(bufs), len(values))
	}
	var g errgroup.Group
	for i := range bufs {
		i := i
		g.Go(func() error {
			return Upload(bufs[i], values[i])
		})
	}
	return g.Wait()
}

// DownloadAll downloads every buffer, in parallel.
func DownloadAll[T any](bufs []*Buffer) ([][]T, error) {
	res := make([][]T, len(bufs))
	var g errgroup.Group
	for i := range bufs {
		i := i
		g.Go(func() error {
			var err error
			res[i], err = Download[T](bufs[i])
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}
