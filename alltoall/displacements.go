// Package alltoall schedules and executes all-to-all data
// redistribution between the devices of a simulator
// Context, either by issuing copies directly or by
// capturing them into a replayable execution graph.
package alltoall

import "fmt"

// An offsetMat is a dense table of element offsets indexed
// by device. One dimension may carry an extra entry so that
// adjacent entries bracket a region and the last entry is a
// total.
type offsetMat struct {
	rows int
	cols int
	vals []int
}

func newOffsetMat(rows, cols int) *offsetMat {
	return &offsetMat{rows: rows, cols: cols, vals: make([]int, rows*cols)}
}

func (m *offsetMat) at(r, c int) int {
	if r < 0 || c < 0 || r >= m.rows || c >= m.cols {
		panic("index out of bounds")
	}
	return m.vals[r*m.cols+c]
}

func (m *offsetMat) set(r, c, v int) {
	if r < 0 || c < 0 || r >= m.rows || c >= m.cols {
		panic("index out of bounds")
	}
	m.vals[r*m.cols+c] = v
}

// add advances an entry by delta and returns its previous
// value.
func (m *offsetMat) add(r, c, delta int) int {
	old := m.at(r, c)
	m.set(r, c, old+delta)
	return old
}

// displacements turns a send-count matrix into the two
// offset tables of the exchange.
//
// src has one row per source device; src.at(s, d) is where
// the block destined for d starts in s's source buffer, and
// src.at(s, n) is the row total. trg has one column per
// destination device; trg.at(s, d) is where the block
// arriving from s starts in d's final buffer, and
// trg.at(n, d) is the column total.
func displacements(counts [][]int) (src, trg *offsetMat, err error) {
	n := len(counts)
	if n == 0 {
		return nil, nil, fmt.Errorf("alltoall: empty send-count matrix")
	}
	for i, row := range counts {
		if len(row) != n {
			return nil, nil, fmt.Errorf("alltoall: send-count row %d has %d entries, want %d",
				i, len(row), n)
		}
		for j, c := range row {
			if c < 0 {
				return nil, nil, fmt.Errorf("alltoall: negative send count %d at (%d, %d)", c, i, j)
			}
		}
	}
	src = newOffsetMat(n, n+1)
	trg = newOffsetMat(n+1, n)
	for s := 0; s < n; s++ {
		for d := 0; d < n; d++ {
			src.set(s, d+1, src.at(s, d)+counts[s][d])
			trg.set(s+1, d, trg.at(s, d)+counts[s][d])
		}
	}
	return src, trg, nil
}
