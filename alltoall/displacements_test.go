package alltoall

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func matRows(m *offsetMat) [][]int {
	rows := make([][]int, m.rows)
	for r := range rows {
		rows[r] = make([]int, m.cols)
		for c := range rows[r] {
			rows[r][c] = m.at(r, c)
		}
	}
	return rows
}

func TestDisplacements(t *testing.T) {
	counts := [][]int{
		{10, 3, 1},
		{3, 4, 4},
		{0, 2, 2},
	}
	src, trg, err := displacements(counts)
	require.NoError(t, err)

	wantSrc := [][]int{
		{0, 10, 13, 14},
		{0, 3, 7, 11},
		{0, 0, 2, 4},
	}
	if diff := cmp.Diff(wantSrc, matRows(src)); diff != "" {
		t.Errorf("unexpected source displacements (-want +got):\n%s", diff)
	}

	wantTrg := [][]int{
		{0, 0, 0},
		{10, 3, 1},
		{13, 7, 5},
		{13, 9, 7},
	}
	if diff := cmp.Diff(wantTrg, matRows(trg)); diff != "" {
		t.Errorf("unexpected target displacements (-want +got):\n%s", diff)
	}
}

func TestDisplacementsErrors(t *testing.T) {
	if _, _, err := displacements(nil); err == nil {
		t.Error("expected error for empty matrix")
	}
	if _, _, err := displacements([][]int{{1, 2}, {3}}); err == nil {
		t.Error("expected error for ragged matrix")
	}
	if _, _, err := displacements([][]int{{1, 2}, {-3, 4}}); err == nil {
		t.Error("expected error for negative count")
	}
}

func TestOffsetMatBounds(t *testing.T) {
	m := newOffsetMat(2, 3)
	m.set(1, 2, 7)
	require.Equal(t, 7, m.at(1, 2))
	require.Equal(t, 7, m.add(1, 2, 4))
	require.Equal(t, 11, m.at(1, 2))

	require.Panics(t, func() { m.at(2, 0) })
	require.Panics(t, func() { m.at(0, 3) })
	require.Panics(t, func() { m.set(-1, 0, 0) })
	require.Panics(t, func() { m.add(0, -1, 0) })
}
