package mesh

import (
	"fmt"

	"github.com/mgtools/mgtransfer/utils"
)

// Triangulation is a structured refinement forest over a box: a coarse
// Cartesian grid of cells, each optionally refined into 2^dim children,
// recursively. Topology (which cells exist and which are refined) is held
// globally on every rank; only degree-of-freedom data is distributed.
// Active-cell ownership assigns each leaf to exactly one rank.
type Triangulation struct {
	Dim      int
	KCoarse  []int // coarse cells per axis
	NCoarse  int
	MaxLevel int
	Origin   []float64
	Extent   []float64

	Translator *CellIDTranslator

	refined     map[int]bool // translator index -> cell has children
	ActiveCells []CellID     // leaves, ascending translator index
	activePos   map[int]int  // translator index -> position in ActiveCells

	CellOwner []int // per ActiveCells position
}

func NewBoxMesh(dim int, kCoarse []int, origin, extent []float64) (t *Triangulation) {
	if len(kCoarse) != dim || len(origin) != dim || len(extent) != dim {
		panic(fmt.Errorf("dimension mismatch: dim = %d, len(kCoarse) = %d", dim, len(kCoarse)))
	}
	nCoarse := 1
	for _, k := range kCoarse {
		nCoarse *= k
	}
	t = &Triangulation{
		Dim:      dim,
		KCoarse:  append([]int{}, kCoarse...),
		NCoarse:  nCoarse,
		MaxLevel: 0,
		Origin:   append([]float64{}, origin...),
		Extent:   append([]float64{}, extent...),
		refined:  make(map[int]bool),
	}
	t.rebuild()
	return
}

// NewIntervalMesh is the 1-D convenience constructor on [x0,x1].
func NewIntervalMesh(k int, x0, x1 float64) *Triangulation {
	return NewBoxMesh(1, []int{k}, []float64{x0}, []float64{x1 - x0})
}

func (t *Triangulation) rebuild() {
	t.Translator = NewCellIDTranslator(t.Dim, t.NCoarse, t.MaxLevel+1)
	t.ActiveCells = t.ActiveCells[:0]
	t.activePos = make(map[int]int)
	var walk func(id CellID)
	walk = func(id CellID) {
		index := t.Translator.Translate(id)
		if t.refined[index] {
			for c := 0; c < 1<<uint(t.Dim); c++ {
				walk(id.Child(t.Dim, c))
			}
			return
		}
		t.activePos[index] = len(t.ActiveCells)
		t.ActiveCells = append(t.ActiveCells, id)
	}
	for c := 0; c < t.NCoarse; c++ {
		walk(CellID{CoarseCell: c})
	}
	t.CellOwner = make([]int, len(t.ActiveCells))
}

// NActiveGlobal is the global number of active cells (topology is global,
// so no reduction is needed).
func (t *Triangulation) NActiveGlobal() int { return len(t.ActiveCells) }

func (t *Triangulation) IsActive(id CellID) bool {
	_, ok := t.activePos[t.Translator.Translate(id)]
	return ok
}

func (t *Triangulation) IsRefined(id CellID) bool {
	return t.refined[t.Translator.Translate(id)]
}

func (t *Triangulation) ActivePosition(id CellID) (pos int) {
	pos, ok := t.activePos[t.Translator.Translate(id)]
	if !ok {
		panic(fmt.Errorf("cell %v is not active", id))
	}
	return
}

func (t *Triangulation) OwnerOf(id CellID) int {
	return t.CellOwner[t.ActivePosition(id)]
}

// RefineAll returns a new mesh with every active cell refined once. The
// returned mesh carries no ownership yet.
func (t *Triangulation) RefineAll() (r *Triangulation) {
	return t.RefineCells(t.ActiveCells)
}

// RefineCells returns a new mesh with the listed active cells refined.
func (t *Triangulation) RefineCells(cells []CellID) (r *Triangulation) {
	r = &Triangulation{
		Dim:      t.Dim,
		KCoarse:  append([]int{}, t.KCoarse...),
		NCoarse:  t.NCoarse,
		MaxLevel: t.MaxLevel,
		Origin:   append([]float64{}, t.Origin...),
		Extent:   append([]float64{}, t.Extent...),
		refined:  make(map[int]bool),
	}
	for _, id := range cells {
		if id.Level+1 > r.MaxLevel {
			r.MaxLevel = id.Level + 1
		}
	}
	// re-key the old refinement flags into the deeper translator
	tr := NewCellIDTranslator(t.Dim, t.NCoarse, r.MaxLevel+1)
	for index, ref := range t.refined {
		if ref {
			r.refined[tr.Translate(t.Translator.ToCellID(index))] = true
		}
	}
	for _, id := range cells {
		r.refined[tr.Translate(id)] = true
	}
	r.rebuild()
	return
}

// CellBox is the axis-aligned bounding box of any (active or not) cell.
func (t *Triangulation) CellBox(id CellID) (lo, hi []float64) {
	lo = make([]float64, t.Dim)
	hi = make([]float64, t.Dim)
	c := id.CoarseCell
	for a := 0; a < t.Dim; a++ {
		ia := c % t.KCoarse[a]
		c /= t.KCoarse[a]
		h := t.Extent[a] / float64(t.KCoarse[a])
		lo[a] = t.Origin[a] + float64(ia)*h
		hi[a] = lo[a] + h
	}
	for l := 0; l < id.Level; l++ {
		child := id.ChildOrdinal(t.Dim, l)
		for a := 0; a < t.Dim; a++ {
			mid := 0.5 * (lo[a] + hi[a])
			if child>>uint(a)&1 == 0 {
				hi[a] = mid
			} else {
				lo[a] = mid
			}
		}
	}
	return
}

// FindCell locates the active cell containing point and the point's
// reference coordinates in [0,1]^dim within it. Returns ok=false when the
// point lies outside the mesh box.
func (t *Triangulation) FindCell(point []float64) (id CellID, ref []float64, ok bool) {
	coarse := 0
	stride := 1
	for a := 0; a < t.Dim; a++ {
		h := t.Extent[a] / float64(t.KCoarse[a])
		ia := int((point[a] - t.Origin[a]) / h)
		if point[a] < t.Origin[a] || point[a] > t.Origin[a]+t.Extent[a] {
			return
		}
		if ia == t.KCoarse[a] { // right boundary point
			ia--
		}
		coarse += ia * stride
		stride *= t.KCoarse[a]
	}
	id = CellID{CoarseCell: coarse}
	lo, hi := t.CellBox(id)
	for t.IsRefined(id) {
		child := 0
		for a := 0; a < t.Dim; a++ {
			mid := 0.5 * (lo[a] + hi[a])
			if point[a] > mid {
				child |= 1 << uint(a)
				lo[a] = mid
			} else {
				hi[a] = mid
			}
		}
		id = id.Child(t.Dim, child)
	}
	ref = make([]float64, t.Dim)
	for a := 0; a < t.Dim; a++ {
		ref[a] = (point[a] - lo[a]) / (hi[a] - lo[a])
	}
	ok = true
	return
}

// PointMatch is one active cell claiming a located point.
type PointMatch struct {
	Cell CellID
	Ref  []float64 // reference coordinates in [0,1]^dim
}

// FindCellsAround locates every active cell whose closure contains point,
// within tolerance tol. A point in a cell interior yields one match; a
// point on a shared face, edge or vertex yields one match per touching
// cell, in active-cell order. Empty when the point lies outside the mesh.
func (t *Triangulation) FindCellsAround(point []float64, tol float64) (matches []PointMatch) {
	for coarse := 0; coarse < t.NCoarse; coarse++ {
		matches = t.collectMatches(CellID{CoarseCell: coarse}, point, tol, matches)
	}
	return
}

func (t *Triangulation) collectMatches(id CellID, point []float64, tol float64, matches []PointMatch) []PointMatch {
	lo, hi := t.CellBox(id)
	for a := 0; a < t.Dim; a++ {
		if point[a] < lo[a]-tol || point[a] > hi[a]+tol {
			return matches
		}
	}
	if t.IsRefined(id) {
		for c := 0; c < 1<<uint(t.Dim); c++ {
			matches = t.collectMatches(id.Child(t.Dim, c), point, tol, matches)
		}
		return matches
	}
	if !t.IsActive(id) {
		return matches
	}
	ref := make([]float64, t.Dim)
	for a := 0; a < t.Dim; a++ {
		r := (point[a] - lo[a]) / (hi[a] - lo[a])
		if r < 0 {
			r = 0
		}
		if r > 1 {
			r = 1
		}
		ref[a] = r
	}
	return append(matches, PointMatch{Cell: id, Ref: ref})
}

// DistributeBlocks assigns contiguous slabs of active cells to NP ranks.
func (t *Triangulation) DistributeBlocks(NP int) {
	pm := utils.NewPartitionMap(NP, len(t.ActiveCells))
	for np := 0; np < NP; np++ {
		kMin, kMax := pm.GetBucketRange(np)
		for k := kMin; k < kMax; k++ {
			t.CellOwner[k] = np
		}
	}
}

// DistributeByCoarseAncestor copies ownership per coarse cell from owners,
// indexed by coarse cell. Used to keep parents and children on one rank.
func (t *Triangulation) DistributeByCoarseAncestor(owners []int) {
	for pos, id := range t.ActiveCells {
		t.CellOwner[pos] = owners[id.CoarseCell]
	}
}

// DistributeFirstChild assigns each active cell of this (coarser) mesh the
// owner its first child has on the once-refined mesh fine. The convention
// lets a rank read a refined cell's data from its structurally first child
// without communication.
func (t *Triangulation) DistributeFirstChild(fine *Triangulation) {
	for pos, id := range t.ActiveCells {
		if fine.IsActive(id) {
			t.CellOwner[pos] = fine.OwnerOf(id)
			continue
		}
		t.CellOwner[pos] = fine.OwnerOf(id.Child(t.Dim, 0))
	}
}

// LocallyOwnedActiveCells returns this rank's active cells in cell-index
// order (the deterministic iteration order used everywhere).
func (t *Triangulation) LocallyOwnedActiveCells(myRank int) (cells []CellID) {
	for pos, id := range t.ActiveCells {
		if t.CellOwner[pos] == myRank {
			cells = append(cells, id)
		}
	}
	return
}
