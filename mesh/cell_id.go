package mesh

import (
	"fmt"
)

// CellID addresses a cell in a refinement forest by its coarse ancestor and
// the path of child choices taken from it. Two cells with equal CellID are
// the same geometric cell on any consistently built mesh, and the encoding
// is computable without communication.
type CellID struct {
	CoarseCell int
	Level      int
	Path       uint64 // dim bits per level, child ordinal of each descent
}

func (id CellID) Child(dim, child int) CellID {
	return CellID{
		CoarseCell: id.CoarseCell,
		Level:      id.Level + 1,
		Path:       id.Path | uint64(child)<<(uint(dim*id.Level)),
	}
}

func (id CellID) Parent(dim int) CellID {
	if id.Level == 0 {
		panic("coarse cell has no parent")
	}
	mask := uint64(1)<<(uint(dim*(id.Level-1))) - 1
	return CellID{
		CoarseCell: id.CoarseCell,
		Level:      id.Level - 1,
		Path:       id.Path & mask,
	}
}

// ChildOrdinal is the child choice taken at descent level l (0-based).
func (id CellID) ChildOrdinal(dim, l int) int {
	return int(id.Path>>(uint(dim*l))) & (1<<uint(dim) - 1)
}

func (id CellID) String() string {
	return fmt.Sprintf("%d_%d:%b", id.CoarseCell, id.Level, id.Path)
}

// CellIDTranslator is a deterministic bijection between CellID and a dense
// integer index over all possible cells of a forest with NCoarse roots and
// NLevels levels. Pure function of the global topology: every rank computes
// the same index for the same cell without synchronization.
type CellIDTranslator struct {
	Dim, NCoarse, NLevels int

	nChildren int
	offsets   []int // offsets[l] = first index of level l; len NLevels+1
}

func NewCellIDTranslator(dim, nCoarse, nLevels int) (t *CellIDTranslator) {
	t = &CellIDTranslator{
		Dim:       dim,
		NCoarse:   nCoarse,
		NLevels:   nLevels,
		nChildren: 1 << uint(dim),
		offsets:   make([]int, nLevels+1),
	}
	levelSize := nCoarse
	for l := 0; l < nLevels; l++ {
		t.offsets[l+1] = t.offsets[l] + levelSize
		levelSize *= t.nChildren
	}
	return
}

// Size is the total number of representable cells over all levels.
func (t *CellIDTranslator) Size() int { return t.offsets[t.NLevels] }

func (t *CellIDTranslator) Translate(id CellID) (index int) {
	if id.Level >= t.NLevels {
		panic(fmt.Errorf("cell level %d beyond forest depth %d", id.Level, t.NLevels))
	}
	// flat index within the level: coarse-major, then path digits as a
	// base-2^dim number with the first descent as the most significant digit
	flat := id.CoarseCell
	for l := 0; l < id.Level; l++ {
		flat = flat*t.nChildren + id.ChildOrdinal(t.Dim, l)
	}
	index = t.offsets[id.Level] + flat
	return
}

func (t *CellIDTranslator) TranslateChild(id CellID, child int) (index int) {
	index = t.Translate(id.Child(t.Dim, child))
	return
}

func (t *CellIDTranslator) ToCellID(index int) (id CellID) {
	if index < 0 || index >= t.Size() {
		panic(fmt.Errorf("cell index %d outside [0,%d)", index, t.Size()))
	}
	var level int
	for t.offsets[level+1] <= index {
		level++
	}
	flat := index - t.offsets[level]
	id.Level = level
	for l := level - 1; l >= 0; l-- {
		child := flat % t.nChildren
		flat /= t.nChildren
		id.Path |= uint64(child) << (uint(t.Dim * l))
	}
	id.CoarseCell = flat
	return
}
