package transfer

import (
	"fmt"

	"github.com/mgtools/mgtransfer/dvector"
)

// Transfer is the operation surface shared by the nested and non-nested
// operators.
type Transfer interface {
	ProlongateAndAdd(dst, src *dvector.Vector)
	RestrictAndAdd(dst, src *dvector.Vector)
	Interpolate(dst, src *dvector.Vector)
	MemoryUsage() int
}

// Hierarchy drives a stack of two-level transfers across a full level
// range: Transfers[i] connects level MinLevel+i (coarse) to MinLevel+i+1
// (fine), and Partitioners[i] lays out vectors on level MinLevel+i.
type Hierarchy struct {
	MinLevel     int
	Transfers    []Transfer
	Partitioners []*dvector.Partitioner
}

// NewHierarchy wires an explicit transfer stack. len(partitioners) must
// be len(transfers)+1.
func NewHierarchy(minLevel int, transfers []Transfer, partitioners []*dvector.Partitioner) *Hierarchy {
	if len(partitioners) != len(transfers)+1 {
		panic(fmt.Errorf("hierarchy needs %d level partitioners, got %d",
			len(transfers)+1, len(partitioners)))
	}
	return &Hierarchy{MinLevel: minLevel, Transfers: transfers, Partitioners: partitioners}
}

// NewHierarchyFromTwoLevel wires a stack of nested operators, deriving
// the level partitioners from their internal ones.
func NewHierarchyFromTwoLevel(minLevel int, ts []*TwoLevelTransfer) *Hierarchy {
	var (
		transfers = make([]Transfer, len(ts))
		parts     = make([]*dvector.Partitioner, len(ts)+1)
	)
	for i, t := range ts {
		transfers[i] = t
		parts[i] = t.PartitionerCoarse
	}
	parts[len(ts)] = ts[len(ts)-1].PartitionerFine
	return &Hierarchy{MinLevel: minLevel, Transfers: transfers, Partitioners: parts}
}

func (h *Hierarchy) MaxLevel() int { return h.MinLevel + len(h.Transfers) }

func (h *Hierarchy) transferTo(fineLevel int) Transfer {
	i := fineLevel - h.MinLevel - 1
	if i < 0 || i >= len(h.Transfers) {
		panic(fmt.Errorf("no transfer reaching level %d in [%d, %d]", fineLevel, h.MinLevel, h.MaxLevel()))
	}
	return h.Transfers[i]
}

// LevelVector allocates a vector laid out for the given level.
func (h *Hierarchy) LevelVector(level int) *dvector.Vector {
	i := level - h.MinLevel
	if i < 0 || i >= len(h.Partitioners) {
		panic(fmt.Errorf("level %d outside [%d, %d]", level, h.MinLevel, h.MaxLevel()))
	}
	return dvector.NewVector(h.Partitioners[i])
}

// Prolongate overwrites dst on toLevel with the prolongation of src from
// toLevel-1. Collective.
func (h *Hierarchy) Prolongate(toLevel int, dst, src *dvector.Vector) {
	dst.Zero()
	h.transferTo(toLevel).ProlongateAndAdd(dst, src)
}

// ProlongateAndAdd adds the prolongation of src (toLevel-1) into dst.
func (h *Hierarchy) ProlongateAndAdd(toLevel int, dst, src *dvector.Vector) {
	h.transferTo(toLevel).ProlongateAndAdd(dst, src)
}

// RestrictAndAdd adds the restriction of src (fromLevel) into dst on
// fromLevel-1. Collective.
func (h *Hierarchy) RestrictAndAdd(fromLevel int, dst, src *dvector.Vector) {
	h.transferTo(fromLevel).RestrictAndAdd(dst, src)
}

// InterpolateToLevels pushes a finest-level solution down the whole
// hierarchy by repeated interpolation and returns one vector per level,
// index 0 on MinLevel. Collective.
func (h *Hierarchy) InterpolateToLevels(fine *dvector.Vector) (levels []*dvector.Vector) {
	levels = make([]*dvector.Vector, len(h.Partitioners))
	top := len(levels) - 1
	levels[top] = h.LevelVector(h.MaxLevel())
	levels[top].CopyOwnedFrom(fine)
	for i := top - 1; i >= 0; i-- {
		levels[i] = h.LevelVector(h.MinLevel + i)
		h.Transfers[i].Interpolate(levels[i], levels[i+1])
	}
	return
}

// MemoryUsage sums the per-operator estimates.
func (h *Hierarchy) MemoryUsage() (bytes int) {
	for _, t := range h.Transfers {
		bytes += t.MemoryUsage()
	}
	return
}
