package transfer

import (
	"fmt"

	"github.com/mgtools/mgtransfer/dvector"
	"github.com/mgtools/mgtransfer/utils"
)

// acquire stages src into internal if the layouts differ, refreshes the
// ghosts of whichever vector will feed the cell loop, and returns it plus
// a restore func putting src's ghost contract back the way it was.
func acquire(src, internal *dvector.Vector, part *dvector.Partitioner, side string) (work *dvector.Vector, restore func()) {
	if src.P.Compatible(part) {
		wasFresh := src.GhostsFresh
		src.UpdateGhostValues()
		return src, func() {
			if !wasFresh {
				src.ZeroGhosts()
			}
		}
	}
	if internal == nil {
		panic(fmt.Errorf("%s vector layout incompatible after in-place operation was enabled", side))
	}
	internal.CopyOwnedFrom(src)
	internal.UpdateGhostValues()
	return internal, func() {}
}

// ProlongateAndAdd adds the prolongation of src (coarse) into dst (fine).
// Collective; dst's prior content is kept.
func (t *TwoLevelTransfer) ProlongateAndAdd(dst, src *dvector.Vector) {
	t.notify("prolongate:exchange")
	work, restore := acquire(src, t.vecCoarse, t.PartitionerCoarse, "coarse")
	defer restore()

	out := dst
	stagedOut := false
	if !dst.P.Compatible(t.PartitionerFine) {
		if t.vecFine == nil {
			panic(fmt.Errorf("fine vector layout incompatible after in-place operation was enabled"))
		}
		t.vecFine.Zero()
		out = t.vecFine
		stagedOut = true
	} else {
		out.ZeroGhosts()
	}

	t.notify("prolongate:cells")
	var coarseOff, fineOff, packedCell int
	for _, s := range t.Schemes {
		for c0 := 0; c0 < s.NCoarseCells; c0 += LaneWidth {
			nb := LaneWidth
			if s.NCoarseCells-c0 < nb {
				nb = s.NCoarseCells - c0
			}
			for lane := 0; lane < nb; lane++ {
				in := make([]float64, s.NDoFsPerCellCoarse)
				t.coarseTable.gather(coarseOff, s.NDoFsPerCellCoarse, work.Data, in)
				var vals []float64
				if s.Identity {
					vals = in
				} else {
					vals = s.ProlongateCell(t.Dim, t.NComponents, in)
				}
				t.applyWeights(s, fineOff, packedCell, vals)
				t.fineTable.scatterAdd(fineOff, s.NDoFsPerCellFine, vals, out.Data)
				coarseOff += s.NDoFsPerCellCoarse
				fineOff += s.NDoFsPerCellFine
				packedCell++
			}
		}
	}

	t.notify("prolongate:compress")
	out.CompressAdd()
	if stagedOut {
		out.AddOwnedInto(dst)
	}
}

// RestrictAndAdd adds the restriction of src (fine) into dst (coarse):
// the numerical transpose of ProlongateAndAdd, weights applied on the
// gather side and constraints distributed on the scatter side.
// Collective; dst's prior content is kept.
func (t *TwoLevelTransfer) RestrictAndAdd(dst, src *dvector.Vector) {
	t.notify("restrict:exchange")
	work, restore := acquire(src, t.vecFine, t.PartitionerFine, "fine")
	defer restore()

	out := dst
	stagedOut := false
	if !dst.P.Compatible(t.PartitionerCoarse) {
		if t.vecCoarse == nil {
			panic(fmt.Errorf("coarse vector layout incompatible after in-place operation was enabled"))
		}
		t.vecCoarse.Zero()
		out = t.vecCoarse
		stagedOut = true
	} else {
		out.ZeroGhosts()
	}

	t.notify("restrict:cells")
	var coarseOff, fineOff, packedCell int
	for _, s := range t.Schemes {
		for c := 0; c < s.NCoarseCells; c++ {
			in := make([]float64, s.NDoFsPerCellFine)
			t.fineTable.gather(fineOff, s.NDoFsPerCellFine, work.Data, in)
			t.applyWeights(s, fineOff, packedCell, in)
			var vals []float64
			if s.Identity {
				vals = in
			} else {
				vals = s.ProlongateTransposeCell(t.Dim, t.NComponents, in)
			}
			t.coarseTable.scatterAdd(coarseOff, s.NDoFsPerCellCoarse, vals, out.Data)
			coarseOff += s.NDoFsPerCellCoarse
			fineOff += s.NDoFsPerCellFine
			packedCell++
		}
	}

	t.notify("restrict:compress")
	out.CompressAdd()
	if stagedOut {
		out.AddOwnedInto(dst)
	}
}

// Interpolate overwrites dst (coarse) with the restriction-matrix image
// of src (fine): direct injection for nodal elements, no weighting and
// no compression round. Collective.
func (t *TwoLevelTransfer) Interpolate(dst, src *dvector.Vector) {
	t.notify("interpolate:exchange")
	work, restore := acquire(src, t.vecFine, t.PartitionerFine, "fine")
	defer restore()

	out := dst
	stagedOut := false
	if !dst.P.Compatible(t.PartitionerCoarse) {
		if t.vecCoarse == nil {
			panic(fmt.Errorf("coarse vector layout incompatible after in-place operation was enabled"))
		}
		t.vecCoarse.Zero()
		out = t.vecCoarse
		stagedOut = true
	}

	t.notify("interpolate:cells")
	var coarseOff, fineOff int
	for _, s := range t.Schemes {
		for c := 0; c < s.NCoarseCells; c++ {
			in := make([]float64, s.NDoFsPerCellFine)
			t.fineTable.gather(fineOff, s.NDoFsPerCellFine, work.Data, in)
			var vals []float64
			if s.Identity {
				vals = in
			} else {
				vals = s.RestrictCell(t.Dim, t.NComponents, in)
			}
			t.coarseTable.scatterOverwrite(coarseOff, s.NDoFsPerCellCoarse,
				out.P.NOwned(), vals, out.Data)
			coarseOff += s.NDoFsPerCellCoarse
			fineOff += s.NDoFsPerCellFine
		}
	}
	if stagedOut {
		dst.CopyOwnedFrom(out)
	}
}

func (t *TwoLevelTransfer) applyWeights(s *TransferScheme, fineOff, packedCell int, vals []float64) {
	if !t.FineElementIsContinuous {
		return
	}
	if t.weightsCompressed != nil {
		var (
			nMask = intPow(3, t.Dim)
			n1    = axisSize(t.Dim, s.NDoFsPerCellFine/t.NComponents)
			mask  = t.weightsCompressed[packedCell*nMask : (packedCell+1)*nMask]
		)
		applyCompressedWeights(t.Dim, t.NComponents, n1, mask, vals)
		return
	}
	for i := range vals {
		vals[i] *= t.weights[fineOff+i]
	}
}

// EnableInplaceOperationsIfPossible lets the operations work directly on
// vectors laid out by the given external partitioners, skipping the
// staging copies, when those layouts embed the internal ones on every
// rank. Reports per side whether the switch happened. Collective.
func (t *TwoLevelTransfer) EnableInplaceOperationsIfPossible(
	extCoarse, extFine *dvector.Partitioner) (coarseInplace, fineInplace bool) {
	bad := []int{0, 0}
	if extCoarse == nil || !extCoarse.Embeds(t.PartitionerCoarse) {
		bad[0] = 1
	}
	if extFine == nil || !extFine.Embeds(t.PartitionerFine) {
		bad[1] = 1
	}
	bad = t.Comm.AllReduceMaxInt(t.MyRank, bad)
	if bad[0] == 0 {
		t.coarseTable.remap(t.PartitionerCoarse, extCoarse)
		t.PartitionerCoarse = extCoarse
		t.vecCoarse = nil
		coarseInplace = true
	}
	if bad[1] == 0 {
		t.fineTable.remap(t.PartitionerFine, extFine)
		t.PartitionerFine = extFine
		t.vecFine = nil
		fineInplace = true
	}
	return
}

// MemoryUsage estimates the bytes held by the operator's tables, weights,
// matrices and staging vectors on this rank.
func (t *TwoLevelTransfer) MemoryUsage() (bytes int) {
	bytes += 8 * (len(t.coarseTable.indices) + len(t.fineTable.indices))
	for _, entries := range t.coarseTable.constraints {
		bytes += 16 * len(entries)
	}
	bytes += 8 * (len(t.weights) + len(t.weightsCompressed))
	for _, s := range t.Schemes {
		for _, m := range []utils.Matrix{
			s.Prolongation1D, s.Restriction1D, s.ProlongationDense, s.RestrictionDense,
		} {
			if !m.IsEmpty() {
				bytes += 8 * len(m.DataP)
			}
		}
	}
	if t.vecCoarse != nil {
		bytes += 8 * len(t.vecCoarse.Data)
	}
	if t.vecFine != nil {
		bytes += 8 * len(t.vecFine.Data)
	}
	return
}
