package transfer

import (
	"math"

	"github.com/mgtools/mgtransfer/dofs"
	"github.com/mgtools/mgtransfer/dvector"
)

// setupWeights computes the fine-side averaging weights for continuous
// elements: the reciprocal of the number of packed cells touching each
// fine DoF, with constrained DoFs weighted zero. Stored in packed-cell
// layout; when every cell's weights only depend on which boundary entity
// of the cell a DoF sits on, the per-cell vector is compressed to 3^dim
// per-entity values. Collective.
func (t *TwoLevelTransfer) setupWeights(consFine *dofs.Constraints) {
	touch := dvector.NewVector(t.PartitionerFine)
	for _, loc := range t.fineTable.indices {
		touch.Data[loc]++
	}
	touch.CompressAdd()
	for i := 0; i < touch.NOwned(); i++ {
		g := t.PartitionerFine.LocalToGlobal(i)
		if consFine != nil && consFine.IsConstrained(g) {
			touch.Data[i] = 0
			continue
		}
		if touch.Data[i] > 0 {
			touch.Data[i] = 1 / touch.Data[i]
		}
	}
	touch.UpdateGhostValues()

	t.weights = make([]float64, len(t.fineTable.indices))
	for pos, loc := range t.fineTable.indices {
		t.weights[pos] = touch.Data[loc]
	}
	t.tryCompressWeights()
}

// tryCompressWeights switches to the per-entity form if every packed cell
// admits it. A cell admits it when DoFs sharing the same vertex/edge/face
// class per axis (first node, interior, last node) carry equal weights
// and all components agree.
func (t *TwoLevelTransfer) tryCompressWeights() {
	var (
		compressed []float64
		offset     = 0
	)
	for _, s := range t.Schemes {
		var (
			npf = s.NDoFsPerCellFine / t.NComponents
			n1  = axisSize(t.Dim, npf)
		)
		for c := 0; c < s.NCoarseCells; c++ {
			mask, ok := compressCellWeights(t.Dim, t.NComponents, n1,
				t.weights[offset:offset+s.NDoFsPerCellFine])
			if !ok {
				return
			}
			compressed = append(compressed, mask...)
			offset += s.NDoFsPerCellFine
		}
	}
	t.weightsCompressed = compressed
	t.weights = nil
}

// axisSize recovers the per-axis node count of a tensor cell from its
// scalar DoF count.
func axisSize(dim, npScalar int) (n1 int) {
	n1 = int(math.Round(math.Pow(float64(npScalar), 1/float64(dim))))
	for intPow(n1, dim) < npScalar {
		n1++
	}
	for intPow(n1, dim) > npScalar {
		n1--
	}
	return
}

// entityKey classifies a node index along one axis: 0 first node, 1
// interior, 2 last node.
func entityKey(i, n1 int) int {
	switch {
	case i == 0:
		return 0
	case i == n1-1:
		return 2
	default:
		return 1
	}
}

// compressCellWeights reduces one cell's weight vector to 3^dim
// per-entity values, or reports that the cell does not admit it.
func compressCellWeights(dim, nComponents, n1 int, w []float64) (mask []float64, ok bool) {
	var (
		nps   = intPow(n1, dim)
		nMask = intPow(3, dim)
		set   = make([]bool, nMask)
	)
	mask = make([]float64, nMask)
	for comp := 0; comp < nComponents; comp++ {
		for s := 0; s < nps; s++ {
			rem, key, stride := s, 0, 1
			for a := 0; a < dim; a++ {
				key += entityKey(rem%n1, n1) * stride
				rem /= n1
				stride *= 3
			}
			v := w[comp*nps+s]
			if !set[key] {
				set[key] = true
				mask[key] = v
				continue
			}
			if mask[key] != v {
				return nil, false
			}
		}
	}
	return mask, true
}

// applyCompressedWeights multiplies one cell's fine values by its
// per-entity mask.
func applyCompressedWeights(dim, nComponents, n1 int, mask, vals []float64) {
	nps := intPow(n1, dim)
	for comp := 0; comp < nComponents; comp++ {
		for s := 0; s < nps; s++ {
			rem, key, stride := s, 0, 1
			for a := 0; a < dim; a++ {
				key += entityKey(rem%n1, n1) * stride
				rem /= n1
				stride *= 3
			}
			vals[comp*nps+s] *= mask[key]
		}
	}
}
