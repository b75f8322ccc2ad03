package dofs

import (
	"fmt"
	"sort"

	"github.com/mgtools/mgtransfer/element"
	"github.com/mgtools/mgtransfer/mesh"
	"github.com/mgtools/mgtransfer/utils"
)

// DoFHandler numbers the degrees of freedom of a finite-element space over
// a Triangulation. Numbering is a pure function of the global topology and
// element assignment, so every rank computes identical global indices
// without communication; only DoF VALUES are distributed.
//
// Continuous (Q) spaces require a uniformly refined mesh so that the node
// lattice is a tensor grid. Discontinuous (DGQ) spaces work on any mesh and
// support per-cell elements (hp).
type DoFHandler struct {
	Tria         *mesh.Triangulation
	FECollection []*element.Lagrange
	ActiveFE     []int // per active-cell position
	Continuous   bool
	NComponents  int

	// continuous numbering
	nodesPerAxis []int
	cellsPerAxis []int
	nScalar      int

	// discontinuous numbering
	cellOffsets []int // per active-cell position, prefix sum of NpCell

	nDoFs int
}

func NewDoFHandler(tria *mesh.Triangulation, fe *element.Lagrange) (d *DoFHandler) {
	active := make([]int, len(tria.ActiveCells))
	d = NewDoFHandlerHP(tria, []*element.Lagrange{fe}, active)
	return
}

func NewDoFHandlerHP(tria *mesh.Triangulation, fes []*element.Lagrange, activeFE []int) (d *DoFHandler) {
	if len(activeFE) != len(tria.ActiveCells) {
		panic(fmt.Errorf("activeFE length %d does not match %d active cells",
			len(activeFE), len(tria.ActiveCells)))
	}
	d = &DoFHandler{
		Tria:         tria,
		FECollection: fes,
		ActiveFE:     activeFE,
		Continuous:   fes[0].Continuous,
		NComponents:  fes[0].NComponents,
	}
	for _, fe := range fes {
		if fe.Continuous != d.Continuous || fe.NComponents != d.NComponents ||
			fe.Dim != tria.Dim {
			panic(fmt.Errorf("element collection mixes continuity, components or dimension"))
		}
	}
	if d.Continuous {
		if len(fes) > 1 {
			panic(fmt.Errorf("hp element collections are supported for discontinuous spaces only"))
		}
		for _, id := range tria.ActiveCells {
			if id.Level != tria.MaxLevel {
				panic(fmt.Errorf("continuous space requires a uniformly refined mesh; cell %v is at level %d of %d",
					id, id.Level, tria.MaxLevel))
			}
		}
		d.numberContinuous()
	} else {
		d.numberDiscontinuous()
	}
	return
}

func (d *DoFHandler) numberContinuous() {
	var (
		fe = d.FECollection[0]
		L  = d.Tria.MaxLevel
	)
	d.cellsPerAxis = make([]int, d.Tria.Dim)
	d.nodesPerAxis = make([]int, d.Tria.Dim)
	d.nScalar = 1
	for a := 0; a < d.Tria.Dim; a++ {
		d.cellsPerAxis[a] = d.Tria.KCoarse[a] << uint(L)
		d.nodesPerAxis[a] = d.cellsPerAxis[a]*fe.P + 1
		d.nScalar *= d.nodesPerAxis[a]
	}
	d.nDoFs = d.NComponents * d.nScalar
}

func (d *DoFHandler) numberDiscontinuous() {
	d.cellOffsets = make([]int, len(d.Tria.ActiveCells)+1)
	for pos := range d.Tria.ActiveCells {
		d.cellOffsets[pos+1] = d.cellOffsets[pos] + d.FECollection[d.ActiveFE[pos]].NpCell()
	}
	d.nDoFs = d.cellOffsets[len(d.Tria.ActiveCells)]
}

func (d *DoFHandler) NDoFs() int { return d.nDoFs }

func (d *DoFHandler) FE(id mesh.CellID) *element.Lagrange {
	return d.FECollection[d.ActiveFEIndex(id)]
}

func (d *DoFHandler) ActiveFEIndex(id mesh.CellID) int {
	return d.ActiveFE[d.Tria.ActivePosition(id)]
}

// cellCoords returns the per-axis integer coordinates of an active cell at
// the handler's (uniform) refinement level.
func (d *DoFHandler) cellCoords(id mesh.CellID) (ca []int) {
	var (
		dim = d.Tria.Dim
		L   = d.Tria.MaxLevel
	)
	ca = make([]int, dim)
	c := id.CoarseCell
	for a := 0; a < dim; a++ {
		ca[a] = (c % d.Tria.KCoarse[a]) << uint(L)
		c /= d.Tria.KCoarse[a]
	}
	for l := 0; l < id.Level; l++ {
		child := id.ChildOrdinal(dim, l)
		for a := 0; a < dim; a++ {
			ca[a] += (child >> uint(a) & 1) << uint(L-1-l)
		}
	}
	return
}

// CellDoFIndices lists a cell's global DoF indices, components outermost,
// nodes in lexicographic order (x fastest) within each component.
func (d *DoFHandler) CellDoFIndices(id mesh.CellID) (I utils.Index) {
	var (
		pos = d.Tria.ActivePosition(id)
		fe  = d.FECollection[d.ActiveFE[pos]]
		nps = fe.NpScalar()
	)
	I = make(utils.Index, fe.NpCell())
	if !d.Continuous {
		base := d.cellOffsets[pos]
		for i := range I {
			I[i] = base + i
		}
		return
	}
	var (
		dim = d.Tria.Dim
		n1  = fe.Np1D()
		ca  = d.cellCoords(id)
	)
	for i := 0; i < nps; i++ {
		g, stride, idx := 0, 1, i
		for a := 0; a < dim; a++ {
			g += (ca[a]*fe.P + idx%n1) * stride
			stride *= d.nodesPerAxis[a]
			idx /= n1
		}
		for comp := 0; comp < d.NComponents; comp++ {
			I[comp*nps+i] = comp*d.nScalar + g
		}
	}
	return
}

// OwnerOfDoF resolves the owning rank of a global DoF: the owner of the
// lowest-indexed active cell whose closure contains it. Deterministic and
// communication-free.
func (d *DoFHandler) OwnerOfDoF(g int) (rank int) {
	if !d.Continuous {
		pos := sort.Search(len(d.cellOffsets)-1, func(p int) bool {
			return d.cellOffsets[p+1] > g
		})
		return d.Tria.CellOwner[pos]
	}
	var (
		dim     = d.Tria.Dim
		fe      = d.FECollection[0]
		scalar  = g % d.nScalar
		axCells [][]int // candidate cell coords per axis
	)
	for a := 0; a < dim; a++ {
		na := scalar % d.nodesPerAxis[a]
		scalar /= d.nodesPerAxis[a]
		ca := na / fe.P
		var cand []int
		if na%fe.P == 0 && ca > 0 {
			cand = append(cand, ca-1)
		}
		if ca < d.cellsPerAxis[a] {
			cand = append(cand, ca)
		}
		axCells = append(axCells, cand)
	}
	// lowest active position among the touching cells
	bestPos := -1
	combos := 1
	for a := 0; a < dim; a++ {
		combos *= len(axCells[a])
	}
	for k := 0; k < combos; k++ {
		kk := k
		ca := make([]int, dim)
		for a := 0; a < dim; a++ {
			ca[a] = axCells[a][kk%len(axCells[a])]
			kk /= len(axCells[a])
		}
		pos := d.Tria.ActivePosition(d.cellIDFromCoords(ca))
		if bestPos == -1 || pos < bestPos {
			bestPos = pos
		}
	}
	rank = d.Tria.CellOwner[bestPos]
	return
}

func (d *DoFHandler) cellIDFromCoords(ca []int) (id mesh.CellID) {
	var (
		dim    = d.Tria.Dim
		L      = d.Tria.MaxLevel
		coarse = 0
		stride = 1
	)
	for a := 0; a < dim; a++ {
		coarse += (ca[a] >> uint(L)) * stride
		stride *= d.Tria.KCoarse[a]
	}
	id = mesh.CellID{CoarseCell: coarse}
	for l := 0; l < L; l++ {
		child := 0
		for a := 0; a < dim; a++ {
			child |= (ca[a] >> uint(L-1-l) & 1) << uint(a)
		}
		id = id.Child(dim, child)
	}
	return
}

// LocallyOwnedDoFs is the set of DoFs owned by rank.
func (d *DoFHandler) LocallyOwnedDoFs(rank int) (is *utils.IndexSet) {
	is = utils.NewIndexSet(d.nDoFs)
	if !d.Continuous {
		for pos := range d.Tria.ActiveCells {
			if d.Tria.CellOwner[pos] == rank {
				is.AddRange(d.cellOffsets[pos], d.cellOffsets[pos+1])
			}
		}
		return
	}
	for pos, id := range d.Tria.ActiveCells {
		if d.Tria.CellOwner[pos] != rank {
			continue
		}
		for _, g := range d.CellDoFIndices(id) {
			if d.OwnerOfDoF(g) == rank {
				is.AddIndex(g)
			}
		}
	}
	is.Compress()
	return
}

// CellSupportPoints maps each cell DoF to its physical support point
// (components share points, so only the scalar block is returned).
func (d *DoFHandler) CellSupportPoints(id mesh.CellID) (pts [][]float64) {
	lo, hi := d.Tria.CellBox(id)
	pts = d.FE(id).SupportPointsScalar(lo, hi)
	return
}
