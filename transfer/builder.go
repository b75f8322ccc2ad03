package transfer

import (
	"fmt"
	"log"
	"sort"

	"github.com/mgtools/mgtransfer/dofs"
	"github.com/mgtools/mgtransfer/dvector"
	"github.com/mgtools/mgtransfer/element"
	"github.com/mgtools/mgtransfer/mesh"
	"github.com/mgtools/mgtransfer/utils"
)

// TwoLevelTransfer moves distributed vectors between one fine and one
// coarse level. Built collectively by one of the Reinit functions and
// immutable afterwards; the three operations ProlongateAndAdd,
// RestrictAndAdd and Interpolate may then be applied any number of times.
type TwoLevelTransfer struct {
	Comm        *utils.Comm
	MyRank      int
	Dim         int
	NComponents int

	FineElementIsContinuous bool
	Schemes                 []*TransferScheme

	coarseTable *dofTable
	fineTable   *dofTable

	PartitionerCoarse *dvector.Partitioner
	PartitionerFine   *dvector.Partitioner
	vecCoarse         *dvector.Vector // staging, nil when operating in place
	vecFine           *dvector.Vector

	// fine-side weights in packed-cell layout, or the 3^dim-per-cell
	// compressed form when every cell admits it
	weights           []float64
	weightsCompressed []float64

	fineHandler   *dofs.DoFHandler
	coarseHandler *dofs.DoFHandler

	stageHooks []func(stage string)
}

// ConnectStage registers fn to run at the named stages of every
// operation, e.g. "prolongate:exchange" or "restrict:compress". Intended
// for instrumentation.
func (t *TwoLevelTransfer) ConnectStage(fn func(stage string)) {
	t.stageHooks = append(t.stageHooks, fn)
}

func (t *TwoLevelTransfer) notify(stage string) {
	for _, fn := range t.stageHooks {
		fn(stage)
	}
}

// Reinit builds the transfer, choosing the polynomial path when both
// handlers live on the same active cells and the geometric path when the
// coarse mesh is the fine mesh coarsened once. Collective.
func Reinit(fine, coarse *dofs.DoFHandler, consFine, consCoarse *dofs.Constraints,
	comm *utils.Comm, myRank int) (*TwoLevelTransfer, error) {
	if sameActiveCells(fine.Tria, coarse.Tria) {
		return ReinitPolynomialTransfer(fine, coarse, consFine, consCoarse, comm, myRank)
	}
	return ReinitGeometricTransfer(fine, coarse, consFine, consCoarse, comm, myRank)
}

func sameActiveCells(a, b *mesh.Triangulation) bool {
	if a == b {
		return true
	}
	if a.Dim != b.Dim || a.NActiveGlobal() != b.NActiveGlobal() {
		return false
	}
	for i, id := range a.ActiveCells {
		if b.ActiveCells[i] != id {
			return false
		}
	}
	return true
}

// ReinitGeometricTransfer builds a transfer between a fine mesh and the
// mesh obtained by coarsening it once. Exactly two schemes result: cells
// active on both levels (identity) and cells refined into 2^dim children.
// Both handlers must carry the same single element.
func ReinitGeometricTransfer(fine, coarse *dofs.DoFHandler, consFine, consCoarse *dofs.Constraints,
	comm *utils.Comm, myRank int) (*TwoLevelTransfer, error) {
	if len(fine.FECollection) != 1 || len(coarse.FECollection) != 1 {
		return nil, fmt.Errorf("geometric transfer requires a single element per side, got %d fine and %d coarse",
			len(fine.FECollection), len(coarse.FECollection))
	}
	fe := coarse.FECollection[0]
	if !fe.SameShape(fine.FECollection[0]) {
		return nil, fmt.Errorf("geometric transfer requires identical elements, got %v fine and %v coarse",
			fine.FECollection[0], fe)
	}
	if fine.NComponents != coarse.NComponents {
		return nil, fmt.Errorf("component counts differ: %d fine, %d coarse", fine.NComponents, coarse.NComponents)
	}

	t := &TwoLevelTransfer{
		Comm:                    comm,
		MyRank:                  myRank,
		Dim:                     fine.Tria.Dim,
		NComponents:             fine.NComponents,
		FineElementIsContinuous: fine.Continuous,
		coarseTable:             newDoFTable(),
		fineTable:               newDoFTable(),
		fineHandler:             fine,
		coarseHandler:           coarse,
	}

	view, err := chooseGeometricView(fine, coarse, comm, myRank)
	if err != nil {
		return nil, err
	}

	// Scheme 0: active on both levels. Scheme 1: refined once, the fine
	// side assembled as the union of the children's DoFs.
	unionNp := intPow(fe.NChildDoFs1D(), t.Dim) * t.NComponents
	t.Schemes = []*TransferScheme{
		{
			Identity:           true,
			NDoFsPerCellCoarse: fe.NpCell(),
			NDoFsPerCellFine:   fe.NpCell(),
			DegreeCoarse:       fe.P,
			DegreeFine:         fe.P,
		},
		{
			NDoFsPerCellCoarse: fe.NpCell(),
			NDoFsPerCellFine:   unionNp,
			DegreeCoarse:       fe.P,
			DegreeFine:         fe.NChildDoFs1D() - 1,
			Prolongation1D:     fe.GeometricProlongation1D(),
			Restriction1D:      fe.GeometricRestriction1D(),
		},
	}

	var cellsByScheme [2][]mesh.CellID
	for _, id := range coarse.Tria.LocallyOwnedActiveCells(myRank) {
		if view.HasChildren(id) {
			cellsByScheme[1] = append(cellsByScheme[1], id)
		} else {
			cellsByScheme[0] = append(cellsByScheme[0], id)
		}
	}

	pendingCoarse := make(pendingConstraints)
	pendingFine := make(pendingConstraints)
	for s, cells := range cellsByScheme {
		t.Schemes[s].NCoarseCells = len(cells)
		for _, id := range cells {
			t.coarseTable.appendCell(coarse.CellDoFIndices(id), consCoarse, pendingCoarse)
			if s == 0 {
				_, I := view.CellData(id)
				t.fineTable.appendCell(I, nil, pendingFine)
			} else {
				t.fineTable.appendCell(assembleChildUnion(t.Dim, fe, id, view), nil, pendingFine)
			}
		}
	}
	for _, s := range t.Schemes {
		s.finalize(t.Dim, t.NComponents)
	}

	t.finalizePartitioners(pendingCoarse, pendingFine)
	if t.FineElementIsContinuous {
		t.setupWeights(consFine)
	}
	log.Printf("geometric transfer reinit: rank %d, %d identity + %d refined cells, element %v",
		myRank, t.Schemes[0].NCoarseCells, t.Schemes[1].NCoarseCells, fe)
	return t, nil
}

// chooseGeometricView picks the cheapest view the distributions allow:
// the local first-child view when every fine cell backing a locally owned
// coarse cell already lives on this rank, otherwise the exchange-based
// view. The choice is agreed globally so the collective construction
// stays aligned.
func chooseGeometricView(fine, coarse *dofs.DoFHandler, comm *utils.Comm, myRank int) (FineView, error) {
	var (
		local     = 1
		nChildren = 1 << coarse.Tria.Dim
	)
	for _, id := range coarse.Tria.LocallyOwnedActiveCells(myRank) {
		if fine.Tria.IsActive(id) {
			if fine.Tria.OwnerOf(id) != myRank {
				local = 0
			}
			continue
		}
		if !fine.Tria.IsRefined(id) {
			local = 0
			continue
		}
		for c := 0; c < nChildren; c++ {
			ch := id.Child(coarse.Tria.Dim, c)
			if !fine.Tria.IsActive(ch) || fine.Tria.OwnerOf(ch) != myRank {
				local = 0
			}
		}
	}
	remote := comm.AllReduceMaxInt(myRank, []int{1 - local})
	if remote[0] == 0 {
		return NewFirstChildView(fine, myRank), nil
	}
	return NewGlobalCoarseningView(coarse, fine, comm, myRank)
}

// assembleChildUnion merges the 2^dim children's DoF lists of a refined
// cell into the fine super-cell layout, checking that children agree on
// shared positions.
func assembleChildUnion(dim int, fe *element.Lagrange, id mesh.CellID, view FineView) utils.Index {
	var (
		union     = make(utils.Index, intPow(fe.NChildDoFs1D(), dim)*fe.NComponents)
		nChildren = 1 << dim
	)
	for i := range union {
		union[i] = -1
	}
	for c := 0; c < nChildren; c++ {
		_, I := view.CellData(id.Child(dim, c))
		m := childUnionMap(dim, fe, c)
		for k, g := range I {
			u := m[k]
			if union[u] >= 0 && union[u] != g {
				panic(fmt.Errorf("children of cell %v disagree on shared DoF: %d vs %d", id, union[u], g))
			}
			union[u] = g
		}
	}
	for _, g := range union {
		if g < 0 {
			panic(fmt.Errorf("child union of cell %v left positions unset", id))
		}
	}
	return union
}

// childUnionMap maps a child's cell-local DoF positions into the fine
// super-cell union. Continuous elements overlap on shared faces (shift
// p per axis); discontinuous children abut (shift p+1).
func childUnionMap(dim int, fe *element.Lagrange, child int) (m []int) {
	var (
		n1    = fe.Np1D()
		nu    = fe.NChildDoFs1D()
		shift = n1 - 1
		nps   = fe.NpScalar()
		npu   = intPow(nu, dim)
	)
	if !fe.Continuous {
		shift = n1
	}
	m = make([]int, fe.NpCell())
	for comp := 0; comp < fe.NComponents; comp++ {
		for s := 0; s < nps; s++ {
			rem, flat, stride := s, 0, 1
			for a := 0; a < dim; a++ {
				ia := rem % n1
				rem /= n1
				ua := ia + ((child>>a)&1)*shift
				flat += ua * stride
				stride *= nu
			}
			m[comp*nps+s] = comp*npu + flat
		}
	}
	return
}

// ReinitPolynomialTransfer builds a transfer between two handlers on the
// same active cells, changing the polynomial degree per cell. Cells are
// grouped into schemes by their (coarse element, fine element) pairing;
// the scheme list is agreed globally so ranks without cells of some
// pairing still construct it.
func ReinitPolynomialTransfer(fine, coarse *dofs.DoFHandler, consFine, consCoarse *dofs.Constraints,
	comm *utils.Comm, myRank int) (*TwoLevelTransfer, error) {
	if !sameActiveCells(fine.Tria, coarse.Tria) {
		return nil, fmt.Errorf("polynomial transfer requires identical active cells on both levels")
	}
	if fine.NComponents != coarse.NComponents {
		return nil, fmt.Errorf("component counts differ: %d fine, %d coarse", fine.NComponents, coarse.NComponents)
	}

	t := &TwoLevelTransfer{
		Comm:                    comm,
		MyRank:                  myRank,
		Dim:                     fine.Tria.Dim,
		NComponents:             fine.NComponents,
		FineElementIsContinuous: fine.Continuous,
		coarseTable:             newDoFTable(),
		fineTable:               newDoFTable(),
		fineHandler:             fine,
		coarseHandler:           coarse,
	}

	view, err := choosePolynomialView(fine, coarse, comm, myRank)
	if err != nil {
		return nil, err
	}

	// Classify locally owned cells by element pairing, then agree on the
	// global pairing set so every rank builds the same scheme list.
	var (
		nFineFE = len(fine.FECollection)
		byKey   = make(map[int][]mesh.CellID)
		keys    []int
	)
	for _, id := range coarse.Tria.LocallyOwnedActiveCells(myRank) {
		feFine, _ := view.CellData(id)
		key := coarse.ActiveFEIndex(id)*nFineFE + feFine
		byKey[key] = append(byKey[key], id)
	}
	for key := range byKey {
		keys = append(keys, key)
	}
	keys = comm.AllGatherInts(myRank, keys)
	sort.Ints(keys)
	keys = dedupInts(keys)

	pendingCoarse := make(pendingConstraints)
	pendingFine := make(pendingConstraints)
	for _, key := range keys {
		var (
			feC   = coarse.FECollection[key/nFineFE]
			feF   = fine.FECollection[key%nFineFE]
			cells = byKey[key]
			s     = &TransferScheme{
				NCoarseCells:       len(cells),
				NDoFsPerCellCoarse: feC.NpCell(),
				NDoFsPerCellFine:   feF.NpCell(),
				DegreeCoarse:       feC.P,
				DegreeFine:         feF.P,
				Identity:           feC.SameShape(feF),
			}
		)
		if !s.Identity {
			s.Prolongation1D = element.Projection1D(feC, feF)
			s.Restriction1D = element.Projection1D(feF, feC)
		}
		s.finalize(t.Dim, t.NComponents)
		t.Schemes = append(t.Schemes, s)
		for _, id := range cells {
			t.coarseTable.appendCell(coarse.CellDoFIndices(id), consCoarse, pendingCoarse)
			_, I := view.CellData(id)
			t.fineTable.appendCell(I, nil, pendingFine)
		}
	}

	t.finalizePartitioners(pendingCoarse, pendingFine)
	if t.FineElementIsContinuous {
		t.setupWeights(consFine)
	}
	log.Printf("polynomial transfer reinit: rank %d, %d schemes over %d cells",
		myRank, len(t.Schemes), len(coarse.Tria.LocallyOwnedActiveCells(myRank)))
	return t, nil
}

func choosePolynomialView(fine, coarse *dofs.DoFHandler, comm *utils.Comm, myRank int) (FineView, error) {
	same := 1
	for i, o := range coarse.Tria.CellOwner {
		if fine.Tria.CellOwner[i] != o {
			same = 0
			break
		}
	}
	differ := comm.AllReduceMaxInt(myRank, []int{1 - same})
	if differ[0] == 0 {
		return NewIdentityView(fine, myRank), nil
	}
	return NewPermutationView(coarse, fine, comm, myRank)
}

// finalizePartitioners builds the two index partitions from the collected
// global indices and rewrites the tables to local numbering. Collective.
func (t *TwoLevelTransfer) finalizePartitioners(pendingCoarse, pendingFine pendingConstraints) {
	t.PartitionerCoarse = dvector.NewPartitioner(t.Comm, t.MyRank, t.coarseHandler.NDoFs(),
		t.coarseHandler.LocallyOwnedDoFs(t.MyRank),
		utils.Index(t.coarseTable.referencedGlobals(pendingCoarse)))
	t.PartitionerFine = dvector.NewPartitioner(t.Comm, t.MyRank, t.fineHandler.NDoFs(),
		t.fineHandler.LocallyOwnedDoFs(t.MyRank),
		utils.Index(t.fineTable.referencedGlobals(pendingFine)))
	t.coarseTable.finalize(t.PartitionerCoarse, pendingCoarse)
	t.fineTable.finalize(t.PartitionerFine, pendingFine)
	t.vecCoarse = dvector.NewVector(t.PartitionerCoarse)
	t.vecFine = dvector.NewVector(t.PartitionerFine)
}

func intPow(b, e int) (p int) {
	p = 1
	for i := 0; i < e; i++ {
		p *= b
	}
	return
}
