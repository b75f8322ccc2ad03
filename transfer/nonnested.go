package transfer

import (
	"fmt"
	"log"
	"sort"

	"github.com/mgtools/mgtransfer/dofs"
	"github.com/mgtools/mgtransfer/dvector"
	"github.com/mgtools/mgtransfer/utils"
)

// NonNestedTransfer moves vectors between two handlers whose meshes have
// no refinement relationship. Fine support points are located inside
// coarse cells during construction; prolongation evaluates the coarse
// field at those points and restriction is the adjoint scatter. Both
// operations average over points claimed by more than one coarse cell.
type NonNestedTransfer struct {
	Comm        *utils.Comm
	MyRank      int
	Dim         int
	NComponents int

	PartitionerCoarse *dvector.Partitioner
	PartitionerFine   *dvector.Partitioner
	vecCoarse         *dvector.Vector
	vecFine           *dvector.Vector

	rpe       *RemotePointEvaluation
	pointDoFs [][][]int // [point][component] -> fine local indices sharing it
	mult      []float64 // reciprocal claim multiplicity per point

	fineHandler   *dofs.DoFHandler
	coarseHandler *dofs.DoFHandler

	stageHooks []func(stage string)
}

// ConnectStage registers fn to run at the named stages of every
// operation.
func (t *NonNestedTransfer) ConnectStage(fn func(stage string)) {
	t.stageHooks = append(t.stageHooks, fn)
}

func (t *NonNestedTransfer) notify(stage string) {
	for _, fn := range t.stageHooks {
		fn(stage)
	}
}

// ReinitNonNestedTransfer builds the operator: collects this rank's owned
// unconstrained fine support points (deduplicated to one physical point
// across components, duplicate DoFs and neighboring cells), locates them
// in the coarse mesh and assembles the point-evaluation operator. With
// enforceAllPointsFound set, any unlocated point fails the construction
// identically on every rank. Collective.
func ReinitNonNestedTransfer(fine, coarse *dofs.DoFHandler, consFine *dofs.Constraints,
	comm *utils.Comm, myRank int, enforceAllPointsFound bool) (*NonNestedTransfer, error) {
	if fine.NComponents != coarse.NComponents {
		return nil, fmt.Errorf("component counts differ: %d fine, %d coarse", fine.NComponents, coarse.NComponents)
	}

	t := &NonNestedTransfer{
		Comm:          comm,
		MyRank:        myRank,
		Dim:           fine.Tria.Dim,
		NComponents:   fine.NComponents,
		fineHandler:   fine,
		coarseHandler: coarse,
	}

	// Fine side first: owned DoFs only, no ghosts.
	t.PartitionerFine = dvector.NewPartitioner(comm, myRank, fine.NDoFs(),
		fine.LocallyOwnedDoFs(myRank), nil)

	points := t.collectSupportPoints(consFine)

	rpe, err := NewRemotePointEvaluation(points, coarse, comm, myRank, enforceAllPointsFound)
	if err != nil {
		return nil, err
	}
	t.rpe = rpe
	t.mult = make([]float64, len(points))
	for pt := range points {
		if m := rpe.Multiplicity(pt); m > 0 {
			t.mult[pt] = 1 / float64(m)
		}
	}

	t.PartitionerCoarse = dvector.NewPartitioner(comm, myRank, coarse.NDoFs(),
		coarse.LocallyOwnedDoFs(myRank), utils.Index(rpe.RequiredDoFs()))
	rpe.BuildBasis(t.PartitionerCoarse, t.NComponents)

	t.vecCoarse = dvector.NewVector(t.PartitionerCoarse)
	t.vecFine = dvector.NewVector(t.PartitionerFine)
	log.Printf("non-nested transfer reinit: rank %d, %d support points, all found: %v",
		myRank, len(points), rpe.AllFound)
	return t, nil
}

// collectSupportPoints walks the locally owned fine cells and gathers the
// physical support points of owned, unconstrained DoFs, deduplicated by
// quantized coordinates. The returned list is sorted by key so the point
// order is independent of cell iteration details.
func (t *NonNestedTransfer) collectSupportPoints(consFine *dofs.Constraints) (points [][]float64) {
	type entry struct {
		coords  []float64
		perComp [][]int
	}
	var (
		fine  = t.fineHandler
		byKey = make(map[string]*entry)
		keys  []string
	)
	for _, id := range fine.Tria.LocallyOwnedActiveCells(t.MyRank) {
		var (
			fe  = fine.FE(id)
			nps = fe.NpScalar()
			I   = fine.CellDoFIndices(id)
			pts = fine.CellSupportPoints(id)
		)
		for s := 0; s < nps; s++ {
			key := pointKey(pts[s])
			for comp := 0; comp < t.NComponents; comp++ {
				g := I[comp*nps+s]
				if fine.OwnerOfDoF(g) != t.MyRank {
					continue
				}
				if consFine != nil && consFine.IsConstrained(g) {
					continue
				}
				e := byKey[key]
				if e == nil {
					e = &entry{coords: pts[s], perComp: make([][]int, t.NComponents)}
					byKey[key] = e
					keys = append(keys, key)
				}
				loc := t.PartitionerFine.GlobalToLocal(g)
				if !containsInt(e.perComp[comp], loc) {
					e.perComp[comp] = append(e.perComp[comp], loc)
				}
			}
		}
	}
	sort.Strings(keys)
	t.pointDoFs = make([][][]int, len(keys))
	points = make([][]float64, len(keys))
	for pt, key := range keys {
		points[pt] = byKey[key].coords
		t.pointDoFs[pt] = byKey[key].perComp
	}
	return
}

func pointKey(p []float64) string {
	q := make([]int64, len(p))
	for a, x := range p {
		q[a] = int64(x/pointTol + 0.5)
	}
	return fmt.Sprint(q)
}

func containsInt(s []int, x int) bool {
	for _, v := range s {
		if v == x {
			return true
		}
	}
	return false
}

// ProlongateAndAdd evaluates the coarse field src at every fine support
// point, averages over multiply-claimed points and adds the values into
// the fine DoFs sharing each point. Collective.
func (t *NonNestedTransfer) ProlongateAndAdd(dst, src *dvector.Vector) {
	t.notify("prolongate:exchange")
	work, restore := acquire(src, t.vecCoarse, t.PartitionerCoarse, "coarse")
	defer restore()

	out := dst
	stagedOut := false
	if !dst.P.Compatible(t.PartitionerFine) {
		t.vecFine.Zero()
		out = t.vecFine
		stagedOut = true
	}

	t.notify("prolongate:points")
	sums := t.rpe.EvaluateForward(work.Data)
	for pt, perComp := range t.pointDoFs {
		for comp, locals := range perComp {
			v := sums[pt][comp] * t.mult[pt]
			for _, loc := range locals {
				out.Data[loc] += v
			}
		}
	}
	if stagedOut {
		out.AddOwnedInto(dst)
	}
}

// RestrictAndAdd is the adjoint of ProlongateAndAdd: fine values are
// gathered per point, averaged identically, scattered as point sources
// onto the claiming coarse cells and tested against the coarse basis.
// Collective.
func (t *NonNestedTransfer) RestrictAndAdd(dst, src *dvector.Vector) {
	t.notify("restrict:exchange")
	work, restore := acquire(src, t.vecFine, t.PartitionerFine, "fine")
	defer restore()

	out := dst
	stagedOut := false
	if !dst.P.Compatible(t.PartitionerCoarse) {
		t.vecCoarse.Zero()
		out = t.vecCoarse
		stagedOut = true
	} else {
		out.ZeroGhosts()
	}

	t.notify("restrict:points")
	pointVals := make([][]float64, len(t.pointDoFs))
	for pt, perComp := range t.pointDoFs {
		pointVals[pt] = make([]float64, t.NComponents)
		for comp, locals := range perComp {
			var sum float64
			for _, loc := range locals {
				sum += work.Data[loc]
			}
			pointVals[pt][comp] = sum * t.mult[pt]
		}
	}
	t.rpe.EvaluateAdjoint(pointVals, out.Data)

	t.notify("restrict:compress")
	out.CompressAdd()
	if stagedOut {
		out.AddOwnedInto(dst)
	}
}

// Interpolate is not implemented for non-nested meshes: the source
// semantics of direct injection across unrelated meshes are undefined.
func (t *NonNestedTransfer) Interpolate(dst, src *dvector.Vector) {
	panic(fmt.Errorf("interpolate is not implemented for non-nested transfer"))
}

// MemoryUsage estimates the bytes held by the operator on this rank.
func (t *NonNestedTransfer) MemoryUsage() (bytes int) {
	for _, perComp := range t.pointDoFs {
		for _, locals := range perComp {
			bytes += 8 * len(locals)
		}
	}
	bytes += 8 * len(t.mult)
	if t.rpe.basis != nil {
		bytes += 16 * t.rpe.basis.NNZ()
	}
	if t.vecCoarse != nil {
		bytes += 8 * len(t.vecCoarse.Data)
	}
	if t.vecFine != nil {
		bytes += 8 * len(t.vecFine.Data)
	}
	return
}
