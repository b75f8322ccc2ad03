package transfer

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mgtools/mgtransfer/dofs"
	"github.com/mgtools/mgtransfer/dvector"
	"github.com/mgtools/mgtransfer/element"
	"github.com/mgtools/mgtransfer/mesh"
	"github.com/mgtools/mgtransfer/utils"
)

// setSupportField writes f evaluated at each owned DoF's support point,
// identically into every component.
func setSupportField(dh *dofs.DoFHandler, myRank int, v *dvector.Vector, f func([]float64) float64) {
	for _, id := range dh.Tria.LocallyOwnedActiveCells(myRank) {
		var (
			pts = dh.CellSupportPoints(id)
			I   = dh.CellDoFIndices(id)
			nps = len(pts)
		)
		for comp := 0; comp < dh.NComponents; comp++ {
			for s, p := range pts {
				loc := v.P.GlobalToLocal(I[comp*nps+s])
				if loc >= 0 && loc < v.P.NOwned() {
					v.Data[loc] = f(p)
				}
			}
		}
	}
}

// maxFieldError is the largest deviation of owned DoF values from f at
// their support points.
func maxFieldError(dh *dofs.DoFHandler, myRank int, v *dvector.Vector, f func([]float64) float64) (e float64) {
	for _, id := range dh.Tria.LocallyOwnedActiveCells(myRank) {
		var (
			pts = dh.CellSupportPoints(id)
			I   = dh.CellDoFIndices(id)
			nps = len(pts)
		)
		for comp := 0; comp < dh.NComponents; comp++ {
			for s, p := range pts {
				loc := v.P.GlobalToLocal(I[comp*nps+s])
				if loc >= 0 && loc < v.P.NOwned() {
					if d := math.Abs(v.Data[loc] - f(p)); d > e {
						e = d
					}
				}
			}
		}
	}
	return
}

func TestGeometricProlongation1DLinear(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		var (
			coarseTria = mesh.NewIntervalMesh(2, 0, 1)
			fineTria   = coarseTria.RefineAll()
			fe         = element.NewLagrange(1, 1)
			coarse     = dofs.NewDoFHandler(coarseTria, fe)
			fine       = dofs.NewDoFHandler(fineTria, fe)
			none       = dofs.NewConstraints()
		)
		tr, err := ReinitGeometricTransfer(fine, coarse, none, none, c, myRank)
		assert.Nil(t, err)
		assert.Equal(t, 2, len(tr.Schemes))
		assert.True(t, tr.Schemes[0].Identity)
		assert.Equal(t, 0, tr.Schemes[0].NCoarseCells)
		assert.Equal(t, 2, tr.Schemes[1].NCoarseCells)

		lin := func(p []float64) float64 { return 2*p[0] + 1 }
		u := dvector.NewVector(tr.PartitionerCoarse)
		setSupportField(coarse, myRank, u, lin)
		assert.True(t, nearVec(u.Data[:3], []float64{1, 2, 3}, 1.e-12))

		v := dvector.NewVector(tr.PartitionerFine)
		tr.ProlongateAndAdd(v, u)
		assert.True(t, nearVec(v.Data[:5], []float64{1, 1.5, 2, 2.5, 3}, 1.e-12))

		// interpolating the prolongation recovers the coarse values
		w := dvector.NewVector(tr.PartitionerCoarse)
		tr.Interpolate(w, v)
		assert.True(t, nearVec(w.Data[:3], u.Data[:3], 1.e-12))

		assert.True(t, tr.MemoryUsage() > 0)
	})
}

func TestGeometricConstantTwoRanks2D(t *testing.T) {
	var mu sync.Mutex
	utils.RunRanks(2, func(myRank int, c *utils.Comm) {
		var (
			coarseTria = mesh.NewBoxMesh(2, []int{1, 1}, []float64{0, 0}, []float64{1, 1})
			fineTria   = coarseTria.RefineAll()
			fe         = element.NewLagrange(2, 1)
			none       = dofs.NewConstraints()
		)
		// split the four children over the ranks so the builder must use
		// the exchange-based fine view
		fineTria.DistributeBlocks(2)
		coarse := dofs.NewDoFHandler(coarseTria, fe)
		fine := dofs.NewDoFHandler(fineTria, fe)
		tr, err := ReinitGeometricTransfer(fine, coarse, none, none, c, myRank)
		mu.Lock()
		assert.Nil(t, err)
		mu.Unlock()

		one := func([]float64) float64 { return 1 }
		u := dvector.NewVector(tr.PartitionerCoarse)
		setSupportField(coarse, myRank, u, one)
		v := dvector.NewVector(tr.PartitionerFine)
		tr.ProlongateAndAdd(v, u)
		e := maxFieldError(fine, myRank, v, one)
		n2 := v.Norm2Sq()
		mu.Lock()
		assert.True(t, e < 1.e-12)
		assert.True(t, near(n2, 9)) // 3x3 fine nodes, all one
		mu.Unlock()
	})
}

func TestGeometricAdjointness(t *testing.T) {
	var mu sync.Mutex
	utils.RunRanks(2, func(myRank int, c *utils.Comm) {
		var (
			coarseTria = mesh.NewIntervalMesh(2, 0, 1)
			fineTria   = coarseTria.RefineAll()
			fe         = element.NewLagrange(1, 2)
			cons       = dofs.NewConstraints()
			none       = dofs.NewConstraints()
		)
		coarseTria.DistributeByCoarseAncestor([]int{0, 1})
		fineTria.DistributeByCoarseAncestor([]int{0, 1})
		coarse := dofs.NewDoFHandler(coarseTria, fe)
		fine := dofs.NewDoFHandler(fineTria, fe)
		// exercise the constraint path: tie the last fine DoF to the first
		cons.Add(fine.NDoFs()-1, []dofs.ConstraintEntry{{Index: 0, Coeff: 1}})
		tr, err := ReinitGeometricTransfer(fine, coarse, cons, none, c, myRank)
		mu.Lock()
		assert.Nil(t, err)
		mu.Unlock()

		u := dvector.NewVector(tr.PartitionerCoarse)
		v := dvector.NewVector(tr.PartitionerFine)
		setSupportField(coarse, myRank, u, func(p []float64) float64 {
			return math.Sin(3*p[0]) + 0.5
		})
		setSupportField(fine, myRank, v, func(p []float64) float64 {
			return math.Cos(5*p[0]) - 0.25
		})

		Pu := dvector.NewVector(tr.PartitionerFine)
		tr.ProlongateAndAdd(Pu, u)
		Rv := dvector.NewVector(tr.PartitionerCoarse)
		tr.RestrictAndAdd(Rv, v)
		d1 := Pu.Dot(v)
		d2 := u.Dot(Rv)
		mu.Lock()
		assert.True(t, near(d1, d2, 1.e-12))
		mu.Unlock()
	})
}

func TestGeometricDensePathHighDegree(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		var (
			coarseTria = mesh.NewIntervalMesh(1, 0, 1)
			fineTria   = coarseTria.RefineAll()
			fe         = element.NewLagrange(1, 5)
			none       = dofs.NewConstraints()
		)
		coarse := dofs.NewDoFHandler(coarseTria, fe)
		fine := dofs.NewDoFHandler(fineTria, fe)
		tr, err := ReinitGeometricTransfer(fine, coarse, none, none, c, myRank)
		assert.Nil(t, err)
		// degree 5 is beyond the fast dispatch table
		assert.False(t, tr.Schemes[1].useFastPath())
		assert.False(t, tr.Schemes[1].ProlongationDense.IsEmpty())

		lin := func(p []float64) float64 { return 3*p[0] - 1 }
		u := dvector.NewVector(tr.PartitionerCoarse)
		setSupportField(coarse, myRank, u, lin)
		v := dvector.NewVector(tr.PartitionerFine)
		tr.ProlongateAndAdd(v, u)
		assert.True(t, maxFieldError(fine, myRank, v, lin) < 1.e-10)
	})
}

func TestGeometricVectorValued(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		var (
			coarseTria = mesh.NewIntervalMesh(2, 0, 1)
			fineTria   = coarseTria.RefineAll()
			fe         = element.NewLagrange(1, 1).WithComponents(2)
			none       = dofs.NewConstraints()
		)
		coarse := dofs.NewDoFHandler(coarseTria, fe)
		fine := dofs.NewDoFHandler(fineTria, fe)
		tr, err := ReinitGeometricTransfer(fine, coarse, none, none, c, myRank)
		assert.Nil(t, err)

		lin := func(p []float64) float64 { return p[0] }
		u := dvector.NewVector(tr.PartitionerCoarse)
		setSupportField(coarse, myRank, u, lin)
		v := dvector.NewVector(tr.PartitionerFine)
		tr.ProlongateAndAdd(v, u)
		assert.True(t, maxFieldError(fine, myRank, v, lin) < 1.e-12)
		// both component blocks carry the same field
		assert.True(t, nearVec(v.Data[:5], v.Data[5:10], 1.e-12))
	})
}

func TestGeometricErrors(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		var (
			coarseTria = mesh.NewIntervalMesh(2, 0, 1)
			fineTria   = coarseTria.RefineAll()
			none       = dofs.NewConstraints()
		)
		{
			coarse := dofs.NewDoFHandler(coarseTria, element.NewLagrange(1, 1))
			fine := dofs.NewDoFHandler(fineTria, element.NewLagrange(1, 2))
			_, err := ReinitGeometricTransfer(fine, coarse, none, none, c, myRank)
			assert.NotNil(t, err)
		}
		{
			coarse := dofs.NewDoFHandler(coarseTria, element.NewLagrangeDG(1, 1))
			fine := dofs.NewDoFHandler(fineTria, element.NewLagrange(1, 1))
			_, err := ReinitGeometricTransfer(fine, coarse, none, none, c, myRank)
			assert.NotNil(t, err)
		}
		{
			// polynomial transfer rejects differing cell sets
			fe := element.NewLagrangeDG(1, 1)
			coarse := dofs.NewDoFHandler(coarseTria, fe)
			fine := dofs.NewDoFHandler(fineTria, fe)
			_, err := ReinitPolynomialTransfer(fine, coarse, none, none, c, myRank)
			assert.NotNil(t, err)
		}
		{
			// fine mesh refined two levels past the coarse one: the coarse
			// cells' children are refined again, so no active fine
			// counterpart exists and construction reports it as an error
			fe := element.NewLagrangeDG(1, 1)
			coarse := dofs.NewDoFHandler(coarseTria, fe)
			fine := dofs.NewDoFHandler(fineTria.RefineAll(), fe)
			_, err := ReinitGeometricTransfer(fine, coarse, none, none, c, myRank)
			assert.NotNil(t, err)
			assert.Contains(t, err.Error(), "without a fine counterpart")
		}
	})
}

func TestGeometricIdentitySameMesh(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		var (
			tria   = mesh.NewIntervalMesh(3, 0, 1)
			fe     = element.NewLagrange(1, 2)
			coarse = dofs.NewDoFHandler(tria, fe)
			fine   = dofs.NewDoFHandler(tria, fe)
			none   = dofs.NewConstraints()
		)
		tr, err := ReinitGeometricTransfer(fine, coarse, none, none, c, myRank)
		assert.Nil(t, err)
		assert.Equal(t, 3, tr.Schemes[0].NCoarseCells)
		assert.Equal(t, 0, tr.Schemes[1].NCoarseCells)

		f := func(p []float64) float64 { return math.Cos(3*p[0]) + p[0] }
		u := dvector.NewVector(tr.PartitionerCoarse)
		setSupportField(coarse, myRank, u, f)
		n := u.P.NOwned()

		// every cell takes the identity scheme, so all three operations
		// reproduce their input exactly
		v := dvector.NewVector(tr.PartitionerFine)
		tr.ProlongateAndAdd(v, u)
		assert.True(t, nearVec(v.Data[:n], u.Data[:n], 1.e-14))

		r := dvector.NewVector(tr.PartitionerCoarse)
		tr.RestrictAndAdd(r, v)
		assert.True(t, nearVec(r.Data[:n], u.Data[:n], 1.e-14))

		w := dvector.NewVector(tr.PartitionerCoarse)
		tr.Interpolate(w, v)
		assert.True(t, nearVec(w.Data[:n], u.Data[:n], 1.e-14))
	})
}

func TestPolynomialProlongationExactness(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		var (
			tria   = mesh.NewIntervalMesh(2, 0, 1)
			coarse = dofs.NewDoFHandler(tria, element.NewLagrange(1, 1))
			fine   = dofs.NewDoFHandler(tria, element.NewLagrange(1, 2))
			none   = dofs.NewConstraints()
		)
		tr, err := Reinit(fine, coarse, none, none, c, myRank)
		assert.Nil(t, err)

		lin := func(p []float64) float64 { return 2*p[0] + 1 }
		u := dvector.NewVector(tr.PartitionerCoarse)
		setSupportField(coarse, myRank, u, lin)
		v := dvector.NewVector(tr.PartitionerFine)
		tr.ProlongateAndAdd(v, u)
		assert.True(t, nearVec(v.Data[:5], []float64{1, 1.5, 2, 2.5, 3}, 1.e-10))

		// the restriction transposes the prolongation
		w := dvector.NewVector(tr.PartitionerFine)
		setSupportField(fine, myRank, w, func(p []float64) float64 { return p[0] * p[0] })
		Rw := dvector.NewVector(tr.PartitionerCoarse)
		tr.RestrictAndAdd(Rw, w)
		assert.True(t, near(v.Dot(w), u.Dot(Rw), 1.e-12))
	})
}

func TestPolynomialHPDiscontinuous(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		var (
			tria   = mesh.NewIntervalMesh(2, 0, 1)
			coarse = dofs.NewDoFHandler(tria, element.NewLagrangeDG(1, 1))
			fes    = []*element.Lagrange{element.NewLagrangeDG(1, 1), element.NewLagrangeDG(1, 2)}
			fine   = dofs.NewDoFHandlerHP(tria, fes, []int{0, 1})
			none   = dofs.NewConstraints()
		)
		tr, err := ReinitPolynomialTransfer(fine, coarse, none, none, c, myRank)
		assert.Nil(t, err)
		// one scheme per (coarse element, fine element) pairing
		assert.Equal(t, 2, len(tr.Schemes))
		assert.True(t, tr.Schemes[0].Identity)
		assert.Equal(t, 1, tr.Schemes[0].NCoarseCells)
		assert.Equal(t, 1, tr.Schemes[1].NCoarseCells)

		one := func([]float64) float64 { return 1 }
		u := dvector.NewVector(tr.PartitionerCoarse)
		setSupportField(coarse, myRank, u, one)
		v := dvector.NewVector(tr.PartitionerFine)
		tr.ProlongateAndAdd(v, u)
		assert.True(t, maxFieldError(fine, myRank, v, one) < 1.e-10)
	})
}

func TestInplaceEnable(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		var (
			coarseTria = mesh.NewIntervalMesh(2, 0, 1)
			fineTria   = coarseTria.RefineAll()
			fe         = element.NewLagrange(1, 1)
			none       = dofs.NewConstraints()
		)
		coarse := dofs.NewDoFHandler(coarseTria, fe)
		fine := dofs.NewDoFHandler(fineTria, fe)
		tr, err := ReinitGeometricTransfer(fine, coarse, none, none, c, myRank)
		assert.Nil(t, err)

		u := dvector.NewVector(tr.PartitionerCoarse)
		setSupportField(coarse, myRank, u, func(p []float64) float64 { return p[0] + 2 })
		before := dvector.NewVector(tr.PartitionerFine)
		tr.ProlongateAndAdd(before, u)

		ci, fi := tr.EnableInplaceOperationsIfPossible(tr.PartitionerCoarse, tr.PartitionerFine)
		assert.True(t, ci)
		assert.True(t, fi)

		after := dvector.NewVector(tr.PartitionerFine)
		tr.ProlongateAndAdd(after, u)
		assert.True(t, nearVec(before.Data, after.Data, 1.e-14))
	})
}

func TestStageNotifications(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		var (
			coarseTria = mesh.NewIntervalMesh(2, 0, 1)
			fineTria   = coarseTria.RefineAll()
			fe         = element.NewLagrange(1, 1)
			none       = dofs.NewConstraints()
		)
		coarse := dofs.NewDoFHandler(coarseTria, fe)
		fine := dofs.NewDoFHandler(fineTria, fe)
		tr, err := ReinitGeometricTransfer(fine, coarse, none, none, c, myRank)
		assert.Nil(t, err)

		var stages []string
		tr.ConnectStage(func(s string) { stages = append(stages, s) })
		u := dvector.NewVector(tr.PartitionerCoarse)
		v := dvector.NewVector(tr.PartitionerFine)
		tr.ProlongateAndAdd(v, u)
		assert.Equal(t, []string{"prolongate:exchange", "prolongate:cells", "prolongate:compress"}, stages)
	})
}

func TestViewCompletenessError(t *testing.T) {
	var mu sync.Mutex
	utils.RunRanks(2, func(myRank int, c *utils.Comm) {
		var (
			base       = mesh.NewIntervalMesh(2, 0, 1)
			fineTria   = base.RefineCells([]mesh.CellID{base.ActiveCells[0]})
			coarseTria = base.RefineCells([]mesh.CellID{base.ActiveCells[1]})
			fe         = element.NewLagrangeDG(1, 1)
		)
		fineTria.DistributeBlocks(2)
		coarseTria.DistributeBlocks(2)
		var (
			coarse = dofs.NewDoFHandler(coarseTria, fe)
			fine   = dofs.NewDoFHandler(fineTria, fe)
		)
		// coarse holds children of cell 1, which the fine mesh never
		// refined: construction must fail identically on every rank
		_, err := NewGlobalCoarseningView(coarse, fine, c, myRank)
		mu.Lock()
		assert.NotNil(t, err)
		assert.Contains(t, err.Error(), "without a fine counterpart")
		mu.Unlock()
	})
}

func TestSchemeFastAndDenseAgree(t *testing.T) {
	var (
		fe   = element.NewLagrange(1, 2)
		fast = &TransferScheme{
			NDoFsPerCellCoarse: 9,
			NDoFsPerCellFine:   25,
			DegreeCoarse:       2,
			DegreeFine:         4,
			Prolongation1D:     fe.GeometricProlongation1D(),
			Restriction1D:      fe.GeometricRestriction1D(),
		}
		slow = &TransferScheme{
			NDoFsPerCellCoarse: 9,
			NDoFsPerCellFine:   25,
			DegreeCoarse:       MaxFastDegree + 1, // force the dense kernel
			DegreeFine:         4,
			Prolongation1D:     fe.GeometricProlongation1D(),
			Restriction1D:      fe.GeometricRestriction1D(),
		}
	)
	fast.finalize(2, 1)
	slow.finalize(2, 1)
	assert.True(t, fast.useFastPath())
	assert.False(t, slow.useFastPath())

	in := make([]float64, 9)
	for i := range in {
		in[i] = float64(i*i)/7 - 1
	}
	{
		a := fast.ProlongateCell(2, 1, append([]float64{}, in...))
		b := slow.ProlongateCell(2, 1, append([]float64{}, in...))
		assert.True(t, nearVec(a, b, 1.e-12))
	}
	{
		inF := make([]float64, 25)
		for i := range inF {
			inF[i] = math.Sin(float64(i))
		}
		a := fast.ProlongateTransposeCell(2, 1, append([]float64{}, inF...))
		b := slow.ProlongateTransposeCell(2, 1, append([]float64{}, inF...))
		assert.True(t, nearVec(a, b, 1.e-12))
		ra := fast.RestrictCell(2, 1, append([]float64{}, inF...))
		rb := slow.RestrictCell(2, 1, append([]float64{}, inF...))
		assert.True(t, nearVec(ra, rb, 1.e-12))
	}
}

func TestWeightCompression(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		var (
			coarseTria = mesh.NewBoxMesh(2, []int{2, 2}, []float64{0, 0}, []float64{1, 1})
			fineTria   = coarseTria.RefineAll()
			fe         = element.NewLagrange(2, 1)
			none       = dofs.NewConstraints()
		)
		coarse := dofs.NewDoFHandler(coarseTria, fe)
		fine := dofs.NewDoFHandler(fineTria, fe)
		tr, err := ReinitGeometricTransfer(fine, coarse, none, none, c, myRank)
		assert.Nil(t, err)
		// tensor meshes admit the per-entity form on every cell
		assert.NotNil(t, tr.weightsCompressed)
		assert.Nil(t, tr.weights)

		one := func([]float64) float64 { return 1 }
		u := dvector.NewVector(tr.PartitionerCoarse)
		setSupportField(coarse, myRank, u, one)
		v := dvector.NewVector(tr.PartitionerFine)
		tr.ProlongateAndAdd(v, u)
		assert.True(t, maxFieldError(fine, myRank, v, one) < 1.e-12)
	})
}

func nearVec(a, b []float64, tol float64) (l bool) {
	for i, val := range a {
		if !near(b[i], val, tol) {
			return false
		}
	}
	return true
}

func near(a, b float64, tolI ...float64) (l bool) {
	var (
		tol float64
	)
	if len(tolI) == 0 {
		tol = 1.e-08 * math.Max(1, math.Abs(a))
	} else {
		tol = tolI[0]
	}
	if math.Abs(a-b) <= tol {
		l = true
	}
	return
}
