package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mgtools/mgtransfer/dofs"
	"github.com/mgtools/mgtransfer/dvector"
	"github.com/mgtools/mgtransfer/element"
	"github.com/mgtools/mgtransfer/mesh"
	"github.com/mgtools/mgtransfer/utils"
)

func buildThreeLevelStack(c *utils.Comm, myRank int) (h *Hierarchy, handlers []*dofs.DoFHandler) {
	var (
		fe    = element.NewLagrange(1, 1)
		none  = dofs.NewConstraints()
		trias = []*mesh.Triangulation{mesh.NewIntervalMesh(1, 0, 1)}
	)
	for l := 1; l < 3; l++ {
		trias = append(trias, trias[l-1].RefineAll())
	}
	for _, tria := range trias {
		handlers = append(handlers, dofs.NewDoFHandler(tria, fe))
	}
	var ts []*TwoLevelTransfer
	for l := 1; l < 3; l++ {
		tr, err := ReinitGeometricTransfer(handlers[l], handlers[l-1], none, none, c, myRank)
		if err != nil {
			panic(err)
		}
		ts = append(ts, tr)
	}
	h = NewHierarchyFromTwoLevel(0, ts)
	return
}

func TestHierarchyLevels(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		h, _ := buildThreeLevelStack(c, myRank)
		assert.Equal(t, 0, h.MinLevel)
		assert.Equal(t, 2, h.MaxLevel())
		assert.Equal(t, 2, h.LevelVector(0).NOwned()) // 1 cell, p=1
		assert.Equal(t, 3, h.LevelVector(1).NOwned())
		assert.Equal(t, 5, h.LevelVector(2).NOwned())
		assert.True(t, h.MemoryUsage() > 0)
		assert.Panics(t, func() { h.LevelVector(3) })
		assert.Panics(t, func() { h.RestrictAndAdd(0, nil, nil) })
	})
}

func TestHierarchyProlongateChain(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		h, handlers := buildThreeLevelStack(c, myRank)
		lin := func(p []float64) float64 { return 1 - p[0] }
		u0 := h.LevelVector(0)
		setSupportField(handlers[0], myRank, u0, lin)
		u1 := h.LevelVector(1)
		h.Prolongate(1, u1, u0)
		u2 := h.LevelVector(2)
		h.Prolongate(2, u2, u1)
		assert.True(t, maxFieldError(handlers[2], myRank, u2, lin) < 1.e-12)

		// restriction accumulates: nonzero dst is kept
		r1 := h.LevelVector(1)
		r1.Data[0] = 10
		h.RestrictAndAdd(2, r1, u2)
		assert.True(t, r1.Data[0] > 10)
	})
}

func TestHierarchyInterpolateToLevels(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		h, handlers := buildThreeLevelStack(c, myRank)
		lin := func(p []float64) float64 { return 3*p[0] + 2 }
		fine := h.LevelVector(2)
		setSupportField(handlers[2], myRank, fine, lin)
		levels := h.InterpolateToLevels(fine)
		assert.Equal(t, 3, len(levels))
		for l, v := range levels {
			assert.True(t, maxFieldError(handlers[l], myRank, v, lin) < 1.e-12)
		}
	})
}

func TestHierarchyWithNonNestedLevel(t *testing.T) {
	utils.RunRanks(1, func(myRank int, c *utils.Comm) {
		var (
			fe    = element.NewLagrange(1, 1)
			none  = dofs.NewConstraints()
			triaC = mesh.NewIntervalMesh(2, 0, 1)
			triaF = mesh.NewIntervalMesh(3, 0, 1)
		)
		coarse := dofs.NewDoFHandler(triaC, fe)
		fine := dofs.NewDoFHandler(triaF, fe)
		tr, err := ReinitNonNestedTransfer(fine, coarse, none, c, myRank, true)
		assert.Nil(t, err)
		h := NewHierarchy(3, []Transfer{tr},
			[]*dvector.Partitioner{tr.PartitionerCoarse, tr.PartitionerFine})
		assert.Equal(t, 4, h.MaxLevel())

		lin := func(p []float64) float64 { return p[0] }
		u := h.LevelVector(3)
		setSupportField(coarse, myRank, u, lin)
		v := h.LevelVector(4)
		h.Prolongate(4, v, u)
		assert.True(t, maxFieldError(fine, myRank, v, lin) < 1.e-10)
	})
}
