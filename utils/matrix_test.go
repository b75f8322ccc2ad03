package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatrixOps(t *testing.T) {
	{
		A := NewMatrix(2, 2, []float64{2, 0, 0, 4})
		Ainv := A.InverseWithCheck()
		assert.True(t, near(Ainv.At(0, 0), 0.5))
		assert.True(t, near(Ainv.At(1, 1), 0.25))

		B := A.Mul(Ainv)
		assert.True(t, nearVec(B.DataP, []float64{1, 0, 0, 1}, 1.e-10))
	}
	{
		A := NewMatrix(2, 3, []float64{1, 2, 3, 4, 5, 6})
		At := A.Transpose()
		nr, nc := At.Dims()
		assert.Equal(t, 3, nr)
		assert.Equal(t, 2, nc)
		assert.True(t, near(At.At(2, 1), 6))
	}
	{
		v := NewVector(3, []float64{1, 2, 2})
		assert.True(t, near(v.Norm(), 3))
		assert.True(t, near(v.Dot(v), 9))
	}
}

func TestIndexSet(t *testing.T) {
	{
		is := NewIndexSet(100)
		is.AddRange(10, 20)
		is.AddRange(40, 45)
		is.AddIndex(19) // duplicate inside existing range
		is.Compress()
		assert.Equal(t, 15, is.Count())
		assert.True(t, is.IsElement(10))
		assert.True(t, is.IsElement(44))
		assert.False(t, is.IsElement(45))
		assert.Equal(t, 0, is.PositionOf(10))
		assert.Equal(t, 10, is.PositionOf(40))
		assert.Equal(t, -1, is.PositionOf(30))
		assert.Equal(t, 41, is.NthIndex(11))
	}
	{
		// unsorted insertion ends up sorted and disjoint
		is := NewIndexSet(50)
		is.AddIndices([]int{5, 3, 4, 9})
		is.Compress()
		assert.Equal(t, []int{3, 4, 5, 9}, []int(is.Elements()))
	}
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
