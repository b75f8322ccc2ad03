package element

import (
	"fmt"

	"github.com/mgtools/mgtransfer/utils"
)

// NChildDoFs1D is the number of distinct 1-D node positions covered by the
// two children of a refined interval: continuous children share the
// midpoint node.
func (el *Lagrange) NChildDoFs1D() int {
	if el.Continuous {
		return 2*el.P + 1
	}
	return 2 * (el.P + 1)
}

// childUnionNodes returns the coarse-cell coordinates (on [0,1]) of the 1-D
// fine node union, child 0 first.
func (el *Lagrange) childUnionNodes() (x []float64) {
	var (
		nodes = el.Nodes01()
		skip  = 0
	)
	for _, t := range nodes {
		x = append(x, 0.5*t)
	}
	if el.Continuous {
		skip = 1 // midpoint already present as child 0's last node
	}
	for _, t := range nodes[skip:] {
		x = append(x, 0.5*(t+1))
	}
	return
}

// GeometricProlongation1D is the (NChildDoFs1D x Np1D) interpolation from a
// coarse interval onto the union of its two children's nodes.
func (el *Lagrange) GeometricProlongation1D() (P utils.Matrix) {
	P = el.InterpMatrix1D(el.childUnionNodes())
	return
}

// GeometricRestriction1D is the (Np1D x NChildDoFs1D) injection matrix:
// each coarse node takes the value of the child function at its location.
// A coarse node sitting on the shared midpoint could be claimed by either
// child; child 0 claims it and the child-1 contribution stays zero, so
// values are never double counted.
func (el *Lagrange) GeometricRestriction1D() (R utils.Matrix) {
	var (
		n1    = el.Np1D()
		nc    = el.NChildDoFs1D()
		nodes = el.Nodes01()
	)
	R = utils.NewMatrix(n1, nc)
	for i, X := range nodes {
		child := 0
		if X > 0.5 {
			child = 1
		}
		y := 2*X - float64(child)
		row := el.InterpMatrix1D([]float64{y})
		offset := 0
		if child == 1 {
			offset = nc - n1 // overlap-aware child 1 column start
		}
		for j := 0; j < n1; j++ {
			R.Set(i, offset+j, row.DataP[j])
		}
	}
	return
}

// Projection1D is the 1-D L2 projection from one polynomial space onto
// another, computed by Gauss quadrature exact for the product space. When
// the source space is contained in the target space it reduces to
// interpolation.
func Projection1D(from, to *Lagrange) (P utils.Matrix) {
	var (
		nq     = from.P + to.P + 1 // quadrature exactness >= pf+pc
		xq, wq = JacobiGQ(0, 0, nq-1)
	)
	// quadrature points mapped to [0,1], weights scaled by the interval
	x01 := make([]float64, xq.Len())
	for i := range x01 {
		x01[i] = 0.5 * (xq.DataP[i] + 1)
	}
	var (
		Ito   = to.InterpMatrix1D(x01)   // (nq x nTo)
		Ifrom = from.InterpMatrix1D(x01) // (nq x nFrom)
		W     = utils.NewDiagMatrix(xq.Len(), wq.DataP)
		M     = Ito.Transpose().Mul(W).Mul(Ito)
	)
	P = M.InverseWithCheck().Mul(Ito.Transpose().Mul(W).Mul(Ifrom))
	return
}

// TensorKron expands 1-D factors into the full-dimensional operator with
// lexicographic (x fastest) numbering on both sides. Used by the dense
// fallback path when the tensor-factored kernels do not apply.
func TensorKron(dim int, A utils.Matrix) (K utils.Matrix) {
	var (
		nr, nc = A.Dims()
	)
	rows, cols := 1, 1
	for a := 0; a < dim; a++ {
		rows *= nr
		cols *= nc
	}
	K = utils.NewMatrix(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := 1.0
			ii, jj := i, j
			for a := 0; a < dim; a++ {
				v *= A.At(ii%nr, jj%nc)
				ii /= nr
				jj /= nc
			}
			K.Set(i, j, v)
		}
	}
	return
}

// CoarseningStrategy selects the polynomial degree sequence for p-multigrid.
type CoarseningStrategy int

const (
	Bisect CoarseningStrategy = iota
	DecreaseByOne
	GoToOne
)

// NextDegree is the coarse degree below fineDegree under the strategy.
func NextDegree(strategy CoarseningStrategy, fineDegree int) (p int) {
	if fineDegree < 1 {
		panic(fmt.Errorf("degree sequence requires fine degree >= 1, got %d", fineDegree))
	}
	switch strategy {
	case Bisect:
		p = max(1, fineDegree/2)
	case DecreaseByOne:
		p = max(1, fineDegree-1)
	case GoToOne:
		p = 1
	default:
		panic(fmt.Errorf("unknown coarsening strategy %d", strategy))
	}
	return
}
