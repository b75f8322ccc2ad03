package element

import (
	"fmt"

	"github.com/mgtools/mgtransfer/utils"
)

// Lagrange is a tensor-product nodal Lagrange element on the unit hypercube
// [0,1]^dim, with 1-D Gauss-Lobatto nodes. Continuous elements (Q) share
// boundary nodes with neighbors; discontinuous ones (DGQ) do not.
type Lagrange struct {
	Dim         int
	P           int // polynomial degree
	NComponents int
	Continuous  bool

	R       utils.Vector // 1-D nodes on [-1,1]
	V, Vinv utils.Matrix // 1-D Vandermonde of the orthonormal basis and inverse
}

func NewLagrange(dim, p int) (el *Lagrange) {
	if p < 1 {
		panic(fmt.Errorf("continuous Lagrange element requires degree >= 1, got %d", p))
	}
	el = newLagrange(dim, p, true)
	return
}

func NewLagrangeDG(dim, p int) (el *Lagrange) {
	if p < 0 {
		panic(fmt.Errorf("negative degree %d", p))
	}
	el = newLagrange(dim, p, false)
	return
}

func newLagrange(dim, p int, continuous bool) (el *Lagrange) {
	el = &Lagrange{
		Dim:         dim,
		P:           p,
		NComponents: 1,
		Continuous:  continuous,
	}
	if p == 0 {
		el.R = utils.NewVector(1, []float64{0})
	} else {
		el.R = JacobiGL(0, 0, p)
	}
	el.V = Vandermonde1D(p, el.R)
	el.Vinv = el.V.InverseWithCheck()
	return
}

// WithComponents returns a vector-valued copy sharing the scalar basis.
func (el *Lagrange) WithComponents(n int) (o *Lagrange) {
	cp := *el
	cp.NComponents = n
	o = &cp
	return
}

func (el *Lagrange) Np1D() int { return el.P + 1 }

func (el *Lagrange) NpScalar() (np int) {
	np = 1
	for a := 0; a < el.Dim; a++ {
		np *= el.Np1D()
	}
	return
}

func (el *Lagrange) NpCell() int { return el.NComponents * el.NpScalar() }

// Nodes01 returns the 1-D nodes mapped to [0,1].
func (el *Lagrange) Nodes01() (x []float64) {
	x = make([]float64, el.Np1D())
	for i := range x {
		x[i] = 0.5 * (el.R.DataP[i] + 1)
	}
	return
}

// InterpMatrix1D evaluates all 1-D nodal basis functions at the points x
// (given on [0,1]): rows are points, columns basis functions.
func (el *Lagrange) InterpMatrix1D(x []float64) (I utils.Matrix) {
	r := make([]float64, len(x))
	for i, xi := range x {
		r[i] = 2*xi - 1
	}
	Vx := Vandermonde1D(el.P, utils.NewVector(len(r), r))
	I = Vx.Mul(el.Vinv)
	return
}

// EvalBasisScalar evaluates all (P+1)^dim scalar basis functions at a
// reference point in [0,1]^dim, in lexicographic order (x fastest).
func (el *Lagrange) EvalBasisScalar(ref []float64) (phi []float64) {
	var (
		n1  = el.Np1D()
		one = make([][]float64, el.Dim)
	)
	for a := 0; a < el.Dim; a++ {
		row := el.InterpMatrix1D([]float64{ref[a]})
		one[a] = row.DataP[:n1]
	}
	phi = make([]float64, el.NpScalar())
	for i := range phi {
		v := 1.0
		idx := i
		for a := 0; a < el.Dim; a++ {
			v *= one[a][idx%n1]
			idx /= n1
		}
		phi[i] = v
	}
	return
}

// SupportPointsScalar maps the scalar node lattice onto the physical box
// [lo,hi], lexicographic order.
func (el *Lagrange) SupportPointsScalar(lo, hi []float64) (pts [][]float64) {
	var (
		n1    = el.Np1D()
		x01   = el.Nodes01()
		total = el.NpScalar()
	)
	pts = make([][]float64, total)
	for i := 0; i < total; i++ {
		p := make([]float64, el.Dim)
		idx := i
		for a := 0; a < el.Dim; a++ {
			p[a] = lo[a] + x01[idx%n1]*(hi[a]-lo[a])
			idx /= n1
		}
		pts[i] = p
	}
	return
}

// SameShape reports whether two elements produce identical cell DoF layouts.
func (el *Lagrange) SameShape(o *Lagrange) bool {
	return el.Dim == o.Dim && el.P == o.P &&
		el.NComponents == o.NComponents && el.Continuous == o.Continuous
}

func (el *Lagrange) String() string {
	kind := "Q"
	if !el.Continuous {
		kind = "DGQ"
	}
	if el.NComponents > 1 {
		return fmt.Sprintf("%s%d^%d[%dD]", kind, el.P, el.NComponents, el.Dim)
	}
	return fmt.Sprintf("%s%d[%dD]", kind, el.P, el.Dim)
}
