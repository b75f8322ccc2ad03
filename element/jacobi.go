package element

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mgtools/mgtransfer/utils"
)

func gamma0(alpha, beta float64) float64 {
	ab1 := alpha + beta + 1.
	a1 := alpha + 1.
	b1 := beta + 1.
	return math.Gamma(a1) * math.Gamma(b1) * math.Pow(2, ab1) / ab1 / math.Gamma(ab1)
}

func gamma1(alpha, beta float64) float64 {
	ab := alpha + beta
	a1 := alpha + 1.
	b1 := beta + 1.
	return a1 * b1 * gamma0(alpha, beta) / (ab + 3.)
}

// JacobiGQ computes the N+1 point Gauss quadrature rule for the Jacobi
// weight (alpha,beta) on [-1,1] via the Golub-Welsch tridiagonal
// eigenproblem.
func JacobiGQ(alpha, beta float64, N int) (X, W utils.Vector) {
	if N == 0 {
		x := []float64{-(alpha - beta) / (alpha + beta + 2.)}
		w := []float64{2.}
		return utils.NewVector(1, x), utils.NewVector(1, w)
	}

	h1 := make([]float64, N+1)
	for i := 0; i < N+1; i++ {
		h1[i] = 2*float64(i) + alpha + beta
	}

	// main diagonal: diag(-1/2*(alpha^2-beta^2)./(h1+2)./h1)
	d0 := make([]float64, N+1)
	fac := -.5 * (alpha*alpha - beta*beta)
	for i := 0; i < N+1; i++ {
		val := h1[i]
		d0[i] = fac / (val * (val + 2.))
	}
	// Handle division by zero
	eps := 1.e-16
	if alpha+beta < 10*eps {
		d0[0] = 0.
	}

	// 1st upper diagonal
	d1 := make([]float64, N)
	for i := 0; i < N; i++ {
		ip1 := float64(i + 1)
		val := h1[i]
		d1[i] = 2. / (val + 2.)
		d1[i] *= math.Sqrt(ip1 * (ip1 + alpha + beta) * (ip1 + alpha) * (ip1 + beta) / ((val + 1.) * (val + 3.)))
	}

	JJ := mat.NewSymBandDense(N+1, 1, nil)
	for i := 0; i < N+1; i++ {
		JJ.SetSymBand(i, i, d0[i])
		if i < N {
			JJ.SetSymBand(i, i+1, d1[i])
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(JJ, true); !ok {
		panic("eigenvalue decomposition failed")
	}
	x := eig.Values(nil)
	X = utils.NewVector(N+1, x)

	VVr := mat.NewDense(N+1, N+1, nil)
	eig.VectorsTo(VVr)
	W = utils.NewVector(N + 1)
	g0 := gamma0(alpha, beta)
	for i := 0; i < N+1; i++ {
		v := VVr.At(0, i)
		W.DataP[i] = v * v * g0
	}
	return
}

// JacobiGL computes the N+1 Gauss-Lobatto points for the Jacobi weight
// (alpha,beta) on [-1,1], endpoints included.
func JacobiGL(alpha, beta float64, N int) (X utils.Vector) {
	x := make([]float64, N+1)
	if N == 1 {
		x[0], x[1] = -1, 1
		return utils.NewVector(N+1, x)
	}
	xint, _ := JacobiGQ(alpha+1, beta+1, N-2)
	x[0] = -1
	x[N] = 1
	for i := 1; i < N; i++ {
		x[i] = xint.DataP[i-1]
	}
	X = utils.NewVector(N+1, x)
	return
}

// JacobiP evaluates the orthonormal Jacobi polynomial of order N at the
// points r.
func JacobiP(r utils.Vector, alpha, beta float64, N int) (p []float64) {
	var (
		Nc = r.Len()
	)
	rg := 1. / math.Sqrt(gamma0(alpha, beta))
	if N == 0 {
		p = make([]float64, Nc)
		for i := range p {
			p[i] = rg
		}
		return
	}
	Np1 := N + 1
	pl := make([]float64, Np1*Nc)
	for i := 0; i < Nc; i++ {
		pl[i] = rg
	}

	iter := Nc // Increment to next row
	ab := alpha + beta
	rg1 := 1. / math.Sqrt(gamma1(alpha, beta))
	for i := 0; i < Nc; i++ {
		pl[i+iter] = rg1 * ((ab+2.0)*r.AtVec(i)/2.0 + (alpha-beta)/2.0)
	}

	if N == 1 {
		p = pl[iter : iter+Nc]
		return
	}

	a1 := alpha + 1.
	b1 := beta + 1.
	ab1 := ab + 1.
	aold := 2.0 * math.Sqrt(a1*b1/(ab+3.0)) / (ab + 2.0)
	PL := mat.NewDense(Np1, Nc, pl)
	var xrow []float64
	for i := 0; i < N-1; i++ {
		ip1 := float64(i + 1)
		ip2 := ip1 + 1
		h1 := 2.0*ip1 + ab
		anew := 2.0 / (h1 + 2.0) * math.Sqrt(ip2*(ip1+ab1)*(ip1+a1)*(ip1+b1)/(h1+1.0)/(h1+3.0))
		bnew := -(alpha*alpha - beta*beta) / h1 / (h1 + 2.0)
		xi := PL.RawRowView(i)
		xip1 := PL.RawRowView(i + 1)
		xrow = make([]float64, len(xi))
		for j := range xi {
			xrow[j] = (-aold*xi[j] + (r.AtVec(j)-bnew)*xip1[j]) / anew
		}
		PL.SetRow(i+2, xrow)
		aold = anew
	}
	p = PL.RawRowView(N)
	return
}

// Vandermonde1D builds the generalized Vandermonde matrix of the
// orthonormal Legendre basis at the points R.
func Vandermonde1D(N int, R utils.Vector) (V utils.Matrix) {
	V = utils.NewMatrix(R.Len(), N+1)
	for j := 0; j < N+1; j++ {
		col := JacobiP(R, 0, 0, j)
		for i := 0; i < R.Len(); i++ {
			V.Set(i, j, col[i])
		}
	}
	return
}
