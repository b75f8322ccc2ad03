package utils

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"
	"gonum.org/v1/gonum/mat"
)

type Matrix struct {
	M     *mat.Dense
	DataP []float64
}

func NewMatrix(nr, nc int, dataO ...[]float64) (R Matrix) {
	var m *mat.Dense
	if len(dataO) != 0 {
		if len(dataO[0]) != nr*nc {
			err := fmt.Errorf("mismatch in allocation: NewMatrix nr,nc = %v,%v, len(data[0]) = %v", nr, nc, len(dataO[0]))
			panic(err)
		}
		m = mat.NewDense(nr, nc, dataO[0])
	} else {
		m = mat.NewDense(nr, nc, make([]float64, nr*nc))
	}
	R = Matrix{
		M:     m,
		DataP: m.RawMatrix().Data,
	}
	return
}

func NewDiagMatrix(n int, data []float64) (R Matrix) {
	if len(data) != n {
		err := fmt.Errorf("diagonal length mismatch: n = %v, len(data) = %v", n, len(data))
		panic(err)
	}
	R = NewMatrix(n, n)
	for i := 0; i < n; i++ {
		R.DataP[i*n+i] = data[i]
	}
	return
}

// Dims, At and T minimally satisfy the mat.Matrix interface.
func (m Matrix) Dims() (r, c int)          { return m.M.Dims() }
func (m Matrix) At(i, j int) float64       { return m.M.At(i, j) }
func (m Matrix) T() mat.Matrix             { return m.M.T() }
func (m Matrix) RawMatrix() blas64.General { return m.M.RawMatrix() }

func (m Matrix) IsEmpty() bool { return m.M == nil }

func (m Matrix) Set(i, j int, val float64) Matrix { // Changes receiver
	m.M.Set(i, j, val)
	return m
}

func (m Matrix) Copy() (R Matrix) { // Does not change receiver
	var (
		nr, nc = m.Dims()
		dataR  = make([]float64, nr*nc)
	)
	copy(dataR, m.DataP)
	R = NewMatrix(nr, nc, dataR)
	return
}

func (m Matrix) Transpose() (R Matrix) { // Does not change receiver
	var (
		nr, nc = m.Dims()
	)
	R = NewMatrix(nc, nr)
	for j := 0; j < nc; j++ {
		for i := 0; i < nr; i++ {
			R.DataP[j*nr+i] = m.DataP[i*nc+j]
		}
	}
	return
}

func (m Matrix) Mul(A Matrix) (R Matrix) { // Does not change receiver
	var (
		nrM, _ = m.M.Dims()
		_, ncA = A.M.Dims()
	)
	R = NewMatrix(nrM, ncA)
	R.M.Mul(m.M, A.M)
	return R
}

func (m Matrix) MulVec(v Vector) (R Vector) { // Does not change receiver
	var (
		nr, nc = m.Dims()
	)
	if nc != v.Len() {
		err := fmt.Errorf("matvec dimension mismatch: nc = %v, len(v) = %v", nc, v.Len())
		panic(err)
	}
	R = NewVector(nr)
	for i := 0; i < nr; i++ {
		var sum float64
		row := m.DataP[i*nc : (i+1)*nc]
		for j, mij := range row {
			sum += mij * v.DataP[j]
		}
		R.DataP[i] = sum
	}
	return
}

func (m Matrix) Scale(a float64) Matrix { // Changes receiver
	for i := range m.DataP {
		m.DataP[i] *= a
	}
	return m
}

func (m Matrix) Add(A Matrix) Matrix { // Changes receiver
	for i, val := range A.DataP {
		m.DataP[i] += val
	}
	return m
}

func (m Matrix) Row(i int) Vector {
	var (
		_, nc = m.Dims()
		vData = make([]float64, nc)
	)
	copy(vData, m.DataP[i*nc:(i+1)*nc])
	return NewVector(nc, vData)
}

func (m Matrix) Col(j int) Vector {
	var (
		nr, nc = m.Dims()
		vData  = make([]float64, nr)
	)
	for i := range vData {
		vData[i] = m.DataP[i*nc+j]
	}
	return NewVector(nr, vData)
}

func (m Matrix) Inverse() (R Matrix, err error) {
	var (
		nr, nc = m.Dims()
	)
	R = m.Copy()
	iPiv := make([]int, nr)
	if ok := lapack64.Getrf(R.RawMatrix(), iPiv); !ok {
		err = fmt.Errorf("unable to invert, matrix is singular")
		return
	}
	work := make([]float64, nr*nc)
	if ok := lapack64.Getri(R.RawMatrix(), iPiv, work, nr*nc); !ok {
		err = fmt.Errorf("unable to invert, matrix is singular")
	}
	return
}

func (m Matrix) InverseWithCheck() (R Matrix) {
	var err error
	if R, err = m.Inverse(); err != nil {
		panic(err)
	}
	return
}

func (m Matrix) Print(msgO ...string) (o string) {
	var (
		name = ""
	)
	if len(msgO) != 0 {
		name = msgO[0] + " = "
	}
	o = name + fmt.Sprintf("%v\n", mat.Formatted(m.M, mat.Squeeze()))
	return
}
