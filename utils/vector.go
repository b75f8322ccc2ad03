package utils

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

type Vector struct {
	V     *mat.VecDense
	DataP []float64
}

func NewVector(n int, dataO ...[]float64) (R Vector) {
	var v *mat.VecDense
	if len(dataO) != 0 {
		if len(dataO[0]) != n {
			err := fmt.Errorf("mismatch in allocation: NewVector n = %v, len(data[0]) = %v", n, len(dataO[0]))
			panic(err)
		}
		v = mat.NewVecDense(n, dataO[0])
	} else {
		v = mat.NewVecDense(n, make([]float64, n))
	}
	R = Vector{
		V:     v,
		DataP: v.RawVector().Data,
	}
	return
}

// Dims, At and T minimally satisfy the mat.Matrix interface.
func (v Vector) Dims() (r, c int)         { return v.V.Dims() }
func (v Vector) At(i, j int) float64      { return v.V.At(i, j) }
func (v Vector) T() mat.Matrix            { return v.V.T() }
func (v Vector) AtVec(i int) float64      { return v.V.AtVec(i) }
func (v Vector) RawVector() blas64.Vector { return v.V.RawVector() }
func (v Vector) Len() int                 { return v.V.Len() }

func (v Vector) Set(i int, val float64) Vector { // Changes receiver
	v.DataP[i] = val
	return v
}

func (v Vector) Copy() (R Vector) { // Does not change receiver
	dataR := make([]float64, v.Len())
	copy(dataR, v.DataP)
	R = NewVector(v.Len(), dataR)
	return
}

func (v Vector) Scale(a float64) Vector { // Changes receiver
	for i := range v.DataP {
		v.DataP[i] *= a
	}
	return v
}

func (v Vector) AddScaled(a float64, w Vector) Vector { // Changes receiver
	for i, val := range w.DataP {
		v.DataP[i] += a * val
	}
	return v
}

func (v Vector) Subtract(w Vector) Vector { // Changes receiver
	for i, val := range w.DataP {
		v.DataP[i] -= val
	}
	return v
}

func (v Vector) Dot(w Vector) (d float64) {
	for i, val := range v.DataP {
		d += val * w.DataP[i]
	}
	return
}

func (v Vector) Norm() (n float64) {
	n = math.Sqrt(v.Dot(v))
	return
}

func (v Vector) Min() (min float64) {
	min = v.DataP[0]
	for _, val := range v.DataP {
		if val < min {
			min = val
		}
	}
	return
}

func (v Vector) Max() (max float64) {
	max = v.DataP[0]
	for _, val := range v.DataP {
		if val > max {
			max = val
		}
	}
	return
}
