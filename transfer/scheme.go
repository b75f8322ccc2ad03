package transfer

import (
	"fmt"

	"github.com/mgtools/mgtransfer/element"
	"github.com/mgtools/mgtransfer/utils"
)

// LaneWidth is the number of cells gathered into one contiguous batch
// buffer during the execution kernels. A data-layout device mirroring SIMD
// lanes, not concurrency.
const LaneWidth = 4

// MaxFastDegree bounds the tensor-factored fast path. Degree pairs beyond
// it run the generic dense kernel: functionally identical, not
// performance-tuned.
const MaxFastDegree = 4

// TransferScheme is one homogeneous class of coarse-fine cell pairs
// sharing an element pairing. Matrices map between exactly the recorded
// DoF counts; the schemes of an operator partition its coarse cells
// disjointly and exhaustively.
type TransferScheme struct {
	NCoarseCells       int // on this rank
	NDoFsPerCellCoarse int // including components
	NDoFsPerCellFine   int
	DegreeCoarse       int
	DegreeFine         int
	Identity           bool

	// tensor-factored path: 1-D operators applied per axis
	Prolongation1D utils.Matrix // (nFine1D x nCoarse1D)
	Restriction1D  utils.Matrix // (nCoarse1D x nFine1D)

	// generic dense path for degrees beyond the fast dispatch table
	ProlongationDense utils.Matrix // (npFineScalar x npCoarseScalar)
	RestrictionDense  utils.Matrix
}

func (s *TransferScheme) useFastPath() bool {
	if s.Prolongation1D.IsEmpty() {
		return false
	}
	return s.DegreeCoarse <= MaxFastDegree && s.DegreeFine <= 2*MaxFastDegree+1
}

// finalize validates the scheme and materializes the dense matrices when
// the fast path does not cover its degrees.
func (s *TransferScheme) finalize(dim, nComponents int) {
	if s.Identity {
		if s.NDoFsPerCellCoarse != s.NDoFsPerCellFine {
			panic(fmt.Errorf("identity scheme with %d coarse but %d fine DoFs",
				s.NDoFsPerCellCoarse, s.NDoFsPerCellFine))
		}
		return
	}
	nps := s.NDoFsPerCellCoarse / nComponents
	npf := s.NDoFsPerCellFine / nComponents
	nIn, nOut := 1, 1
	pr, pc := s.Prolongation1D.Dims()
	for a := 0; a < dim; a++ {
		nIn *= pc
		nOut *= pr
	}
	if nIn != nps || nOut != npf {
		panic(fmt.Errorf("scheme matrices map %dx%d but cells carry %dx%d scalar DoFs",
			nOut, nIn, npf, nps))
	}
	if !s.useFastPath() {
		s.ProlongationDense = element.TensorKron(dim, s.Prolongation1D)
		s.RestrictionDense = element.TensorKron(dim, s.Restriction1D)
	}
}

// tensorApply contracts buf with M along every axis in turn: buf holds
// dim-dimensional data of extent nIn per axis in lexicographic layout, M
// is (nOut x nIn), and the result has extent nOut per axis.
func tensorApply(dim int, M utils.Matrix, buf []float64) (out []float64) {
	var (
		_, nIn = M.Dims()
		sizes  = make([]int, dim)
	)
	for a := range sizes {
		sizes[a] = nIn
	}
	out = buf
	for a := 0; a < dim; a++ {
		out = applyAxis(M, out, sizes, a, false)
	}
	return
}

// tensorApplyTranspose is tensorApply with M transposed, without forming
// the transpose.
func tensorApplyTranspose(dim int, M utils.Matrix, buf []float64) (out []float64) {
	var (
		nOut, _ = M.Dims()
		sizes   = make([]int, dim)
	)
	for a := range sizes {
		sizes[a] = nOut
	}
	out = buf
	for a := 0; a < dim; a++ {
		out = applyAxis(M, out, sizes, a, true)
	}
	return
}

func applyAxis(M utils.Matrix, buf []float64, sizes []int, axis int, transpose bool) (out []float64) {
	var (
		mr, mc     = M.Dims()
		nOut, nIn  = mr, mc
		strideA    = 1
		totalAfter = 1
	)
	if transpose {
		nOut, nIn = mc, mr
	}
	for a := 0; a < axis; a++ {
		strideA *= sizes[a]
	}
	for a := axis + 1; a < len(sizes); a++ {
		totalAfter *= sizes[a]
	}
	out = make([]float64, strideA*nOut*totalAfter)
	for o := 0; o < totalAfter; o++ {
		for p := 0; p < strideA; p++ {
			baseIn := o*strideA*nIn + p
			baseOut := o*strideA*nOut + p
			for i := 0; i < nOut; i++ {
				var sum float64
				for j := 0; j < nIn; j++ {
					if transpose {
						sum += M.At(j, i) * buf[baseIn+j*strideA]
					} else {
						sum += M.At(i, j) * buf[baseIn+j*strideA]
					}
				}
				out[baseOut+i*strideA] = sum
			}
		}
	}
	sizes[axis] = nOut
	return
}

func denseApply(M utils.Matrix, in []float64) (out []float64) {
	var (
		nr, nc = M.Dims()
	)
	out = make([]float64, nr)
	for i := 0; i < nr; i++ {
		var sum float64
		row := M.DataP[i*nc : (i+1)*nc]
		for j, mij := range row {
			sum += mij * in[j]
		}
		out[i] = sum
	}
	return
}

func denseApplyTranspose(M utils.Matrix, in []float64) (out []float64) {
	var (
		nr, nc = M.Dims()
	)
	out = make([]float64, nc)
	for i := 0; i < nr; i++ {
		row := M.DataP[i*nc : (i+1)*nc]
		v := in[i]
		for j, mij := range row {
			out[j] += mij * v
		}
	}
	return
}

// ProlongateCell maps one cell's coarse values to fine values, component
// by component. in has NDoFsPerCellCoarse entries, the result
// NDoFsPerCellFine.
func (s *TransferScheme) ProlongateCell(dim, nComponents int, in []float64) (out []float64) {
	var (
		nps = s.NDoFsPerCellCoarse / nComponents
		npf = s.NDoFsPerCellFine / nComponents
	)
	out = make([]float64, s.NDoFsPerCellFine)
	for comp := 0; comp < nComponents; comp++ {
		var block []float64
		src := in[comp*nps : (comp+1)*nps]
		if s.useFastPath() {
			block = tensorApply(dim, s.Prolongation1D, src)
		} else {
			block = denseApply(s.ProlongationDense, src)
		}
		copy(out[comp*npf:(comp+1)*npf], block)
	}
	return
}

// ProlongateTransposeCell is the numerical transpose, used by
// restrict-and-add: fine values in, coarse contributions out.
func (s *TransferScheme) ProlongateTransposeCell(dim, nComponents int, in []float64) (out []float64) {
	var (
		nps = s.NDoFsPerCellCoarse / nComponents
		npf = s.NDoFsPerCellFine / nComponents
	)
	out = make([]float64, s.NDoFsPerCellCoarse)
	for comp := 0; comp < nComponents; comp++ {
		var block []float64
		src := in[comp*npf : (comp+1)*npf]
		if s.useFastPath() {
			block = tensorApplyTranspose(dim, s.Prolongation1D, src)
		} else {
			block = denseApplyTranspose(s.ProlongationDense, src)
		}
		copy(out[comp*nps:(comp+1)*nps], block)
	}
	return
}

// RestrictCell applies the injection/projection restriction used by
// interpolate: fine values in, coarse values out, no weighting.
func (s *TransferScheme) RestrictCell(dim, nComponents int, in []float64) (out []float64) {
	var (
		nps = s.NDoFsPerCellCoarse / nComponents
		npf = s.NDoFsPerCellFine / nComponents
	)
	out = make([]float64, s.NDoFsPerCellCoarse)
	for comp := 0; comp < nComponents; comp++ {
		var block []float64
		src := in[comp*npf : (comp+1)*npf]
		if s.useFastPath() {
			block = tensorApply(dim, s.Restriction1D, src)
		} else {
			block = denseApply(s.RestrictionDense, src)
		}
		copy(out[comp*nps:(comp+1)*nps], block)
	}
	return
}
