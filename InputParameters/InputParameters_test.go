package InputParameters

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	{
		deck := `
Title: p-multigrid smoke test
Dim: 2
KCoarse: [4, 2]
PolynomialOrder: 3
Continuous: true
NRanks: 2
NLevels: 3
TransferType: polynomial
CoarseningStrategy: bisect
Extent:
  x: 2.0
  y: 1.0
`
		var tp TransferParameters
		err := tp.Parse([]byte(deck))
		assert.Nil(t, err)
		assert.Equal(t, "p-multigrid smoke test", tp.Title)
		assert.Equal(t, []int{4, 2}, tp.KCoarse)
		assert.Equal(t, 3, tp.PolynomialOrder)
		assert.Equal(t, "polynomial", tp.TransferType)
		assert.Equal(t, 2.0, tp.Extent["x"])
		// defaults filled by validation
		assert.Equal(t, 1, tp.NComponents)
	}
}

func TestValidate(t *testing.T) {
	{
		tp := TransferParameters{Dim: 4, KCoarse: []int{1, 1, 1, 1}, PolynomialOrder: 1}
		assert.NotNil(t, tp.Validate())
	}
	{
		tp := TransferParameters{Dim: 2, KCoarse: []int{4}, PolynomialOrder: 1}
		assert.NotNil(t, tp.Validate())
	}
	{
		tp := TransferParameters{Dim: 1, KCoarse: []int{4}, PolynomialOrder: 0, Continuous: true}
		assert.NotNil(t, tp.Validate())
	}
	{
		tp := TransferParameters{Dim: 1, KCoarse: []int{4}, PolynomialOrder: 1, TransferType: "algebraic"}
		assert.NotNil(t, tp.Validate())
	}
	{
		tp := TransferParameters{Dim: 1, KCoarse: []int{4}, PolynomialOrder: 1, CoarseningStrategy: "halve"}
		assert.NotNil(t, tp.Validate())
	}
	{
		tp := TransferParameters{Dim: 1, KCoarse: []int{4}, PolynomialOrder: 2}
		assert.Nil(t, tp.Validate())
		assert.Equal(t, 1, tp.NRanks)
		assert.Equal(t, 2, tp.NLevels)
	}
}
