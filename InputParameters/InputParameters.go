package InputParameters

import (
	"fmt"
	"sort"

	"github.com/ghodss/yaml"
)

// Parameters obtained from the YAML transfer deck
type TransferParameters struct {
	Title                 string             `yaml:"Title"`
	Dim                   int                `yaml:"Dim"`
	KCoarse               []int              `yaml:"KCoarse"` // coarse cells per axis
	PolynomialOrder       int                `yaml:"PolynomialOrder"`
	Continuous            bool               `yaml:"Continuous"`
	NComponents           int                `yaml:"NComponents"`
	NRanks                int                `yaml:"NRanks"`
	NLevels               int                `yaml:"NLevels"`
	TransferType          string             `yaml:"TransferType"` // geometric, polynomial, nonnested
	CoarseningStrategy    string             `yaml:"CoarseningStrategy"`
	EnforceAllPointsFound bool               `yaml:"EnforceAllPointsFound"`
	UseMetis              bool               `yaml:"UseMetis"`
	Extent                map[string]float64 `yaml:"Extent"` // axis name -> length, default unit box
}

func (tp *TransferParameters) Parse(data []byte) error {
	if err := yaml.Unmarshal(data, tp); err != nil {
		return err
	}
	return tp.Validate()
}

func (tp *TransferParameters) Validate() error {
	if tp.Dim < 1 || tp.Dim > 3 {
		return fmt.Errorf("Dim must be 1, 2 or 3, got %d", tp.Dim)
	}
	if len(tp.KCoarse) != tp.Dim {
		return fmt.Errorf("KCoarse needs %d entries, got %d", tp.Dim, len(tp.KCoarse))
	}
	if tp.PolynomialOrder < 1 && tp.Continuous {
		return fmt.Errorf("continuous elements need PolynomialOrder >= 1, got %d", tp.PolynomialOrder)
	}
	if tp.NComponents < 1 {
		tp.NComponents = 1
	}
	if tp.NRanks < 1 {
		tp.NRanks = 1
	}
	if tp.NLevels < 2 {
		tp.NLevels = 2
	}
	switch tp.TransferType {
	case "", "geometric", "polynomial", "nonnested":
	default:
		return fmt.Errorf("unknown TransferType %q", tp.TransferType)
	}
	switch tp.CoarseningStrategy {
	case "", "bisect", "decrease-by-one", "go-to-one":
	default:
		return fmt.Errorf("unknown CoarseningStrategy %q", tp.CoarseningStrategy)
	}
	return nil
}

func (tp *TransferParameters) Print() {
	fmt.Printf("\"%s\"\t\t= Title\n", tp.Title)
	fmt.Printf("%d\t\t\t\t= Dim\n", tp.Dim)
	fmt.Printf("%v\t\t\t= KCoarse\n", tp.KCoarse)
	fmt.Printf("[%d]\t\t\t\t= Polynomial Order\n", tp.PolynomialOrder)
	fmt.Printf("[%v]\t\t\t= Continuous\n", tp.Continuous)
	fmt.Printf("[%d]\t\t\t\t= Ranks\n", tp.NRanks)
	fmt.Printf("[%d]\t\t\t\t= Levels\n", tp.NLevels)
	fmt.Printf("[%s]\t\t= Transfer Type\n", tp.TransferType)
	keys := make([]string, len(tp.Extent))
	i := 0
	for k := range tp.Extent {
		keys[i] = k
		i++
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Printf("Extent[%s] = %v\n", key, tp.Extent[key])
	}
}
