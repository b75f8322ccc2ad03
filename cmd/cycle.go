/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"log"
	"math"
	"os"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/mgtools/mgtransfer/InputParameters"
	"github.com/mgtools/mgtransfer/dofs"
	"github.com/mgtools/mgtransfer/dvector"
	"github.com/mgtools/mgtransfer/element"
	"github.com/mgtools/mgtransfer/mesh"
	"github.com/mgtools/mgtransfer/transfer"
	"github.com/mgtools/mgtransfer/utils"
)

// cycleCmd represents the cycle command
var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a prolongation/restriction transfer cycle",
	Long: `
Builds a level hierarchy per the transfer deck, reinits the two-level
transfers between neighboring levels and runs one full up/down cycle over
the configured number of simulated ranks,

mgtransfer cycle -f deck.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		tp := &InputParameters.TransferParameters{}
		if deck, _ := cmd.Flags().GetString("file"); deck != "" {
			data, err := os.ReadFile(deck)
			if err != nil {
				log.Fatalf("unable to read deck %s: %v", deck, err)
			}
			if err = tp.Parse(data); err != nil {
				log.Fatalf("deck %s: %v", deck, err)
			}
		} else {
			tp.Title = "default cycle"
			tp.Dim, _ = cmd.Flags().GetInt("dim")
			k, _ := cmd.Flags().GetInt("k")
			for a := 0; a < tp.Dim; a++ {
				tp.KCoarse = append(tp.KCoarse, k)
			}
			tp.PolynomialOrder, _ = cmd.Flags().GetInt("n")
			tp.Continuous = true
			tp.NRanks, _ = cmd.Flags().GetInt("ranks")
			tp.NLevels, _ = cmd.Flags().GetInt("levels")
			tp.TransferType, _ = cmd.Flags().GetString("type")
			if err := tp.Validate(); err != nil {
				log.Fatal(err)
			}
		}
		if mode, _ := cmd.Flags().GetString("profile"); mode != "" {
			switch mode {
			case "cpu":
				defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
			case "mem":
				defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
			default:
				log.Fatalf("unknown profile mode %q", mode)
			}
		}
		tp.Print()
		RunCycle(tp)
	},
}

func init() {
	rootCmd.AddCommand(cycleCmd)
	cycleCmd.Flags().StringP("file", "f", "", "YAML transfer deck")
	cycleCmd.Flags().IntP("k", "k", 4, "coarse cells per axis")
	cycleCmd.Flags().IntP("n", "n", 2, "polynomial degree")
	cycleCmd.Flags().IntP("dim", "d", 2, "spatial dimension")
	cycleCmd.Flags().Int("ranks", 2, "number of simulated ranks")
	cycleCmd.Flags().Int("levels", 3, "number of levels in the hierarchy")
	cycleCmd.Flags().String("type", "geometric", "transfer type: geometric, polynomial, nonnested")
	cycleCmd.Flags().String("profile", "", "write a profile: cpu or mem")
}

// RunCycle builds the hierarchy the deck describes and runs one
// prolongation sweep up and one restriction sweep down, logging level
// norms from rank 0.
func RunCycle(tp *InputParameters.TransferParameters) {
	switch tp.TransferType {
	case "polynomial":
		runPolynomialCycle(tp)
	case "nonnested":
		runNonNestedCycle(tp)
	default:
		runGeometricCycle(tp)
	}
}

func buildExtent(tp *InputParameters.TransferParameters) (origin, extent []float64) {
	names := []string{"x", "y", "z"}
	origin = make([]float64, tp.Dim)
	extent = make([]float64, tp.Dim)
	for a := 0; a < tp.Dim; a++ {
		extent[a] = 1
		if v, found := tp.Extent[names[a]]; found {
			extent[a] = v
		}
	}
	return
}

func distribute(t *mesh.Triangulation, tp *InputParameters.TransferParameters) (owners []int) {
	if tp.UseMetis {
		var err error
		owners, err = t.PartitionCoarseGrid(mesh.DefaultPartitionConfig(int32(tp.NRanks)))
		if err == nil {
			t.DistributeByCoarseAncestor(owners)
			return
		}
		log.Printf("metis partitioning failed (%v), falling back to block distribution", err)
	}
	t.DistributeBlocks(tp.NRanks)
	owners = make([]int, t.NCoarse)
	for c := range owners {
		owners[c] = t.OwnerOf(mesh.CellID{CoarseCell: c})
	}
	return
}

func fillTestField(v *dvector.Vector) {
	for i := 0; i < v.NOwned(); i++ {
		g := v.P.LocalToGlobal(i)
		v.Data[i] = math.Sin(float64(g) * 0.1)
	}
}

func runGeometricCycle(tp *InputParameters.TransferParameters) {
	origin, extent := buildExtent(tp)
	trias := make([]*mesh.Triangulation, tp.NLevels)
	trias[0] = mesh.NewBoxMesh(tp.Dim, tp.KCoarse, origin, extent)
	owners := distribute(trias[0], tp)
	for l := 1; l < tp.NLevels; l++ {
		trias[l] = trias[l-1].RefineAll()
		trias[l].DistributeByCoarseAncestor(owners)
	}

	fe := element.NewLagrange(tp.Dim, tp.PolynomialOrder).WithComponents(tp.NComponents)
	if !tp.Continuous {
		fe = element.NewLagrangeDG(tp.Dim, tp.PolynomialOrder).WithComponents(tp.NComponents)
	}
	handlers := make([]*dofs.DoFHandler, tp.NLevels)
	for l := range trias {
		handlers[l] = dofs.NewDoFHandler(trias[l], fe)
	}

	utils.RunRanks(tp.NRanks, func(myRank int, c *utils.Comm) {
		ts := make([]*transfer.TwoLevelTransfer, tp.NLevels-1)
		for l := 1; l < tp.NLevels; l++ {
			t, err := transfer.ReinitGeometricTransfer(handlers[l], handlers[l-1], nil, nil, c, myRank)
			if err != nil {
				log.Fatal(err)
			}
			ts[l-1] = t
		}
		h := transfer.NewHierarchyFromTwoLevel(0, ts)
		runHierarchyCycle(h, myRank)
	})
}

func runPolynomialCycle(tp *InputParameters.TransferParameters) {
	origin, extent := buildExtent(tp)
	tria := mesh.NewBoxMesh(tp.Dim, tp.KCoarse, origin, extent)
	distribute(tria, tp)

	strategy := element.Bisect
	switch tp.CoarseningStrategy {
	case "decrease-by-one":
		strategy = element.DecreaseByOne
	case "go-to-one":
		strategy = element.GoToOne
	}
	degrees := []int{tp.PolynomialOrder}
	for degrees[len(degrees)-1] > 1 && len(degrees) < tp.NLevels {
		degrees = append(degrees, element.NextDegree(strategy, degrees[len(degrees)-1]))
	}
	// degrees is fine-to-coarse; handlers run coarse-to-fine
	handlers := make([]*dofs.DoFHandler, len(degrees))
	for i, p := range degrees {
		var fe *element.Lagrange
		if tp.Continuous {
			fe = element.NewLagrange(tp.Dim, p).WithComponents(tp.NComponents)
		} else {
			fe = element.NewLagrangeDG(tp.Dim, p).WithComponents(tp.NComponents)
		}
		handlers[len(degrees)-1-i] = dofs.NewDoFHandler(tria, fe)
	}

	utils.RunRanks(tp.NRanks, func(myRank int, c *utils.Comm) {
		ts := make([]*transfer.TwoLevelTransfer, len(handlers)-1)
		for l := 1; l < len(handlers); l++ {
			t, err := transfer.ReinitPolynomialTransfer(handlers[l], handlers[l-1], nil, nil, c, myRank)
			if err != nil {
				log.Fatal(err)
			}
			ts[l-1] = t
		}
		h := transfer.NewHierarchyFromTwoLevel(0, ts)
		runHierarchyCycle(h, myRank)
	})
}

func runNonNestedCycle(tp *InputParameters.TransferParameters) {
	origin, extent := buildExtent(tp)
	kFine := make([]int, tp.Dim)
	for a, k := range tp.KCoarse {
		kFine[a] = k + 1 // same box, incommensurate cells
	}
	coarseTria := mesh.NewBoxMesh(tp.Dim, tp.KCoarse, origin, extent)
	fineTria := mesh.NewBoxMesh(tp.Dim, kFine, origin, extent)
	distribute(coarseTria, tp)
	distribute(fineTria, tp)

	var fe *element.Lagrange
	if tp.Continuous {
		fe = element.NewLagrange(tp.Dim, tp.PolynomialOrder).WithComponents(tp.NComponents)
	} else {
		fe = element.NewLagrangeDG(tp.Dim, tp.PolynomialOrder).WithComponents(tp.NComponents)
	}
	coarseH := dofs.NewDoFHandler(coarseTria, fe)
	fineH := dofs.NewDoFHandler(fineTria, fe)

	utils.RunRanks(tp.NRanks, func(myRank int, c *utils.Comm) {
		t, err := transfer.ReinitNonNestedTransfer(fineH, coarseH, nil, c, myRank, tp.EnforceAllPointsFound)
		if err != nil {
			log.Fatal(err)
		}
		src := dvector.NewVector(t.PartitionerCoarse)
		fillTestField(src)
		dst := dvector.NewVector(t.PartitionerFine)
		t.ProlongateAndAdd(dst, src)
		back := dvector.NewVector(t.PartitionerCoarse)
		t.RestrictAndAdd(back, dst)
		nf, nc := dst.Norm2Sq(), back.Norm2Sq()
		if myRank == 0 {
			fmt.Printf("non-nested cycle: |P u|^2 = %10.6f, |R P u|^2 = %10.6f, bytes = %d\n",
				nf, nc, t.MemoryUsage())
		}
	})
}

func runHierarchyCycle(h *transfer.Hierarchy, myRank int) {
	levels := make([]*dvector.Vector, len(h.Partitioners))
	levels[0] = h.LevelVector(h.MinLevel)
	fillTestField(levels[0])
	for l := 1; l < len(levels); l++ {
		levels[l] = h.LevelVector(h.MinLevel + l)
		h.Prolongate(h.MinLevel+l, levels[l], levels[l-1])
	}
	for l := len(levels) - 1; l > 0; l-- {
		h.RestrictAndAdd(h.MinLevel+l, levels[l-1], levels[l])
	}
	norms := make([]float64, len(levels))
	for l, v := range levels {
		norms[l] = v.Norm2Sq()
	}
	if myRank == 0 {
		for l, n := range norms {
			fmt.Printf("level %d: |v|^2 = %12.6f\n", l, n)
		}
		fmt.Printf("hierarchy bytes = %d\n", h.MemoryUsage())
	}
}
