package mesh

import (
	"fmt"
	"log"

	metis "github.com/notargets/go-metis"
)

// PartitionConfig holds configuration for coarse-grid partitioning
type PartitionConfig struct {
	NumPartitions   int32
	ImbalanceFactor float32 // e.g., 1.05 for 5% imbalance
	UseEdgeWeights  bool
	Objective       string // "cut" or "vol"
}

func DefaultPartitionConfig(nparts int32) *PartitionConfig {
	return &PartitionConfig{
		NumPartitions:   nparts,
		ImbalanceFactor: 1.05,
		UseEdgeWeights:  true,
		Objective:       "cut",
	}
}

// PartitionCoarseGrid partitions the coarse Cartesian grid with METIS and
// returns the rank of each coarse cell. Descendant cells inherit their
// coarse ancestor's rank through DistributeByCoarseAncestor, which keeps
// whole refinement trees on one rank.
func (t *Triangulation) PartitionCoarseGrid(config *PartitionConfig) (owners []int, err error) {
	np := int(config.NumPartitions)
	owners = make([]int, t.NCoarse)
	if np == 1 {
		return
	}
	if t.NCoarse < np {
		err = fmt.Errorf("cannot split %d coarse cells across %d ranks", t.NCoarse, np)
		return
	}

	xadj, adjncy, adjwgt := t.buildMetisGraph()

	opts := make([]int32, metis.NoOptions)
	if err = metis.SetDefaultOptions(opts); err != nil {
		err = fmt.Errorf("failed to set METIS options: %w", err)
		return
	}
	if config.Objective == "vol" {
		opts[metis.OptionObjType] = metis.ObjTypeVol
	} else {
		opts[metis.OptionObjType] = metis.ObjTypeCut
	}
	ubvec := []float32{config.ImbalanceFactor}

	var adjwgtPtr []int32
	if config.UseEdgeWeights {
		adjwgtPtr = adjwgt
	}

	part, objval, err := metis.PartGraphKwayWeighted(
		xadj, adjncy, nil, adjwgtPtr,
		config.NumPartitions, nil, ubvec, opts,
	)
	if err != nil {
		err = fmt.Errorf("METIS partitioning failed: %w", err)
		return
	}
	for i := range owners {
		owners[i] = int(part[i])
	}
	log.Printf("partitioned %d coarse cells into %d parts, edge cut %d",
		t.NCoarse, np, objval)
	return
}

// buildMetisGraph converts the structured coarse-grid face adjacency to
// METIS CSR format. Edge weights count the descendants of the two cells as
// a proxy for the interface DoF count.
func (t *Triangulation) buildMetisGraph() (xadj, adjncy, adjwgt []int32) {
	var (
		ne      = t.NCoarse
		strides = make([]int, t.Dim)
	)
	strides[0] = 1
	for a := 1; a < t.Dim; a++ {
		strides[a] = strides[a-1] * t.KCoarse[a-1]
	}
	descendants := make([]int32, ne)
	for _, id := range t.ActiveCells {
		descendants[id.CoarseCell]++
	}
	xadj = append(xadj, 0)
	for c := 0; c < ne; c++ {
		cc := c
		coords := make([]int, t.Dim)
		for a := 0; a < t.Dim; a++ {
			coords[a] = cc % t.KCoarse[a]
			cc /= t.KCoarse[a]
		}
		for a := 0; a < t.Dim; a++ {
			for _, dir := range []int{-1, 1} {
				na := coords[a] + dir
				if na < 0 || na >= t.KCoarse[a] {
					continue
				}
				nb := c + dir*strides[a]
				adjncy = append(adjncy, int32(nb))
				adjwgt = append(adjwgt, descendants[c]+descendants[nb])
			}
		}
		xadj = append(xadj, int32(len(adjncy)))
	}
	return
}
