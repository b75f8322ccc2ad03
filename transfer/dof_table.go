package transfer

import (
	"fmt"
	"sort"

	"github.com/mgtools/mgtransfer/dofs"
	"github.com/mgtools/mgtransfer/dvector"
	"github.com/mgtools/mgtransfer/utils"
)

// dofTable holds, for one side of the transfer, the DoF indices of every
// packed cell in scheme-major order. Indices are collected as global
// numbers and rewritten to local positions of the side's Partitioner by
// finalize. A position carrying a resolved constraint stores -1 and its
// expansion in constraints.
type dofTable struct {
	indices     []int
	constraints map[int][]localConstraintEntry
	globals     []int // retained between collection and finalize
}

type localConstraintEntry struct {
	Local int
	Coeff float64
}

type globalConstraintEntry struct {
	Global int
	Coeff  float64
}

func newDoFTable() *dofTable {
	return &dofTable{constraints: make(map[int][]localConstraintEntry)}
}

// pendingConstraints keyed by flat table position, in global numbering
// until finalize.
type pendingConstraints map[int][]globalConstraintEntry

// appendCell records one packed cell's global DoF indices. Constrained
// positions are expanded through cons so the execution kernels never
// consult the constraint object.
func (t *dofTable) appendCell(globals utils.Index, cons *dofs.Constraints, pending pendingConstraints) {
	for _, g := range globals {
		pos := len(t.globals)
		if cons != nil && cons.IsConstrained(g) {
			t.globals = append(t.globals, -1)
			entries := cons.Entries(g)
			exp := make([]globalConstraintEntry, len(entries))
			for k, e := range entries {
				exp[k] = globalConstraintEntry{Global: e.Index, Coeff: e.Coeff}
			}
			pending[pos] = exp
			continue
		}
		t.globals = append(t.globals, g)
	}
}

// referencedGlobals returns every global index the table touches,
// including constraint targets, sorted and deduplicated.
func (t *dofTable) referencedGlobals(pending pendingConstraints) []int {
	seen := make(map[int]bool)
	for _, g := range t.globals {
		if g >= 0 {
			seen[g] = true
		}
	}
	for _, entries := range pending {
		for _, e := range entries {
			seen[e.Global] = true
		}
	}
	out := make([]int, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Ints(out)
	return out
}

// finalize rewrites the table to local positions of part and drops the
// global staging storage.
func (t *dofTable) finalize(part *dvector.Partitioner, pending pendingConstraints) {
	t.indices = make([]int, len(t.globals))
	for pos, g := range t.globals {
		if g < 0 {
			t.indices[pos] = -1
			continue
		}
		loc := part.GlobalToLocal(g)
		if loc < 0 {
			panic(fmt.Errorf("DoF %d referenced by a packed cell but absent from the partitioner", g))
		}
		t.indices[pos] = loc
	}
	for pos, entries := range pending {
		local := make([]localConstraintEntry, len(entries))
		for k, e := range entries {
			loc := part.GlobalToLocal(e.Global)
			if loc < 0 {
				panic(fmt.Errorf("constraint target %d absent from the partitioner", e.Global))
			}
			local[k] = localConstraintEntry{Local: loc, Coeff: e.Coeff}
		}
		t.constraints[pos] = local
	}
	t.globals = nil
}

// remap rewrites every stored local position from oldPart's layout to
// newPart's. Used when in-place operation on an embedding external
// partitioner is enabled.
func (t *dofTable) remap(oldPart, newPart *dvector.Partitioner) {
	for pos, loc := range t.indices {
		if loc < 0 {
			continue
		}
		nl := newPart.GlobalToLocal(oldPart.LocalToGlobal(loc))
		if nl < 0 {
			panic(fmt.Errorf("embedding partitioner misses local index %d", loc))
		}
		t.indices[pos] = nl
	}
	for pos, entries := range t.constraints {
		for k, e := range entries {
			nl := newPart.GlobalToLocal(oldPart.LocalToGlobal(e.Local))
			if nl < 0 {
				panic(fmt.Errorf("embedding partitioner misses constraint target %d", e.Local))
			}
			entries[k].Local = nl
		}
		t.constraints[pos] = entries
	}
}

// gather copies one cell's values out of data, expanding constraints.
func (t *dofTable) gather(offset, n int, data []float64, out []float64) {
	for i := 0; i < n; i++ {
		pos := offset + i
		loc := t.indices[pos]
		if loc >= 0 {
			out[i] = data[loc]
			continue
		}
		var v float64
		for _, e := range t.constraints[pos] {
			v += e.Coeff * data[e.Local]
		}
		out[i] = v
	}
}

// scatterAdd adds one cell's contributions into data, distributing
// constrained positions to their targets.
func (t *dofTable) scatterAdd(offset, n int, vals []float64, data []float64) {
	for i := 0; i < n; i++ {
		pos := offset + i
		loc := t.indices[pos]
		if loc >= 0 {
			data[loc] += vals[i]
			continue
		}
		for _, e := range t.constraints[pos] {
			data[e.Local] += e.Coeff * vals[i]
		}
	}
}

// scatterOverwrite writes one cell's values into owned positions only,
// skipping constrained positions. Used by interpolate.
func (t *dofTable) scatterOverwrite(offset, n, nOwned int, vals []float64, data []float64) {
	for i := 0; i < n; i++ {
		loc := t.indices[offset+i]
		if loc >= 0 && loc < nOwned {
			data[loc] = vals[i]
		}
	}
}
