package dvector

import (
	"fmt"
	"sort"

	"github.com/mgtools/mgtransfer/utils"
)

// Vector is one rank's share of a distributed vector: owned entries
// followed by ghost copies of remotely owned entries. Ghosts must be
// refreshed (UpdateGhostValues) before reading and flushed (CompressAdd)
// after accumulating into them.
type Vector struct {
	P           *Partitioner
	Data        []float64
	GhostsFresh bool
}

func NewVector(p *Partitioner) (v *Vector) {
	v = &Vector{
		P:    p,
		Data: make([]float64, p.LocalSize()),
	}
	return
}

func (v *Vector) NOwned() int { return v.P.NOwned() }

func (v *Vector) Zero() {
	for i := range v.Data {
		v.Data[i] = 0
	}
	v.GhostsFresh = false
}

func (v *Vector) ZeroGhosts() {
	for i := v.P.NOwned(); i < len(v.Data); i++ {
		v.Data[i] = 0
	}
	v.GhostsFresh = false
}

// CopyOwnedFrom copies the owned section from a vector over a partitioner
// with the same owned layout.
func (v *Vector) CopyOwnedFrom(src *Vector) {
	if v.P.NOwned() != src.P.NOwned() {
		panic(fmt.Errorf("owned size mismatch: %d vs %d", v.P.NOwned(), src.P.NOwned()))
	}
	copy(v.Data[:v.P.NOwned()], src.Data[:src.P.NOwned()])
}

// AddOwnedInto adds the owned section into dst.
func (v *Vector) AddOwnedInto(dst *Vector) {
	if v.P.NOwned() != dst.P.NOwned() {
		panic(fmt.Errorf("owned size mismatch: %d vs %d", v.P.NOwned(), dst.P.NOwned()))
	}
	for i := 0; i < v.P.NOwned(); i++ {
		dst.Data[i] += v.Data[i]
	}
}

// UpdateGhostValuesStart begins refreshing ghost entries from their owners.
// Must be matched by UpdateGhostValuesFinish even on early-exit paths.
func (v *Vector) UpdateGhostValuesStart() {
	var msgs []utils.RankMsg
	for target, locals := range v.P.exportLocal {
		vals := make([]float64, len(locals))
		for i, l := range locals {
			vals[i] = v.Data[l]
		}
		msgs = append(msgs, utils.RankMsg{To: target, Tag: tagGhostUpdate, Floats: vals})
	}
	v.P.Comm.StartExchange(v.P.MyRank, msgs)
}

func (v *Vector) UpdateGhostValuesFinish() {
	for _, m := range v.P.Comm.FinishExchange(v.P.MyRank) {
		slots := v.P.importSlots[m.From]
		if len(slots) != len(m.Floats) {
			panic(fmt.Errorf("ghost update from rank %d: got %d values, expected %d",
				m.From, len(m.Floats), len(slots)))
		}
		for i, s := range slots {
			v.Data[v.P.NOwned()+s] = m.Floats[i]
		}
	}
	v.GhostsFresh = true
}

// UpdateGhostValues is the blocking convenience form. Collective.
func (v *Vector) UpdateGhostValues() {
	v.UpdateGhostValuesStart()
	v.UpdateGhostValuesFinish()
}

// CompressAddStart begins reducing ghost contributions back onto their
// owners. Ghost entries are consumed and zeroed by the finish call.
func (v *Vector) CompressAddStart() {
	var msgs []utils.RankMsg
	for owner, slots := range v.P.importSlots {
		vals := make([]float64, len(slots))
		for i, s := range slots {
			vals[i] = v.Data[v.P.NOwned()+s]
		}
		msgs = append(msgs, utils.RankMsg{To: owner, Tag: tagCompressAdd, Floats: vals})
	}
	v.P.Comm.StartExchange(v.P.MyRank, msgs)
}

func (v *Vector) CompressAddFinish() {
	// Accumulation order is fixed by sender rank so repeated runs produce
	// bit-identical sums.
	recv := v.P.Comm.FinishExchange(v.P.MyRank)
	sort.Slice(recv, func(i, j int) bool { return recv[i].From < recv[j].From })
	for _, m := range recv {
		locals := v.P.exportLocal[m.From]
		if len(locals) != len(m.Floats) {
			panic(fmt.Errorf("compress from rank %d: got %d values, expected %d",
				m.From, len(m.Floats), len(locals)))
		}
		for i, l := range locals {
			v.Data[l] += m.Floats[i]
		}
	}
	v.ZeroGhosts()
}

// CompressAdd is the blocking convenience form. Collective.
func (v *Vector) CompressAdd() {
	v.CompressAddStart()
	v.CompressAddFinish()
}

// Norm2Sq is the square of the global 2-norm over owned entries.
// Collective.
func (v *Vector) Norm2Sq() float64 {
	var local float64
	for i := 0; i < v.P.NOwned(); i++ {
		local += v.Data[i] * v.Data[i]
	}
	out := v.P.Comm.AllReduceSum(v.P.MyRank, []float64{local})
	return out[0]
}

// Dot is the global inner product over owned entries. Collective.
func (v *Vector) Dot(w *Vector) float64 {
	if v.P.NOwned() != w.P.NOwned() {
		panic(fmt.Errorf("dot over mismatched partitions: %d vs %d owned",
			v.P.NOwned(), w.P.NOwned()))
	}
	var local float64
	for i := 0; i < v.P.NOwned(); i++ {
		local += v.Data[i] * w.Data[i]
	}
	out := v.P.Comm.AllReduceSum(v.P.MyRank, []float64{local})
	return out[0]
}
