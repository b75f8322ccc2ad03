package dvector

import (
	"fmt"
	"sort"

	"github.com/mgtools/mgtransfer/utils"
)

const (
	tagPartitionerSetup = iota + 100
	tagGhostUpdate
	tagCompressAdd
)

// Partitioner describes one rank's share of a distributed index space: the
// locally owned set plus the ghost indices read locally but owned
// elsewhere. Construction is collective; it resolves index ownership
// globally and sets up the send/receive plans for ghost updates and
// compress-add, after which all queries are local.
type Partitioner struct {
	Comm       *utils.Comm
	MyRank     int
	GlobalSize int
	Owned      *utils.IndexSet
	Ghosts     utils.Index // sorted ascending

	nOwned    int
	ghostPos  map[int]int // global -> slot in Ghosts
	rangeLo   []int       // ownership oracle: sorted range starts,
	rangeHi   []int       // ends and owners over all ranks
	rangeRank []int

	importSlots map[int][]int // owner rank -> ghost slots received from it
	exportLocal map[int][]int // target rank -> owned local positions sent to it
}

func NewPartitioner(comm *utils.Comm, myRank, globalSize int, owned *utils.IndexSet,
	ghosts utils.Index) (p *Partitioner) {
	p = &Partitioner{
		Comm:        comm,
		MyRank:      myRank,
		GlobalSize:  globalSize,
		Owned:       owned,
		nOwned:      owned.Count(),
		ghostPos:    make(map[int]int),
		importSlots: make(map[int][]int),
		exportLocal: make(map[int][]int),
	}

	// sort and dedupe the ghost list
	gs := append(utils.Index{}, ghosts...)
	sort.Ints(gs)
	for _, g := range gs {
		if len(p.Ghosts) > 0 && p.Ghosts[len(p.Ghosts)-1] == g {
			continue
		}
		if owned.IsElement(g) {
			continue // owned entries are never ghosts
		}
		p.ghostPos[g] = len(p.Ghosts)
		p.Ghosts = append(p.Ghosts, g)
	}

	// build the global ownership oracle from everyone's owned ranges
	var enc []int
	for _, r := range owned.Ranges() {
		enc = append(enc, r[0], r[1])
	}
	counts := comm.AllGatherInts(myRank, []int{len(enc)})
	flat := comm.AllGatherInts(myRank, enc)
	offset := 0
	for rank, n := range counts {
		for k := 0; k < n; k += 2 {
			p.rangeLo = append(p.rangeLo, flat[offset+k])
			p.rangeHi = append(p.rangeHi, flat[offset+k+1])
			p.rangeRank = append(p.rangeRank, rank)
		}
		offset += n
	}
	order := make([]int, len(p.rangeLo))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return p.rangeLo[order[i]] < p.rangeLo[order[j]] })
	lo, hi, rk := make([]int, len(order)), make([]int, len(order)), make([]int, len(order))
	for i, o := range order {
		lo[i], hi[i], rk[i] = p.rangeLo[o], p.rangeHi[o], p.rangeRank[o]
	}
	p.rangeLo, p.rangeHi, p.rangeRank = lo, hi, rk

	// group ghosts by owner and tell each owner what we need
	for slot, g := range p.Ghosts {
		owner := p.OwnerOfIndex(g)
		if owner == myRank {
			panic(fmt.Errorf("rank %d lists owned index %d as ghost", myRank, g))
		}
		p.importSlots[owner] = append(p.importSlots[owner], slot)
	}
	var msgs []utils.RankMsg
	for owner, slots := range p.importSlots {
		globals := make([]int, len(slots))
		for i, s := range slots {
			globals[i] = p.Ghosts[s]
		}
		msgs = append(msgs, utils.RankMsg{To: owner, Tag: tagPartitionerSetup, Ints: globals})
	}
	for _, m := range comm.Exchange(myRank, msgs) {
		locals := make([]int, len(m.Ints))
		for i, g := range m.Ints {
			pos := owned.PositionOf(g)
			if pos < 0 {
				panic(fmt.Errorf("rank %d asked rank %d for index %d it does not own",
					m.From, myRank, g))
			}
			locals[i] = pos
		}
		p.exportLocal[m.From] = locals
	}
	return
}

func (p *Partitioner) NOwned() int  { return p.nOwned }
func (p *Partitioner) NGhosts() int { return len(p.Ghosts) }
func (p *Partitioner) LocalSize() int {
	return p.nOwned + len(p.Ghosts)
}

// OwnerOfIndex resolves the owning rank of any global index locally.
func (p *Partitioner) OwnerOfIndex(g int) (rank int) {
	i := sort.Search(len(p.rangeLo), func(k int) bool { return p.rangeLo[k] > g }) - 1
	if i < 0 || g >= p.rangeHi[i] {
		panic(fmt.Errorf("index %d owned by no rank", g))
	}
	rank = p.rangeRank[i]
	return
}

// GlobalToLocal maps a global index to local storage: owned entries first,
// ghosts after. Returns -1 for indices not present on this rank.
func (p *Partitioner) GlobalToLocal(g int) (l int) {
	if pos := p.Owned.PositionOf(g); pos >= 0 {
		return pos
	}
	if slot, ok := p.ghostPos[g]; ok {
		return p.nOwned + slot
	}
	return -1
}

func (p *Partitioner) LocalToGlobal(l int) (g int) {
	if l < p.nOwned {
		return p.Owned.NthIndex(l)
	}
	return p.Ghosts[l-p.nOwned]
}

// Compatible reports whether the two partitioners describe the same local
// layout (same owned set and ghost list) so vectors can be used
// interchangeably without copying.
func (p *Partitioner) Compatible(o *Partitioner) bool {
	if p == o {
		return true
	}
	if p.GlobalSize != o.GlobalSize || p.nOwned != o.nOwned ||
		len(p.Ghosts) != len(o.Ghosts) {
		return false
	}
	pr, or := p.Owned.Ranges(), o.Owned.Ranges()
	if len(pr) != len(or) {
		return false
	}
	for i := range pr {
		if pr[i] != or[i] {
			return false
		}
	}
	for i := range p.Ghosts {
		if p.Ghosts[i] != o.Ghosts[i] {
			return false
		}
	}
	return true
}

// Embeds reports whether vectors built against p can serve in place of
// vectors built against o: identical owned set and a ghost set containing
// all of o's ghosts. Used by the in-place optimization.
func (p *Partitioner) Embeds(o *Partitioner) bool {
	if p.GlobalSize != o.GlobalSize || p.nOwned != o.nOwned {
		return false
	}
	pr, or := p.Owned.Ranges(), o.Owned.Ranges()
	if len(pr) != len(or) {
		return false
	}
	for i := range pr {
		if pr[i] != or[i] {
			return false
		}
	}
	for _, g := range o.Ghosts {
		if _, ok := p.ghostPos[g]; !ok {
			return false
		}
	}
	return true
}

// GloballyCompatible is the collective all-ranks AND of Compatible.
func (p *Partitioner) GloballyCompatible(o *Partitioner) bool {
	bad := 0
	if !p.Compatible(o) {
		bad = 1
	}
	out := p.Comm.AllReduceMaxInt(p.MyRank, []int{bad})
	return out[0] == 0
}
