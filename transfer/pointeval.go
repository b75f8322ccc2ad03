package transfer

import (
	"fmt"
	"sort"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/james-bowman/sparse"

	"github.com/mgtools/mgtransfer/dofs"
	"github.com/mgtools/mgtransfer/dvector"
	"github.com/mgtools/mgtransfer/utils"
)

const (
	tagPointRequest = 210
	tagPointValues  = 211
	tagPointAdjoint = 212
)

const pointTol = 1e-10

// RemotePointEvaluation binds a list of physical points to the cells of a
// target mesh. Construction locates every point (one owning cell in the
// interior, several on shared entities), registers the requests with the
// owning ranks, and assembles a sparse basis-evaluation operator on the
// owner side. Afterwards EvaluateForward computes field values at all
// points and EvaluateAdjoint scatters point sources back, any number of
// times. Collective throughout.
type RemotePointEvaluation struct {
	comm   *utils.Comm
	myRank int
	target *dofs.DoFHandler

	NPoints  int
	AllFound bool

	// requester side
	claims    [][]pointClaim // per local point
	sendOrder map[int][]int  // owner rank -> local point index per slot

	// owner side, senders in ascending rank order
	senders     []int
	slotOffset  map[int]int
	recvCells   map[int][]ownedRequest
	nOwnedSlots int

	basis     *sparse.CSR // (nOwnedSlots*nComp) x coarse local size
	nComp     int
	basisInfo *ristretto.Cache[string, []float64]
}

type pointClaim struct {
	Owner, Slot int
}

type ownedRequest struct {
	CellIndex int // target translator index
	Ref       []float64
}

// NewRemotePointEvaluation locates points in the target handler's mesh.
// With enforceAllFound set, an unlocated point on any rank fails the
// construction on every rank.
func NewRemotePointEvaluation(points [][]float64, target *dofs.DoFHandler,
	comm *utils.Comm, myRank int, enforceAllFound bool) (*RemotePointEvaluation, error) {
	r := &RemotePointEvaluation{
		comm:       comm,
		myRank:     myRank,
		target:     target,
		NPoints:    len(points),
		claims:     make([][]pointClaim, len(points)),
		sendOrder:  make(map[int][]int),
		slotOffset: make(map[int]int),
		recvCells:  make(map[int][]ownedRequest),
	}

	var (
		reqCells = make(map[int][]int)
		reqRefs  = make(map[int][]float64)
		missing  = 0
	)
	for pt, p := range points {
		matches := target.Tria.FindCellsAround(p, pointTol)
		if len(matches) == 0 {
			missing++
			continue
		}
		for _, m := range matches {
			owner := target.Tria.OwnerOf(m.Cell)
			slot := len(reqCells[owner])
			reqCells[owner] = append(reqCells[owner], target.Tria.Translator.Translate(m.Cell))
			reqRefs[owner] = append(reqRefs[owner], m.Ref...)
			r.sendOrder[owner] = append(r.sendOrder[owner], pt)
			r.claims[pt] = append(r.claims[pt], pointClaim{Owner: owner, Slot: slot})
		}
	}

	missingGlobal := comm.AllReduceMaxInt(myRank, []int{missing})
	r.AllFound = missingGlobal[0] == 0
	if enforceAllFound && !r.AllFound {
		return nil, fmt.Errorf("remote point evaluation: not all points were located in the target mesh " +
			"(enforce_all_points_found is set)")
	}

	var msgs []utils.RankMsg
	for owner, cells := range reqCells {
		msgs = append(msgs, utils.RankMsg{To: owner, Tag: tagPointRequest,
			Ints: cells, Floats: reqRefs[owner]})
	}
	for _, m := range comm.Exchange(myRank, msgs) {
		dim := target.Tria.Dim
		reqs := make([]ownedRequest, len(m.Ints))
		for i, ci := range m.Ints {
			reqs[i] = ownedRequest{CellIndex: ci, Ref: m.Floats[i*dim : (i+1)*dim]}
		}
		r.recvCells[m.From] = reqs
	}
	for from := range r.recvCells {
		r.senders = append(r.senders, from)
	}
	sort.Ints(r.senders)
	for _, from := range r.senders {
		r.slotOffset[from] = r.nOwnedSlots
		r.nOwnedSlots += len(r.recvCells[from])
	}
	return r, nil
}

// Multiplicity is the number of target cells claiming local point pt.
func (r *RemotePointEvaluation) Multiplicity(pt int) int { return len(r.claims[pt]) }

// RequiredDoFs returns the global DoFs of every cell this rank evaluates
// in, for ghost registration with the caller's partitioner.
func (r *RemotePointEvaluation) RequiredDoFs() (I []int) {
	seen := make(map[int]bool)
	for _, from := range r.senders {
		for _, req := range r.recvCells[from] {
			id := r.target.Tria.Translator.ToCellID(req.CellIndex)
			for _, g := range r.target.CellDoFIndices(id) {
				seen[g] = true
			}
		}
	}
	for g := range seen {
		I = append(I, g)
	}
	sort.Ints(I)
	return
}

// BuildBasis assembles the owner-side evaluation operator against the
// given partitioner: one row per (request slot, component), columns in
// local numbering. Basis values per (cell, reference point) are memoized
// in a ristretto cache since repeated reinits and shared points revisit
// the same geometric mapping.
func (r *RemotePointEvaluation) BuildBasis(part *dvector.Partitioner, nComponents int) {
	var err error
	r.basisInfo, err = ristretto.NewCache(&ristretto.Config[string, []float64]{
		NumCounters: 1 << 16,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}
	r.nComp = nComponents
	dok := sparse.NewDOK(r.nOwnedSlots*nComponents, part.LocalSize())
	for _, from := range r.senders {
		for i, req := range r.recvCells[from] {
			var (
				slot = r.slotOffset[from] + i
				id   = r.target.Tria.Translator.ToCellID(req.CellIndex)
				fe   = r.target.FE(id)
				nps  = fe.NpScalar()
				I    = r.target.CellDoFIndices(id)
				phi  = r.mappedBasis(req.CellIndex, req.Ref)
			)
			for comp := 0; comp < nComponents; comp++ {
				for s := 0; s < nps; s++ {
					if phi[s] == 0 {
						continue
					}
					loc := part.GlobalToLocal(I[comp*nps+s])
					if loc < 0 {
						panic(fmt.Errorf("evaluation cell DoF %d missing from partitioner", I[comp*nps+s]))
					}
					dok.Set(slot*nComponents+comp, loc, phi[s])
				}
			}
		}
	}
	r.basis = dok.ToCSR()
	r.basisInfo.Wait()
}

// mappedBasis returns the scalar basis values at a reference point of a
// cell, consulting the mapping-info cache first.
func (r *RemotePointEvaluation) mappedBasis(cellIndex int, ref []float64) []float64 {
	key := fmt.Sprintf("%d|%x", cellIndex, quantizeRef(ref))
	if phi, found := r.basisInfo.Get(key); found {
		return phi
	}
	id := r.target.Tria.Translator.ToCellID(cellIndex)
	phi := r.target.FE(id).EvalBasisScalar(ref)
	r.basisInfo.Set(key, phi, int64(8*len(phi)))
	return phi
}

func quantizeRef(ref []float64) (q []int64) {
	q = make([]int64, len(ref))
	for a, x := range ref {
		q[a] = int64(x / pointTol)
	}
	return
}

// EvaluateForward evaluates the distributed field data (local layout of
// the partitioner BuildBasis was given, ghosts fresh) at every local
// point, returning per point the SUM over its claims, one value per
// component. Averaging over multiplicities is the caller's choice.
// Collective.
func (r *RemotePointEvaluation) EvaluateForward(data []float64) (sums [][]float64) {
	out := make([]float64, r.nOwnedSlots*r.nComp)
	r.basis.DoNonZero(func(i, j int, v float64) {
		out[i] += v * data[j]
	})

	var msgs []utils.RankMsg
	for _, from := range r.senders {
		lo := r.slotOffset[from] * r.nComp
		hi := lo + len(r.recvCells[from])*r.nComp
		msgs = append(msgs, utils.RankMsg{To: from, Tag: tagPointValues, Floats: out[lo:hi]})
	}
	recv := r.comm.Exchange(r.myRank, msgs)
	sort.Slice(recv, func(i, j int) bool { return recv[i].From < recv[j].From })

	sums = make([][]float64, r.NPoints)
	for pt := range sums {
		sums[pt] = make([]float64, r.nComp)
	}
	for _, m := range recv {
		order := r.sendOrder[m.From]
		for slot, pt := range order {
			for c := 0; c < r.nComp; c++ {
				sums[pt][c] += m.Floats[slot*r.nComp+c]
			}
		}
	}
	return
}

// EvaluateAdjoint scatters point sources back through the transpose of
// the evaluation operator: each claim of a point receives the point's
// full value, and contributions accumulate into data (owned and ghost
// positions; the caller compresses). Collective.
func (r *RemotePointEvaluation) EvaluateAdjoint(pointVals [][]float64, data []float64) {
	var msgs []utils.RankMsg
	for owner, order := range r.sendOrder {
		vals := make([]float64, len(order)*r.nComp)
		for slot, pt := range order {
			copy(vals[slot*r.nComp:(slot+1)*r.nComp], pointVals[pt])
		}
		msgs = append(msgs, utils.RankMsg{To: owner, Tag: tagPointAdjoint, Floats: vals})
	}
	recv := r.comm.Exchange(r.myRank, msgs)
	sort.Slice(recv, func(i, j int) bool { return recv[i].From < recv[j].From })

	in := make([]float64, r.nOwnedSlots*r.nComp)
	for _, m := range recv {
		lo := r.slotOffset[m.From] * r.nComp
		copy(in[lo:lo+len(m.Floats)], m.Floats)
	}
	r.basis.DoNonZero(func(i, j int, v float64) {
		data[j] += v * in[i]
	})
}
