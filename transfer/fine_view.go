package transfer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mgtools/mgtransfer/dofs"
	"github.com/mgtools/mgtransfer/mesh"
	"github.com/mgtools/mgtransfer/utils"
)

const (
	tagViewRequest = 200
	tagViewReply   = 201
)

// FineView answers, for a coarse cell or one of its direct children, what
// the fine side looks like there: whether the cell is refined on the fine
// mesh, and the active element index and DoF indices of the fine cell.
// Depending on how the two sides are distributed this is a local lookup
// or served from data fetched during construction.
type FineView interface {
	HasChildren(id mesh.CellID) bool
	CellData(id mesh.CellID) (feIndex int, I utils.Index)
}

// localView serves fine-side data straight from the fine DoFHandler. Used
// when the fine data a rank needs is locally available: same distribution
// on both sides (identity), or a coarse distribution derived from the
// first-child policy.
type localView struct {
	fine       *dofs.DoFHandler
	myRank     int
	checkOwner bool
}

func NewIdentityView(fine *dofs.DoFHandler, myRank int) FineView {
	return &localView{fine: fine, myRank: myRank}
}

// NewFirstChildView serves the children of locally owned coarse cells;
// the first-child distribution guarantees they live on this rank, which
// CellData asserts.
func NewFirstChildView(fine *dofs.DoFHandler, myRank int) FineView {
	return &localView{fine: fine, myRank: myRank, checkOwner: true}
}

func (v *localView) HasChildren(id mesh.CellID) bool { return v.fine.Tria.IsRefined(id) }

func (v *localView) CellData(id mesh.CellID) (feIndex int, I utils.Index) {
	if v.checkOwner && v.fine.Tria.OwnerOf(id) != v.myRank {
		panic(fmt.Errorf("cell %v not owned by rank %d despite first-child distribution", id, v.myRank))
	}
	return v.fine.ActiveFEIndex(id), v.fine.CellDoFIndices(id)
}

// exchangeView fetches remotely owned fine cell data during construction
// and serves it from a cache afterwards. The construction is collective:
// each rank determines the owners of the fine cells backing its coarse
// cells, sends them the cell indices it needs, and the owners reply with
// the active element index and DoF list per cell.
type exchangeView struct {
	fine   *dofs.DoFHandler
	myRank int
	cache  map[int]viewCellData // fine translator index -> data
}

type viewCellData struct {
	FEIndex int
	DoFs    utils.Index
}

// NewPermutationView covers the case of identical active cells under
// different distributions.
func NewPermutationView(coarse, fine *dofs.DoFHandler, comm *utils.Comm, myRank int) (FineView, error) {
	return newExchangeView(coarse, fine, comm, myRank, false)
}

// NewGlobalCoarseningView covers the general case where locally owned
// coarse cells appear on the fine mesh either as themselves or as their
// direct children, under an unrelated distribution. Construction fails,
// identically on every rank, if any coarse cell has no fine counterpart.
func NewGlobalCoarseningView(coarse, fine *dofs.DoFHandler, comm *utils.Comm, myRank int) (FineView, error) {
	return newExchangeView(coarse, fine, comm, myRank, true)
}

func newExchangeView(coarse, fine *dofs.DoFHandler, comm *utils.Comm, myRank int, allowChildren bool) (*exchangeView, error) {
	var (
		v         = &exchangeView{fine: fine, myRank: myRank, cache: make(map[int]viewCellData)}
		ft        = fine.Tria.Translator
		requests  = make(map[int][]int) // owner -> fine translator indices
		unmatched []int                 // coarse translator indices without a fine counterpart
		nChildren = 1 << coarse.Tria.Dim
	)
	for _, id := range coarse.Tria.LocallyOwnedActiveCells(myRank) {
		var targets []mesh.CellID
		switch {
		case fine.Tria.IsActive(id):
			targets = []mesh.CellID{id}
		case allowChildren && fine.Tria.IsRefined(id):
			for c := 0; c < nChildren; c++ {
				targets = append(targets, id.Child(coarse.Tria.Dim, c))
			}
			// a child refined again carries no active data, so the cell
			// has no usable fine counterpart
			for _, tc := range targets {
				if !fine.Tria.IsActive(tc) {
					targets = nil
					break
				}
			}
		}
		if len(targets) == 0 {
			unmatched = append(unmatched, coarse.Tria.Translator.Translate(id))
			continue
		}
		for _, tc := range targets {
			owner := fine.Tria.OwnerOf(tc)
			if owner == myRank {
				v.cache[ft.Translate(tc)] = viewCellData{
					FEIndex: fine.ActiveFEIndex(tc),
					DoFs:    fine.CellDoFIndices(tc),
				}
				continue
			}
			requests[owner] = append(requests[owner], ft.Translate(tc))
		}
	}

	// Round 1: tell each owner which cells we need.
	var msgs []utils.RankMsg
	for owner, idxs := range requests {
		sort.Ints(idxs)
		msgs = append(msgs, utils.RankMsg{To: owner, Tag: tagViewRequest, Ints: idxs})
	}
	incoming := comm.Exchange(myRank, msgs)

	// Round 2: answer with (index, feIndex, nDoFs, dofs...) records.
	msgs = msgs[:0]
	for _, m := range incoming {
		var reply []int
		for _, idx := range m.Ints {
			id := ft.ToCellID(idx)
			if fine.Tria.OwnerOf(id) != myRank || !fine.Tria.IsActive(id) {
				panic(fmt.Errorf("rank %d asked for cell %v this rank does not own", m.From, id))
			}
			I := fine.CellDoFIndices(id)
			reply = append(reply, idx, fine.ActiveFEIndex(id), len(I))
			reply = append(reply, I...)
		}
		msgs = append(msgs, utils.RankMsg{To: m.From, Tag: tagViewReply, Ints: reply})
	}
	for _, m := range comm.Exchange(myRank, msgs) {
		rec := m.Ints
		for len(rec) > 0 {
			idx, fe, n := rec[0], rec[1], rec[2]
			v.cache[idx] = viewCellData{FEIndex: fe, DoFs: utils.Index(rec[3 : 3+n])}
			rec = rec[3+n:]
		}
	}

	// Every rank learns the full unmatched set so the error is identical
	// everywhere.
	allUnmatched := comm.AllGatherInts(myRank, unmatched)
	if len(allUnmatched) > 0 {
		sort.Ints(allUnmatched)
		allUnmatched = dedupInts(allUnmatched)
		var names []string
		for _, idx := range allUnmatched {
			names = append(names, coarse.Tria.Translator.ToCellID(idx).String())
		}
		return nil, fmt.Errorf(
			"coarse cells without a fine counterpart (neither active nor refined once on the fine mesh): %s",
			strings.Join(names, ", "))
	}
	return v, nil
}

func dedupInts(s []int) []int {
	out := s[:0]
	for i, x := range s {
		if i == 0 || x != s[i-1] {
			out = append(out, x)
		}
	}
	return out
}

func (v *exchangeView) HasChildren(id mesh.CellID) bool { return v.fine.Tria.IsRefined(id) }

func (v *exchangeView) CellData(id mesh.CellID) (feIndex int, I utils.Index) {
	d, found := v.cache[v.fine.Tria.Translator.Translate(id)]
	if !found {
		panic(fmt.Errorf("fine data for cell %v was not collected during reinit", id))
	}
	return d.FEIndex, d.DoFs
}
