package utils

import (
	"fmt"
	"sort"
)

type Index []int

func NewIndex(N int) (I Index) {
	return make(Index, N)
}

func NewRange(rmin, rmax int) (r Index) {
	var (
		size = rmax - rmin + 1 // INCLUSIVE RANGE
	)
	r = make(Index, size)
	for i := range r {
		r[i] = i + rmin
	}
	return
}

// IndexSet is an ordered set of non-negative integers drawn from a global
// index space of fixed size, stored as sorted disjoint half-open ranges.
type IndexSet struct {
	Size   int // size of the enclosing index space
	ranges [][2]int
	dirty  bool
}

func NewIndexSet(size int) (is *IndexSet) {
	is = &IndexSet{Size: size}
	return
}

func (is *IndexSet) AddRange(lo, hi int) {
	if lo >= hi {
		return
	}
	if lo < 0 || hi > is.Size {
		err := fmt.Errorf("range [%d,%d) outside of index space of size %d", lo, hi, is.Size)
		panic(err)
	}
	is.ranges = append(is.ranges, [2]int{lo, hi})
	is.dirty = true
}

func (is *IndexSet) AddIndex(i int) {
	is.AddRange(i, i+1)
}

func (is *IndexSet) AddIndices(I Index) {
	for _, i := range I {
		is.AddIndex(i)
	}
}

// Compress sorts and merges overlapping or adjacent ranges. All query
// methods call it implicitly.
func (is *IndexSet) Compress() {
	if !is.dirty || len(is.ranges) == 0 {
		is.dirty = false
		return
	}
	sort.Slice(is.ranges, func(i, j int) bool {
		return is.ranges[i][0] < is.ranges[j][0]
	})
	merged := is.ranges[:1]
	for _, r := range is.ranges[1:] {
		last := &merged[len(merged)-1]
		if r[0] <= last[1] {
			if r[1] > last[1] {
				last[1] = r[1]
			}
		} else {
			merged = append(merged, r)
		}
	}
	is.ranges = merged
	is.dirty = false
}

func (is *IndexSet) Count() (n int) {
	is.Compress()
	for _, r := range is.ranges {
		n += r[1] - r[0]
	}
	return
}

func (is *IndexSet) IsElement(i int) bool {
	is.Compress()
	pos := sort.Search(len(is.ranges), func(k int) bool {
		return is.ranges[k][1] > i
	})
	return pos < len(is.ranges) && is.ranges[pos][0] <= i
}

// PositionOf returns the zero-based position of i within the set, or -1.
func (is *IndexSet) PositionOf(i int) (pos int) {
	is.Compress()
	pos = -1
	var below int
	for _, r := range is.ranges {
		if i >= r[1] {
			below += r[1] - r[0]
			continue
		}
		if i >= r[0] {
			pos = below + i - r[0]
		}
		return
	}
	return
}

// NthIndex is the inverse of PositionOf.
func (is *IndexSet) NthIndex(n int) (i int) {
	is.Compress()
	for _, r := range is.ranges {
		if n < r[1]-r[0] {
			i = r[0] + n
			return
		}
		n -= r[1] - r[0]
	}
	err := fmt.Errorf("position %d beyond set of %d elements", n, is.Count())
	panic(err)
}

func (is *IndexSet) Elements() (I Index) {
	is.Compress()
	I = make(Index, 0, is.Count())
	for _, r := range is.ranges {
		for i := r[0]; i < r[1]; i++ {
			I = append(I, i)
		}
	}
	return
}

func (is *IndexSet) Ranges() [][2]int {
	is.Compress()
	return is.ranges
}
