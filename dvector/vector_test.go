package dvector

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mgtools/mgtransfer/utils"
)

// twoRankPartitioner splits [0,8) into 0..3 and 4..7, each rank ghosting the
// first index of the other's range.
func twoRankPartitioner(c *utils.Comm, myRank int) *Partitioner {
	owned := utils.NewIndexSet(8)
	if myRank == 0 {
		owned.AddRange(0, 4)
	} else {
		owned.AddRange(4, 8)
	}
	owned.Compress()
	var ghosts utils.Index
	if myRank == 0 {
		ghosts = utils.Index{4}
	} else {
		ghosts = utils.Index{0}
	}
	return NewPartitioner(c, myRank, 8, owned, ghosts)
}

func TestPartitionerLayout(t *testing.T) {
	var mu sync.Mutex
	utils.RunRanks(2, func(myRank int, c *utils.Comm) {
		p := twoRankPartitioner(c, myRank)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 4, p.NOwned())
		assert.Equal(t, 1, p.NGhosts())
		assert.Equal(t, 5, p.LocalSize())
		assert.Equal(t, 0, p.OwnerOfIndex(3))
		assert.Equal(t, 1, p.OwnerOfIndex(4))
		if myRank == 0 {
			assert.Equal(t, 2, p.GlobalToLocal(2))
			assert.Equal(t, 4, p.GlobalToLocal(4)) // ghost slot after owned
			assert.Equal(t, -1, p.GlobalToLocal(7))
			assert.Equal(t, 4, p.LocalToGlobal(4))
		} else {
			assert.Equal(t, 0, p.GlobalToLocal(4))
			assert.Equal(t, 4, p.GlobalToLocal(0))
		}
	})
}

func TestGhostUpdateAndCompress(t *testing.T) {
	var mu sync.Mutex
	utils.RunRanks(2, func(myRank int, c *utils.Comm) {
		p := twoRankPartitioner(c, myRank)
		v := NewVector(p)
		for i := 0; i < p.NOwned(); i++ {
			v.Data[i] = float64(p.LocalToGlobal(i))
		}
		v.UpdateGhostValues()
		mu.Lock()
		if myRank == 0 {
			assert.Equal(t, 4.0, v.Data[4])
		} else {
			assert.Equal(t, 0.0, v.Data[4])
		}
		assert.True(t, v.GhostsFresh)
		mu.Unlock()

		// accumulate into the ghost and flush back to the owner
		v.Data[4] += 10
		v.CompressAdd()
		mu.Lock()
		if myRank == 0 {
			// index 0: owned 0 plus rank 1's ghost 0+10
			assert.Equal(t, 10.0, v.Data[0])
		} else {
			// index 4: owned 4 plus rank 0's ghost 4+10
			assert.Equal(t, 18.0, v.Data[0])
		}
		assert.Equal(t, 0.0, v.Data[4]) // ghosts consumed
		assert.False(t, v.GhostsFresh)
		mu.Unlock()
	})
}

func TestNormAndDot(t *testing.T) {
	var mu sync.Mutex
	utils.RunRanks(2, func(myRank int, c *utils.Comm) {
		p := twoRankPartitioner(c, myRank)
		v := NewVector(p)
		w := NewVector(p)
		for i := 0; i < p.NOwned(); i++ {
			v.Data[i] = 1
			w.Data[i] = float64(p.LocalToGlobal(i))
		}
		n2 := v.Norm2Sq()
		d := v.Dot(w)
		mu.Lock()
		assert.True(t, math.Abs(n2-8) < 1.e-12)
		assert.True(t, math.Abs(d-28) < 1.e-12) // 0+1+...+7
		mu.Unlock()
	})
}

func TestCompatibleAndEmbeds(t *testing.T) {
	var mu sync.Mutex
	utils.RunRanks(2, func(myRank int, c *utils.Comm) {
		p := twoRankPartitioner(c, myRank)
		q := twoRankPartitioner(c, myRank)
		// wider ghost set, same owned layout
		owned := utils.NewIndexSet(8)
		if myRank == 0 {
			owned.AddRange(0, 4)
		} else {
			owned.AddRange(4, 8)
		}
		owned.Compress()
		var ghosts utils.Index
		if myRank == 0 {
			ghosts = utils.Index{4, 5}
		} else {
			ghosts = utils.Index{0, 1}
		}
		wide := NewPartitioner(c, myRank, 8, owned, ghosts)
		ok := p.GloballyCompatible(q)
		mu.Lock()
		assert.True(t, ok)
		assert.True(t, p.Compatible(q))
		assert.False(t, p.Compatible(wide))
		assert.True(t, wide.Embeds(p))
		assert.False(t, p.Embeds(wide))
		mu.Unlock()
	})
}

func TestCopyAndAddOwned(t *testing.T) {
	var mu sync.Mutex
	utils.RunRanks(2, func(myRank int, c *utils.Comm) {
		p := twoRankPartitioner(c, myRank)
		v := NewVector(p)
		w := NewVector(p)
		for i := 0; i < p.NOwned(); i++ {
			v.Data[i] = 2
			w.Data[i] = 3
		}
		v.AddOwnedInto(w)
		u := NewVector(p)
		u.CopyOwnedFrom(w)
		mu.Lock()
		assert.Equal(t, 5.0, w.Data[0])
		assert.Equal(t, 5.0, u.Data[p.NOwned()-1])
		mu.Unlock()
	})
}
