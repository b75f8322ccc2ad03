package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionMap(t *testing.T) {
	{
		pm := NewPartitionMap(4, 10)
		total := 0
		for b := 0; b < 4; b++ {
			lo, hi := pm.GetBucketRange(b)
			total += hi - lo
			assert.Equal(t, hi-lo, pm.GetBucketDimension(b))
		}
		assert.Equal(t, 10, total)
		for k := 0; k < 10; k++ {
			b := pm.WhichBucket(k)
			lo, hi := pm.GetBucketRange(b)
			assert.True(t, lo <= k && k < hi)
		}
	}
}

func TestExchange(t *testing.T) {
	// Every rank sends its rank number to every other rank.
	{
		NP := 4
		var mu sync.Mutex
		got := make(map[int][]int)
		RunRanks(NP, func(myRank int, c *Comm) {
			var msgs []RankMsg
			for to := 0; to < NP; to++ {
				if to == myRank {
					continue
				}
				msgs = append(msgs, RankMsg{To: to, Tag: 7, Ints: []int{myRank}})
			}
			recv := c.Exchange(myRank, msgs)
			var senders []int
			for _, m := range recv {
				assert.Equal(t, 7, m.Tag)
				senders = append(senders, m.Ints[0])
			}
			mu.Lock()
			got[myRank] = senders
			mu.Unlock()
		})
		for r := 0; r < NP; r++ {
			assert.Len(t, got[r], NP-1)
		}
	}
}

func TestCollectives(t *testing.T) {
	{
		NP := 3
		RunRanks(NP, func(myRank int, c *Comm) {
			sum := c.AllReduceSum(myRank, []float64{float64(myRank), 1})
			assert.True(t, near(sum[0], 3)) // 0+1+2
			assert.True(t, near(sum[1], 3))

			mx := c.AllReduceMaxInt(myRank, []int{myRank * 10})
			assert.Equal(t, 20, mx[0])

			all := c.AllGatherInts(myRank, []int{myRank, myRank})
			assert.Equal(t, []int{0, 0, 1, 1, 2, 2}, all)
		})
	}
}

func TestTwoPhaseExchangeOverlap(t *testing.T) {
	// Local work between start and finish must not disturb the round.
	{
		NP := 2
		RunRanks(NP, func(myRank int, c *Comm) {
			other := 1 - myRank
			c.StartExchange(myRank, []RankMsg{{To: other, Tag: 1, Floats: []float64{float64(myRank)}}})
			local := 0.0
			for i := 0; i < 100; i++ {
				local += float64(i)
			}
			recv := c.FinishExchange(myRank)
			assert.Len(t, recv, 1)
			assert.True(t, near(recv[0].Floats[0]+local, float64(other)+4950))
		})
	}
}
