package utils

import (
	"fmt"
	"sync"
)

// PartitionMap splits a 1-D index range into ParallelDegree buckets with a
// maximum imbalance of one item.
type PartitionMap struct {
	MaxIndex       int
	ParallelDegree int
	Partitions     [][2]int // Beginning and end index of partitions
}

func NewPartitionMap(ParallelDegree, maxIndex int) (pm *PartitionMap) {
	pm = &PartitionMap{
		MaxIndex:       maxIndex,
		ParallelDegree: ParallelDegree,
		Partitions:     make([][2]int, ParallelDegree),
	}
	for n := 0; n < ParallelDegree; n++ {
		pm.Partitions[n] = pm.Split1D(n)
	}
	return
}

func (pm *PartitionMap) Split1D(threadNum int) (bucket [2]int) {
	var (
		Npart            = pm.MaxIndex / pm.ParallelDegree
		startAdd, endAdd int
		remainder        = pm.MaxIndex % pm.ParallelDegree
	)
	if remainder != 0 { // spread the remainder over the first chunks evenly
		if threadNum+1 > remainder {
			startAdd = remainder
			endAdd = 0
		} else {
			startAdd = threadNum
			endAdd = 1
		}
	}
	bucket[0] = threadNum*Npart + startAdd
	bucket[1] = bucket[0] + Npart + endAdd
	return
}

func (pm *PartitionMap) GetBucketRange(bucketNum int) (kMin, kMax int) {
	kMin, kMax = pm.Partitions[bucketNum][0], pm.Partitions[bucketNum][1]
	return
}

func (pm *PartitionMap) GetBucketDimension(bucketNum int) (kMax int) {
	k1, k2 := pm.GetBucketRange(bucketNum)
	kMax = k2 - k1
	return
}

func (pm *PartitionMap) WhichBucket(k int) (bucketNum int) {
	// Initial guess, then walk
	bucketNum = int(float64(pm.ParallelDegree*k) / float64(pm.MaxIndex))
	if bucketNum >= pm.ParallelDegree {
		bucketNum = pm.ParallelDegree - 1
	}
	for !(pm.Partitions[bucketNum][0] <= k && pm.Partitions[bucketNum][1] > k) {
		if pm.Partitions[bucketNum][0] > k {
			bucketNum--
		} else {
			bucketNum++
		}
		if bucketNum == -1 || bucketNum == pm.ParallelDegree {
			panic(fmt.Errorf("index %d not within [0,%d)", k, pm.MaxIndex))
		}
	}
	return
}

// Barrier is a reusable rendezvous for a fixed number of goroutines.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	n, waiting int
	generation int
}

func NewBarrier(n int) (b *Barrier) {
	b = &Barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return
}

func (b *Barrier) Wait() {
	b.mu.Lock()
	gen := b.generation
	b.waiting++
	if b.waiting == b.n {
		b.waiting = 0
		b.generation++
		b.cond.Broadcast()
	} else {
		for gen == b.generation {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}

// RankMsg is the single point-to-point payload type: flat integer and float
// arrays plus a tag discriminating the exchange round.
type RankMsg struct {
	From, To, Tag int
	Ints          []int
	Floats        []float64
}

type MailBox[T any] struct {
	NP           int
	MessageChans []chan []T // One for each thread
	PostMsgQs    []map[int][]T
}

func NewMailBox[T any](NP int) (mb *MailBox[T]) {
	mb = &MailBox[T]{
		NP:           NP,
		MessageChans: make([]chan []T, NP),
		PostMsgQs:    make([]map[int][]T, NP),
	}
	for n := 0; n < NP; n++ {
		mb.MessageChans[n] = make(chan []T, NP) // Worst case is all-to-all
		mb.PostMsgQs[n] = make(map[int][]T)
	}
	return
}

func (mb *MailBox[T]) PostMessage(myThread, targetThread int, msg T) {
	mb.PostMsgQs[myThread][targetThread] = append(mb.PostMsgQs[myThread][targetThread], msg)
}

func (mb *MailBox[T]) DeliverMyMessages(myThread int) {
	for targetThread, q := range mb.PostMsgQs[myThread] {
		if targetThread < 0 || targetThread > mb.NP-1 {
			panic(fmt.Sprintf("target thread %d out of bounds", targetThread))
		}
		mb.MessageChans[targetThread] <- q
		delete(mb.PostMsgQs[myThread], targetThread)
	}
}

func (mb *MailBox[T]) ReceiveMyMessages(myThread int) (msgs []T) {
	for {
		select {
		case q := <-mb.MessageChans[myThread]:
			msgs = append(msgs, q...)
		default:
			return
		}
	}
}

// Comm simulates a distributed-memory communicator: NP ranks running as
// goroutines, exchanging data only through the mailbox and reductions.
// All methods taking myRank must be called by every rank (collectives).
type Comm struct {
	NP       int
	barrier  *Barrier
	mail     *MailBox[RankMsg]
	scratch  [][]float64 // reduction slots, one per rank
	scratchI [][]int
}

func NewComm(NP int) (c *Comm) {
	c = &Comm{
		NP:       NP,
		barrier:  NewBarrier(NP),
		mail:     NewMailBox[RankMsg](NP),
		scratch:  make([][]float64, NP),
		scratchI: make([][]int, NP),
	}
	return
}

func (c *Comm) Barrier() { c.barrier.Wait() }

// StartExchange posts msgs (each carries its destination in To) and hands
// them to the mailbox without blocking, allowing local work to overlap the
// round. Every StartExchange must be matched by exactly one FinishExchange
// on the same rank; at most one round may be outstanding per Comm.
func (c *Comm) StartExchange(myRank int, msgs []RankMsg) {
	for _, m := range msgs {
		m.From = myRank
		c.mail.PostMessage(myRank, m.To, m)
	}
	c.mail.DeliverMyMessages(myRank)
}

// FinishExchange completes the round started by StartExchange and returns
// the messages addressed to myRank, in no guaranteed order. Collective.
func (c *Comm) FinishExchange(myRank int) (recv []RankMsg) {
	c.barrier.Wait()
	recv = c.mail.ReceiveMyMessages(myRank)
	c.barrier.Wait()
	return
}

// Exchange is StartExchange immediately followed by FinishExchange.
// Collective: every rank must call it, even with no messages to send.
func (c *Comm) Exchange(myRank int, msgs []RankMsg) (recv []RankMsg) {
	c.StartExchange(myRank, msgs)
	recv = c.FinishExchange(myRank)
	return
}

// RunRanks runs body on NP rank goroutines sharing one communicator and
// waits for all of them.
func RunRanks(NP int, body func(myRank int, c *Comm)) {
	var (
		c  = NewComm(NP)
		wg = sync.WaitGroup{}
	)
	for np := 0; np < NP; np++ {
		wg.Add(1)
		go func(np int) {
			defer wg.Done()
			body(np, c)
		}(np)
	}
	wg.Wait()
}

// AllReduceSum sums vals element-wise over all ranks. Collective.
func (c *Comm) AllReduceSum(myRank int, vals []float64) (out []float64) {
	c.scratch[myRank] = vals
	c.barrier.Wait()
	out = make([]float64, len(vals))
	for np := 0; np < c.NP; np++ {
		for i, v := range c.scratch[np] {
			out[i] += v
		}
	}
	c.barrier.Wait()
	return
}

// AllReduceMaxInt takes the element-wise maximum over all ranks. Collective.
func (c *Comm) AllReduceMaxInt(myRank int, vals []int) (out []int) {
	c.scratchI[myRank] = vals
	c.barrier.Wait()
	out = make([]int, len(vals))
	copy(out, vals)
	for np := 0; np < c.NP; np++ {
		for i, v := range c.scratchI[np] {
			if v > out[i] {
				out[i] = v
			}
		}
	}
	c.barrier.Wait()
	return
}

// AllGatherInts concatenates each rank's contribution in rank order.
// Collective.
func (c *Comm) AllGatherInts(myRank int, vals []int) (out []int) {
	c.scratchI[myRank] = vals
	c.barrier.Wait()
	for np := 0; np < c.NP; np++ {
		out = append(out, c.scratchI[np]...)
	}
	c.barrier.Wait()
	return
}
