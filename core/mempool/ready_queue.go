package mempool

import (
	"container/heap"
	"sort"
)

// backlog is the slot of one (sender, nonce key) pair. ops is sorted by nonce
// sequence and ops[0] is the only member eligible for bundling.
type backlog struct {
	id  string
	ops []*UserOpInfo

	// position in the ready queue, -1 when absent
	index int
	// insertion order of the current head, breaks fee ties
	seq uint64
}

func (b *backlog) head() *UserOpInfo {
	return b.ops[0]
}

// position returns where sequence belongs in the backlog and whether an
// operation already holds it.
func (b *backlog) position(sequence uint64) (int, bool) {
	pos := sort.Search(len(b.ops), func(i int) bool {
		return b.ops[i].UserOp.NonceSequence() >= sequence
	})
	return pos, pos < len(b.ops) && b.ops[pos].UserOp.NonceSequence() == sequence
}

// readyQueue is a max-heap on head maxFeePerGas, earlier insertion first on ties.
type readyQueue []*backlog

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	c := q[i].head().UserOp.MaxFeePerGas.Cmp(q[j].head().UserOp.MaxFeePerGas)
	if c != 0 {
		return c > 0
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	b := x.(*backlog)
	b.index = len(*q)
	*q = append(*q, b)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	b := old[n-1]
	old[n-1] = nil
	b.index = -1
	*q = old[:n-1]
	return b
}

func (q *readyQueue) push(b *backlog, seq uint64) {
	b.seq = seq
	heap.Push(q, b)
}

func (q *readyQueue) pop() *backlog {
	return heap.Pop(q).(*backlog)
}

func (q *readyQueue) remove(b *backlog) {
	if b.index >= 0 {
		heap.Remove(q, b.index)
	}
}
