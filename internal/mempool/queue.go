package mempool

// entryQueue implements heap.Interface over pool entries. Higher priority =
// popped first (max-heap); selection drains a snapshot of the pool through
// this queue to walk entries in priority order.
type entryQueue []*Entry

func (q entryQueue) Len() int { return len(q) }

func (q entryQueue) Less(i, j int) bool {
	return q[i].less(q[j])
}

func (q entryQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *entryQueue) Push(x interface{}) {
	*q = append(*q, x.(*Entry))
}

func (q *entryQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*q = old[:n-1]
	return item
}
