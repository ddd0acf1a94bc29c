package queue

// taskHeap orders entries by descending priority, then by enqueue sequence
// so equal priorities run first-in first-out.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	n := len(*h)
	item := x.(*entry)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// peek returns the head without removing it.
func (h taskHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// victim returns the entry that would run last: the lowest priority, and
// among those the most recently enqueued.
func (h taskHeap) victim() *entry {
	var v *entry
	for _, e := range h {
		if v == nil ||
			e.task.Priority < v.task.Priority ||
			(e.task.Priority == v.task.Priority && e.seq > v.seq) {
			v = e
		}
	}
	return v
}
