package queue

import (
	"container/heap"

	"github.com/srg/bleorchd/internal/request"
)

// heapItem pairs a Request with its insertion sequence so equal-priority
// requests dispatch in insertion order (spec.md §5's ordering guarantee).
type heapItem struct {
	req *request.Request
	seq int64
}

// priorityHeap is a container/heap.Interface over heapItems ordered by
// (priority ascending, sequence ascending) — HIGH(0) dispatches before
// NORMAL(1) before LOW(2).
type priorityHeap []*heapItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) {
	*h = append(*h, x.(*heapItem))
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*priorityHeap)(nil)
