package index

import (
	"container/heap"
	"slices"
)

// matchHeap is a heap of matches. With worstFirst the root is the weakest
// match, which makes it a bounded result set; otherwise the root is the best
// match, which makes it a candidate queue.
type matchHeap struct {
	items      []Match
	worstFirst bool
}

func (h *matchHeap) Len() int { return len(h.items) }

func (h *matchHeap) Less(i, j int) bool {
	if h.worstFirst {
		return better(h.items[j], h.items[i])
	}
	return better(h.items[i], h.items[j])
}

func (h *matchHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *matchHeap) Push(x any)    { h.items = append(h.items, x.(Match)) }

func (h *matchHeap) Pop() any {
	n := len(h.items)
	m := h.items[n-1]
	h.items = h.items[:n-1]
	return m
}

func (h *matchHeap) peek() Match { return h.items[0] }

// topK keeps the k best matches seen.
type topK struct {
	k int
	h matchHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, h: matchHeap{items: make([]Match, 0, k), worstFirst: true}}
}

func (t *topK) offer(m Match) {
	if t.k <= 0 {
		return
	}
	if t.h.Len() < t.k {
		heap.Push(&t.h, m)
		return
	}
	if better(m, t.h.peek()) {
		t.h.items[0] = m
		heap.Fix(&t.h, 0)
	}
}

// full reports whether k matches are held.
func (t *topK) full() bool { return t.h.Len() >= t.k }

// worst is the weakest held match. Only valid when Len > 0.
func (t *topK) worst() Match { return t.h.peek() }

// sorted returns the held matches, best first.
func (t *topK) sorted() []Match {
	out := slices.Clone(t.h.items)
	slices.SortFunc(out, compareMatch)
	return out
}
