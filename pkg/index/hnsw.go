package index

import (
	"container/heap"
	"math"
	"math/rand/v2"
	"slices"
)

// HNSWOptions tunes a hierarchical navigable small world graph.
type HNSWOptions struct {
	// M is the neighbour count per node above layer 0 (default 16).
	// Layer 0 keeps 2*M.
	M int
	// EfConstruction is the candidate list size while inserting (default 64).
	EfConstruction int
	// EfSearch is the minimum candidate list size while querying (default 40).
	EfSearch int
	// Seed makes level assignment repeatable.
	Seed uint64
}

func (o *HNSWOptions) setDefaults() {
	if o.M <= 0 {
		o.M = 16
	}
	if o.EfConstruction <= 0 {
		o.EfConstruction = 64
	}
	if o.EfSearch <= 0 {
		o.EfSearch = 40
	}
}

type hnswNode struct {
	vec     []float64
	friends [][]int64 // per layer, 0..level
}

func (n *hnswNode) level() int { return len(n.friends) - 1 }

// HNSW is a layered proximity graph searched greedily from the top layer.
type HNSW struct {
	opts      HNSWOptions
	dim       int
	levelMult float64
	rng       *rand.Rand
	nodes     map[int64]*hnswNode
	entry     int64
	maxLevel  int
}

// NewHNSW returns an empty graph.
func NewHNSW(dim int, opts HNSWOptions) *HNSW {
	opts.setDefaults()
	return &HNSW{
		opts:      opts,
		dim:       dim,
		levelMult: 1 / math.Log(float64(opts.M)),
		rng:       rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		nodes:     make(map[int64]*hnswNode),
		maxLevel:  -1,
	}
}

func (h *HNSW) maxFriends(layer int) int {
	if layer == 0 {
		return 2 * h.opts.M
	}
	return h.opts.M
}

func (h *HNSW) randomLevel() int {
	return int(math.Floor(-math.Log(1-h.rng.Float64()) * h.levelMult))
}

func (h *HNSW) Insert(id int64, vec []float64) error {
	if err := CheckVector(vec, h.dim); err != nil {
		return err
	}
	if _, ok := h.nodes[id]; ok {
		h.Delete(id)
	}

	level := h.randomLevel()
	node := &hnswNode{vec: normalize(vec), friends: make([][]int64, level+1)}
	h.nodes[id] = node

	if h.maxLevel < 0 {
		h.entry, h.maxLevel = id, level
		return nil
	}

	ep := h.entry
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedy(node.vec, ep, l)
	}
	eps := []int64{ep}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		found := h.searchLayer(node.vec, eps, h.opts.EfConstruction, l)
		limit := h.maxFriends(l)
		for _, m := range found[:min(limit, len(found))] {
			node.friends[l] = append(node.friends[l], m.ID)
			h.link(m.ID, id, l)
		}
		eps = eps[:0]
		for _, m := range found {
			eps = append(eps, m.ID)
		}
	}

	if level > h.maxLevel {
		h.entry, h.maxLevel = id, level
	}
	return nil
}

// link adds to as a neighbour of from on layer, pruning from's list to the
// closest maxFriends when it overflows.
func (h *HNSW) link(from, to int64, layer int) {
	n, ok := h.nodes[from]
	if !ok || n.level() < layer || slices.Contains(n.friends[layer], to) {
		return
	}
	n.friends[layer] = append(n.friends[layer], to)
	if len(n.friends[layer]) > h.maxFriends(layer) {
		n.friends[layer] = h.closest(n.vec, n.friends[layer], h.maxFriends(layer))
	}
}

// closest returns the limit ids nearest to vec, best first.
func (h *HNSW) closest(vec []float64, ids []int64, limit int) []int64 {
	top := newTopK(limit)
	for _, id := range ids {
		if n, ok := h.nodes[id]; ok {
			top.offer(Match{ID: id, Similarity: dot(vec, n.vec)})
		}
	}
	out := make([]int64, 0, limit)
	for _, m := range top.sorted() {
		out = append(out, m.ID)
	}
	return out
}

// Delete unlinks id and reconnects its former neighbours to each other.
func (h *HNSW) Delete(id int64) bool {
	node, ok := h.nodes[id]
	if !ok {
		return false
	}
	delete(h.nodes, id)

	for l, friends := range node.friends {
		for _, f := range friends {
			fn, ok := h.nodes[f]
			if !ok || fn.level() < l {
				continue
			}
			fn.friends[l] = slices.DeleteFunc(fn.friends[l], func(x int64) bool { return x == id })
			candidates := slices.Clone(fn.friends[l])
			for _, other := range friends {
				if other != f && !slices.Contains(candidates, other) {
					if on, ok := h.nodes[other]; ok && on.level() >= l {
						candidates = append(candidates, other)
					}
				}
			}
			fn.friends[l] = h.closest(fn.vec, candidates, h.maxFriends(l))
		}
	}

	if id == h.entry {
		h.pickEntry()
	}
	return true
}

// pickEntry promotes the highest remaining node, lowest id on ties.
func (h *HNSW) pickEntry() {
	h.maxLevel = -1
	for id, n := range h.nodes {
		if n.level() > h.maxLevel || (n.level() == h.maxLevel && id < h.entry) {
			h.entry, h.maxLevel = id, n.level()
		}
	}
}

func (h *HNSW) Nearest(vec []float64, k int) ([]Match, error) {
	if err := CheckVector(vec, h.dim); err != nil {
		return nil, err
	}
	if h.maxLevel < 0 || k <= 0 {
		return nil, nil
	}
	q := normalize(vec)
	ep := h.entry
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedy(q, ep, l)
	}
	found := h.searchLayer(q, []int64{ep}, max(h.opts.EfSearch, k), 0)
	return found[:min(k, len(found))], nil
}

// greedy walks layer towards q from ep and returns the closest node reached.
func (h *HNSW) greedy(q []float64, ep int64, layer int) int64 {
	best := ep
	bestSim := dot(q, h.nodes[ep].vec)
	for improved := true; improved; {
		improved = false
		for _, f := range h.nodes[best].friends[layer] {
			n, ok := h.nodes[f]
			if !ok {
				continue
			}
			if s := dot(q, n.vec); s > bestSim || (s == bestSim && f < best) {
				best, bestSim, improved = f, s, true
			}
		}
	}
	return best
}

// searchLayer is the beam search of one layer. It returns up to ef matches,
// best first.
func (h *HNSW) searchLayer(q []float64, eps []int64, ef int, layer int) []Match {
	visited := make(map[int64]struct{}, ef*4)
	candidates := &matchHeap{}
	results := newTopK(ef)

	for _, ep := range eps {
		n, ok := h.nodes[ep]
		if !ok {
			continue
		}
		visited[ep] = struct{}{}
		m := Match{ID: ep, Similarity: dot(q, n.vec)}
		heap.Push(candidates, m)
		results.offer(m)
	}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(Match)
		if results.full() && better(results.worst(), c) {
			break
		}
		node := h.nodes[c.ID]
		if node.level() < layer {
			continue
		}
		for _, f := range node.friends[layer] {
			if _, seen := visited[f]; seen {
				continue
			}
			visited[f] = struct{}{}
			fn, ok := h.nodes[f]
			if !ok {
				continue
			}
			m := Match{ID: f, Similarity: dot(q, fn.vec)}
			if !results.full() || better(m, results.worst()) {
				heap.Push(candidates, m)
				results.offer(m)
			}
		}
	}
	return results.sorted()
}

func (h *HNSW) Len() int       { return len(h.nodes) }
func (h *HNSW) Dimension() int { return h.dim }
func (h *HNSW) Kind() Kind     { return KindHNSW }
