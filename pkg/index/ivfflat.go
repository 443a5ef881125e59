package index

import (
	"math"
	"slices"
)

// IVFFlatOptions tunes an inverted-file index.
type IVFFlatOptions struct {
	// Lists caps the number of k-means clusters (default 100).
	Lists int
	// Probes is how many clusters a query scans (default 10).
	Probes int
	// TrainThreshold is the population at which clustering starts; below it
	// queries scan every vector (default 256).
	TrainThreshold int
	// Iterations bounds each k-means run (default 10).
	Iterations int
}

func (o *IVFFlatOptions) setDefaults() {
	if o.Lists <= 0 {
		o.Lists = 100
	}
	if o.Probes <= 0 {
		o.Probes = 10
	}
	if o.TrainThreshold <= 0 {
		o.TrainThreshold = 256
	}
	if o.Iterations <= 0 {
		o.Iterations = 10
	}
}

// IVFFlat partitions vectors into k-means lists and scans only the lists
// whose centroids are closest to the query.
type IVFFlat struct {
	opts      IVFFlatOptions
	exact     *Flat
	centroids [][]float64
	lists     []map[int64]struct{}
	assigned  map[int64]int
	trainedAt int
}

// NewIVFFlat returns an empty, untrained index.
func NewIVFFlat(dim int, opts IVFFlatOptions) *IVFFlat {
	opts.setDefaults()
	return &IVFFlat{
		opts:     opts,
		exact:    NewFlat(dim),
		assigned: make(map[int64]int),
	}
}

func (x *IVFFlat) trained() bool { return len(x.centroids) > 0 }

func (x *IVFFlat) Insert(id int64, vec []float64) error {
	if err := x.exact.Insert(id, vec); err != nil {
		return err
	}
	x.unassign(id)

	n := x.exact.Len()
	switch {
	case !x.trained() && n >= x.opts.TrainThreshold:
		x.train()
	case x.trained() && n >= 2*x.trainedAt:
		x.train()
	case x.trained():
		x.assign(id, x.exact.vectors[id])
	}
	return nil
}

func (x *IVFFlat) Delete(id int64) bool {
	x.unassign(id)
	return x.exact.Delete(id)
}

func (x *IVFFlat) Nearest(vec []float64, k int) ([]Match, error) {
	if !x.trained() {
		return x.exact.Nearest(vec, k)
	}
	if err := CheckVector(vec, x.exact.dim); err != nil {
		return nil, err
	}
	q := normalize(vec)

	probes := newTopK(min(x.opts.Probes, len(x.centroids)))
	for i, c := range x.centroids {
		probes.offer(Match{ID: int64(i), Similarity: dot(q, c)})
	}

	top := newTopK(k)
	for _, p := range probes.sorted() {
		for id := range x.lists[p.ID] {
			top.offer(Match{ID: id, Similarity: dot(q, x.exact.vectors[id])})
		}
	}
	return top.sorted(), nil
}

func (x *IVFFlat) Len() int       { return x.exact.Len() }
func (x *IVFFlat) Dimension() int { return x.exact.dim }
func (x *IVFFlat) Kind() Kind     { return KindIVFFlat }

func (x *IVFFlat) assign(id int64, v []float64) {
	best, bestSim := 0, math.Inf(-1)
	for i, c := range x.centroids {
		if s := dot(v, c); s > bestSim {
			best, bestSim = i, s
		}
	}
	x.lists[best][id] = struct{}{}
	x.assigned[id] = best
}

func (x *IVFFlat) unassign(id int64) {
	if list, ok := x.assigned[id]; ok {
		delete(x.lists[list], id)
		delete(x.assigned, id)
	}
}

// train runs spherical k-means over the current population. Seeds are
// spread evenly over the ids in ascending order so training is repeatable.
func (x *IVFFlat) train() {
	ids := make([]int64, 0, x.exact.Len())
	for id := range x.exact.vectors {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	nlist := min(x.opts.Lists, max(1, int(math.Sqrt(float64(len(ids))))))
	centroids := make([][]float64, nlist)
	for i := range centroids {
		centroids[i] = slices.Clone(x.exact.vectors[ids[i*len(ids)/nlist]])
	}

	labels := make([]int, len(ids))
	for iter := 0; iter < x.opts.Iterations; iter++ {
		changed := false
		for i, id := range ids {
			v := x.exact.vectors[id]
			best, bestSim := 0, math.Inf(-1)
			for c, centroid := range centroids {
				if s := dot(v, centroid); s > bestSim {
					best, bestSim = c, s
				}
			}
			if iter == 0 || labels[i] != best {
				changed = true
			}
			labels[i] = best
		}
		if !changed {
			break
		}

		sums := make([][]float64, nlist)
		for i, id := range ids {
			c := labels[i]
			if sums[c] == nil {
				sums[c] = make([]float64, x.exact.dim)
			}
			for j, f := range x.exact.vectors[id] {
				sums[c][j] += f
			}
		}
		for c, sum := range sums {
			// An empty cluster keeps its previous centroid.
			if sum == nil || dot(sum, sum) == 0 {
				continue
			}
			centroids[c] = normalize(sum)
		}
	}

	x.centroids = centroids
	x.lists = make([]map[int64]struct{}, nlist)
	for i := range x.lists {
		x.lists[i] = make(map[int64]struct{})
	}
	clear(x.assigned)
	for _, id := range ids {
		x.assign(id, x.exact.vectors[id])
	}
	x.trainedAt = len(ids)
}
