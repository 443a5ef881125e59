package index

// Flat is an exact index: every query scans every vector.
type Flat struct {
	dim     int
	vectors map[int64][]float64
}

// NewFlat returns an empty exact index.
func NewFlat(dim int) *Flat {
	return &Flat{dim: dim, vectors: make(map[int64][]float64)}
}

func (f *Flat) Insert(id int64, vec []float64) error {
	if err := CheckVector(vec, f.dim); err != nil {
		return err
	}
	f.vectors[id] = normalize(vec)
	return nil
}

func (f *Flat) Delete(id int64) bool {
	_, ok := f.vectors[id]
	delete(f.vectors, id)
	return ok
}

func (f *Flat) Nearest(vec []float64, k int) ([]Match, error) {
	if err := CheckVector(vec, f.dim); err != nil {
		return nil, err
	}
	q := normalize(vec)
	top := newTopK(k)
	for id, v := range f.vectors {
		top.offer(Match{ID: id, Similarity: dot(q, v)})
	}
	return top.sorted(), nil
}

func (f *Flat) Len() int       { return len(f.vectors) }
func (f *Flat) Dimension() int { return f.dim }
func (f *Flat) Kind() Kind     { return KindFlat }
