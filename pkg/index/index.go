// Package index finds the cached embeddings nearest to a query vector.
//
// Vectors are normalized on insert so similarity is a dot product. Results
// are approximate for the ivfflat and hnsw kinds; callers re-verify
// candidates against the stored embedding before trusting a score.
package index

import (
	"fmt"
	"math"
	"strings"

	"github.com/maqeel75/semcache/pkg/models"
)

// Kind selects an index implementation.
type Kind string

const (
	KindFlat    Kind = "flat"
	KindIVFFlat Kind = "ivfflat"
	KindHNSW    Kind = "hnsw"
)

// ParseKind validates an index kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindFlat, KindIVFFlat, KindHNSW:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown index kind %q", models.ErrConfig, s)
	}
}

// Match is one nearest-neighbour result.
type Match struct {
	ID         int64
	Similarity float64
}

// Index maps entry ids to embeddings and answers nearest-neighbour queries.
// Implementations are not safe for concurrent writes; the engine serializes
// Insert and Delete and may run Nearest concurrently with other Nearest calls.
type Index interface {
	// Insert adds or replaces the vector for id.
	Insert(id int64, vec []float64) error
	// Delete removes id and reports whether it was present.
	Delete(id int64) bool
	// Nearest returns up to k matches ordered by descending similarity,
	// ties broken by ascending id.
	Nearest(vec []float64, k int) ([]Match, error)
	Len() int
	Dimension() int
	Kind() Kind
}

// New builds an empty index of the given kind.
func New(kind Kind, dim int) (Index, error) {
	if dim <= 0 {
		return nil, models.Validationf("vector dimension must be positive, got %d", dim)
	}
	switch kind {
	case KindFlat:
		return NewFlat(dim), nil
	case KindIVFFlat:
		return NewIVFFlat(dim, IVFFlatOptions{}), nil
	case KindHNSW:
		return NewHNSW(dim, HNSWOptions{}), nil
	default:
		return nil, fmt.Errorf("%w: unknown index kind %q", models.ErrConfig, kind)
	}
}

// CheckVector rejects vectors of the wrong length, with non-finite
// components, or with zero norm.
func CheckVector(vec []float64, dim int) error {
	if len(vec) != dim {
		return &models.DimensionError{Want: dim, Got: len(vec)}
	}
	var sum float64
	for i, f := range vec {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return models.Validationf("embedding component %d is not finite", i)
		}
		sum += f * f
	}
	if sum == 0 {
		return models.Validationf("embedding has zero norm")
	}
	return nil
}

// Cosine returns the cosine similarity of a and b, or 0 if either is zero.
func Cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalize(v []float64) []float64 {
	var sum float64
	for _, f := range v {
		sum += f * f
	}
	n := math.Sqrt(sum)
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = f / n
	}
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// better reports whether a ranks before b.
func better(a, b Match) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return a.ID < b.ID
}

func compareMatch(a, b Match) int {
	switch {
	case better(a, b):
		return -1
	case better(b, a):
		return 1
	default:
		return 0
	}
}
