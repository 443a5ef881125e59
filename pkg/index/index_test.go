package index

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maqeel75/semcache/pkg/models"
)

func randomVectors(n, dim int, seed uint64) map[int64][]float64 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := make(map[int64][]float64, n)
	for i := 1; i <= n; i++ {
		v := make([]float64, dim)
		for j := range v {
			v[j] = rng.NormFloat64()
		}
		out[int64(i)] = v
	}
	return out
}

func allKinds(dim int) []Index {
	return []Index{
		NewFlat(dim),
		NewIVFFlat(dim, IVFFlatOptions{TrainThreshold: 64, Lists: 8, Probes: 8}),
		NewHNSW(dim, HNSWOptions{Seed: 7}),
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" HNSW ")
	require.NoError(t, err)
	assert.Equal(t, KindHNSW, k)

	_, err = ParseKind("btree")
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestNewRejectsBadDimension(t *testing.T) {
	_, err := New(KindFlat, 0)
	assert.ErrorIs(t, err, models.ErrValidation)

	idx, err := New(KindIVFFlat, 4)
	require.NoError(t, err)
	assert.Equal(t, KindIVFFlat, idx.Kind())
	assert.Equal(t, 4, idx.Dimension())
}

func TestCheckVector(t *testing.T) {
	assert.NoError(t, CheckVector([]float64{1, 0}, 2))

	err := CheckVector([]float64{1, 0, 0}, 2)
	var dimErr *models.DimensionError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 2, dimErr.Want)
	assert.Equal(t, 3, dimErr.Got)
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
	assert.ErrorIs(t, err, models.ErrValidation)

	assert.ErrorIs(t, CheckVector([]float64{0, 0}, 2), models.ErrValidation)
	assert.ErrorIs(t, CheckVector([]float64{math.NaN(), 1}, 2), models.ErrValidation)
	assert.ErrorIs(t, CheckVector([]float64{math.Inf(1), 1}, 2), models.ErrValidation)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 2}, []float64{2, 4}), 1e-12)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 3}), 1e-12)
	assert.InDelta(t, -1.0, Cosine([]float64{1, 0}, []float64{-1, 0}), 1e-12)
	assert.Zero(t, Cosine([]float64{0, 0}, []float64{1, 0}))
}

func TestExactNeighbourFirst(t *testing.T) {
	for _, idx := range allKinds(2) {
		t.Run(string(idx.Kind()), func(t *testing.T) {
			require.NoError(t, idx.Insert(1, []float64{1, 0}))
			require.NoError(t, idx.Insert(2, []float64{0, 1}))
			require.NoError(t, idx.Insert(3, []float64{1, 1}))

			got, err := idx.Nearest([]float64{10, 0.1}, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, int64(1), got[0].ID)
			assert.Equal(t, int64(3), got[1].ID)
			assert.Greater(t, got[0].Similarity, got[1].Similarity)
		})
	}
}

func TestTiesBreakBySmallerID(t *testing.T) {
	for _, idx := range allKinds(2) {
		t.Run(string(idx.Kind()), func(t *testing.T) {
			require.NoError(t, idx.Insert(9, []float64{1, 0}))
			require.NoError(t, idx.Insert(4, []float64{2, 0}))

			got, err := idx.Nearest([]float64{1, 0}, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, int64(4), got[0].ID)
			assert.Equal(t, int64(9), got[1].ID)
		})
	}
}

func TestInsertReplacesAndDeleteRemoves(t *testing.T) {
	for _, idx := range allKinds(2) {
		t.Run(string(idx.Kind()), func(t *testing.T) {
			require.NoError(t, idx.Insert(1, []float64{1, 0}))
			require.NoError(t, idx.Insert(2, []float64{0, 1}))
			require.NoError(t, idx.Insert(1, []float64{0, 2}))
			assert.Equal(t, 2, idx.Len())

			got, err := idx.Nearest([]float64{0, 1}, 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, int64(1), got[0].ID)
			assert.InDelta(t, 1.0, got[0].Similarity, 1e-12)

			assert.True(t, idx.Delete(1))
			assert.False(t, idx.Delete(1))
			assert.Equal(t, 1, idx.Len())

			got, err = idx.Nearest([]float64{0, 1}, 5)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, int64(2), got[0].ID)
		})
	}
}

func TestDimensionMismatch(t *testing.T) {
	for _, idx := range allKinds(3) {
		t.Run(string(idx.Kind()), func(t *testing.T) {
			assert.ErrorIs(t, idx.Insert(1, []float64{1, 0}), models.ErrDimensionMismatch)
			require.NoError(t, idx.Insert(1, []float64{1, 0, 0}))
			_, err := idx.Nearest([]float64{1}, 1)
			assert.ErrorIs(t, err, models.ErrDimensionMismatch)
		})
	}
}

func TestEmptyIndex(t *testing.T) {
	for _, idx := range allKinds(2) {
		t.Run(string(idx.Kind()), func(t *testing.T) {
			got, err := idx.Nearest([]float64{1, 0}, 3)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

// A stored vector queried with itself comes back first: always for the exact
// kinds, and for nearly every vector on the graph.
func TestSelfRecall(t *testing.T) {
	const dim = 16
	vectors := randomVectors(500, dim, 42)

	for _, idx := range allKinds(dim) {
		t.Run(string(idx.Kind()), func(t *testing.T) {
			for id, v := range vectors {
				require.NoError(t, idx.Insert(id, v))
			}
			assert.Equal(t, len(vectors), idx.Len())

			found := 0
			for id, v := range vectors {
				got, err := idx.Nearest(v, 1)
				require.NoError(t, err)
				require.Len(t, got, 1)
				if got[0].ID == id {
					found++
					assert.InDelta(t, 1.0, got[0].Similarity, 1e-9)
				}
			}
			if idx.Kind() == KindHNSW {
				assert.GreaterOrEqual(t, found, 475)
			} else {
				assert.Equal(t, len(vectors), found)
			}
		})
	}
}

func TestIVFFlatTrainsAndRetrains(t *testing.T) {
	idx := NewIVFFlat(8, IVFFlatOptions{TrainThreshold: 50, Lists: 4, Probes: 4})
	vectors := randomVectors(120, 8, 3)

	for id := int64(1); id <= 49; id++ {
		require.NoError(t, idx.Insert(id, vectors[id]))
	}
	assert.False(t, idx.trained())

	require.NoError(t, idx.Insert(50, vectors[50]))
	assert.True(t, idx.trained())
	assert.Equal(t, 50, idx.trainedAt)
	assert.Len(t, idx.assigned, 50)

	for id := int64(51); id <= 100; id++ {
		require.NoError(t, idx.Insert(id, vectors[id]))
	}
	assert.Equal(t, 100, idx.trainedAt)
	assert.Len(t, idx.centroids, 4)

	idx.Delete(7)
	assert.Len(t, idx.assigned, 99)
}

func TestHNSWDeleteEntryPoint(t *testing.T) {
	idx := NewHNSW(4, HNSWOptions{Seed: 1})
	vectors := randomVectors(100, 4, 9)
	for id := int64(1); id <= 100; id++ {
		require.NoError(t, idx.Insert(id, vectors[id]))
	}

	for i := 0; i < 10; i++ {
		entry := idx.entry
		require.True(t, idx.Delete(entry))
		_, stillThere := idx.nodes[idx.entry]
		assert.True(t, stillThere)
		for _, n := range idx.nodes {
			assert.LessOrEqual(t, n.level(), idx.maxLevel)
		}
	}
	assert.Equal(t, 90, idx.Len())

	got, err := idx.Nearest(vectors[idx.entry], 5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, idx.entry, got[0].ID)
}
