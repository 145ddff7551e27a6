package vectorstore

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/offlinewiki/wikicore/internal/xerrors"
)

func openTestStore(t *testing.T, dimension int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vectors.db")
	s, err := Open(path, dimension)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t, 3)

	err := s.Put(1, []float32{1, 0, 0})
	require.NoError(t, err)

	v, err := s.Get(1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 0, 0}, v, 1e-6)
}

func TestPutNormalizesNonUnitVectors(t *testing.T) {
	s := openTestStore(t, 2)

	require.NoError(t, s.Put(1, []float32{3, 4}))

	v, err := s.Get(1)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
}

func TestPutRejectsWrongDimension(t *testing.T) {
	s := openTestStore(t, 3)

	err := s.Put(1, []float32{1, 0})
	require.Error(t, err)
	assert.Equal(t, xerrors.VectorDim, xerrors.KindOf(err))
}

func TestPutRejectsNonFinite(t *testing.T) {
	s := openTestStore(t, 2)

	err := s.Put(1, []float32{1, float32(math.Inf(1))})
	require.Error(t, err)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := openTestStore(t, 2)

	_, err := s.Get(42)
	require.Error(t, err)
	assert.Equal(t, xerrors.NotFound, xerrors.KindOf(err))
}

func TestDeleteRemovesVector(t *testing.T) {
	s := openTestStore(t, 2)
	require.NoError(t, s.Put(1, []float32{1, 0}))

	require.NoError(t, s.Delete(1))

	_, err := s.Get(1)
	require.Error(t, err)
}

func TestLenCountsEntries(t *testing.T) {
	s := openTestStore(t, 2)
	require.NoError(t, s.Put(1, []float32{1, 0}))
	require.NoError(t, s.Put(2, []float32{0, 1}))

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSearchOrdersByDescendingCosineSimilarity(t *testing.T) {
	s := openTestStore(t, 2)
	require.NoError(t, s.Put(1, []float32{1, 0}))
	require.NoError(t, s.Put(2, []float32{0, 1}))
	require.NoError(t, s.Put(3, []float32{0.9, 0.1}))

	hits, err := s.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, uint64(1), hits[0].ID)
	assert.Equal(t, uint64(3), hits[1].ID)
}

func TestSearchBreaksTiesByLowerID(t *testing.T) {
	s := openTestStore(t, 2)
	require.NoError(t, s.Put(5, []float32{1, 0}))
	require.NoError(t, s.Put(2, []float32{1, 0}))

	hits, err := s.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, uint64(2), hits[0].ID)
	assert.Equal(t, uint64(5), hits[1].ID)
}

func TestSearchRejectsOutOfRangeK(t *testing.T) {
	s := openTestStore(t, 2)
	require.NoError(t, s.Put(1, []float32{1, 0}))

	_, err := s.Search([]float32{1, 0}, 0)
	require.Error(t, err)

	_, err = s.Search([]float32{1, 0}, 101)
	require.Error(t, err)
}

func TestOpenRejectsDimensionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	s, err := Open(path, 3)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path, 4)
	require.Error(t, err)
}

func TestIterVisitsEveryEntry(t *testing.T) {
	s := openTestStore(t, 2)
	require.NoError(t, s.Put(1, []float32{1, 0}))
	require.NoError(t, s.Put(2, []float32{0, 1}))

	seen := map[uint64]bool{}
	err := s.Iter(func(id uint64, v []float32) errors.E {
		seen[id] = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}
