// Package vectorstore is the persistent map from article id to a
// unit-normalized embedding vector, backed by a memory-mapped bbolt
// environment, with exact top-k cosine search.
package vectorstore

import (
	"container/heap"
	"encoding/binary"
	"math"
	"runtime"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"
	"gitlab.com/tozd/go/errors"

	"github.com/offlinewiki/wikicore/internal/xerrors"
)

var (
	vectorsBucket = []byte("vectors")
	metaBucket    = []byte("meta")
	dimensionKey  = []byte("dimension")
)

// Store is a memory-mapped key/value map from article id to embedding.
type Store struct {
	db        *bolt.DB
	dimension int
}

// Open opens (creating if absent) a memory-mapped environment at path.
// If the store already holds a dimension, it must match dimension;
// otherwise dimension is recorded.
func Open(path string, dimension int) (*Store, errors.E) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.StorageIo, err, "opening vector store")
	}

	s := &Store{db: db, dimension: dimension}

	err = db.Update(func(tx *bolt.Tx) error {
		vb, err := tx.CreateBucketIfNotExists(vectorsBucket)
		if err != nil {
			return err
		}
		_ = vb
		mb, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		existing := mb.Get(dimensionKey)
		if existing == nil {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(dimension)) //nolint:gosec
			return mb.Put(dimensionKey, buf)
		}
		if len(existing) != 4 {
			return errDimensionCorrupt
		}
		storedDim := int(binary.LittleEndian.Uint32(existing))
		if storedDim != dimension {
			return errDimensionMismatch
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		if err == errDimensionMismatch {
			return nil, xerrors.Newf(xerrors.VectorDim, "vector store dimension mismatch: store has a different dimension than %d", dimension)
		}
		if err == errDimensionCorrupt {
			return nil, xerrors.New(xerrors.DataCorruption, "vector store meta record is corrupt")
		}
		return nil, xerrors.Wrap(xerrors.StorageIo, err, "initializing vector store")
	}

	return s, nil
}

var (
	errDimensionMismatch = errors.New("dimension mismatch")
	errDimensionCorrupt  = errors.New("dimension meta corrupt")
)

// Close releases the memory-mapped environment.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dimension returns the fixed vector length enforced by this store.
func (s *Store) Dimension() int {
	return s.dimension
}

func idKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4+4*len(v))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(v))) //nolint:gosec
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4+4*i:8+4*i], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, errors.E) {
	if len(buf) < 4 {
		return nil, xerrors.New(xerrors.DataCorruption, "vector record too short")
	}
	length := int(binary.LittleEndian.Uint32(buf[:4]))
	if len(buf) != 4+4*length {
		return nil, xerrors.New(xerrors.DataCorruption, "vector record length does not match stored length")
	}
	v := make([]float32, length)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4+4*i : 8+4*i]))
	}
	return v, nil
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 || math.Abs(norm-1) < 1e-4 {
		return v
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

func isFinite(v []float32) bool {
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return false
		}
	}
	return true
}

// Put stores the embedding for id, L2-normalizing it if it is not already
// unit length. The vector's length must equal the store's dimension and
// every component must be finite.
func (s *Store) Put(id uint64, v []float32) errors.E {
	if len(v) != s.dimension {
		return xerrors.Newf(xerrors.VectorDim, "vector has length %d, store dimension is %d", len(v), s.dimension)
	}
	if !isFinite(v) {
		return xerrors.New(xerrors.Validation, "vector contains a non-finite component")
	}

	v = normalize(v)

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(vectorsBucket).Put(idKey(id), encodeVector(v))
	})
	return xerrors.Wrap(xerrors.StorageIo, err, "writing vector")
}

// Get fetches the embedding for id.
func (s *Store) Get(id uint64) ([]float32, errors.E) {
	var v []float32
	var errE errors.E
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(vectorsBucket).Get(idKey(id))
		if buf == nil {
			errE = xerrors.Newf(xerrors.NotFound, "no embedding for article %d", id)
			return nil
		}
		v, errE = decodeVector(buf)
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.StorageIo, err, "reading vector")
	}
	if errE != nil {
		return nil, errE
	}
	return v, nil
}

// Delete removes the embedding for id, if any.
func (s *Store) Delete(id uint64) errors.E {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(vectorsBucket).Delete(idKey(id))
	})
	return xerrors.Wrap(xerrors.StorageIo, err, "deleting vector")
}

// Len returns the number of stored embeddings.
func (s *Store) Len() (int, errors.E) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(vectorsBucket).Stats().KeyN
		return nil
	})
	return n, xerrors.Wrap(xerrors.StorageIo, err, "counting vectors")
}

// Iter calls fn for every (id, vector) pair, in ascending id order, for
// maintenance tasks. (The embed-backfill anti-join uses HasID instead.)
func (s *Store) Iter(fn func(id uint64, v []float32) errors.E) errors.E {
	var errE errors.E
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(vectorsBucket).Cursor()
		for k, buf := c.First(); k != nil; k, buf = c.Next() {
			id := binary.BigEndian.Uint64(k)
			v, decErr := decodeVector(buf)
			if decErr != nil {
				errE = decErr
				return nil
			}
			if errE = fn(id, v); errE != nil {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.StorageIo, err, "iterating vectors")
	}
	return errE
}

// HasID reports whether an embedding exists for id, used by the
// orchestrator's backfill anti-join without decoding the vector.
func (s *Store) HasID(id uint64) (bool, errors.E) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(vectorsBucket).Get(idKey(id)) != nil
		return nil
	})
	return found, xerrors.Wrap(xerrors.StorageIo, err, "checking vector presence")
}

// scored is one candidate in the top-k min-heap.
type scored struct {
	id    uint64
	score float32
}

// scoredHeap is a min-heap ordered by score ascending (so the smallest of
// the current top-k sits at the root and is evicted first), with ties
// broken so that the *larger* id sits at the root (evicted first),
// matching the "ties broken by lower id" order of the final merged output,
// which Search sorts by score descending, then id ascending.
type scoredHeap []scored

func (h scoredHeap) Len() int { return len(h) }
func (h scoredHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].id > h[j].id
}
func (h scoredHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x any)        { *h = append(*h, x.(scored)) }
func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Search returns the top-k articles by cosine similarity to q, descending,
// ties broken by lower id. q need not be pre-normalized. The scan is
// parallelized across a fixed worker pool but the merged output is always
// in the same sorted order regardless of worker count.
func (s *Store) Search(q []float32, k int) ([]struct {
	ID    uint64
	Score float32
}, errors.E) {
	if k < 1 || k > 100 {
		return nil, xerrors.New(xerrors.Validation, "k must be in [1, 100]")
	}
	if len(q) != s.dimension {
		return nil, xerrors.Newf(xerrors.VectorDim, "query vector has length %d, store dimension is %d", len(q), s.dimension)
	}

	q = normalize(q)

	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}

	type shard struct {
		ids   []uint64
		bufs  [][]byte
	}
	shards := make([]shard, workers)

	var errE errors.E
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(vectorsBucket).Cursor()
		i := 0
		for k, buf := c.First(); k != nil; k, buf = c.Next() {
			sh := i % workers
			shards[sh].ids = append(shards[sh].ids, binary.BigEndian.Uint64(k))
			cp := make([]byte, len(buf))
			copy(cp, buf)
			shards[sh].bufs = append(shards[sh].bufs, cp)
			i++
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.StorageIo, err, "scanning vectors")
	}

	results := make([]scoredHeap, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := &scoredHeap{}
			heap.Init(h)
			for i, id := range shards[w].ids {
				v, decErr := decodeVector(shards[w].bufs[i])
				if decErr != nil {
					mu.Lock()
					if errE == nil {
						errE = decErr
					}
					mu.Unlock()
					continue
				}
				score := dot(q, v)
				if h.Len() < k {
					heap.Push(h, scored{id: id, score: score})
				} else if (*h)[0].score < score || ((*h)[0].score == score && (*h)[0].id > id) {
					heap.Pop(h)
					heap.Push(h, scored{id: id, score: score})
				}
			}
			results[w] = *h
		}()
	}
	wg.Wait()

	if errE != nil {
		return nil, errE
	}

	var merged []scored
	for _, h := range results {
		merged = append(merged, h...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		return merged[i].id < merged[j].id
	})
	if len(merged) > k {
		merged = merged[:k]
	}

	out := make([]struct {
		ID    uint64
		Score float32
	}, len(merged))
	for i, m := range merged {
		out[i].ID = m.id
		out[i].Score = m.score
	}
	return out, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
