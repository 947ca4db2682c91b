package persistence

import (
	"context"
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/cerr"
)

var bucketEmbeddings = []byte("embeddings")

// VectorIndex is an in-memory cosine-similarity index over byte-vector
// embeddings with an optional on-disk bbolt cache, so a restart doesn't
// require re-embedding every memory entry. Index calls are meant to be
// dispatched fire-and-forget from the hot path per spec.md §6; this type
// itself is synchronous — the caller (internal/memory's public-write path
// via Store.maybeIndex, or a skill's own indexing step) decides whether to call it from a
// goroutine.
type VectorIndex struct {
	mu       sync.RWMutex
	vectors  map[string][]float64
	category map[string]string
	db       *bbolt.DB // nil disables the on-disk cache
}

var _ capability.VectorIndex = (*VectorIndex)(nil)

// NewVectorIndex builds an in-memory index with no persistent cache.
func NewVectorIndex() *VectorIndex {
	return &VectorIndex{vectors: make(map[string][]float64), category: make(map[string]string)}
}

// NewVectorIndexWithCache builds an index that also persists embeddings to
// a bbolt-backed cache at path, reloading them at construction time.
func NewVectorIndexWithCache(path string) (*VectorIndex, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindStorage, err, "open vector index cache %q", path)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEmbeddings)
		return err
	}); err != nil {
		db.Close()
		return nil, cerr.Wrap(cerr.KindStorage, err, "create embeddings bucket")
	}

	idx := &VectorIndex{vectors: make(map[string][]float64), category: make(map[string]string), db: db}
	if err := idx.warm(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *VectorIndex) warm() error {
	return idx.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).ForEach(func(k, v []byte) error {
			idx.vectors[string(k)] = decodeFloats(v)
			return nil
		})
	})
}

// Close closes the on-disk cache, if any.
func (idx *VectorIndex) Close() error {
	if idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// Index implements capability.VectorIndex. bytes is embedded with a cheap
// deterministic byte-histogram projection rather than a real model call —
// the core treats embedding generation as an AiProvider-adjacent concern
// out of its scope; this is the reference index a deployment swaps out.
func (idx *VectorIndex) Index(ctx context.Context, key string, value []byte, category string) error {
	vec := embed(value)

	idx.mu.Lock()
	idx.vectors[key] = vec
	idx.category[key] = category
	idx.mu.Unlock()

	if idx.db == nil {
		return nil
	}
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).Put([]byte(key), encodeFloats(vec))
	})
}

// Search implements capability.VectorIndex: cosine similarity against
// every indexed vector, filtered by threshold and capped at k results,
// ranked highest score first with lexical key as the tie-break.
func (idx *VectorIndex) Search(ctx context.Context, query []byte, k int, threshold float64) ([]capability.VectorMatch, error) {
	qvec := embed(query)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matches := make([]capability.VectorMatch, 0, len(idx.vectors))
	for key, vec := range idx.vectors {
		score := cosineSimilarity(qvec, vec)
		if score < threshold {
			continue
		}
		matches = append(matches, capability.VectorMatch{Key: key, Score: score})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// embed projects raw bytes onto a fixed-width histogram, giving similar
// byte content a similar vector without depending on a real embedding
// model. This is a placeholder to keep the reference index self-contained;
// a production deployment supplies a VectorIndex backed by an actual
// embedding service instead.
const embedDim = 32

func embed(value []byte) []float64 {
	vec := make([]float64, embedDim)
	for i, b := range value {
		vec[i%embedDim] += float64(b)
	}
	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func encodeFloats(vec []float64) []byte {
	out := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.BigEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func decodeFloats(raw []byte) []float64 {
	n := len(raw) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))
	}
	return vec
}
