package rag

import (
	"errors"
	"math"
	"sort"
	"sync"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ScoredChunk is a search hit.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// Store is a brute-force in-memory vector index. All vectors share one
// dimension, fixed by the first Add.
type Store struct {
	mu      sync.RWMutex
	dim     int
	chunks  []Chunk
	vectors [][]float32
}

func NewStore() *Store { return &Store{} }

// Add appends chunks with their vectors, co-indexed.
func (s *Store) Add(chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return errors.New("chunks and vectors length mismatch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dim
	for _, v := range vectors {
		if dim == 0 {
			dim = len(v)
		}
		if len(v) != dim || dim == 0 {
			return ErrDimensionMismatch
		}
	}
	s.dim = dim
	s.chunks = append(s.chunks, chunks...)
	s.vectors = append(s.vectors, vectors...)
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func (s *Store) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Search returns up to k chunks by descending cosine similarity to query.
// Equal scores keep insertion order.
func (s *Store) Search(query []float32, k int) ([]ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.chunks) == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != s.dim {
		return nil, ErrDimensionMismatch
	}

	hits := make([]ScoredChunk, len(s.chunks))
	for i := range s.chunks {
		hits[i] = ScoredChunk{Chunk: s.chunks[i], Score: cosine(query, s.vectors[i])}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// cosine is zero when either vector has no magnitude.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
