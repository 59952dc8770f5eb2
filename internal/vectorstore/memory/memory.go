package memory

import (
	"sync"

	"photomatch/internal/domain"
	"photomatch/internal/embedding"
)

// Storage is the in-memory embedding database ranked by brute force.
// Every contained vector has the length the snapshot was loaded for.
type Storage struct {
	mu        sync.RWMutex
	loaded    bool
	dimension int
	records   []domain.EmbeddingRecord
}

func NewStorage() *Storage { return &Storage{} }

// Load shape-adapts and normalizes raw to expectedDimension and replaces the
// current contents. The new snapshot is built before the lock is taken, so
// readers observe either the previous or the new collection.
func (s *Storage) Load(raw []domain.RawRecord, expectedDimension int) {
	records := make([]domain.EmbeddingRecord, 0, len(raw))
	for _, r := range raw {
		records = append(records, domain.EmbeddingRecord{
			ID:     r.ID,
			Image:  r.Image,
			Vector: embedding.Prepare(r.Vector, expectedDimension),
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	s.dimension = expectedDimension
	s.loaded = true
}

func (s *Storage) IsLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// All returns the records in insertion order. The slice is a snapshot; a
// later Load does not modify it.
func (s *Storage) All() []domain.EmbeddingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records
}

func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Dimension returns the expected dimension of the current snapshot; zero
// means vectors were kept at their native length.
func (s *Storage) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

// Snapshot returns the records together with the dimension they were
// adapted to.
func (s *Storage) Snapshot() ([]domain.EmbeddingRecord, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records, s.dimension
}

// Get looks up a record by identifier.
func (s *Storage) Get(id string) (domain.EmbeddingRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.ID == id {
			return r, true
		}
	}
	return domain.EmbeddingRecord{}, false
}
