package correlation

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FrequencyStore accumulates occurrence counts per pattern signature.
// It is LRU-bounded so long-running engines keep a stable footprint;
// a counter is monotonic for as long as its signature stays resident.
type FrequencyStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, int]
}

// NewFrequencyStore creates a store bounded to size signatures.
func NewFrequencyStore(size int) (*FrequencyStore, error) {
	cache, err := lru.New[string, int](size)
	if err != nil {
		return nil, err
	}
	return &FrequencyStore{cache: cache}, nil
}

// Observe adds occurrences to the signature's counter and returns the
// running total.
func (s *FrequencyStore) Observe(signature string, occurrences int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total, _ := s.cache.Get(signature)
	total += occurrences
	s.cache.Add(signature, total)
	return total
}

// Count returns the current total for a signature.
func (s *FrequencyStore) Count(signature string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, _ := s.cache.Get(signature)
	return total
}

// Len returns how many signatures are resident.
func (s *FrequencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
