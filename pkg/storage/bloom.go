package storage

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/ipfs/go-cid"
)

const (
	falsePositive = 0.01

	minBloomEstimate = 1024
)

// SeenFilter is a probabilistic set of CIDs. A negative answer is exact,
// a positive one has to be confirmed against the backing store.
type SeenFilter struct {
	mu sync.Mutex
	b  *bloom.BloomFilter
}

func NewSeenFilter(expected uint) *SeenFilter {
	if expected < minBloomEstimate {
		expected = minBloomEstimate
	}

	return &SeenFilter{b: bloom.NewWithEstimates(expected, falsePositive)}
}

func (s *SeenFilter) Add(id cid.Cid) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.b.Add(id.Bytes())
}

func (s *SeenFilter) MaybeHas(id cid.Cid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.b.Test(id.Bytes())
}
