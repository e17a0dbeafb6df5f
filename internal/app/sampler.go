package app

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// TicketSampler draws ticket numbers uniformly at random without replacement.
// It is independent of storage so tests can seed it.
type TicketSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewTicketSampler returns a sampler over rng, or over a ChaCha8 generator
// seeded from crypto/rand when rng is nil.
func NewTicketSampler(rng *rand.Rand) *TicketSampler {
	if rng == nil {
		var seed [32]byte
		if _, err := crand.Read(seed[:]); err != nil {
			// crypto/rand failing leaves the PCG fallback seeded from the runtime source.
			rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		} else {
			rng = rand.New(rand.NewChaCha8(seed))
		}
	}
	return &TicketSampler{rng: rng}
}

// NewSeededTicketSampler returns a deterministic sampler.
func NewSeededTicketSampler(seed uint64) *TicketSampler {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[:8], seed)
	return &TicketSampler{rng: rand.New(rand.NewChaCha8(buf))}
}

// Sample returns k distinct elements of pool using a partial Fisher–Yates
// shuffle on a copy. Every k-subset is equally likely. pool is not modified.
func (s *TicketSampler) Sample(pool []int, k int) []int {
	if k <= 0 || len(pool) == 0 {
		return nil
	}
	if k > len(pool) {
		k = len(pool)
	}

	work := make([]int, len(pool))
	copy(work, pool)

	s.mu.Lock()
	for i := 0; i < k; i++ {
		j := i + s.rng.IntN(len(work)-i)
		work[i], work[j] = work[j], work[i]
	}
	s.mu.Unlock()

	return work[:k:k]
}
