package app

import (
	"math"
	"testing"
)

func TestTicketSamplerReturnsDistinctMembers(t *testing.T) {
	pool := make([]int, 100)
	for i := range pool {
		pool[i] = i + 1
	}
	sampler := NewSeededTicketSampler(7)

	got := sampler.Sample(pool, 60)
	if len(got) != 60 {
		t.Fatalf("expected 60 numbers, got %d", len(got))
	}
	seen := make(map[int]bool, len(got))
	for _, n := range got {
		if n < 1 || n > 100 {
			t.Fatalf("number %d is not in the pool", n)
		}
		if seen[n] {
			t.Fatalf("number %d drawn twice", n)
		}
		seen[n] = true
	}
	for i, n := range pool {
		if n != i+1 {
			t.Fatalf("pool was modified at index %d", i)
		}
	}
}

func TestTicketSamplerIsDeterministicForSeed(t *testing.T) {
	pool := []int{10, 20, 30, 40, 50, 60, 70, 80}
	a := NewSeededTicketSampler(99).Sample(pool, 5)
	b := NewSeededTicketSampler(99).Sample(pool, 5)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected identical draws for the same seed, got %v and %v", a, b)
		}
	}
}

func TestTicketSamplerEdgeCases(t *testing.T) {
	sampler := NewSeededTicketSampler(1)
	if got := sampler.Sample([]int{1, 2, 3}, 0); got != nil {
		t.Fatalf("expected nil for k=0, got %v", got)
	}
	if got := sampler.Sample(nil, 3); got != nil {
		t.Fatalf("expected nil for empty pool, got %v", got)
	}
	if got := sampler.Sample([]int{4, 5}, 5); len(got) != 2 {
		t.Fatalf("expected k clamped to pool size, got %v", got)
	}
}

func TestTicketSamplerIsUnbiasedAcrossPositions(t *testing.T) {
	pool := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	sampler := NewSeededTicketSampler(2024)

	const rounds = 20000
	counts := make([]int, len(pool))
	for r := 0; r < rounds; r++ {
		for _, n := range sampler.Sample(pool, 3) {
			counts[n]++
		}
	}

	expected := float64(rounds*3) / float64(len(pool))
	for n, c := range counts {
		if math.Abs(float64(c)-expected)/expected > 0.05 {
			t.Fatalf("number %d drawn %d times, expected about %.0f", n, c, expected)
		}
	}
}
