// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package slidingwindow

import "hash/maphash"

// CountMinSketch estimates per-key frequency in sub-linear space, with
// one-sided error: estimate(k) is always >= the true count of k. Width
// and depth are fixed at construction (config-driven per spec §3).
type CountMinSketch struct {
	width int
	depth int
	table [][]uint64
	seeds []maphash.Seed
	total uint64
}

// NewCountMinSketch creates a sketch of the given width and depth, each
// depth row seeded independently so the hash functions are
// pairwise-distinct.
func NewCountMinSketch(width, depth int) *CountMinSketch {
	if width <= 0 {
		width = 2048
	}
	if depth <= 0 {
		depth = 4
	}

	table := make([][]uint64, depth)
	seeds := make([]maphash.Seed, depth)
	for i := range table {
		table[i] = make([]uint64, width)
		seeds[i] = maphash.MakeSeed()
	}

	return &CountMinSketch{width: width, depth: depth, table: table, seeds: seeds}
}

func (s *CountMinSketch) index(row int, key string) int {
	var h maphash.Hash
	h.SetSeed(s.seeds[row])
	h.WriteString(key)
	return int(h.Sum64() % uint64(s.width))
}

// Increment adds n to every row's cell for key.
func (s *CountMinSketch) Increment(key string, n uint64) {
	for row := 0; row < s.depth; row++ {
		idx := s.index(row, key)
		s.table[row][idx] += n
	}
	s.total += n
}

// Estimate returns the minimum cell value across all rows for key, an
// upper bound on the true frequency of key.
func (s *CountMinSketch) Estimate(key string) uint64 {
	min := uint64(0)
	for row := 0; row < s.depth; row++ {
		idx := s.index(row, key)
		v := s.table[row][idx]
		if row == 0 || v < min {
			min = v
		}
	}
	return min
}

// Total returns the sum of all increments applied since the last Reset.
func (s *CountMinSketch) Total() uint64 {
	return s.total
}

// Reset zeroes every cell and the running total.
func (s *CountMinSketch) Reset() {
	for row := range s.table {
		for i := range s.table[row] {
			s.table[row][i] = 0
		}
	}
	s.total = 0
}
