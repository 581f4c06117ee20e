package bloom

import (
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	minHashes = 1
	maxHashes = 20

	defaultFalsePositiveRate = 0.01
)

// Filter is a Bloom filter sized from an expected item count and a target
// false-positive rate. MightContain never returns a false negative, so a
// negative answer is a safe reason to skip expensive pattern evaluation.
//
// Reads and writes may be interleaved from multiple goroutines.
type Filter struct {
	mu     sync.RWMutex
	bits   []uint64
	m      uint64
	k      int
	count  int
	maxLen int
}

// New sizes a filter for n items at false-positive rate p:
//
//	m = ceil(-n·ln(p) / ln(2)²)
//	k = ceil((m/n)·ln2), clamped to [1, 20]
func New(n int, p float64) *Filter {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = defaultFalsePositiveRate
	}

	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m == 0 {
		m = 1
	}
	k := int(math.Ceil(float64(m) / float64(n) * math.Ln2))
	if k < minHashes {
		k = minHashes
	}
	if k > maxHashes {
		k = maxHashes
	}

	return &Filter{
		bits: make([]uint64, (m+63)/64),
		m:    m,
		k:    k,
	}
}

// Add records item in the filter.
func (f *Filter) Add(item string) {
	h1, h2 := baseHashes(item)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < f.k; i++ {
		pos := (h1 + uint64(i)*h2) % f.m
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
	if len(item) > f.maxLen {
		f.maxLen = len(item)
	}
}

// MightContain reports whether item may have been added. A false return is
// definitive.
func (f *Filter) MightContain(item string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.test(item)
}

// MightContainSubstring reports whether any substring of input with length
// between minLen and the longest added item could be a member. It returns on
// the first possible hit.
func (f *Filter) MightContainSubstring(input string, minLen int) bool {
	if minLen < 1 {
		minLen = 1
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.count == 0 {
		return false
	}
	maxLen := f.maxLen
	for start := 0; start+minLen <= len(input); start++ {
		for end := start + minLen; end <= len(input) && end-start <= maxLen; end++ {
			if f.test(input[start:end]) {
				return true
			}
		}
	}
	return false
}

// test must be called with at least the read lock held.
func (f *Filter) test(item string) bool {
	h1, h2 := baseHashes(item)
	for i := 0; i < f.k; i++ {
		pos := (h1 + uint64(i)*h2) % f.m
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Size returns the number of bits in the filter.
func (f *Filter) Size() uint64 { return f.m }

// HashCount returns the number of bit positions derived per item.
func (f *Filter) HashCount() int { return f.k }

// Count returns how many items have been added.
func (f *Filter) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// EstimatedFalsePositiveRate returns (1 - e^(-k·n/m))^k for the current fill.
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.count == 0 {
		return 0
	}
	exp := -float64(f.k) * float64(f.count) / float64(f.m)
	return math.Pow(1-math.Exp(exp), float64(f.k))
}

// baseHashes derives the two independent hashes combined as h1 + i·h2.
// h2 is forced odd so it never collapses every index onto the same bit.
func baseHashes(s string) (uint64, uint64) {
	return xxhash.Sum64String(s), fnv1a(s) | 1
}

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

func fnv1a(s string) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}
