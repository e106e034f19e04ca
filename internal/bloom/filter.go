// Package bloom provides the Bloom filter used to pre-screen record
// identifiers for duplicates before an exact pass.
package bloom

import (
	"math"

	"github.com/spaolacci/murmur3"
)

// Filter is a Bloom filter over string keys. It never reports a false
// negative: a key that was added always tests positive. Not safe for
// concurrent use.
type Filter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter sized for expectedItems at the target false positive rate.
func New(expectedItems int, targetFPR float64) *Filter {
	numBits, numHashes := OptimalParameters(expectedItems, targetFPR)
	numWords := (numBits + 63) / 64
	return &Filter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// OptimalParameters returns the bit count m = -n ln(p) / ln(2)^2 and the
// hash count k = (m/n) ln(2) for n items at false positive rate p.
func OptimalParameters(expectedItems int, targetFPR float64) (numBits, numHashes int) {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedItems)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil((m / n) * math.Ln2))

	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// TestAndAdd adds key and reports whether it may have been present before.
func (f *Filter) TestAndAdd(key string) bool {
	h1, h2 := murmur3.Sum128([]byte(key))
	present := true
	for i := uint64(0); i < f.numHashes; i++ {
		// Double hashing: h(i) = h1 + i*h2
		pos := (h1 + i*h2) % f.numBits
		word, bit := pos/64, pos%64
		if f.bits[word]&(1<<bit) == 0 {
			present = false
			f.bits[word] |= 1 << bit
		}
	}
	f.count++
	return present
}

// Add adds key to the filter.
func (f *Filter) Add(key string) {
	f.TestAndAdd(key)
}

// Contains reports whether key may have been added.
func (f *Filter) Contains(key string) bool {
	h1, h2 := murmur3.Sum128([]byte(key))
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of keys added.
func (f *Filter) Count() uint64 {
	return f.count
}

// FalsePositiveRate estimates (1 - e^(-kn/m))^k for the current fill.
func (f *Filter) FalsePositiveRate() float64 {
	if f.count == 0 {
		return 0
	}
	k, n, m := float64(f.numHashes), float64(f.count), float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
