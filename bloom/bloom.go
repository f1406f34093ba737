/*
Copyright (C) 2024-2026  DriftDB Authors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package bloom implements probabilistic membership filters: a classic
// fixed-size filter and a scalable filter that chains new classic
// filters as the measured false-positive rate degrades. Hashing uses the
// standard double-hashing bloom filter construction
// (Kirsch-Mitzenmacher) over two fnv hashes.
package bloom

import (
	"hash/fnv"
	"math"
)

// Filter is a classic fixed-size bloom filter using double hashing to
// derive k independent hash functions from two base hashes, guaranteeing
// no false negatives.
type Filter struct {
	bits []uint64
	m    uint64 // number of bits
	k    uint64 // number of hash functions
	n    uint64 // number of inserted elements (approximate; for FP-rate estimation)
}

// optimalParams computes m (bits) and k (hash count) for n expected
// elements at false-positive rate p, using the standard formulas
// m = -n*ln(p)/ln(2)^2 and k = (m/n)*ln(2).
func optimalParams(n uint64, p float64) (m, k uint64) {
	if n == 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	mf := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	m = uint64(math.Ceil(mf))
	if m < 8 {
		m = 8
	}
	kf := (float64(m) / float64(n)) * math.Ln2
	k = uint64(math.Round(kf))
	if k < 1 {
		k = 1
	}
	return m, k
}

// NewWithEstimate builds a classic filter sized for expectedItems at
// falsePositiveRate (defaults to 1% when unspecified).
func NewWithEstimate(expectedItems uint64, falsePositiveRate float64) *Filter {
	m, k := optimalParams(expectedItems, falsePositiveRate)
	return New(m, k)
}

// New builds a classic filter with explicit parameters, used when loading
// a persisted filter or merging.
func New(m, k uint64) *Filter {
	if m == 0 {
		m = 8
	}
	if k == 0 {
		k = 1
	}
	return &Filter{bits: make([]uint64, (m+63)/64), m: m, k: k}
}

func baseHashes(key []byte) (h1, h2 uint64) {
	f1 := fnv.New64a()
	f1.Write(key)
	h1 = f1.Sum64()

	f2 := fnv.New64()
	f2.Write(key)
	h2 = f2.Sum64()
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

func (f *Filter) positions(key []byte) []uint64 {
	h1, h2 := baseHashes(key)
	pos := make([]uint64, f.k)
	for i := uint64(0); i < f.k; i++ {
		pos[i] = (h1 + i*h2) % f.m
	}
	return pos
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	for _, p := range f.positions(key) {
		f.bits[p/64] |= 1 << (p % 64)
	}
	f.n++
}

// MayContain reports whether key might be present. A false return is a
// firm guarantee of absence; a true return may be a false positive.
func (f *Filter) MayContain(key []byte) bool {
	for _, p := range f.positions(key) {
		if f.bits[p/64]&(1<<(p%64)) == 0 {
			return false
		}
	}
	return true
}

// EstimatedFalsePositiveRate approximates the filter's current FP rate
// given the number of elements inserted so far, using the standard
// (1 - e^(-kn/m))^k estimator.
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	if f.n == 0 {
		return 0
	}
	exp := -float64(f.k) * float64(f.n) / float64(f.m)
	return math.Pow(1-math.Exp(exp), float64(f.k))
}

// Params exposes (m, k) so filters can be checked for merge compatibility.
func (f *Filter) Params() (m, k uint64) { return f.m, f.k }

// Count returns the approximate number of elements added.
func (f *Filter) Count() uint64 { return f.n }

// Merge ORs other's bits into f in place. Only legal between filters with
// identical (m, k); returns false otherwise and
// leaves f unchanged.
func (f *Filter) Merge(other *Filter) bool {
	if f.m != other.m || f.k != other.k {
		return false
	}
	for i := range f.bits {
		f.bits[i] |= other.bits[i]
	}
	f.n += other.n
	return true
}

// snapshot is the persisted shape of a classic filter.
type snapshot struct {
	M    uint64   `json:"m"`
	K    uint64   `json:"k"`
	N    uint64   `json:"n"`
	Bits []uint64 `json:"bits"`
}

func (f *Filter) toSnapshot() snapshot {
	return snapshot{M: f.m, K: f.k, N: f.n, Bits: append([]uint64(nil), f.bits...)}
}

func fromSnapshot(s snapshot) *Filter {
	f := New(s.M, s.K)
	f.n = s.N
	copy(f.bits, s.Bits)
	return f
}
