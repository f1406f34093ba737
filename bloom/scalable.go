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

package bloom

import (
	"encoding/json"
	"fmt"
	"os"
)

// growthFactor is the multiplier applied to expected-item count each
// time a new chained filter is added.
const growthFactor = 2

// degradeMultiple is how far above the target false-positive rate a chain
// filter is allowed to drift before a fresh filter is appended.
const degradeMultiple = 2

// Scalable is a chain of classic filters, growing without requiring the
// expected element count to be known up front. MayContain is true if any
// filter in the chain reports true; Add always targets the newest filter,
// appending a fresh one first if the newest has degraded past
// targetFPRate*degradeMultiple.
type Scalable struct {
	targetFPRate float64
	initialItems uint64
	filters      []*Filter
}

// NewScalable starts a scalable filter whose first chained filter is sized
// for initialItems at targetFPRate.
func NewScalable(initialItems uint64, targetFPRate float64) *Scalable {
	if targetFPRate <= 0 || targetFPRate >= 1 {
		targetFPRate = 0.01
	}
	if initialItems == 0 {
		initialItems = 1024
	}
	s := &Scalable{targetFPRate: targetFPRate, initialItems: initialItems}
	s.filters = []*Filter{NewWithEstimate(initialItems, targetFPRate)}
	return s
}

func (s *Scalable) newest() *Filter { return s.filters[len(s.filters)-1] }

// Add inserts key, growing the chain if the newest filter has degraded.
func (s *Scalable) Add(key []byte) {
	cur := s.newest()
	if cur.Count() > 0 && cur.EstimatedFalsePositiveRate() > s.targetFPRate*degradeMultiple {
		nextSize := cur.Count() * growthFactor
		// each successive filter tightens its own target rate so the
		// compounded false-positive rate across the chain stays bounded.
		tighter := s.targetFPRate / float64(len(s.filters)+1)
		s.filters = append(s.filters, NewWithEstimate(nextSize, tighter))
		cur = s.newest()
	}
	cur.Add(key)
}

// MayContain reports whether key might be present in any chained filter.
func (s *Scalable) MayContain(key []byte) bool {
	for _, f := range s.filters {
		if f.MayContain(key) {
			return true
		}
	}
	return false
}

// Count returns the total number of elements added across the chain.
func (s *Scalable) Count() uint64 {
	var total uint64
	for _, f := range s.filters {
		total += f.Count()
	}
	return total
}

// scalableSnapshot is the persisted shape of a Scalable filter.
type scalableSnapshot struct {
	TargetFPRate float64    `json:"target_fp_rate"`
	InitialItems uint64     `json:"initial_items"`
	Filters      []snapshot `json:"filters"`
}

// Save persists the scalable filter chain via temp-then-rename.
func (s *Scalable) Save(path string) error {
	snaps := make([]snapshot, len(s.filters))
	for i, f := range s.filters {
		snaps[i] = f.toSnapshot()
	}
	b, err := json.Marshal(scalableSnapshot{s.targetFPRate, s.initialItems, snaps})
	if err != nil {
		return fmt.Errorf("bloom: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("bloom: write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// LoadScalable reads a persisted scalable filter. Returns (nil, false, nil)
// if the file does not exist.
func LoadScalable(path string) (*Scalable, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("bloom: read %s: %w", path, err)
	}
	var snap scalableSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, false, fmt.Errorf("bloom: parse %s: %w", path, err)
	}
	s := &Scalable{targetFPRate: snap.TargetFPRate, initialItems: snap.InitialItems}
	s.filters = make([]*Filter, len(snap.Filters))
	for i, fs := range snap.Filters {
		s.filters[i] = fromSnapshot(fs)
	}
	if len(s.filters) == 0 {
		s.filters = []*Filter{NewWithEstimate(s.initialItems, s.targetFPRate)}
	}
	return s, true, nil
}
