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
	"fmt"
	"path/filepath"
	"testing"
)

func TestFilterNoFalseNegatives(t *testing.T) {
	f := NewWithEstimate(1000, 0.01)
	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		f.Add(keys[i])
	}
	for _, k := range keys {
		if !f.MayContain(k) {
			t.Fatalf("false negative for %s", k)
		}
	}
}

func TestFilterFalsePositiveRateIsReasonable(t *testing.T) {
	f := NewWithEstimate(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}
	falsePositives := 0
	trials := 5000
	for i := 0; i < trials; i++ {
		if f.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	if rate > 0.05 {
		t.Fatalf("false positive rate too high: %f", rate)
	}
}

func TestFilterMergeRequiresMatchingParams(t *testing.T) {
	a := New(1024, 4)
	b := New(1024, 4)
	a.Add([]byte("x"))
	b.Add([]byte("y"))
	if !a.Merge(b) {
		t.Fatalf("expected merge of equal-parameter filters to succeed")
	}
	if !a.MayContain([]byte("x")) || !a.MayContain([]byte("y")) {
		t.Fatalf("merged filter should contain both keys")
	}

	c := New(2048, 4)
	if a.Merge(c) {
		t.Fatalf("expected merge of mismatched (m,k) filters to fail")
	}
}

func TestFilterSaveLoadRoundTrip(t *testing.T) {
	s := NewScalable(100, 0.01)
	for i := 0; i < 50; i++ {
		s.Add([]byte(fmt.Sprintf("k%d", i)))
	}
	path := filepath.Join(t.TempDir(), "f.bloom")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, found, err := LoadScalable(path)
	if err != nil || !found {
		t.Fatalf("LoadScalable: found=%v err=%v", found, err)
	}
	for i := 0; i < 50; i++ {
		if !loaded.MayContain([]byte(fmt.Sprintf("k%d", i))) {
			t.Fatalf("reloaded filter missing k%d", i)
		}
	}
}

func TestScalableGrowsChainOnDegradation(t *testing.T) {
	s := NewScalable(8, 0.01)
	for i := 0; i < 5000; i++ {
		s.Add([]byte(fmt.Sprintf("item-%d", i)))
	}
	if len(s.filters) < 2 {
		t.Fatalf("expected chain to grow past one filter, got %d", len(s.filters))
	}
	for i := 0; i < 5000; i++ {
		if !s.MayContain([]byte(fmt.Sprintf("item-%d", i))) {
			t.Fatalf("false negative for item-%d", i)
		}
	}
}
