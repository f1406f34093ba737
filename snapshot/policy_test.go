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

package snapshot

import (
	"testing"
	"time"
)

func TestWriteRatePrunesOutsideSlidingWindow(t *testing.T) {
	s := &Stats{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.RecordWrite(base)
	if rate := s.writeRate(); rate != 0 {
		t.Fatalf("expected rate 0 with a single timestamp, got %v", rate)
	}

	s.RecordWrite(base.Add(1 * time.Second))
	if rate := s.writeRate(); rate <= 0 {
		t.Fatalf("expected a positive rate with two close timestamps, got %v", rate)
	}

	// A write 10 minutes later should prune both earlier timestamps out of
	// the 5-minute window, leaving only itself.
	s.RecordWrite(base.Add(10 * time.Minute))
	if got := len(s.writeTimestamps); got != 1 {
		t.Fatalf("expected stale timestamps pruned, got %d entries", got)
	}
	if rate := s.writeRate(); rate != 0 {
		t.Fatalf("expected rate 0 after pruning down to one timestamp, got %v", rate)
	}
}

func TestThresholdUsesSlidingWindowRate(t *testing.T) {
	p := Policy{MinWrites: 100, MaxWrites: 10000, Adaptive: true, WriteRateMultiplier: 1}
	s := &Stats{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if got := p.threshold(s); got != p.MinWrites {
		t.Fatalf("expected MinWrites with no writes recorded, got %d", got)
	}

	// 100 writes within one second give a rate of 100 writes/s, so the
	// formula yields 100 + 9900/(1+100) = 198: above MinWrites, pulled
	// down towards it by the high rate.
	for i := 0; i < 100; i++ {
		s.RecordWrite(base.Add(time.Duration(i) * (time.Second / 100)))
	}
	got := p.threshold(s)
	if got <= p.MinWrites {
		t.Fatalf("expected threshold above MinWrites under high write rate, got %d", got)
	}
}

func TestShouldSnapshotForcesOnMaxIntervalAndSuppressesUnderMinInterval(t *testing.T) {
	p := Policy{MinWrites: 10, MaxWrites: 1000, MinInterval: time.Minute, MaxInterval: time.Hour}
	s := &Stats{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.RecordSnapshot(base)

	s.WritesSinceSnapshot = 999
	if p.ShouldSnapshot(s, base.Add(30*time.Second)) {
		t.Fatalf("expected suppression under MinInterval despite high write count")
	}

	s.WritesSinceSnapshot = 0
	if !p.ShouldSnapshot(s, base.Add(2*time.Hour)) {
		t.Fatalf("expected forced snapshot once MaxInterval elapses")
	}
}
