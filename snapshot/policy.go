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

import "time"

// Policy decides when a table should take a new snapshot. None of these
// fields have a built-in default (see DESIGN.md): an engine wiring a
// table for snapshotting must supply them explicitly. An illustrative
// configuration many operators start from is min_writes=1000,
// max_writes=100000, min_interval=1m, max_interval=1h, but that example
// is documentation only, it is never compiled in as a fallback.
type Policy struct {
	MinWrites           uint64
	MaxWrites           uint64
	MinInterval         time.Duration
	MaxInterval         time.Duration
	Adaptive            bool
	WriteRateMultiplier float64
}

// Stats tracks the running counters a Policy decision needs.
type Stats struct {
	WritesSinceSnapshot uint64
	LastSnapshotAt      time.Time
	SnapshotsCreated    uint64
	WritesProcessed     uint64
	// avgIntervalSeconds is an exponential moving average of the time
	// between snapshots, updated in RecordSnapshot. This is the
	// "exponential moving average of inter-snapshot time" exposed
	// statistic, distinct from the write-rate term used in threshold.
	avgIntervalSeconds float64
	// writeTimestamps holds recent write timestamps (unix seconds),
	// pruned to the trailing writeRateWindow on every write, used to
	// derive the write-rate term in threshold.
	writeTimestamps []int64
}

const emaAlpha = 0.3

// writeRateWindow is the width of the sliding window over which write
// rate is measured.
const writeRateWindow = 5 * time.Minute

// RecordWrite accounts for one applied event against the stats at now.
func (s *Stats) RecordWrite(now time.Time) {
	s.WritesSinceSnapshot++
	s.WritesProcessed++

	ts := now.Unix()
	s.writeTimestamps = append(s.writeTimestamps, ts)
	cutoff := ts - int64(writeRateWindow.Seconds())
	i := 0
	for i < len(s.writeTimestamps) && s.writeTimestamps[i] < cutoff {
		i++
	}
	s.writeTimestamps = s.writeTimestamps[i:]
}

// writeRate returns the write throughput in writes per second, measured
// over the timestamps still in the sliding window: count of writes
// divided by the span between the oldest and newest timestamp in it.
// Fewer than two timestamps give no usable span, so the rate is 0.
func (s *Stats) writeRate() float64 {
	n := len(s.writeTimestamps)
	if n < 2 {
		return 0
	}
	span := s.writeTimestamps[n-1] - s.writeTimestamps[0]
	if span <= 0 {
		span = 1
	}
	return float64(n) / float64(span)
}

// RecordSnapshot resets the since-snapshot counters and updates the
// moving-average inter-snapshot interval.
func (s *Stats) RecordSnapshot(now time.Time) {
	if !s.LastSnapshotAt.IsZero() {
		interval := now.Sub(s.LastSnapshotAt).Seconds()
		if s.SnapshotsCreated == 0 {
			s.avgIntervalSeconds = interval
		} else {
			s.avgIntervalSeconds = emaAlpha*interval + (1-emaAlpha)*s.avgIntervalSeconds
		}
	}
	s.WritesSinceSnapshot = 0
	s.LastSnapshotAt = now
	s.SnapshotsCreated++
}

// threshold computes the write-count threshold at which a snapshot
// should fire, using an adaptive formula:
//
//	threshold = min + (max - min) / (1 + rate * multiplier)
//
// clamped to [min, max], where rate is the write throughput in writes
// per second over the trailing 5-minute window of write timestamps
// (Stats.writeRate). A non-adaptive policy, or one with fewer than two
// writes in the window, always uses MinWrites.
func (p Policy) threshold(s *Stats) uint64 {
	rate := s.writeRate()
	if !p.Adaptive || rate <= 0 {
		return p.MinWrites
	}
	t := float64(p.MinWrites) + (float64(p.MaxWrites)-float64(p.MinWrites))/(1+rate*p.WriteRateMultiplier)
	if t < float64(p.MinWrites) {
		t = float64(p.MinWrites)
	}
	if t > float64(p.MaxWrites) {
		t = float64(p.MaxWrites)
	}
	return uint64(t)
}

// ShouldSnapshot decides whether a snapshot should be taken now: forced
// once time_since_last exceeds MaxInterval, suppressed while under
// MinInterval, otherwise driven by the write-count threshold.
func (p Policy) ShouldSnapshot(s *Stats, now time.Time) bool {
	sinceLast := now.Sub(s.LastSnapshotAt)
	if !s.LastSnapshotAt.IsZero() && sinceLast < p.MinInterval {
		return false
	}
	if !s.LastSnapshotAt.IsZero() && p.MaxInterval > 0 && sinceLast >= p.MaxInterval {
		return true
	}
	return s.WritesSinceSnapshot >= p.threshold(s)
}
