// Copyright 2026 HashBrotherhood Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"sync"
	"time"
)

// estimatorWindow is how far back accepted shares count toward the
// hashrate estimate
const estimatorWindow = 5 * time.Minute

// hashesPerDifficulty converts share difficulty to expected hashes
const hashesPerDifficulty = float64(1 << 32)

type sharePoint struct {
	at         time.Time
	difficulty float64
}

// Estimator derives a session's hashrate from the difficulty of its
// accepted shares over a sliding window, and keeps the period counters
// the reporter reads off every interval.
type Estimator struct {
	mu       sync.Mutex
	window   time.Duration
	points   []sharePoint
	accepted int64
	rejected int64
}

func NewEstimator() *Estimator {
	return &Estimator{
		window: estimatorWindow,
	}
}

// AddAccepted records one accepted share at the given difficulty
func (e *Estimator) AddAccepted(difficulty float64) {
	e.addAccepted(time.Now(), difficulty)
}

func (e *Estimator) addAccepted(at time.Time, difficulty float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accepted++
	if difficulty <= 0 {
		return
	}
	e.points = append(e.points, sharePoint{at: at, difficulty: difficulty})
	e.prune(at)
}

// AddRejected bumps the rejected counter; rejected shares never count
// toward the estimate
func (e *Estimator) AddRejected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejected++
}

// prune drops points older than the window. Caller holds the lock.
func (e *Estimator) prune(now time.Time) {
	cutoff := now.Add(-e.window)
	drop := 0
	for drop < len(e.points) && e.points[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		e.points = append(e.points[:0], e.points[drop:]...)
	}
}

// Estimate returns hashes per second over the window, or zero when fewer
// than two shares have landed
func (e *Estimator) Estimate() float64 {
	return e.estimate(time.Now())
}

func (e *Estimator) estimate(now time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(now)
	if len(e.points) < 2 {
		return 0
	}
	elapsed := e.points[len(e.points)-1].at.Sub(e.points[0].at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	var totalDifficulty float64
	for _, p := range e.points {
		totalDifficulty += p.difficulty
	}
	return totalDifficulty * hashesPerDifficulty / elapsed
}

// Snapshot returns the current estimate along with the share counters
// accumulated since the previous snapshot, and resets the counters. The
// window itself persists across snapshots.
func (e *Estimator) Snapshot() (float64, int64, int64) {
	now := time.Now()
	e.mu.Lock()
	accepted := e.accepted
	rejected := e.rejected
	e.accepted = 0
	e.rejected = 0
	e.mu.Unlock()
	return e.estimate(now), accepted, rejected
}
