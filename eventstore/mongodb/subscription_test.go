// Copyright (c) 2024 - The Source Bus authors.
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

package mongodb

import (
	"testing"
	"time"
)

func TestGapTrackerContiguous(t *testing.T) {
	g := gapTracker{grace: time.Second}
	now := time.Now()

	if !g.observe(5, 5, now) {
		t.Error("a contiguous position should pass")
	}

	if !g.since.IsZero() {
		t.Error("a contiguous position should not start a grace window")
	}
}

func TestGapTrackerWaitsOutGap(t *testing.T) {
	g := gapTracker{grace: time.Second}
	now := time.Now()

	// Positions 5-6 are allocated to a slower append; position 7 is already
	// visible. Delivery must pause instead of advancing past 5-6.
	if g.observe(5, 7, now) {
		t.Error("a fresh gap should pause delivery")
	}

	if g.observe(5, 7, now.Add(500*time.Millisecond)) {
		t.Error("a gap within the grace window should keep pausing")
	}

	// The slow append lands; the contiguous position passes and resets the
	// window.
	if !g.observe(5, 5, now.Add(600*time.Millisecond)) {
		t.Error("a filled gap should resume delivery")
	}

	if !g.since.IsZero() {
		t.Error("a filled gap should reset the grace window")
	}
}

func TestGapTrackerSkipsAbandonedGap(t *testing.T) {
	g := gapTracker{grace: time.Second}
	now := time.Now()

	if g.observe(5, 7, now) {
		t.Error("a fresh gap should pause delivery")
	}

	// An append that lost its concurrency race never fills its positions;
	// after the grace window the gap is skipped.
	if !g.observe(5, 7, now.Add(time.Second)) {
		t.Error("an abandoned gap should be skipped after the grace window")
	}

	// A later, unrelated gap starts its own window.
	if g.observe(8, 12, now.Add(time.Second)) {
		t.Error("a new gap should pause delivery again")
	}
}
