/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Benchmarks for the producer-side hot path: sequence gating and the
// non-blocking queue handoff.
// Run with: go test -bench=. -benchmem ./collector/
package collector

import (
	"testing"
	"time"
)

// BenchmarkSeqTracker_TryAccept measures the gate under a single
// producer advancing sequences.
func BenchmarkSeqTracker_TryAccept(b *testing.B) {
	tr := NewSeqTracker()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tr.TryAccept("HK.00700", int64(i))
	}
}

// BenchmarkSeqTracker_TryAccept_Duplicates measures the rejection path,
// which dominates during poll sweeps.
func BenchmarkSeqTracker_TryAccept_Duplicates(b *testing.B) {
	tr := NewSeqTracker()
	tr.Seed("HK.00700", 1<<40)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tr.TryAccept("HK.00700", int64(i))
	}
}

// BenchmarkTickQueue_OfferDrain measures the handoff round trip at
// batch-sized granularity.
func BenchmarkTickQueue_OfferDrain(b *testing.B) {
	q := NewTickQueue(20000)
	row := testTick("HK.00700", 1)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		for j := 0; j < 500; j++ {
			q.Offer(row)
		}
		if batch, _ := q.DrainBatch(500, time.Millisecond); len(batch) != 500 {
			b.Fatal("short drain")
		}
	}
}
