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

package collector

import (
	"time"

	"hk-tick-md-go/tick"
)

// TickQueue is the bounded handoff between upstream callbacks and the
// persistence worker. Offer never blocks: the push path must stay
// non-blocking end to end, and a full queue is a signal (the poll
// fallback re-surfaces dropped rows), not an error.
type TickQueue struct {
	ch chan tick.Tick
}

func NewTickQueue(capacity int) *TickQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &TickQueue{ch: make(chan tick.Tick, capacity)}
}

// Offer enqueues one row without blocking. Returns false when the queue
// is full; the caller rolls back its accepted watermark and counts the
// drop.
func (q *TickQueue) Offer(t tick.Tick) bool {
	select {
	case q.ch <- t:
		return true
	default:
		return false
	}
}

// DrainBatch blocks up to maxWait for the first row, then greedily takes
// up to maxSize rows that are immediately available. Returns nil on
// timeout and (nil, false) once the queue is closed and empty.
func (q *TickQueue) DrainBatch(maxSize int, maxWait time.Duration) ([]tick.Tick, bool) {
	if maxSize <= 0 {
		maxSize = 1
	}

	var first tick.Tick
	var open bool
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case first, open = <-q.ch:
		if !open {
			return nil, false
		}
	case <-timer.C:
		return nil, true
	}

	batch := make([]tick.Tick, 0, maxSize)
	batch = append(batch, first)
	for len(batch) < maxSize {
		select {
		case t, ok := <-q.ch:
			if !ok {
				return batch, false
			}
			batch = append(batch, t)
		default:
			return batch, true
		}
	}
	return batch, true
}

// Close stops accepting rows. Producers must have quiesced first: a send
// on a closed channel panics, which is why the lifecycle stops the
// upstream driver before closing the queue.
func (q *TickQueue) Close() {
	close(q.ch)
}

func (q *TickQueue) Len() int {
	return len(q.ch)
}

func (q *TickQueue) Cap() int {
	return cap(q.ch)
}
