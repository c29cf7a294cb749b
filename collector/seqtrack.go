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

import "sync"

// NoSeq is the sentinel returned when a symbol has no recorded sequence.
const NoSeq int64 = -1

// seqState is the per-symbol watermark triple. Invariant:
// persisted <= accepted <= seen. seen and persisted are non-decreasing;
// accepted pre-advances at the gate and is clamped back below any
// sequence whose enqueue fails. persisted advances only on a committed
// batch.
type seqState struct {
	seen      int64
	accepted  int64
	persisted int64
}

// SeqTracker tracks per-symbol sequence progress. It is shared by the
// push callbacks, the poll loop and the persistence worker; all access
// goes through the capability methods under one lock.
type SeqTracker struct {
	mu     sync.RWMutex
	states map[string]*seqState
}

func NewSeqTracker() *SeqTracker {
	return &SeqTracker{states: make(map[string]*seqState)}
}

// Seed installs a sequence recovered from the day stores at startup. All
// three watermarks start at the seeded value.
func (t *SeqTracker) Seed(symbol string, seq int64) {
	if seq < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[symbol] = &seqState{seen: seq, accepted: seq, persisted: seq}
}

// Observe advances the advisory seen watermark only.
func (t *SeqTracker) Observe(symbol string, seq int64) {
	if seq < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(symbol)
	if seq > s.seen {
		s.seen = seq
	}
}

// TryAccept pre-advances the accepted watermark when seq is strictly
// greater than the current value. Callers that then fail to enqueue must
// call RollbackAccept to re-open the sequence. A negative seq means "no
// sequence"; such rows are always acceptable (composite-key dedupe
// applies instead) and never move the watermark.
func (t *SeqTracker) TryAccept(symbol string, seq int64) bool {
	if seq < 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(symbol)
	if seq <= s.accepted {
		return false
	}
	s.accepted = seq
	if seq > s.seen {
		s.seen = seq
	}
	return true
}

// RollbackAccept re-opens seq after a failed enqueue by clamping the
// accepted watermark below it, never below persisted. Accepts that
// overlapped the failed one are clamped too: re-polling a row that did
// make it into the queue costs one ignored duplicate at the storage
// indexes, whereas a watermark left above a row that never made it in
// would filter that row out of the poll fallback for the life of the
// process.
func (t *SeqTracker) RollbackAccept(symbol string, seq int64) {
	if seq < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[symbol]
	if !ok {
		return
	}
	reopened := seq - 1
	if reopened > s.accepted {
		reopened = s.accepted
	}
	if reopened < s.persisted {
		reopened = s.persisted
	}
	s.accepted = reopened
}

// MarkPersisted advances the persisted watermark to the max committed
// seq. Never regresses.
func (t *SeqTracker) MarkPersisted(symbol string, seq int64) {
	if seq < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(symbol)
	if seq > s.persisted {
		s.persisted = seq
	}
}

// Baseline returns max(accepted, persisted): the poll dedupe floor. Rows
// at or below it have either been committed or are already queued. seen
// is deliberately excluded; it advances on dropped rows too.
func (t *SeqTracker) Baseline(symbol string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[symbol]
	if !ok {
		return NoSeq, false
	}
	baseline := s.accepted
	if s.persisted > baseline {
		baseline = s.persisted
	}
	if baseline < 0 {
		return NoSeq, false
	}
	return baseline, true
}

// SeqSnapshot is a read-only copy of one symbol's watermarks for health
// reporting. Absent watermarks are NoSeq.
type SeqSnapshot struct {
	Seen      int64
	Accepted  int64
	Persisted int64
}

// Snapshot returns a copy of every tracked symbol's watermarks.
func (t *SeqTracker) Snapshot() map[string]SeqSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]SeqSnapshot, len(t.states))
	for symbol, s := range t.states {
		out[symbol] = SeqSnapshot{Seen: s.seen, Accepted: s.accepted, Persisted: s.persisted}
	}
	return out
}

// MaxSeqLag returns the largest seen-persisted gap across symbols.
func (t *SeqTracker) MaxSeqLag() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var maxLag int64
	for _, s := range t.states {
		if s.seen < 0 {
			continue
		}
		persisted := s.persisted
		if persisted < 0 {
			persisted = 0
		}
		if lag := s.seen - persisted; lag > maxLag {
			maxLag = lag
		}
	}
	return maxLag
}

// state returns the symbol's entry, creating it with empty watermarks.
// Caller holds the write lock.
func (t *SeqTracker) state(symbol string) *seqState {
	s, ok := t.states[symbol]
	if !ok {
		s = &seqState{seen: NoSeq, accepted: NoSeq, persisted: NoSeq}
		t.states[symbol] = s
	}
	return s
}
