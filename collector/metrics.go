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
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promQueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tick_dropped_rows_total",
		Help: "the number of tick rows dropped before enqueue, by reason",
	}, []string{"reason"})
	promBusyBackoffs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tick_busy_backoff_total",
		Help: "the number of times a commit was retried after SQLITE_BUSY",
	})
	promRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tick_writer_recoveries_total",
		Help: "the number of writer rebuilds requested by the watchdog",
	})
	promPollFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tick_poll_fetched_rows_total",
		Help: "the number of rows returned by poll requests",
	})
	promQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tick_queue_depth_rows",
		Help: "the current number of rows waiting for the persistence worker",
	})
)

// Counter is a lifetime total plus a per-window delta. The health loop
// takes the window each cycle for per-minute rollups.
type Counter struct {
	total  atomic.Int64
	window atomic.Int64
}

func (c *Counter) Add(n int64) {
	if n == 0 {
		return
	}
	c.total.Add(n)
	c.window.Add(n)
}

func (c *Counter) Total() int64 { return c.total.Load() }

// Window returns the delta accumulated since the last TakeWindow.
func (c *Counter) Window() int64 { return c.window.Load() }

// TakeWindow returns the delta and resets it.
func (c *Counter) TakeWindow() int64 { return c.window.Swap(0) }

// Metrics is the shared runtime-counter record. It is created once at
// startup and injected into the driver, the worker and the watchdog;
// there is no process-wide singleton. All fields are atomic or guarded;
// precision matters only to the nearest health cycle.
type Metrics struct {
	base time.Time // monotonic anchor; all instants are offsets from it

	// Pipeline counters.
	QueueIn       Counter
	QueueOut      Counter
	Persisted     Counter
	Ignored       Counter
	Commits       Counter
	BusyBackoffs  Counter
	WriteFailures Counter

	// Drop accounting by reason.
	DroppedQueueFull Counter
	DroppedDuplicate Counter
	DroppedFilter    Counter
	MappingErrors    Counter

	// Upstream activity.
	PushRows        Counter
	PollFetched     Counter
	PollAccepted    Counter
	PollEnqueued    Counter
	PollSeqAdvanced Counter
	SeqAdvanced     Counter // seen watermark moved forward (push or poll)

	Recoveries Counter

	workerAlive atomic.Bool

	// Instants are nanoseconds since base, offset by +1 so zero means
	// "never".
	lastCommit   atomic.Int64
	lastDequeue  atomic.Int64
	lastAccept   atomic.Int64
	lastUpstream atomic.Int64
	lastRecovery atomic.Int64
	lastError    atomic.Int64

	maxTsMSSeen atomic.Int64

	errMu         sync.Mutex
	lastErrorKind string
	lastErrorText string

	latMu          sync.Mutex
	latCount       int64
	latSum         time.Duration
	latMax         time.Duration
	lastCommitRows int64
}

func NewMetrics() *Metrics {
	m := &Metrics{base: time.Now()}
	m.maxTsMSSeen.Store(-1)
	return m
}

// Mono returns elapsed time since process start; it never goes backwards
// even when the wall clock steps.
func (m *Metrics) Mono() time.Duration {
	return time.Since(m.base)
}

func (m *Metrics) SetWorkerAlive(alive bool) { m.workerAlive.Store(alive) }
func (m *Metrics) WorkerAlive() bool         { return m.workerAlive.Load() }

func (m *Metrics) MarkCommit(rows int, latency time.Duration) {
	m.stamp(&m.lastCommit)
	m.latMu.Lock()
	m.latCount++
	m.latSum += latency
	if latency > m.latMax {
		m.latMax = latency
	}
	m.lastCommitRows = int64(rows)
	m.latMu.Unlock()
}

// CommitLatencyStats returns the rolling (count, avg, max) since the last
// call and resets the window.
func (m *Metrics) CommitLatencyStats() (count int64, avg, max time.Duration, lastRows int64) {
	m.latMu.Lock()
	defer m.latMu.Unlock()
	count = m.latCount
	if count > 0 {
		avg = m.latSum / time.Duration(count)
	}
	max = m.latMax
	lastRows = m.lastCommitRows
	m.latCount, m.latSum, m.latMax = 0, 0, 0
	return count, avg, max, lastRows
}

func (m *Metrics) MarkDequeue()      { m.stamp(&m.lastDequeue) }
func (m *Metrics) MarkAccept()       { m.stamp(&m.lastAccept) }
func (m *Metrics) MarkUpstreamSeen() { m.stamp(&m.lastUpstream) }

func (m *Metrics) MarkRecovery() {
	m.stamp(&m.lastRecovery)
	m.Recoveries.Add(1)
	promRecoveries.Inc()
}

// MarkError records the class and text of the last persistence error for
// heartbeat and watchdog reporting.
func (m *Metrics) MarkError(kind, text string) {
	m.stamp(&m.lastError)
	m.errMu.Lock()
	m.lastErrorKind = kind
	m.lastErrorText = text
	m.errMu.Unlock()
}

func (m *Metrics) LastError() (kind, text string, age time.Duration, ok bool) {
	age, ok = m.age(&m.lastError)
	m.errMu.Lock()
	kind, text = m.lastErrorKind, m.lastErrorText
	m.errMu.Unlock()
	return kind, text, age, ok
}

func (m *Metrics) ObserveTsMS(tsMS int64) {
	for {
		cur := m.maxTsMSSeen.Load()
		if tsMS <= cur {
			return
		}
		if m.maxTsMSSeen.CompareAndSwap(cur, tsMS) {
			return
		}
	}
}

// MaxTsMSSeen returns the largest event time observed, or ok=false when
// nothing has been seen yet.
func (m *Metrics) MaxTsMSSeen() (int64, bool) {
	v := m.maxTsMSSeen.Load()
	return v, v >= 0
}

func (m *Metrics) CommitAge() (time.Duration, bool)   { return m.age(&m.lastCommit) }
func (m *Metrics) DequeueAge() (time.Duration, bool)  { return m.age(&m.lastDequeue) }
func (m *Metrics) AcceptAge() (time.Duration, bool)   { return m.age(&m.lastAccept) }
func (m *Metrics) UpstreamAge() (time.Duration, bool) { return m.age(&m.lastUpstream) }
func (m *Metrics) RecoveryAge() (time.Duration, bool) { return m.age(&m.lastRecovery) }

func (m *Metrics) stamp(target *atomic.Int64) {
	target.Store(int64(m.Mono()) + 1)
}

func (m *Metrics) age(target *atomic.Int64) (time.Duration, bool) {
	v := target.Load()
	if v == 0 {
		return 0, false
	}
	return m.Mono() - time.Duration(v-1), true
}

// CountDrop increments the by-reason drop counters and the Prometheus
// mirror.
func (m *Metrics) CountDrop(reason string, n int64) {
	switch reason {
	case "queue_full":
		m.DroppedQueueFull.Add(n)
	case "duplicate":
		m.DroppedDuplicate.Add(n)
	case "filter":
		m.DroppedFilter.Add(n)
	case "mapping":
		m.MappingErrors.Add(n)
	}
	promQueueDrops.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) CountBusyBackoff() {
	m.BusyBackoffs.Add(1)
	promBusyBackoffs.Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	promQueueDepth.Set(float64(depth))
}

func (m *Metrics) CountPollFetched(n int64) {
	m.PollFetched.Add(n)
	promPollFetched.Add(float64(n))
}
