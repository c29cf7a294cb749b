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
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"hk-tick-md-go/database"
	"hk-tick-md-go/tick"
)

func persistedTick(symbol string, seq int64, tradingDay string) tick.Tick {
	price := 351.2
	volume := int64(100)
	return tick.Tick{
		Market:     "HK",
		Symbol:     symbol,
		TsMS:       1770860000000 + seq*1000,
		Price:      &price,
		Volume:     &volume,
		Seq:        &seq,
		TradingDay: tradingDay,
		RecvTsMS:   1770860000050 + seq*1000,
	}
}

func newWorkerHarness(t *testing.T, queueCap int) (*Worker, *database.Store, *TickQueue, *SeqTracker, *Metrics) {
	t.Helper()
	store := database.NewStore(t.TempDir(), database.Options{})
	queue := NewTickQueue(queueCap)
	tracker := NewSeqTracker()
	metrics := NewMetrics()
	worker := NewWorker(store, queue, tracker, metrics, WorkerConfig{
		BatchSize:    10,
		MaxWait:      20 * time.Millisecond,
		BackoffStart: 10 * time.Millisecond,
		BackoffCap:   20 * time.Millisecond,
	})
	return worker, store, queue, tracker, metrics
}

// TestWorker_PersistsQueuedBatch verifies the drain-commit loop lands
// queued rows in the day file and advances the persisted watermark.
func TestWorker_PersistsQueuedBatch(t *testing.T) {
	worker, store, queue, tracker, metrics := newWorkerHarness(t, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	for seq := int64(1); seq <= 5; seq++ {
		queue.Offer(persistedTick("HK.00700", seq, "20260212"))
	}

	waitFor(t, 2*time.Second, func() bool { return metrics.Persisted.Total() == 5 })

	if baseline, _ := tracker.Baseline("HK.00700"); baseline != 5 {
		t.Errorf("baseline = %d, want persisted watermark 5", baseline)
	}
	if _, err := os.Stat(store.PathForTradingDay("20260212")); err != nil {
		t.Errorf("day file missing: %v", err)
	}

	queue.Close()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want clean drain", err)
	}
}

// TestWorker_SplitsBatchByTradingDay verifies one drained batch spanning
// midnight commits into both day files.
func TestWorker_SplitsBatchByTradingDay(t *testing.T) {
	worker, store, queue, _, metrics := newWorkerHarness(t, 100)

	queue.Offer(persistedTick("HK.00700", 1, "20260212"))
	queue.Offer(persistedTick("HK.00700", 2, "20260213"))
	queue.Close()

	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if metrics.Persisted.Total() != 2 {
		t.Errorf("persisted = %d, want 2", metrics.Persisted.Total())
	}
	for _, day := range []string{"20260212", "20260213"} {
		if _, err := os.Stat(store.PathForTradingDay(day)); err != nil {
			t.Errorf("day file %s missing: %v", day, err)
		}
	}
}

// TestWorker_DrainsQueueOnClose verifies graceful shutdown flushes every
// queued row before Run returns.
func TestWorker_DrainsQueueOnClose(t *testing.T) {
	worker, _, queue, _, metrics := newWorkerHarness(t, 100)

	for seq := int64(1); seq <= 30; seq++ {
		queue.Offer(persistedTick("HK.00700", seq, "20260212"))
	}
	queue.Close()

	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.Persisted.Total() != 30 {
		t.Errorf("persisted = %d, want all 30 before exit", metrics.Persisted.Total())
	}
	if queue.Len() != 0 {
		t.Errorf("queue depth = %d, want drained", queue.Len())
	}
}

// TestWorker_HardStopReturnsError verifies the flush-budget cancellation
// path reports retained rows as an error instead of exiting clean.
func TestWorker_HardStopReturnsError(t *testing.T) {
	worker, _, _, _, _ := newWorkerHarness(t, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return worker.metrics.WorkerAlive() })
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Run after hard stop should return an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on hard cancel")
	}
}

// TestWorker_RequestRecovery_RebuildsWriterAtSafePoint verifies the
// recovery protocol joins while the worker is idle and commits keep
// working afterwards.
func TestWorker_RequestRecovery_RebuildsWriterAtSafePoint(t *testing.T) {
	worker, _, queue, _, metrics := newWorkerHarness(t, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	waitFor(t, time.Second, func() bool { return metrics.WorkerAlive() })

	if !worker.RequestRecovery("test stall", time.Second) {
		t.Fatal("RequestRecovery should join while the worker is idle")
	}
	if metrics.Recoveries.Total() != 1 {
		t.Errorf("recoveries = %d, want 1", metrics.Recoveries.Total())
	}

	queue.Offer(persistedTick("HK.00700", 1, "20260212"))
	waitFor(t, 2*time.Second, func() bool { return metrics.Persisted.Total() == 1 })

	queue.Close()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want clean drain after recovery", err)
	}
}

// TestWorker_RequestRecovery_TimesOutWithoutWorker verifies the join
// reports failure when no worker is servicing requests.
func TestWorker_RequestRecovery_TimesOutWithoutWorker(t *testing.T) {
	worker, _, _, _, _ := newWorkerHarness(t, 10)

	if worker.RequestRecovery("nobody home", 20*time.Millisecond) {
		t.Error("RequestRecovery should time out with no running worker")
	}
}

// TestWorker_BusyRetriesUntilSuccess verifies a write-locked day file
// only delays a batch: the worker backs off on busy errors, counts the
// retries as transient, and lands the whole batch in one commit once the
// lock clears.
func TestWorker_BusyRetriesUntilSuccess(t *testing.T) {
	store := database.NewStore(t.TempDir(), database.Options{BusyTimeoutMS: 20})
	queue := NewTickQueue(100)
	tracker := NewSeqTracker()
	metrics := NewMetrics()
	worker := NewWorker(store, queue, tracker, metrics, WorkerConfig{
		BatchSize:    10,
		MaxWait:      10 * time.Millisecond,
		BackoffStart: 10 * time.Millisecond,
		BackoffCap:   20 * time.Millisecond,
	})

	// Materialize the day file so a second connection can take its write
	// lock before the worker starts.
	seedWriter := store.OpenWriter()
	if _, err := seedWriter.InsertTicks("20260212", []tick.Tick{persistedTick("HK.00700", 1, "20260212")}); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	seedWriter.Close()

	blocker, err := sql.Open("sqlite3", store.PathForTradingDay("20260212"))
	if err != nil {
		t.Fatalf("open blocker: %v", err)
	}
	defer blocker.Close()
	lock, err := blocker.Begin()
	if err != nil {
		t.Fatalf("begin blocker tx: %v", err)
	}
	if _, err := lock.Exec("INSERT INTO ticks(market, symbol, ts_ms, trading_day, recv_ts_ms, inserted_at_ms) VALUES('HK', 'HK.LOCK', 1, '20260212', 1, 1);"); err != nil {
		t.Fatalf("take write lock: %v", err)
	}

	for seq := int64(2); seq <= 4; seq++ {
		queue.Offer(persistedTick("HK.00700", seq, "20260212"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	// Hold the lock through several busy backoffs, then release it.
	waitFor(t, 5*time.Second, func() bool { return metrics.BusyBackoffs.Total() >= 3 })
	if err := lock.Rollback(); err != nil {
		t.Fatalf("release lock: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return metrics.Persisted.Total() == 3 })
	if metrics.Commits.Total() != 1 {
		t.Errorf("commits = %d, want the whole batch in one commit", metrics.Commits.Total())
	}
	if metrics.WriteFailures.Total() != 0 {
		t.Errorf("write failures = %d, want busy retries classified as transient", metrics.WriteFailures.Total())
	}

	queue.Close()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want clean drain", err)
	}
}

// TestWorker_ReplayedRowsIgnoredByStorage verifies the end-to-end
// idempotence: re-enqueueing committed rows yields ignored counts, not
// duplicate rows.
func TestWorker_ReplayedRowsIgnoredByStorage(t *testing.T) {
	worker, _, queue, _, metrics := newWorkerHarness(t, 100)

	rows := []tick.Tick{
		persistedTick("HK.00700", 1, "20260212"),
		persistedTick("HK.00700", 2, "20260212"),
	}
	for _, r := range rows {
		queue.Offer(r)
	}
	// Simulate the poll fallback replaying the same rows past the gate.
	for _, r := range rows {
		queue.Offer(r)
	}
	queue.Close()

	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.Persisted.Total() != 2 {
		t.Errorf("persisted = %d, want 2 unique rows", metrics.Persisted.Total())
	}
	if metrics.Ignored.Total() != 2 {
		t.Errorf("ignored = %d, want 2 replayed rows absorbed", metrics.Ignored.Total())
	}
}
