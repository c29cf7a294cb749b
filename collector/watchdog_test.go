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
	"testing"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"hk-tick-md-go/database"
)

func newWatchdogHarness(t *testing.T, cfg WatchdogConfig) (*Watchdog, *Worker, *TickQueue, *Metrics) {
	t.Helper()
	store := database.NewStore(t.TempDir(), database.Options{})
	queue := NewTickQueue(100)
	tracker := NewSeqTracker()
	metrics := NewMetrics()
	worker := NewWorker(store, queue, tracker, metrics, WorkerConfig{
		BatchSize:    10,
		MaxWait:      10 * time.Millisecond,
		BackoffStart: 10 * time.Millisecond,
		BackoffCap:   20 * time.Millisecond,
	})
	wd := NewWatchdog(worker, queue, tracker, metrics, cfg)
	return wd, worker, queue, metrics
}

// stallConfig is tuned so "no commit since start" qualifies immediately.
func stallConfig() WatchdogConfig {
	return WatchdogConfig{
		Interval:            time.Minute,
		Stall:               time.Nanosecond,
		UpstreamWindow:      time.Minute,
		QueueThresholdRows:  2,
		RecoveryMaxFailures: 3,
		RecoveryJoinTimeout: 10 * time.Millisecond,
	}
}

// simulateFreshBacklog marks upstream activity with new sequences and a
// backed-up queue, the signature of a stalled writer.
func simulateFreshBacklog(queue *TickQueue, metrics *Metrics, rows int64) {
	metrics.MarkUpstreamSeen()
	metrics.QueueIn.Add(rows)
	metrics.SeqAdvanced.Add(rows)
	for i := int64(0); i < rows; i++ {
		queue.Offer(persistedTick("HK.00700", i+1, "20260212"))
	}
}

// TestWatchdog_Diagnose_StallRequiresAllThreeConditions verifies no
// single condition triggers a stall on its own.
func TestWatchdog_Diagnose_StallRequiresAllThreeConditions(t *testing.T) {
	wd, _, queue, metrics := newWatchdogHarness(t, stallConfig())
	metrics.SetWorkerAlive(true)

	// Nothing happening at all: no stall.
	if stalled, _ := wd.diagnose(healthWindow{}, queue.Len()); stalled {
		t.Error("idle pipeline must not be stalled")
	}

	// Fresh data but empty queue: the worker is keeping up.
	metrics.MarkUpstreamSeen()
	if stalled, _ := wd.diagnose(healthWindow{enqueued: 10}, 0); stalled {
		t.Error("fresh data with an empty queue must not be stalled")
	}

	// Backlog but no upstream activity: a quiet market, not a stall.
	if stalled, _ := wd.diagnose(healthWindow{}, 50); stalled {
		t.Error("backlog without fresh upstream data must not be stalled")
	}

	// All three together: stall.
	if stalled, reason := wd.diagnose(healthWindow{enqueued: 10}, 50); !stalled {
		t.Error("fresh data + backlog + no commit should be a stall")
	} else if reason == "" {
		t.Error("stall should carry a reason")
	}
}

// TestWatchdog_Diagnose_DuplicateOnlyWindowIsNotFreshData verifies a
// window where upstream only replayed known rows does not count as
// active, even with rows sitting in the queue.
func TestWatchdog_Diagnose_DuplicateOnlyWindowIsNotFreshData(t *testing.T) {
	wd, _, _, metrics := newWatchdogHarness(t, stallConfig())
	metrics.SetWorkerAlive(true)
	metrics.MarkUpstreamSeen()

	// Upstream seen recently, but the window carried only duplicates.
	w := healthWindow{dupDrops: 500}
	if stalled, _ := wd.diagnose(w, 50); stalled {
		t.Error("duplicate-only traffic must not diagnose a stall")
	}
}

// TestWatchdog_Diagnose_QueueFullDropsCountAsFreshData verifies the
// saturated-queue case still diagnoses: drops at the gate are proof of
// fresh rows even though nothing was enqueued.
func TestWatchdog_Diagnose_QueueFullDropsCountAsFreshData(t *testing.T) {
	wd, _, _, metrics := newWatchdogHarness(t, stallConfig())
	metrics.SetWorkerAlive(true)
	metrics.MarkUpstreamSeen()

	if stalled, _ := wd.diagnose(healthWindow{fullDrops: 100}, 100); !stalled {
		t.Error("queue-full drops with a backlog should diagnose a stall")
	}
}

// TestWatchdog_Diagnose_DeadWorker verifies a dead worker is a stall
// only once the backlog passes the queue threshold; below it nothing is
// diagnosed and the lifecycle supervisor handles the exit.
func TestWatchdog_Diagnose_DeadWorker(t *testing.T) {
	wd, _, _, metrics := newWatchdogHarness(t, stallConfig())
	metrics.SetWorkerAlive(false)
	metrics.MarkUpstreamSeen()

	if stalled, _ := wd.diagnose(healthWindow{enqueued: 1}, 1); stalled {
		t.Error("dead worker below the queue threshold must not be diagnosed")
	}

	stalled, reason := wd.diagnose(healthWindow{enqueued: 2}, 2)
	if !stalled || reason != "worker_dead" {
		t.Errorf("diagnose = (%v, %s), want dead-worker stall at the threshold", stalled, reason)
	}
}

// TestWatchdog_Diagnose_CommitAgeClears verifies a recent commit holds
// off the stall verdict even with a backlog.
func TestWatchdog_Diagnose_CommitAgeClears(t *testing.T) {
	cfg := stallConfig()
	cfg.Stall = time.Hour
	wd, _, _, metrics := newWatchdogHarness(t, cfg)
	metrics.SetWorkerAlive(true)
	metrics.MarkUpstreamSeen()
	metrics.MarkCommit(10, time.Millisecond)

	if stalled, _ := wd.diagnose(healthWindow{enqueued: 10}, 50); stalled {
		t.Error("a fresh commit should clear the stall verdict")
	}
}

// findEntry returns the first captured record with the given message.
func findEntry(hook *logtest.Hook, message string) *log.Entry {
	for _, e := range hook.AllEntries() {
		if e.Message == message {
			return e
		}
	}
	return nil
}

// TestWatchdog_Cycle_EscalatesToPersistentStall verifies repeated failed
// recoveries end in ErrPersistentStall so the process exits non-zero,
// and the escalation record carries an event id.
func TestWatchdog_Cycle_EscalatesToPersistentStall(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	wd, _, queue, metrics := newWatchdogHarness(t, stallConfig())
	metrics.SetWorkerAlive(true)

	// No worker goroutine is running, so every recovery join times out.
	var finalErr error
	for i := 0; i < 3; i++ {
		simulateFreshBacklog(queue, metrics, 10)
		finalErr = wd.cycle()
		if i < 2 && finalErr != nil {
			t.Fatalf("cycle %d returned %v before reaching max failures", i+1, finalErr)
		}
	}

	if !errors.Is(finalErr, ErrPersistentStall) {
		t.Errorf("final cycle = %v, want ErrPersistentStall", finalErr)
	}
	if wd.state != "persistent_stall" {
		t.Errorf("state = %s, want persistent_stall", wd.state)
	}

	entry := findEntry(hook, "persistent_stall")
	if entry == nil {
		t.Fatal("no persistent_stall record emitted")
	}
	if id, ok := entry.Data["event_id"].(string); !ok || len(id) != 8 {
		t.Errorf("event_id = %v, want an eight-char id", entry.Data["event_id"])
	}
}

// TestWatchdog_Cycle_StateLadder verifies the reported state steps
// ok -> degraded at the first diagnosis, moves to recovering once the
// recovery request is issued, and returns to ok on a clean cycle.
func TestWatchdog_Cycle_StateLadder(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	wd, _, queue, metrics := newWatchdogHarness(t, stallConfig())
	metrics.SetWorkerAlive(true)

	simulateFreshBacklog(queue, metrics, 10)
	if err := wd.cycle(); err != nil {
		t.Fatalf("first stalled cycle: %v", err)
	}

	// The snapshot taken at diagnosis time reports degraded; issuing the
	// request afterwards moves the machine on.
	entry := findEntry(hook, "collector_health")
	if entry == nil {
		t.Fatal("no health snapshot emitted")
	}
	if entry.Data["state"] != "degraded" {
		t.Errorf("first snapshot state = %v, want degraded", entry.Data["state"])
	}
	if wd.state != "recovering" {
		t.Errorf("state = %s, want recovering after the recovery request", wd.state)
	}

	// Window counters were consumed, so the next cycle sees no fresh data
	// and the machine settles back to ok.
	if err := wd.cycle(); err != nil {
		t.Fatalf("clean cycle: %v", err)
	}
	if wd.state != "ok" {
		t.Errorf("state = %s, want ok after a clean cycle", wd.state)
	}
}

// TestWatchdog_Report_CarriesSnapshotID verifies every health snapshot
// carries a short id for cross-line correlation.
func TestWatchdog_Report_CarriesSnapshotID(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	wd, _, _, metrics := newWatchdogHarness(t, stallConfig())
	metrics.SetWorkerAlive(true)
	if err := wd.cycle(); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	entry := findEntry(hook, "collector_health")
	if entry == nil {
		t.Fatal("no health snapshot emitted")
	}
	if id, ok := entry.Data["snapshot_id"].(string); !ok || len(id) != 8 {
		t.Errorf("snapshot_id = %v, want an eight-char id", entry.Data["snapshot_id"])
	}
}

// TestWatchdog_Cycle_RecoverySucceedsAndClears verifies a live worker
// joins the recovery and a subsequent healthy cycle resets the failure
// count.
func TestWatchdog_Cycle_RecoverySucceedsAndClears(t *testing.T) {
	cfg := stallConfig()
	cfg.RecoveryJoinTimeout = time.Second
	cfg.QueueThresholdRows = 0 // the live queue drains too fast to rely on
	wd, worker, queue, metrics := newWatchdogHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	waitFor(t, time.Second, func() bool { return metrics.WorkerAlive() })

	// Force one stalled cycle by feeding the window counters directly:
	// fresh sequences seen, nothing committed yet.
	metrics.MarkUpstreamSeen()
	metrics.QueueIn.Add(10)
	metrics.SeqAdvanced.Add(10)
	if err := wd.cycle(); err != nil {
		t.Fatalf("stalled cycle: %v", err)
	}
	if wd.failures != 1 {
		t.Errorf("failures = %d, want 1 after one stalled cycle", wd.failures)
	}
	if metrics.Recoveries.Total() != 1 {
		t.Errorf("recoveries = %d, want a joined recovery", metrics.Recoveries.Total())
	}

	// Give the worker real rows to commit, then run a healthy cycle.
	for seq := int64(1); seq <= 10; seq++ {
		queue.Offer(persistedTick("HK.00700", seq, "20260212"))
	}
	waitFor(t, 2*time.Second, func() bool { return metrics.Persisted.Total() == 10 })
	if err := wd.cycle(); err != nil {
		t.Fatalf("healthy cycle: %v", err)
	}
	if wd.failures != 0 {
		t.Errorf("failures = %d, want reset after recovery", wd.failures)
	}
	if wd.state == "persistent_stall" {
		t.Errorf("state = %s, want recovered", wd.state)
	}

	queue.Close()
	<-done
}

// TestWatchdog_Run_StopsOnCancel verifies the loop exits cleanly.
func TestWatchdog_Run_StopsOnCancel(t *testing.T) {
	cfg := stallConfig()
	cfg.Interval = 10 * time.Millisecond
	wd, _, _, _ := newWatchdogHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wd.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil on cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
