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
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"hk-tick-md-go/database"
	"hk-tick-md-go/tick"
	"hk-tick-md-go/utils"
)

// WorkerConfig tunes the persistence worker.
type WorkerConfig struct {
	BatchSize      int
	MaxWait        time.Duration
	BackoffStart   time.Duration
	BackoffCap     time.Duration
	HeartbeatEvery time.Duration
}

type recoveryRequest struct {
	reason string
	done   chan struct{}
}

// Worker is the single persistence thread. It drains the queue, groups
// rows by trading day and commits them through a Writer it owns
// exclusively. No other goroutine ever touches the writer; the watchdog's
// recovery request crosses the boundary through a channel and is acted on
// by the worker itself at the next safe point.
type Worker struct {
	store   *database.Store
	queue   *TickQueue
	tracker *SeqTracker
	metrics *Metrics
	cfg     WorkerConfig

	writer     *database.Writer
	recoveryCh chan recoveryRequest
}

func NewWorker(store *database.Store, queue *TickQueue, tracker *SeqTracker, metrics *Metrics, cfg WorkerConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}
	if cfg.BackoffStart <= 0 {
		cfg.BackoffStart = time.Second
	}
	if cfg.BackoffCap < cfg.BackoffStart {
		cfg.BackoffCap = cfg.BackoffStart
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 30 * time.Second
	}
	return &Worker{
		store:      store,
		queue:      queue,
		tracker:    tracker,
		metrics:    metrics,
		cfg:        cfg,
		recoveryCh: make(chan recoveryRequest, 1),
	}
}

// Run loops until the queue is closed and drained, or ctx is cancelled.
// ctx cancellation is the hard-stop path: the lifecycle cancels it only
// after the graceful flush budget has elapsed, so a cancelled Run may
// leave retained rows behind and reports that as an error.
func (w *Worker) Run(ctx context.Context) error {
	w.metrics.SetWorkerAlive(true)
	defer w.metrics.SetWorkerAlive(false)

	w.writer = w.store.OpenWriter()
	defer w.writer.Close()

	heartbeat := time.NewTicker(w.cfg.HeartbeatEvery)
	defer heartbeat.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("persistence worker stopped with %d rows retained: %w", w.queue.Len(), err)
		}

		w.handleRecovery()
		select {
		case <-heartbeat.C:
			w.logHeartbeat()
		default:
		}

		batch, open := w.queue.DrainBatch(w.cfg.BatchSize, w.cfg.MaxWait)
		if len(batch) > 0 {
			w.metrics.MarkDequeue()
			w.metrics.QueueOut.Add(int64(len(batch)))
			if err := w.persistBatch(ctx, batch); err != nil {
				return err
			}
		}
		if !open && w.queue.Len() == 0 {
			log.WithField("committed_total", w.metrics.Persisted.Total()).Info("persist_worker_drained")
			return nil
		}
	}
}

// persistBatch partitions by trading day and commits each bucket,
// retrying transient failures until they succeed. Rows are never
// dropped: a bucket that cannot be committed blocks the worker, which is
// exactly the condition the watchdog diagnoses.
func (w *Worker) persistBatch(ctx context.Context, batch []tick.Tick) error {
	days := make([]string, 0, 1)
	buckets := make(map[string][]tick.Tick, 1)
	for _, t := range batch {
		if _, ok := buckets[t.TradingDay]; !ok {
			days = append(days, t.TradingDay)
		}
		buckets[t.TradingDay] = append(buckets[t.TradingDay], t)
	}

	for _, day := range days {
		if err := w.commitBucket(ctx, day, buckets[day]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) commitBucket(ctx context.Context, tradingDay string, rows []tick.Tick) error {
	backoff := utils.NewExponentialBackoff(w.cfg.BackoffStart, w.cfg.BackoffCap)
	attempt := 0

	for {
		w.handleRecovery()
		attempt++

		result, err := w.writer.InsertTicks(tradingDay, rows)
		if err == nil {
			w.noteCommit(rows, result)
			return nil
		}

		entry := log.WithFields(log.Fields{
			"trading_day": tradingDay,
			"batch":       len(rows),
			"attempt":     attempt,
			"queue":       w.queue.Len(),
		})

		switch {
		case database.IsBusy(err):
			w.metrics.CountBusyBackoff()
			w.metrics.MarkError("busy", err.Error())
			entry.WithError(err).Warn("persist_busy_backoff")
		case database.IsPermanent(err):
			w.metrics.WriteFailures.Add(1)
			w.metrics.MarkError("permanent", err.Error())
			entry.WithError(err).Error("persist_storage_failed")
			w.writer.ResetConnection(tradingDay)
		default:
			w.metrics.WriteFailures.Add(1)
			w.metrics.MarkError("unknown", err.Error())
			entry.Errorf("persist_flush_failed err=%+v", err)
			w.writer.ResetConnection(tradingDay)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("persistence worker stopped retrying %d rows for %s: %w",
				len(rows), tradingDay, ctx.Err())
		case <-time.After(backoff.Next()):
		}
	}
}

func (w *Worker) noteCommit(rows []tick.Tick, result database.PersistResult) {
	maxSeq := make(map[string]int64)
	for i := range rows {
		if rows[i].Seq == nil {
			continue
		}
		if cur, ok := maxSeq[rows[i].Symbol]; !ok || *rows[i].Seq > cur {
			maxSeq[rows[i].Symbol] = *rows[i].Seq
		}
	}
	for symbol, seq := range maxSeq {
		w.tracker.MarkPersisted(symbol, seq)
	}

	w.metrics.Persisted.Add(int64(result.Inserted))
	w.metrics.Ignored.Add(int64(result.Ignored))
	w.metrics.Commits.Add(1)
	w.metrics.MarkCommit(result.Batch, result.CommitLatency)
}

// RequestRecovery asks the worker to rebuild its writer at the next safe
// point and waits up to joinTimeout for it to happen. Returns false when
// the worker is wedged or a recovery is already pending.
func (w *Worker) RequestRecovery(reason string, joinTimeout time.Duration) bool {
	req := recoveryRequest{reason: reason, done: make(chan struct{})}
	select {
	case w.recoveryCh <- req:
	default:
		return false
	}
	select {
	case <-req.done:
		return true
	case <-time.After(joinTimeout):
		return false
	}
}

// handleRecovery services a pending recovery request. Called only from
// the worker goroutine, so writer ownership never crosses threads.
func (w *Worker) handleRecovery() {
	select {
	case req := <-w.recoveryCh:
		log.WithField("reason", req.reason).Warn("writer_recovery")
		w.writer.Close()
		w.writer = w.store.OpenWriter()
		w.metrics.MarkRecovery()
		close(req.done)
	default:
	}
}

func (w *Worker) logHeartbeat() {
	depth := w.queue.Len()
	w.metrics.SetQueueDepth(depth)

	count, avg, max, lastRows := w.metrics.CommitLatencyStats()
	fields := log.Fields{
		"queue":             fmt.Sprintf("%d/%d", depth, w.queue.Cap()),
		"committed_total":   w.metrics.Persisted.Total(),
		"ignored_total":     w.metrics.Ignored.Total(),
		"commits":           count,
		"commit_avg_ms":     avg.Milliseconds(),
		"commit_max_ms":     max.Milliseconds(),
		"last_commit_rows":  lastRows,
		"busy_backoffs":     w.metrics.BusyBackoffs.Total(),
		"recoveries":        w.metrics.Recoveries.Total(),
		"wal_size_estimate": w.writer.WALSize(tick.CurrentTradingDay(time.Now())),
	}
	if kind, _, age, ok := w.metrics.LastError(); ok {
		fields["last_error_kind"] = kind
		fields["last_error_age_sec"] = int64(age.Seconds())
	}
	log.WithFields(fields).Info("persist_heartbeat")
}
