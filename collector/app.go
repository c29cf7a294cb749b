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
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"hk-tick-md-go/config"
	"hk-tick-md-go/database"
	"hk-tick-md-go/gateway"
)

// App wires the collector pipeline and runs it until ctx is cancelled.
// Stop order matters: the driver quiesces first (no more producers), the
// queue closes second, and only then does the worker drain to empty
// within the flush budget.
type App struct {
	cfg     config.Config
	factory gateway.Factory
}

func NewApp(cfg config.Config, factory gateway.Factory) *App {
	return &App{cfg: cfg, factory: factory}
}

// Run returns nil on a clean shutdown. Any non-nil error means the
// process must exit non-zero: a persistent stall, a flush timeout, or a
// startup failure.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return errors.Wrap(err, "create data root")
	}

	store := database.NewStore(cfg.DataRoot, database.Options{
		BusyTimeoutMS:     cfg.SQLiteBusyTimeoutMS,
		JournalMode:       cfg.SQLiteJournalMode,
		Synchronous:       cfg.SQLiteSynchronous,
		WALAutocheckpoint: cfg.SQLiteWALCheckpoint,
	})

	metrics := NewMetrics()
	tracker := NewSeqTracker()
	a.seedTracker(store, tracker)

	queue := NewTickQueue(cfg.MaxQueueSize)
	worker := NewWorker(store, queue, tracker, metrics, WorkerConfig{
		BatchSize:      cfg.BatchSize,
		MaxWait:        time.Duration(cfg.MaxWaitMS) * time.Millisecond,
		BackoffStart:   cfg.PersistRetryBackoff,
		BackoffCap:     cfg.PersistRetryBackoffMax,
		HeartbeatEvery: cfg.PersistHeartbeatEvery,
	})
	driver := NewDriver(a.factory, DriverConfig{
		Host:              cfg.FutuHost,
		Port:              cfg.FutuPort,
		Symbols:           cfg.Symbols,
		Provider:          "futu",
		BackfillN:         cfg.BackfillN,
		ReconnectMinDelay: cfg.ReconnectMinDelay,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		CheckInterval:     cfg.CheckInterval,
		PollEnabled:       cfg.PollEnabled,
		PollInterval:      cfg.PollInterval,
		PollNum:           cfg.PollNum,
		PollStale:         cfg.PollStale,
	}, queue, tracker, metrics)
	watchdog := NewWatchdog(worker, queue, tracker, metrics, WatchdogConfig{
		Interval:            cfg.WatchdogInterval,
		Stall:               cfg.WatchdogStall,
		UpstreamWindow:      cfg.WatchdogUpstreamWindow,
		QueueThresholdRows:  cfg.WatchdogQueueThresholdRows,
		RecoveryMaxFailures: cfg.WatchdogRecoveryMaxFailures,
		RecoveryJoinTimeout: cfg.WatchdogRecoveryJoinTimeout,
		DriftWarn:           cfg.DriftWarn,
	})

	log.WithFields(log.Fields{
		"symbols":   len(cfg.Symbols),
		"data_root": cfg.DataRoot,
		"gateway":   cfg.FutuHost,
		"queue_cap": cfg.MaxQueueSize,
		"batch":     cfg.BatchSize,
	}).Info("collector_starting")

	g, gctx := errgroup.WithContext(ctx)

	driverDone := make(chan struct{})
	g.Go(func() error {
		defer close(driverDone)
		return driver.Run(gctx)
	})

	g.Go(func() error {
		return watchdog.Run(gctx)
	})

	// Worker supervisor: the worker deliberately does NOT follow gctx.
	// It keeps draining after cancellation and is hard-stopped only when
	// the flush budget runs out.
	g.Go(func() error {
		flushCtx, hardStop := context.WithCancel(context.Background())
		defer hardStop()

		workerErr := make(chan error, 1)
		go func() { workerErr <- worker.Run(flushCtx) }()

		select {
		case err := <-workerErr:
			// Worker died before shutdown was requested; fatal.
			if err == nil {
				err = errors.New("persistence worker exited before shutdown")
			}
			return err
		case <-gctx.Done():
		}

		// Producers must be gone before the queue can close.
		<-driverDone
		queue.Close()

		timer := time.NewTimer(cfg.StopFlushTimeout)
		defer timer.Stop()
		select {
		case err := <-workerErr:
			return err
		case <-timer.C:
			hardStop()
			log.WithFields(log.Fields{
				"retained": queue.Len(),
				"budget":   cfg.StopFlushTimeout.String(),
			}).Error("stop_flush_timeout")
			<-workerErr
			return errors.Errorf("flush timeout after %s with %d rows retained",
				cfg.StopFlushTimeout, queue.Len())
		}
	})

	err := g.Wait()
	if err != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		log.WithError(err).Error("collector_stopped")
		return err
	}
	log.Info("collector_stopped")
	return nil
}

// seedTracker recovers per-symbol max sequences from recent day files so
// a restart does not re-accept rows the last run already persisted.
// Non-fatal on failure: the unique indexes still make replays idempotent,
// seeding only saves the churn.
func (a *App) seedTracker(store *database.Store, tracker *SeqTracker) {
	seeds, err := store.SeedMaxSeq(a.cfg.Symbols, nil, a.cfg.SeedRecentDBDays)
	if err != nil {
		log.WithError(err).Warn("seq_seed_failed")
		return
	}
	for symbol, seq := range seeds {
		tracker.Seed(symbol, seq)
	}
	log.WithFields(log.Fields{
		"seeded":  len(seeds),
		"symbols": len(a.cfg.Symbols),
		"files":   a.cfg.SeedRecentDBDays,
	}).Info("seq_seeded")
}
