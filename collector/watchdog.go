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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"runtime"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrPersistentStall is returned by the watchdog when in-process recovery
// has failed repeatedly. The process must exit non-zero so the supervisor
// restarts it; nothing inside the process can fix the writer at that
// point.
var ErrPersistentStall = errors.New("persistence stalled and recovery failed repeatedly")

// WatchdogConfig tunes stall detection and recovery escalation.
type WatchdogConfig struct {
	Interval            time.Duration
	Stall               time.Duration
	UpstreamWindow      time.Duration
	QueueThresholdRows  int
	RecoveryMaxFailures int
	RecoveryJoinTimeout time.Duration
	DriftWarn           time.Duration
}

// Watchdog periodically reports pipeline health and diagnoses persistence
// stalls. A stall requires all three: fresh upstream data in the window,
// a queue backed up past the threshold, and no commit for the stall
// duration (or a dead worker). Duplicate-only traffic is deliberately not
// "fresh data" - a quiet market replaying the same rows must never
// trigger recovery.
type Watchdog struct {
	worker  *Worker
	queue   *TickQueue
	tracker *SeqTracker
	metrics *Metrics
	cfg     WatchdogConfig

	state    string
	failures int
}

func NewWatchdog(worker *Worker, queue *TickQueue, tracker *SeqTracker, metrics *Metrics, cfg WatchdogConfig) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Stall <= 0 {
		cfg.Stall = 3 * time.Minute
	}
	if cfg.UpstreamWindow <= 0 {
		cfg.UpstreamWindow = time.Minute
	}
	if cfg.RecoveryMaxFailures <= 0 {
		cfg.RecoveryMaxFailures = 3
	}
	if cfg.RecoveryJoinTimeout <= 0 {
		cfg.RecoveryJoinTimeout = 3 * time.Second
	}
	return &Watchdog{
		worker:  worker,
		queue:   queue,
		tracker: tracker,
		metrics: metrics,
		cfg:     cfg,
		state:   "ok",
	}
}

// Run loops until ctx is cancelled or the stall becomes persistent.
func (wd *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(wd.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := wd.cycle(); err != nil {
				return err
			}
		}
	}
}

// healthWindow is one cycle's worth of counter deltas.
type healthWindow struct {
	pushed       int64
	pollFetched  int64
	enqueued     int64
	dequeued     int64
	committed    int64
	ignored      int64
	dupDrops     int64
	fullDrops    int64
	mappingErrs  int64
	seqAdvanced  int64
	pollAdvanced int64
}

func (wd *Watchdog) cycle() error {
	w := healthWindow{
		pushed:       wd.metrics.PushRows.TakeWindow(),
		pollFetched:  wd.metrics.PollFetched.TakeWindow(),
		enqueued:     wd.metrics.QueueIn.TakeWindow(),
		dequeued:     wd.metrics.QueueOut.TakeWindow(),
		committed:    wd.metrics.Persisted.TakeWindow(),
		ignored:      wd.metrics.Ignored.TakeWindow(),
		dupDrops:     wd.metrics.DroppedDuplicate.TakeWindow(),
		fullDrops:    wd.metrics.DroppedQueueFull.TakeWindow(),
		mappingErrs:  wd.metrics.MappingErrors.TakeWindow(),
		seqAdvanced:  wd.metrics.SeqAdvanced.TakeWindow(),
		pollAdvanced: wd.metrics.PollSeqAdvanced.TakeWindow(),
	}

	depth := wd.queue.Len()
	wd.metrics.SetQueueDepth(depth)
	stalled, reason := wd.diagnose(w, depth)

	// State ladder: ok -> degraded on diagnosis, degraded -> recovering on
	// issuing the recovery request, back to ok once a cycle passes clean.
	if stalled && wd.state == "ok" {
		wd.state = "degraded"
	}
	if !stalled {
		wd.state = "ok"
	}

	wd.report(w, depth)
	wd.checkDrift()

	if !stalled {
		if wd.failures > 0 {
			log.WithField("failures", wd.failures).Info("stall_cleared")
		}
		wd.failures = 0
		return nil
	}

	log.WithFields(log.Fields{
		"reason":   reason,
		"queue":    depth,
		"failures": wd.failures,
	}).Error("persistence_stall_detected")
	wd.dumpGoroutines()

	wd.state = "recovering"
	if wd.worker.RequestRecovery(reason, wd.cfg.RecoveryJoinTimeout) {
		log.Warn("writer_recovery_joined")
	} else {
		log.Warn("writer_recovery_join_timeout")
	}
	wd.failures++

	if wd.failures >= wd.cfg.RecoveryMaxFailures {
		wd.state = "persistent_stall"
		eventID := shortID()
		log.WithFields(log.Fields{
			"event_id": eventID,
			"reason":   reason,
			"failures": wd.failures,
			"queue":    wd.queue.Len(),
		}).Error("persistent_stall")
		wd.report(w, wd.queue.Len())
		return errors.Wrapf(ErrPersistentStall, "event %s after %d recovery attempts", eventID, wd.failures)
	}
	return nil
}

// diagnose decides whether the pipeline is stalled this cycle.
func (wd *Watchdog) diagnose(w healthWindow, depth int) (bool, string) {
	upstreamAge, upstreamSeen := wd.metrics.UpstreamAge()
	freshData := w.enqueued > 0 || w.fullDrops > 0 || w.seqAdvanced > 0 || w.pollAdvanced > 0
	upstreamActive := upstreamSeen && upstreamAge <= wd.cfg.UpstreamWindow && freshData

	// The backlog threshold gates every verdict, a dead worker included:
	// below it nothing is diagnosed. A worker that dies outright is caught
	// by the lifecycle supervisor, not here.
	if !upstreamActive || depth < wd.cfg.QueueThresholdRows {
		return false, ""
	}

	if !wd.metrics.WorkerAlive() {
		return true, "worker_dead"
	}

	commitAge, committed := wd.metrics.CommitAge()
	if !committed {
		if wd.metrics.Mono() >= wd.cfg.Stall {
			return true, "no_commit_since_start"
		}
		return false, ""
	}
	if commitAge >= wd.cfg.Stall {
		return true, fmt.Sprintf("commit_age_%ds", int64(commitAge.Seconds()))
	}
	return false, ""
}

func (wd *Watchdog) report(w healthWindow, depth int) {
	fields := log.Fields{
		"snapshot_id":     shortID(),
		"state":           wd.state,
		"uptime_sec":      int64(wd.metrics.Mono().Seconds()),
		"queue":           fmt.Sprintf("%d/%d", depth, wd.queue.Cap()),
		"pushed":          w.pushed,
		"poll_fetched":    w.pollFetched,
		"enqueued":        w.enqueued,
		"dequeued":        w.dequeued,
		"committed":       w.committed,
		"ignored":         w.ignored,
		"dup_drops":       w.dupDrops,
		"full_drops":      w.fullDrops,
		"mapping_errors":  w.mappingErrs,
		"seq_advanced":    w.seqAdvanced,
		"committed_total": wd.metrics.Persisted.Total(),
		"max_seq_lag":     wd.tracker.MaxSeqLag(),
		"worker_alive":    wd.metrics.WorkerAlive(),
		"recoveries":      wd.metrics.Recoveries.Total(),
	}
	if age, ok := wd.metrics.CommitAge(); ok {
		fields["commit_age_sec"] = int64(age.Seconds())
	}
	if age, ok := wd.metrics.UpstreamAge(); ok {
		fields["upstream_age_sec"] = int64(age.Seconds())
	}
	if kind, text, age, ok := wd.metrics.LastError(); ok {
		fields["last_error_kind"] = kind
		fields["last_error"] = text
		fields["last_error_age_sec"] = int64(age.Seconds())
	}
	log.WithFields(fields).Info("collector_health")

	for symbol, snap := range wd.tracker.Snapshot() {
		log.WithFields(log.Fields{
			"symbol":    symbol,
			"seen":      snap.Seen,
			"accepted":  snap.Accepted,
			"persisted": snap.Persisted,
			"lag":       snap.Seen - snap.Persisted,
		}).Debug("symbol_health")
	}
}

// checkDrift warns when event time has fallen behind (or run ahead of)
// wall clock beyond the configured margin while upstream is live. Large
// drift usually means the gateway host clock or a parsing path is wrong.
func (wd *Watchdog) checkDrift() {
	if wd.cfg.DriftWarn <= 0 {
		return
	}
	maxTs, ok := wd.metrics.MaxTsMSSeen()
	if !ok {
		return
	}
	if age, seen := wd.metrics.UpstreamAge(); !seen || age > wd.cfg.UpstreamWindow {
		return
	}
	drift := time.Since(time.UnixMilli(maxTs))
	if drift < 0 {
		drift = -drift
	}
	if drift > wd.cfg.DriftWarn {
		log.WithFields(log.Fields{
			"max_event_ts": time.UnixMilli(maxTs).UTC().Format(time.RFC3339),
			"drift_sec":    int64(drift.Seconds()),
		}).Warn("event_time_drift")
	}
}

// shortID returns an eight-hex-char id for correlating health snapshots
// and escalation events across log lines.
func shortID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}

// dumpGoroutines logs all goroutine stacks for post-mortem before a
// recovery attempt mutates the state being diagnosed.
func (wd *Watchdog) dumpGoroutines() {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	log.WithField("bytes", n).Warn("goroutine_dump_follows")
	log.Warn(string(buf[:n]))
}
