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
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"hk-tick-md-go/gateway"
	"hk-tick-md-go/tick"
	"hk-tick-md-go/utils"
)

// recentKeyWindow bounds the per-symbol composite-key memory used to
// dedupe sequence-less rows across the push and poll paths.
const recentKeyWindow = 500

// queueFullWarnEvery throttles the queue-full warning so a sustained
// stall does not flood the log at push rates.
const queueFullWarnEvery = 5 * time.Second

// DriverConfig tunes the upstream driver.
type DriverConfig struct {
	Host     string
	Port     int
	Symbols  []string
	Provider string

	BackfillN         int
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	CheckInterval     time.Duration

	PollEnabled  bool
	PollInterval time.Duration
	PollNum      int
	PollStale    time.Duration
}

// Driver owns the gateway connection: it subscribes the symbol universe,
// funnels push batches into the queue, runs the poll fallback and
// reconnects with backoff when the connection dies. All ingest, from
// either path, flows through the same sequence gate so the worker only
// ever sees accepted rows.
type Driver struct {
	factory gateway.Factory
	cfg     DriverConfig
	queue   *TickQueue
	tracker *SeqTracker
	metrics *Metrics

	// lastPushNano gates the poll fallback: while push batches keep
	// arriving, polling the same rows back is wasted upstream traffic.
	lastPushNano atomic.Int64

	keyMu      sync.Mutex
	recentKeys map[string]*keyWindow

	lastFullWarn  atomic.Int64
	lastPollStats atomic.Int64
}

func NewDriver(factory gateway.Factory, cfg DriverConfig, queue *TickQueue, tracker *SeqTracker, metrics *Metrics) *Driver {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.ReconnectMinDelay <= 0 {
		cfg.ReconnectMinDelay = time.Second
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectMinDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectMinDelay
	}
	return &Driver{
		factory:    factory,
		cfg:        cfg,
		queue:      queue,
		tracker:    tracker,
		metrics:    metrics,
		recentKeys: make(map[string]*keyWindow),
	}
}

// Run connects and re-connects until ctx is cancelled. A dead connection
// is routine, not fatal: the driver backs off and tries again forever,
// leaving stall diagnosis to the watchdog.
func (d *Driver) Run(ctx context.Context) error {
	backoff := utils.NewExponentialBackoff(d.cfg.ReconnectMinDelay, d.cfg.ReconnectMaxDelay)

	for {
		if ctx.Err() != nil {
			return nil
		}

		qc, err := d.factory(d.cfg.Host, d.cfg.Port)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"host": d.cfg.Host,
				"port": d.cfg.Port,
			}).Warn("gateway_connect_failed")
			if !sleepCtx(ctx, backoff.Next()) {
				return nil
			}
			continue
		}

		err = d.runSession(ctx, qc, backoff)
		_ = qc.Close()
		if ctx.Err() != nil {
			return nil
		}

		log.WithError(err).Warn("gateway_session_ended")
		if !sleepCtx(ctx, backoff.Next()) {
			return nil
		}
	}
}

// runSession drives one live connection: handler, subscribe, backfill,
// then the poll / liveness loop until the connection breaks.
func (d *Driver) runSession(ctx context.Context, qc gateway.QuoteContext, backoff *utils.ExponentialBackoff) error {
	qc.SetHandler(func(rows []tick.Raw) {
		if len(rows) == 0 {
			return
		}
		d.lastPushNano.Store(time.Now().UnixNano())
		d.metrics.PushRows.Add(int64(len(rows)))
		d.ingest(rows, "push", "")
	})

	if err := qc.Subscribe(d.cfg.Symbols); err != nil {
		return err
	}
	backoff.Reset()
	log.WithFields(log.Fields{
		"symbols": len(d.cfg.Symbols),
		"host":    d.cfg.Host,
		"port":    d.cfg.Port,
	}).Info("gateway_subscribed")

	d.backfill(qc)

	var pollC <-chan time.Time
	if d.cfg.PollEnabled {
		pollTicker := time.NewTicker(d.cfg.PollInterval)
		defer pollTicker.Stop()
		pollC = pollTicker.C
	}
	checkTicker := time.NewTicker(d.cfg.CheckInterval)
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pollC:
			d.pollOnce(qc)
		case <-checkTicker.C:
			if err := qc.GlobalState(); err != nil {
				return err
			}
		}
	}
}

// backfill replays the gateway's recent window after (re)connect so rows
// pushed while disconnected are not lost. Replayed rows pass through the
// same dedupe gate as everything else, so overlap with already-persisted
// data is absorbed.
func (d *Driver) backfill(qc gateway.QuoteContext) {
	if d.cfg.BackfillN <= 0 {
		return
	}
	total := ingestStats{}
	for _, symbol := range d.cfg.Symbols {
		rows, err := qc.RecentTicks(symbol, d.cfg.BackfillN)
		if err != nil {
			log.WithError(err).WithField("symbol", symbol).Warn("backfill_fetch_failed")
			continue
		}
		stats := d.ingest(rows, "backfill", symbol)
		total.add(stats)
	}
	log.WithFields(log.Fields{
		"fetched":  total.fetched,
		"enqueued": total.enqueued,
		"dup":      total.duplicates,
	}).Info("backfill_done")
}

// pollOnce runs one poll sweep across the universe. Skipped entirely
// while push is flowing; when it runs, fetched rows are pre-filtered by
// the per-symbol sequence baseline before mapping.
func (d *Driver) pollOnce(qc gateway.QuoteContext) {
	if last := d.lastPushNano.Load(); last > 0 {
		if time.Since(time.Unix(0, last)) < d.cfg.PollStale {
			return
		}
	}

	total := ingestStats{}
	for _, symbol := range d.cfg.Symbols {
		rows, err := qc.RecentTicks(symbol, d.cfg.PollNum)
		if err != nil {
			log.WithError(err).WithField("symbol", symbol).Warn("poll_fetch_failed")
			continue
		}
		d.metrics.CountPollFetched(int64(len(rows)))
		total.fetched += len(rows)

		rows = d.filterByBaseline(symbol, rows)
		stats := d.ingest(rows, "poll", symbol)
		total.mapped += stats.mapped
		total.enqueued += stats.enqueued
		total.duplicates += stats.duplicates
		total.queueFull += stats.queueFull
		total.seqAdvanced += stats.seqAdvanced
	}

	d.metrics.PollAccepted.Add(int64(total.enqueued + total.queueFull))
	d.metrics.PollEnqueued.Add(int64(total.enqueued))
	d.metrics.PollSeqAdvanced.Add(int64(total.seqAdvanced))
	d.logPollStats(total)
}

// filterByBaseline drops polled rows whose sequence is at or below the
// accepted-or-persisted watermark before they reach the mapper. Rows
// without a sequence always pass; the composite-key window handles them.
func (d *Driver) filterByBaseline(symbol string, rows []tick.Raw) []tick.Raw {
	baseline, ok := d.tracker.Baseline(symbol)
	if !ok {
		return rows
	}
	kept := rows[:0]
	for i := range rows {
		if rows[i].Seq != nil && *rows[i].Seq <= baseline {
			continue
		}
		kept = append(kept, rows[i])
	}
	return kept
}

type ingestStats struct {
	fetched     int
	mapped      int
	enqueued    int
	duplicates  int
	queueFull   int
	mappingErrs int
	seqAdvanced int
}

func (s *ingestStats) add(o ingestStats) {
	s.fetched += o.fetched
	s.mapped += o.mapped
	s.enqueued += o.enqueued
	s.duplicates += o.duplicates
	s.queueFull += o.queueFull
	s.mappingErrs += o.mappingErrs
	s.seqAdvanced += o.seqAdvanced
}

// ingest maps, dedupes and enqueues one upstream batch. Shared by push,
// poll and backfill; the pushType tag ends up in the persisted row. Never
// blocks: a full queue rolls the accept back and counts the drop, and the
// poll fallback re-surfaces the row later.
func (d *Driver) ingest(rows []tick.Raw, pushType, defaultSymbol string) ingestStats {
	stats := ingestStats{fetched: len(rows)}
	if len(rows) == 0 {
		return stats
	}
	now := time.Now()
	opts := tick.MapOptions{
		Provider:      d.cfg.Provider,
		PushType:      pushType,
		DefaultSymbol: defaultSymbol,
		Now:           now,
	}

	for i := range rows {
		t, err := tick.MapRaw(rows[i], opts)
		if err != nil {
			stats.mappingErrs++
			d.metrics.CountDrop("mapping", 1)
			log.WithError(err).WithField("push_type", pushType).Debug("tick_mapping_failed")
			continue
		}
		stats.mapped++
		d.metrics.MarkUpstreamSeen()
		d.metrics.ObserveTsMS(t.TsMS)

		seq := NoSeq
		if t.Seq != nil {
			seq = *t.Seq
		}

		if seq < 0 && d.seenRecently(t.Symbol, t.Key()) {
			stats.duplicates++
			d.metrics.CountDrop("duplicate", 1)
			continue
		}

		if !d.tracker.TryAccept(t.Symbol, seq) {
			stats.duplicates++
			d.metrics.CountDrop("duplicate", 1)
			continue
		}

		if !d.queue.Offer(t) {
			d.tracker.RollbackAccept(t.Symbol, seq)
			stats.queueFull++
			d.metrics.CountDrop("queue_full", 1)
			d.warnQueueFull(t.Symbol)
			continue
		}

		if seq >= 0 {
			stats.seqAdvanced++
			d.metrics.SeqAdvanced.Add(1)
		}
		if seq < 0 {
			d.rememberKey(t.Symbol, t.Key())
		}
		stats.enqueued++
		d.metrics.QueueIn.Add(1)
		d.metrics.MarkAccept()
	}
	return stats
}

func (d *Driver) warnQueueFull(symbol string) {
	now := time.Now().UnixNano()
	last := d.lastFullWarn.Load()
	if now-last < int64(queueFullWarnEvery) {
		return
	}
	if !d.lastFullWarn.CompareAndSwap(last, now) {
		return
	}
	log.WithFields(log.Fields{
		"symbol": symbol,
		"queue":  d.queue.Len(),
		"cap":    d.queue.Cap(),
	}).Warn("tick_queue_full")
}

// logPollStats emits one poll summary at most once a minute; a healthy
// poll sweep is usually all duplicates and not worth a line each time.
func (d *Driver) logPollStats(total ingestStats) {
	if total.fetched == 0 {
		return
	}
	now := time.Now().UnixNano()
	last := d.lastPollStats.Load()
	if now-last < int64(time.Minute) {
		return
	}
	if !d.lastPollStats.CompareAndSwap(last, now) {
		return
	}
	log.WithFields(log.Fields{
		"fetched":      total.fetched,
		"enqueued":     total.enqueued,
		"dup":          total.duplicates,
		"queue_full":   total.queueFull,
		"seq_advanced": total.seqAdvanced,
	}).Info("poll_stats")
}

// keyWindow is a bounded FIFO set of composite keys for one symbol.
type keyWindow struct {
	seen  map[tick.CompositeKey]struct{}
	order []tick.CompositeKey
	limit int
}

func newKeyWindow(limit int) *keyWindow {
	return &keyWindow{
		seen:  make(map[tick.CompositeKey]struct{}, limit),
		limit: limit,
	}
}

func (w *keyWindow) contains(k tick.CompositeKey) bool {
	_, ok := w.seen[k]
	return ok
}

func (w *keyWindow) add(k tick.CompositeKey) {
	if _, ok := w.seen[k]; ok {
		return
	}
	w.seen[k] = struct{}{}
	w.order = append(w.order, k)
	if len(w.order) > w.limit {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
}

func (d *Driver) seenRecently(symbol string, k tick.CompositeKey) bool {
	d.keyMu.Lock()
	defer d.keyMu.Unlock()
	w, ok := d.recentKeys[symbol]
	if !ok {
		return false
	}
	return w.contains(k)
}

func (d *Driver) rememberKey(symbol string, k tick.CompositeKey) {
	d.keyMu.Lock()
	defer d.keyMu.Unlock()
	w, ok := d.recentKeys[symbol]
	if !ok {
		w = newKeyWindow(recentKeyWindow)
		d.recentKeys[symbol] = w
	}
	w.add(k)
}

// sleepCtx waits d or until ctx is cancelled; false means cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
