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

package database

import (
	"database/sql"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"hk-tick-md-go/tick"
)

// PersistResult reports the outcome of one committed batch. The writer
// guarantees inserted + ignored == batch: conflicts on the unique indexes
// are absorbed as ignored, never surfaced as errors.
type PersistResult struct {
	DBPath        string
	Batch         int
	Inserted      int
	Ignored       int
	CommitLatency time.Duration
}

type dayConn struct {
	db     *sql.DB
	insert *sql.Stmt
	path   string
}

// Writer owns the connections to day files. It must be used from a
// single goroutine (the persistence worker); the recovery protocol
// replaces the whole Writer rather than sharing it.
type Writer struct {
	store  *Store
	conns  map[string]*dayConn
	closed bool
}

func newWriter(store *Store) *Writer {
	return &Writer{
		store: store,
		conns: make(map[string]*dayConn),
	}
}

// InsertTicks commits one batch for one trading day in a single explicit
// transaction with insert-or-ignore semantics. inserted_at_ms is stamped
// here, at commit time.
func (w *Writer) InsertTicks(tradingDay string, rows []tick.Tick) (PersistResult, error) {
	dbPath := w.store.PathForTradingDay(tradingDay)
	if len(rows) == 0 {
		return PersistResult{DBPath: dbPath}, nil
	}
	if w.closed {
		return PersistResult{}, errors.New("writer already closed")
	}

	conn, err := w.ensureConn(tradingDay)
	if err != nil {
		return PersistResult{}, err
	}

	start := time.Now()
	insertedAtMS := start.UnixMilli()

	tx, err := conn.db.Begin()
	if err != nil {
		return PersistResult{}, errors.Wrapf(err, "begin %s", tradingDay)
	}

	stmt := tx.Stmt(conn.insert)
	inserted := 0
	for i := range rows {
		res, err := stmt.Exec(rows[i].Args(insertedAtMS)...)
		if err != nil {
			_ = tx.Rollback()
			return PersistResult{}, errors.Wrapf(err, "insert %s", tradingDay)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return PersistResult{}, errors.Wrapf(err, "commit %s", tradingDay)
	}

	latency := time.Since(start)
	result := PersistResult{
		DBPath:        conn.path,
		Batch:         len(rows),
		Inserted:      inserted,
		Ignored:       len(rows) - inserted,
		CommitLatency: latency,
	}

	commitLatency.Observe(latency.Seconds())
	insertedRows.Add(float64(result.Inserted))
	ignoredRows.Add(float64(result.Ignored))

	log.WithFields(log.Fields{
		"db_path":           result.DBPath,
		"batch":             result.Batch,
		"inserted":          result.Inserted,
		"ignored":           result.Ignored,
		"commit_latency_ms": latency.Milliseconds(),
	}).Info("persist_ticks")
	return result, nil
}

func (w *Writer) ensureConn(tradingDay string) (*dayConn, error) {
	if conn, ok := w.conns[tradingDay]; ok {
		return conn, nil
	}

	dbPath := w.store.PathForTradingDay(tradingDay)
	db, err := w.store.connect(dbPath)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	w.store.logPragmas(db, dbPath)

	insert, err := db.Prepare(insertSQL)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "prepare insert %s", tradingDay)
	}

	conn := &dayConn{db: db, insert: insert, path: dbPath}
	w.conns[tradingDay] = conn
	return conn, nil
}

// ResetConnection closes and forgets the day's connection so the next
// commit rebuilds it. Used after permanent or unclassified errors.
func (w *Writer) ResetConnection(tradingDay string) {
	conn, ok := w.conns[tradingDay]
	if !ok {
		return
	}
	delete(w.conns, tradingDay)
	_ = conn.insert.Close()
	if err := conn.db.Close(); err != nil {
		log.WithError(err).WithField("trading_day", tradingDay).Error("sqlite_writer_reset_failed")
	}
}

// WALSize estimates the write-ahead log size for a trading day from the
// sidecar file. Zero when absent.
func (w *Writer) WALSize(tradingDay string) int64 {
	info, err := os.Stat(w.store.PathForTradingDay(tradingDay) + "-wal")
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close checkpoints and closes every day connection. Idempotent.
func (w *Writer) Close() {
	if w.closed {
		return
	}
	w.closed = true
	for day, conn := range w.conns {
		// Fold the WAL back into the main file so a restart starts clean.
		// Best-effort: a failed checkpoint only delays compaction.
		if _, err := conn.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
			log.WithError(err).WithField("trading_day", day).Warn("wal_checkpoint_failed")
		}
		_ = conn.insert.Close()
		if err := conn.db.Close(); err != nil {
			log.WithError(err).WithField("trading_day", day).Error("sqlite_writer_close_failed")
		}
	}
	w.conns = make(map[string]*dayConn)
}
