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

// Package database provides per-trading-day SQLite storage for normalized
// ticks. Each trading day lives in its own file under the data root; a
// file is created lazily on the first commit for that day, so a quiet day
// leaves no file behind.
//
// Concurrency model: the persistence worker owns a Writer exclusively.
// Seed and stats queries open short-lived connections of their own.
// SQLite allows a single writer at a time, so every *sql.DB here is
// capped at one open connection; concurrent use serializes through it
// instead of surfacing "database is locked" errors.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var validJournalModes = map[string]bool{
	"DELETE": true, "TRUNCATE": true, "PERSIST": true,
	"MEMORY": true, "WAL": true, "OFF": true,
}

var validSynchronous = map[string]bool{
	"OFF": true, "NORMAL": true, "FULL": true, "EXTRA": true,
}

// Store holds the data root and the per-connection SQLite settings.
type Store struct {
	dataRoot          string
	busyTimeoutMS     int
	journalMode       string
	synchronous       string
	walAutocheckpoint int
}

// Options tunes the per-connection pragmas. Zero values select the
// production defaults (WAL / NORMAL / 5s busy wait / 1000-page
// autocheckpoint).
type Options struct {
	BusyTimeoutMS     int
	JournalMode       string
	Synchronous       string
	WALAutocheckpoint int
}

func NewStore(dataRoot string, opts Options) *Store {
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}
	if opts.WALAutocheckpoint <= 0 {
		opts.WALAutocheckpoint = 1000
	}
	return &Store{
		dataRoot:          dataRoot,
		busyTimeoutMS:     opts.BusyTimeoutMS,
		journalMode:       sanitizeJournalMode(opts.JournalMode),
		synchronous:       sanitizeSynchronous(opts.Synchronous),
		walAutocheckpoint: opts.WALAutocheckpoint,
	}
}

func sanitizeJournalMode(value string) string {
	mode := strings.ToUpper(strings.TrimSpace(value))
	if validJournalModes[mode] {
		return mode
	}
	return "WAL"
}

func sanitizeSynchronous(value string) string {
	level := strings.ToUpper(strings.TrimSpace(value))
	if validSynchronous[level] {
		return level
	}
	return "NORMAL"
}

// PathForTradingDay returns {root}/{YYYYMMDD}.db.
func (s *Store) PathForTradingDay(tradingDay string) string {
	return filepath.Join(s.dataRoot, tradingDay+".db")
}

// DataRoot returns the day-store root directory.
func (s *Store) DataRoot() string {
	return s.dataRoot
}

// OpenWriter creates a Writer owned by a single goroutine.
func (s *Store) OpenWriter() *Writer {
	return newWriter(s)
}

// connect opens the day file, applying every pragma on the connection.
// The configurable pragmas ride the DSN; the fixed ones are applied
// explicitly so they survive driver DSN changes.
func (s *Store) connect(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create data root")
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=%s&_synchronous=%s",
		dbPath, s.busyTimeoutMS, s.journalMode, s.synchronous)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dbPath)
	}
	// One writer at a time: serialize all statements through a single
	// connection so pragmas apply to every statement we run.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA temp_store=MEMORY;",
		fmt.Sprintf("PRAGMA wal_autocheckpoint=%d;", s.walAutocheckpoint),
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "apply %s", strings.TrimSuffix(pragma, ";"))
		}
	}
	return db, nil
}

func (s *Store) logPragmas(db *sql.DB, dbPath string) {
	fields := log.Fields{"db_path": dbPath}
	for name, target := range map[string]string{
		"journal_mode":       "journal_mode",
		"synchronous":        "synchronous",
		"busy_timeout":       "busy_timeout",
		"temp_store":         "temp_store",
		"wal_autocheckpoint": "wal_autocheckpoint",
	} {
		var value any
		if err := db.QueryRow("PRAGMA " + name + ";").Scan(&value); err == nil {
			fields[target] = value
		}
	}
	log.WithFields(fields).Info("sqlite_pragmas")
}

// ListRecentTradingDays returns up to limit trading days that have a day
// file, newest first. File names that are not YYYYMMDD are ignored.
func (s *Store) ListRecentTradingDays(limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(s.dataRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read data root")
	}

	var days []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".db") {
			continue
		}
		day := strings.TrimSuffix(name, ".db")
		if len(day) != 8 || !isDigits(day) {
			continue
		}
		days = append(days, day)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	if len(days) > limit {
		days = days[:limit]
	}
	return days, nil
}

// FetchMaxSeqBySymbol returns max(seq) per symbol for one trading day.
// A missing day file yields an empty result without creating the file.
func (s *Store) FetchMaxSeqBySymbol(tradingDay string, symbols []string) (map[string]int64, error) {
	if len(symbols) == 0 {
		return map[string]int64{}, nil
	}
	dbPath := s.PathForTradingDay(tradingDay)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return map[string]int64{}, nil
	}

	db, err := s.connect(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if err := ensureSchema(db); err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(symbols)), ",")
	query := "SELECT symbol, MAX(seq) FROM ticks WHERE trading_day = ? AND seq IS NOT NULL " +
		"AND symbol IN (" + placeholders + ") GROUP BY symbol"
	args := make([]any, 0, len(symbols)+1)
	args = append(args, tradingDay)
	for _, sym := range symbols {
		args = append(args, sym)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "max seq query %s", tradingDay)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var symbol string
		var seq sql.NullInt64
		if err := rows.Scan(&symbol, &seq); err != nil {
			return nil, errors.Wrap(err, "scan max seq")
		}
		if seq.Valid {
			result[symbol] = seq.Int64
		}
	}
	return result, rows.Err()
}

// SeedMaxSeq scans up to maxFiles recent day files (or the explicit days
// given) and returns max(seq) per symbol across all of them. Seeding is
// driven purely by the files on disk, never by wall-clock filters.
func (s *Store) SeedMaxSeq(symbols, tradingDays []string, maxFiles int) (map[string]int64, error) {
	if len(symbols) == 0 {
		return map[string]int64{}, nil
	}

	days := make([]string, 0, len(tradingDays))
	seen := make(map[string]bool)
	for _, value := range tradingDays {
		day := strings.TrimSpace(value)
		if len(day) != 8 || !isDigits(day) || seen[day] {
			continue
		}
		days = append(days, day)
		seen[day] = true
	}
	if len(days) == 0 {
		recent, err := s.ListRecentTradingDays(maxFiles)
		if err != nil {
			return nil, err
		}
		days = recent
	}

	result := make(map[string]int64)
	for _, day := range days {
		dayResult, err := s.FetchMaxSeqBySymbol(day, symbols)
		if err != nil {
			return nil, err
		}
		for symbol, seq := range dayResult {
			if current, ok := result[symbol]; !ok || seq > current {
				result[symbol] = seq
			}
		}
	}
	return result, nil
}

// FetchTickStats returns the row count and max event time for one trading
// day, for health snapshots. Missing day files yield zeros.
func (s *Store) FetchTickStats(tradingDay string) (rows int64, maxTsMS int64, err error) {
	dbPath := s.PathForTradingDay(tradingDay)
	if _, statErr := os.Stat(dbPath); os.IsNotExist(statErr) {
		return 0, 0, nil
	}

	db, err := s.connect(dbPath)
	if err != nil {
		return 0, 0, err
	}
	defer db.Close()

	var count int64
	var maxTs sql.NullInt64
	err = db.QueryRow(
		"SELECT COUNT(*), MAX(ts_ms) FROM ticks WHERE trading_day = ?", tradingDay,
	).Scan(&count, &maxTs)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "tick stats %s", tradingDay)
	}
	return count, maxTs.Int64, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
