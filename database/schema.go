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
	"fmt"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// schemaVersion is stamped into PRAGMA user_version. Version 3 introduced
// the seq-based dedupe indexes.
const schemaVersion = 3

const createTableSQL = `CREATE TABLE ticks (
  market TEXT NOT NULL,
  symbol TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  price REAL,
  volume INTEGER,
  turnover REAL,
  direction TEXT,
  seq INTEGER,
  tick_type TEXT,
  push_type TEXT,
  provider TEXT,
  trading_day TEXT NOT NULL,
  recv_ts_ms INTEGER NOT NULL,
  inserted_at_ms INTEGER NOT NULL
);`

var indexSQL = []struct {
	name string
	sql  string
}{
	{
		"idx_ticks_symbol_day_ts",
		"CREATE INDEX idx_ticks_symbol_day_ts ON ticks(symbol, trading_day, ts_ms);",
	},
	{
		"idx_ticks_symbol_seq",
		"CREATE INDEX idx_ticks_symbol_seq ON ticks(symbol, seq);",
	},
	{
		"uniq_ticks_symbol_seq",
		"CREATE UNIQUE INDEX uniq_ticks_symbol_seq ON ticks(symbol, seq) WHERE seq IS NOT NULL;",
	},
	{
		"uniq_ticks_symbol_ts_price_vol_turnover",
		"CREATE UNIQUE INDEX uniq_ticks_symbol_ts_price_vol_turnover\n" +
			"  ON ticks(symbol, ts_ms, price, volume, turnover) WHERE seq IS NULL;",
	},
}

const insertSQL = "INSERT OR IGNORE INTO ticks (" +
	"market, symbol, ts_ms, price, volume, turnover, direction, seq, tick_type, " +
	"push_type, provider, trading_day, recv_ts_ms, inserted_at_ms" +
	") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);"

// alterColumnSQL migrates pre-v3 day files in place. Columns are added
// with defaults so old rows stay readable.
var alterColumnSQL = map[string]string{
	"direction":      "ALTER TABLE ticks ADD COLUMN direction TEXT;",
	"seq":            "ALTER TABLE ticks ADD COLUMN seq INTEGER;",
	"tick_type":      "ALTER TABLE ticks ADD COLUMN tick_type TEXT;",
	"push_type":      "ALTER TABLE ticks ADD COLUMN push_type TEXT;",
	"provider":       "ALTER TABLE ticks ADD COLUMN provider TEXT;",
	"trading_day":    "ALTER TABLE ticks ADD COLUMN trading_day TEXT NOT NULL DEFAULT '';",
	"recv_ts_ms":     "ALTER TABLE ticks ADD COLUMN recv_ts_ms INTEGER NOT NULL DEFAULT 0;",
	"inserted_at_ms": "ALTER TABLE ticks ADD COLUMN inserted_at_ms INTEGER NOT NULL DEFAULT 0;",
}

var allowedUniqueIndexes = map[string]bool{
	"uniq_ticks_symbol_seq":                   true,
	"uniq_ticks_symbol_ts_price_vol_turnover": true,
}

// ensureSchema creates or migrates the ticks table and its indexes.
// Idempotent; safe to run on every connection open.
func ensureSchema(db *sql.DB) error {
	existing, err := existingSchemaObjects(db)
	if err != nil {
		return err
	}

	if !existing["ticks"] {
		if _, err := db.Exec(createTableSQL); err != nil {
			return errors.Wrap(err, "create ticks table")
		}
	} else {
		columns, err := existingColumns(db)
		if err != nil {
			return err
		}
		for col, alter := range alterColumnSQL {
			if columns[col] {
				continue
			}
			log.WithField("column", col).Warn("schema_migration add_column")
			if _, err := db.Exec(alter); err != nil {
				return errors.Wrapf(err, "add column %s", col)
			}
		}
	}

	if err := dropLegacyUniqueIndexes(db); err != nil {
		return err
	}

	existing, err = existingSchemaObjects(db)
	if err != nil {
		return err
	}
	for _, idx := range indexSQL {
		if existing[idx.name] {
			continue
		}
		if _, err := db.Exec(idx.sql); err != nil {
			return errors.Wrapf(err, "create index %s", idx.name)
		}
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return errors.Wrap(err, "read user_version")
	}
	if version < schemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d;", schemaVersion)); err != nil {
			return errors.Wrap(err, "stamp user_version")
		}
	}
	return nil
}

func existingSchemaObjects(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type IN ('table', 'index');")
	if err != nil {
		return nil, errors.Wrap(err, "list schema objects")
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan schema object")
		}
		out[name] = true
	}
	return out, rows.Err()
}

func existingColumns(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("PRAGMA table_info(ticks);")
	if err != nil {
		return nil, errors.Wrap(err, "table_info")
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, errors.Wrap(err, "scan table_info")
		}
		out[name] = true
	}
	return out, rows.Err()
}

// dropLegacyUniqueIndexes removes unique indexes on (symbol, ts_ms, ...)
// that predate seq-based dedupe. Those indexes rejected legitimate rows
// sharing a timestamp.
func dropLegacyUniqueIndexes(db *sql.DB) error {
	rows, err := db.Query("PRAGMA index_list('ticks');")
	if err != nil {
		return errors.Wrap(err, "index_list")
	}
	type indexInfo struct {
		name   string
		unique bool
	}
	var candidates []indexInfo
	for rows.Next() {
		var (
			seqNo   int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seqNo, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan index_list")
		}
		candidates = append(candidates, indexInfo{name: name, unique: unique == 1})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, idx := range candidates {
		if !idx.unique || allowedUniqueIndexes[idx.name] {
			continue
		}
		columns, err := indexColumns(db, idx.name)
		if err != nil {
			return err
		}
		if len(columns) < 2 || columns[0] != "symbol" || columns[1] != "ts_ms" {
			continue
		}
		if contains(columns, "seq") {
			continue
		}
		log.WithFields(log.Fields{
			"index":   idx.name,
			"columns": strings.Join(columns, ","),
		}).Warn("schema_migration dropping_legacy_unique_index")
		escaped := strings.ReplaceAll(idx.name, `"`, `""`)
		if _, err := db.Exec(fmt.Sprintf(`DROP INDEX IF EXISTS "%s";`, escaped)); err != nil {
			log.WithError(err).WithField("index", idx.name).Error("schema_migration_failed_drop_index")
		}
	}
	return nil
}

func indexColumns(db *sql.DB, indexName string) ([]string, error) {
	escaped := strings.ReplaceAll(indexName, "'", "''")
	rows, err := db.Query(fmt.Sprintf("PRAGMA index_info('%s');", escaped))
	if err != nil {
		return nil, errors.Wrapf(err, "index_info %s", indexName)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			seqNo int
			cid   int
			name  sql.NullString
		)
		if err := rows.Scan(&seqNo, &cid, &name); err != nil {
			return nil, errors.Wrap(err, "scan index_info")
		}
		columns = append(columns, name.String)
	}
	return columns, rows.Err()
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
