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
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// IsBusy reports whether err is a transient SQLITE_BUSY / SQLITE_LOCKED
// condition. Callers retry these with backoff; they resolve once the
// competing reader or writer finishes.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		if serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked {
			return true
		}
	}
	// Driver versions differ in how they surface the code; fall back to
	// the canonical message fragments.
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "database is locked") || strings.Contains(text, "database table is locked") ||
		strings.Contains(text, "database is busy")
}

// IsPermanent reports whether err indicates storage that will not heal by
// retrying the same statement: read-only filesystem, disk full, I/O
// failure, or a corrupt file. The writer must be rebuilt and the batch
// retained.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code {
	case sqlite3.ErrReadonly, sqlite3.ErrFull, sqlite3.ErrIoErr,
		sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrCantOpen:
		return true
	}
	return false
}
