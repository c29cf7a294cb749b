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
	"path/filepath"
	"testing"
	"time"

	"hk-tick-md-go/config"
	"hk-tick-md-go/gateway"
	"hk-tick-md-go/tick"

	_ "github.com/mattn/go-sqlite3"
)

func testAppConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Config{
		FutuHost: "127.0.0.1",
		FutuPort: 11111,
		Symbols:  []string{"HK.00700"},
		DataRoot: t.TempDir(),

		SQLiteBusyTimeoutMS: 1000,
		SQLiteJournalMode:   "WAL",
		SQLiteSynchronous:   "NORMAL",
		SQLiteWALCheckpoint: 1000,
		SeedRecentDBDays:    3,

		BatchSize:              50,
		MaxWaitMS:              20,
		MaxQueueSize:           1000,
		PersistRetryBackoff:    10 * time.Millisecond,
		PersistRetryBackoffMax: 20 * time.Millisecond,
		PersistHeartbeatEvery:  time.Minute,
		StopFlushTimeout:       5 * time.Second,

		ReconnectMinDelay: 10 * time.Millisecond,
		ReconnectMaxDelay: 20 * time.Millisecond,
		CheckInterval:     50 * time.Millisecond,
		PollEnabled:       true,
		PollInterval:      20 * time.Millisecond,
		PollNum:           100,
		PollStale:         50 * time.Millisecond,

		WatchdogInterval:            time.Minute,
		WatchdogStall:               time.Minute,
		WatchdogUpstreamWindow:      time.Minute,
		WatchdogQueueThresholdRows:  100,
		WatchdogRecoveryMaxFailures: 3,
		WatchdogRecoveryJoinTimeout: time.Second,

		LogLevel: "ERROR",
	}
	return cfg
}

func countRows(t *testing.T, dbPath string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open %s: %v", dbPath, err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM ticks;").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// TestApp_Run_EndToEnd verifies the full pipeline: push rows from a
// scripted gateway land deduplicated in the day file and a cancelled
// context shuts the whole thing down cleanly.
func TestApp_Run_EndToEnd(t *testing.T) {
	cfg := testAppConfig(t)
	g := newFakeGateway()
	factory := func(host string, port int) (gateway.QuoteContext, error) { return g, nil }

	app := NewApp(cfg, factory)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.subscribed) == 1
	})

	// One replayed row in the middle; exactly three must persist.
	g.push([]tick.Raw{
		rawSeq("HK.00700", 1, "09:30:01"),
		rawSeq("HK.00700", 2, "09:30:02"),
		rawSeq("HK.00700", 2, "09:30:02"),
		rawSeq("HK.00700", 3, "09:30:03"),
	})

	dbPath := filepath.Join(cfg.DataRoot, "20260212.db")
	waitFor(t, 5*time.Second, func() bool {
		if _, err := os.Stat(dbPath); err != nil {
			return false
		}
		return countRows(t, dbPath) == 3
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want clean shutdown", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

// TestApp_Run_SeedsFromPreviousRun verifies a restart rejects sequences
// the previous run already persisted, replayed by the gateway's recent
// window.
func TestApp_Run_SeedsFromPreviousRun(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.BackfillN = 100

	g := newFakeGateway()
	for seq := int64(1); seq <= 3; seq++ {
		g.recent["HK.00700"] = append(g.recent["HK.00700"], rawSeq("HK.00700", seq, "09:30:01"))
	}
	factory := func(host string, port int) (gateway.QuoteContext, error) { return g, nil }

	// First run persists the backfilled rows.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewApp(cfg, factory).Run(ctx) }()

	dbPath := filepath.Join(cfg.DataRoot, "20260212.db")
	waitFor(t, 5*time.Second, func() bool {
		if _, err := os.Stat(dbPath); err != nil {
			return false
		}
		return countRows(t, dbPath) == 3
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Second run sees the same replay window; nothing new may appear.
	ctx, cancel = context.WithCancel(context.Background())
	go func() { done <- NewApp(cfg, factory).Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.subscribed) == 1
	})
	time.Sleep(200 * time.Millisecond) // give the replay a chance to land

	if n := countRows(t, dbPath); n != 3 {
		t.Errorf("rows after restart = %d, want 3; seeded gate should reject the replay", n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("second run: %v", err)
	}
}

// TestApp_Run_RejectsInvalidConfig verifies startup fails fast on a bad
// configuration.
func TestApp_Run_RejectsInvalidConfig(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Symbols = nil

	err := NewApp(cfg, func(string, int) (gateway.QuoteContext, error) {
		t.Fatal("factory must not be called with invalid config")
		return nil, nil
	}).Run(context.Background())

	if err == nil {
		t.Error("Run should fail on invalid configuration")
	}
}
