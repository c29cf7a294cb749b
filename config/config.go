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

// Package config loads the collector configuration from environment
// variables. The variable names are an operator contract; defaults match
// the deployment documentation.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	// Gateway endpoint and universe.
	FutuHost string
	FutuPort int
	Symbols  []string

	// Day-store location and SQLite tuning.
	DataRoot            string
	SQLiteBusyTimeoutMS int
	SQLiteJournalMode   string
	SQLiteSynchronous   string
	SQLiteWALCheckpoint int
	SeedRecentDBDays    int

	// Queue and persistence worker.
	BatchSize              int
	MaxWaitMS              int
	MaxQueueSize           int
	PersistRetryBackoff    time.Duration
	PersistRetryBackoffMax time.Duration
	PersistHeartbeatEvery  time.Duration
	StopFlushTimeout       time.Duration

	// Upstream driver.
	BackfillN         int
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	CheckInterval     time.Duration
	PollEnabled       bool
	PollInterval      time.Duration
	PollNum           int
	PollStale         time.Duration

	// Health and watchdog.
	WatchdogInterval            time.Duration
	WatchdogStall               time.Duration
	WatchdogUpstreamWindow      time.Duration
	WatchdogQueueThresholdRows  int
	WatchdogRecoveryMaxFailures int
	WatchdogRecoveryJoinTimeout time.Duration
	DriftWarn                   time.Duration

	// MetricsAddr is the Prometheus listen address; empty disables the
	// endpoint.
	MetricsAddr string

	LogLevel string
}

// FromEnv builds a Config from the process environment, applying
// documented defaults for unset variables.
func FromEnv() Config {
	return Config{
		FutuHost: envString("FUTU_HOST", "127.0.0.1"),
		FutuPort: envInt("FUTU_PORT", 11111),
		Symbols:  envList("FUTU_SYMBOLS"),

		DataRoot:            envString("DATA_ROOT", "/data/sqlite/HK"),
		SQLiteBusyTimeoutMS: envInt("SQLITE_BUSY_TIMEOUT_MS", 5000),
		SQLiteJournalMode:   envString("SQLITE_JOURNAL_MODE", "WAL"),
		SQLiteSynchronous:   envString("SQLITE_SYNCHRONOUS", "NORMAL"),
		SQLiteWALCheckpoint: envInt("SQLITE_WAL_AUTOCHECKPOINT", 1000),
		SeedRecentDBDays:    envInt("SEED_RECENT_DB_DAYS", 3),

		BatchSize:              envInt("BATCH_SIZE", 500),
		MaxWaitMS:              envInt("MAX_WAIT_MS", 1000),
		MaxQueueSize:           envInt("MAX_QUEUE_SIZE", 20000),
		PersistRetryBackoff:    envSeconds("PERSIST_RETRY_BACKOFF_SEC", 1.0),
		PersistRetryBackoffMax: envSeconds("PERSIST_RETRY_BACKOFF_MAX_SEC", 2.0),
		PersistHeartbeatEvery:  envSeconds("PERSIST_HEARTBEAT_INTERVAL_SEC", 30),
		StopFlushTimeout:       envSeconds("STOP_FLUSH_TIMEOUT_SEC", 60),

		BackfillN:         envInt("BACKFILL_N", 0),
		ReconnectMinDelay: envSeconds("RECONNECT_MIN_DELAY", 1),
		ReconnectMaxDelay: envSeconds("RECONNECT_MAX_DELAY", 60),
		CheckInterval:     envSeconds("CHECK_INTERVAL_SEC", 5),
		PollEnabled:       envBool("FUTU_POLL_ENABLED", true),
		PollInterval:      envSeconds("FUTU_POLL_INTERVAL_SEC", 3),
		PollNum:           envInt("FUTU_POLL_NUM", 100),
		PollStale:         envSeconds("FUTU_POLL_STALE_SEC", 10),

		WatchdogInterval:            envSeconds("WATCHDOG_INTERVAL_SEC", 60),
		WatchdogStall:               envSeconds("WATCHDOG_STALL_SEC", 180),
		WatchdogUpstreamWindow:      envSeconds("WATCHDOG_UPSTREAM_WINDOW_SEC", 60),
		WatchdogQueueThresholdRows:  envInt("WATCHDOG_QUEUE_THRESHOLD_ROWS", 100),
		WatchdogRecoveryMaxFailures: envInt("WATCHDOG_RECOVERY_MAX_FAILURES", 3),
		WatchdogRecoveryJoinTimeout: envSeconds("WATCHDOG_RECOVERY_JOIN_TIMEOUT_SEC", 3),
		DriftWarn:                   envSeconds("DRIFT_WARN_SEC", 120),

		MetricsAddr: os.Getenv("METRICS_ADDR"),

		LogLevel: envString("LOG_LEVEL", "INFO"),
	}
}

// Validate rejects configurations the collector cannot run with. An empty
// symbol universe is a fatal startup error by design: the process would
// otherwise sit idle under its supervisor forever.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return errors.New("FUTU_SYMBOLS is empty")
	}
	if strings.TrimSpace(c.DataRoot) == "" {
		return errors.New("DATA_ROOT is empty")
	}
	if c.FutuPort <= 0 || c.FutuPort > 65535 {
		return errors.Errorf("FUTU_PORT %d out of range", c.FutuPort)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.MaxWaitMS <= 0 {
		return errors.Errorf("MAX_WAIT_MS must be positive, got %d", c.MaxWaitMS)
	}
	if c.MaxQueueSize <= 0 {
		return errors.Errorf("MAX_QUEUE_SIZE must be positive, got %d", c.MaxQueueSize)
	}
	if c.ReconnectMinDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return errors.Errorf("reconnect delay bounds invalid: min=%s max=%s",
			c.ReconnectMinDelay, c.ReconnectMaxDelay)
	}
	if c.PersistRetryBackoff <= 0 || c.PersistRetryBackoffMax < c.PersistRetryBackoff {
		return errors.Errorf("persist backoff bounds invalid: start=%s cap=%s",
			c.PersistRetryBackoff, c.PersistRetryBackoffMax)
	}
	if c.PollEnabled && (c.PollInterval <= 0 || c.PollNum <= 0) {
		return errors.Errorf("poll settings invalid: interval=%s num=%d",
			c.PollInterval, c.PollNum)
	}
	if c.WatchdogRecoveryMaxFailures <= 0 {
		return errors.Errorf("WATCHDOG_RECOVERY_MAX_FAILURES must be positive, got %d",
			c.WatchdogRecoveryMaxFailures)
	}
	if c.SeedRecentDBDays < 0 {
		return errors.Errorf("SEED_RECENT_DB_DAYS must not be negative, got %d",
			c.SeedRecentDBDays)
	}
	return nil
}

func envString(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envSeconds(name string, fallback float64) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return time.Duration(fallback * float64(time.Second))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Duration(fallback * float64(time.Second))
	}
	return time.Duration(f * float64(time.Second))
}

func envBool(name string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return fallback
}

func envList(name string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
