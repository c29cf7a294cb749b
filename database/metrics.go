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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tick_commit_duration_seconds",
		Help:    "the length of time it took to commit a tick batch",
		Buckets: prometheus.DefBuckets,
	})
	insertedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tick_inserted_rows_total",
		Help: "the number of tick rows newly inserted into day stores",
	})
	ignoredRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tick_ignored_rows_total",
		Help: "the number of tick rows absorbed as duplicates by the unique indexes",
	})
)
