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

// Package gateway is the boundary to the external quote gateway (Futu
// OpenD). The concrete client library is an external collaborator; the
// collector is written against QuoteContext and tests install scripted
// fakes. The adapter implementing QuoteContext is the only code that
// knows the upstream wire shape, which it surfaces as tick.Raw rows.
package gateway

import "hk-tick-md-go/tick"

// TickHandler receives push batches. Implementations must be
// non-blocking: the gateway library invokes handlers on its own threads.
type TickHandler func(rows []tick.Raw)

// QuoteContext is one live connection to the quote gateway.
type QuoteContext interface {
	// SetHandler installs the push callback. Must be called before
	// Subscribe so no push batch is lost.
	SetHandler(h TickHandler)

	// Subscribe registers the tick stream for all given symbols.
	Subscribe(symbols []string) error

	// RecentTicks returns up to n of the most recent rows for one
	// symbol. Used by the poll fallback and reconnect backfill; the
	// gateway keeps a bounded replay window, so callers filter by
	// sequence baseline on their side.
	RecentTicks(symbol string, n int) ([]tick.Raw, error)

	// GlobalState probes connection liveness. A non-nil error means the
	// connection is unusable and the driver should reconnect.
	GlobalState() error

	Close() error
}

// Factory opens a QuoteContext against a gateway endpoint. The process
// wires the real OpenD adapter here; tests substitute fakes.
type Factory func(host string, port int) (QuoteContext, error)
