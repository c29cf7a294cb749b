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

// Package tick defines the normalized tick record, the raw upstream row
// shape, and the mapping between them. The mapper is the only place that
// performs time-zone conversion: every Tick carries event time as UTC
// epoch milliseconds and a trading day derived in Asia/Hong_Kong.
package tick

// Tick is a single normalized trade event, ready for persistence.
// Nullable columns are pointers; nil maps to SQL NULL.
type Tick struct {
	Market       string
	Symbol       string
	TsMS         int64
	Price        *float64
	Volume       *int64
	Turnover     *float64
	Direction    *string
	Seq          *int64
	TickType     *string
	PushType     *string
	Provider     *string
	TradingDay   string
	RecvTsMS     int64
	InsertedAtMS int64 // stamped by the writer at commit time
}

// Args returns the insert bindings in ticks-table column order. The
// inserted-at value is passed separately because the writer stamps it at
// commit time, not at mapping time.
func (t *Tick) Args(insertedAtMS int64) []any {
	return []any{
		t.Market,
		t.Symbol,
		t.TsMS,
		nullable(t.Price),
		nullable(t.Volume),
		nullable(t.Turnover),
		nullable(t.Direction),
		nullable(t.Seq),
		nullable(t.TickType),
		nullable(t.PushType),
		nullable(t.Provider),
		t.TradingDay,
		t.RecvTsMS,
		insertedAtMS,
	}
}

// CompositeKey identifies a seq-less tick for dedupe purposes, matching
// the partial unique index on (symbol, ts_ms, price, volume, turnover).
type CompositeKey struct {
	TsMS     int64
	Price    float64
	PriceSet bool
	Volume   int64
	VolSet   bool
	Turnover float64
	TurnSet  bool
}

func (t *Tick) Key() CompositeKey {
	k := CompositeKey{TsMS: t.TsMS}
	if t.Price != nil {
		k.Price, k.PriceSet = *t.Price, true
	}
	if t.Volume != nil {
		k.Volume, k.VolSet = *t.Volume, true
	}
	if t.Turnover != nil {
		k.Turnover, k.TurnSet = *t.Turnover, true
	}
	return k
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// Raw is the loose bag of fields handed over by the quote gateway. The
// gateway adapter is the only component that knows the upstream wire
// shape; everything past the mapper works with Tick.
type Raw struct {
	Code       string // "HK.00700" or bare "00700"
	Time       string // compact HHMMSS, ISO-like local string, or epoch
	TradingDay string // optional YYYYMMDD / YYYY-MM-DD hint
	Price      *float64
	Volume     *int64
	Turnover   *float64
	Direction  string
	TickType   string
	Seq        *int64
}
