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

package tick

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// futureSkewTolerance is how far ahead of wall clock an event time may sit
// before the mapper suspects the historical eight-hour timezone bug.
const futureSkewTolerance = 2 * time.Hour

// eightHourShift is the skew introduced when a market-local value was
// stamped as if it were already UTC.
const eightHourShift = 8 * time.Hour

// shiftSlack is the margin allowed after subtracting the eight-hour shift.
const shiftSlack = 5 * time.Minute

// MapOptions carries per-batch mapping context.
type MapOptions struct {
	Provider      string
	PushType      string // "push", "poll" or "backfill"
	DefaultSymbol string // used when the raw row lacks a code (poll responses)
	TradingDay    string // optional hint for time-only values
	Now           time.Time
}

// MapRaw normalizes one upstream row. Mapping failures are reported per
// row; callers iterate a batch and keep going on error.
func MapRaw(raw Raw, opts MapOptions) (Tick, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	code := strings.TrimSpace(raw.Code)
	if code == "" {
		code = strings.TrimSpace(opts.DefaultSymbol)
	}
	if code == "" {
		return Tick{}, errors.New("missing symbol code")
	}
	market, symbol := ParseMarketSymbol(code)
	if market == "" || symbol == "" {
		return Tick{}, errors.Errorf("unusable symbol code %q", code)
	}

	day := NormalizeTradingDay(raw.TradingDay)
	if day == "" {
		day = NormalizeTradingDay(opts.TradingDay)
	}

	tsMS, err := ParseTimeToTsMS(raw.Time, day, now)
	if err != nil {
		return Tick{}, errors.Wrapf(err, "symbol %s", symbol)
	}
	tsMS = correctEightHourSkew(tsMS, now, symbol)

	t := Tick{
		Market:     market,
		Symbol:     symbol,
		TsMS:       tsMS,
		Price:      raw.Price,
		Volume:     raw.Volume,
		Turnover:   raw.Turnover,
		Direction:  optString(raw.Direction),
		TickType:   optString(raw.TickType),
		PushType:   optString(opts.PushType),
		Provider:   optString(opts.Provider),
		TradingDay: TradingDayFromTS(tsMS),
		RecvTsMS:   now.UnixMilli(),
	}
	if raw.Seq != nil && *raw.Seq >= 0 {
		seq := *raw.Seq
		t.Seq = &seq
	}
	return t, nil
}

// ParseMarketSymbol splits "HK.00700" into market and full symbol. A bare
// code defaults to the HK market and is kept as-is for exact-match dedupe.
func ParseMarketSymbol(code string) (market, symbol string) {
	if i := strings.IndexByte(code, '.'); i > 0 {
		return code[:i], code
	}
	return "HK", code
}

// ParseTimeToTsMS converts an upstream time value to UTC epoch ms. Paths
// are tried in order: compact numeric (HHMMSS / YYYYMMDDHHMMSS combined
// with the trading day), ISO-like market-local string, numeric epoch
// seconds or milliseconds. Market-local values are interpreted in
// Asia/Hong_Kong; epoch values pass through unchanged.
func ParseTimeToTsMS(value, tradingDay string, now time.Time) (int64, error) {
	text := strings.TrimSpace(value)
	if text == "" {
		return 0, errors.New("missing time value")
	}

	if isDigits(text) {
		return parseNumericTime(text, tradingDay, now)
	}

	if strings.ContainsAny(text, "-/") || strings.ContainsAny(text, " T") {
		return parseLocalDateTime(text)
	}

	if strings.ContainsRune(text, ':') {
		return parseLocalTimeOfDay(text, tradingDay, now)
	}

	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return epochToMS(f)
	}
	return 0, errors.Errorf("unrecognized time value %q", text)
}

func parseNumericTime(text, tradingDay string, now time.Time) (int64, error) {
	switch len(text) {
	case 5, 6: // HHMMSS, possibly without the leading zero
		padded := strings.Repeat("0", 6-len(text)) + text
		day := tradingDay
		if day == "" {
			day = CurrentTradingDay(now)
		}
		t, err := time.ParseInLocation(tradingDayLayout+"150405", day+padded, HKLocation)
		if err != nil {
			return 0, errors.Wrapf(err, "compact time %q", text)
		}
		return t.UnixMilli(), nil
	case 14: // YYYYMMDDHHMMSS
		t, err := time.ParseInLocation(tradingDayLayout+"150405", text, HKLocation)
		if err != nil {
			return 0, errors.Wrapf(err, "compact datetime %q", text)
		}
		return t.UnixMilli(), nil
	}

	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "numeric time %q", text)
	}
	return epochToMS(float64(n))
}

func epochToMS(n float64) (int64, error) {
	switch {
	case n >= 1e12: // already epoch ms
		return int64(n), nil
	case n >= 1e9: // epoch seconds
		return int64(n * 1000), nil
	default:
		return 0, errors.Errorf("numeric time %v is neither epoch seconds nor ms", n)
	}
}

var localDateTimeLayouts = []string{
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05.000",
	"2006/01/02 15:04:05",
}

func parseLocalDateTime(text string) (int64, error) {
	normalized := strings.Replace(text, "T", " ", 1)
	for _, layout := range localDateTimeLayouts {
		if t, err := time.ParseInLocation(layout, normalized, HKLocation); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, errors.Errorf("unparsable datetime %q", text)
}

func parseLocalTimeOfDay(text, tradingDay string, now time.Time) (int64, error) {
	day := tradingDay
	if day == "" {
		day = CurrentTradingDay(now)
	}
	for _, layout := range []string{"150405.000", "150405"} {
		t, err := time.ParseInLocation(tradingDayLayout+" "+layout, day+" "+strings.ReplaceAll(text, ":", ""), HKLocation)
		if err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, errors.Errorf("unparsable time of day %q", text)
}

// correctEightHourSkew guards against a historical bug where market-local
// times were stamped as UTC, landing eight hours in the future. A value
// more than two hours ahead of wall clock that lines up with an
// eight-hour shift is corrected and logged.
func correctEightHourSkew(tsMS int64, now time.Time, symbol string) int64 {
	ahead := tsMS - now.UnixMilli()
	if ahead <= futureSkewTolerance.Milliseconds() {
		return tsMS
	}
	shifted := tsMS - eightHourShift.Milliseconds()
	if shifted-now.UnixMilli() > shiftSlack.Milliseconds() {
		return tsMS
	}
	log.WithFields(log.Fields{
		"symbol":    symbol,
		"ts_ms":     tsMS,
		"fixed_ms":  shifted,
		"ahead_sec": ahead / 1000,
	}).Warn("ts_future_skew_corrected")
	return shifted
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func optString(s string) *string {
	text := strings.TrimSpace(s)
	if text == "" {
		return nil
	}
	return &text
}
