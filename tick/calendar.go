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
	"strings"
	"time"
	_ "time/tzdata" // hosts without a zoneinfo database still resolve Asia/Hong_Kong
)

const tradingDayLayout = "20060102"

// HKLocation is the market time zone. Trading days are always derived
// here, never in the host's local zone.
var HKLocation = mustLoadHK()

func mustLoadHK() *time.Location {
	loc, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		panic("tick: load Asia/Hong_Kong: " + err.Error())
	}
	return loc
}

// TradingDayFromTS maps a UTC epoch-ms event time to its YYYYMMDD trading
// day in Asia/Hong_Kong.
func TradingDayFromTS(tsMS int64) string {
	return time.UnixMilli(tsMS).In(HKLocation).Format(tradingDayLayout)
}

// CurrentTradingDay returns the trading day containing the given instant.
func CurrentTradingDay(now time.Time) string {
	return now.In(HKLocation).Format(tradingDayLayout)
}

// NormalizeTradingDay reduces "2026-02-12" / "2026/02/12" / "20260212" to
// the compact YYYYMMDD form. Returns "" when the value is unusable.
func NormalizeTradingDay(value string) string {
	text := strings.TrimSpace(value)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "-", "")
	text = strings.ReplaceAll(text, "/", "")
	if len(text) != 8 {
		return ""
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return text
}
