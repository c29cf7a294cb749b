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

// Package utils contains small shared helpers.
package utils

import "time"

// ExponentialBackoff produces delays that double on each call to Next,
// starting at Min and capped at Max. Reset returns to Min. The zero value
// is not usable; construct with NewExponentialBackoff.
type ExponentialBackoff struct {
	min  time.Duration
	max  time.Duration
	next time.Duration
}

func NewExponentialBackoff(min, max time.Duration) *ExponentialBackoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &ExponentialBackoff{min: min, max: max, next: min}
}

// Next returns the current delay and advances the schedule.
func (b *ExponentialBackoff) Next() time.Duration {
	d := b.next
	doubled := b.next * 2
	if doubled > b.max || doubled < b.next {
		doubled = b.max
	}
	b.next = doubled
	return d
}

func (b *ExponentialBackoff) Reset() {
	b.next = b.min
}
