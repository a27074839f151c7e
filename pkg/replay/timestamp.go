// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package replay

import (
	"fmt"
	"strconv"
	"time"
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// Values at or above 1e12 are read as milliseconds (1e12 seconds would be
// the year 33658).
const epochMillisThreshold = 1_000_000_000_000

// timestampLayouts are the accepted date/time string formats, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	time.RFC1123,
}

// TimestampResult reports the outcome of timestamp validation.
type TimestampResult struct {
	IsValid bool

	// Parsed is the interpreted timestamp when parsing succeeded.
	Parsed time.Time

	// Err describes why validation failed.
	Err error
}

// ValidateTimestamp checks a request timestamp against the tolerance window.
// The value may be epoch seconds, epoch milliseconds (int, int64, float64,
// or a numeric string), or a date/time string. Timestamps older than
// tolerance or more than MaxClockSkew in the future are rejected.
func (g *Guard) ValidateTimestamp(value interface{}, tolerance time.Duration) TimestampResult {
	ts, err := parseTimestamp(value)
	if err != nil {
		return TimestampResult{Err: err}
	}

	now := g.clk.Now()
	if age := now.Sub(ts); age > tolerance {
		return TimestampResult{
			Parsed: ts,
			Err:    fmt.Errorf("timestamp is %v old, tolerance is %v", age, tolerance),
		}
	}
	if ahead := ts.Sub(now); ahead > g.cfg.MaxClockSkew {
		return TimestampResult{
			Parsed: ts,
			Err:    fmt.Errorf("timestamp is %v in the future, max skew is %v", ahead, g.cfg.MaxClockSkew),
		}
	}
	return TimestampResult{IsValid: true, Parsed: ts}
}

// parseTimestamp interprets the heterogeneous timestamp forms remote systems
// send.
func parseTimestamp(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case int:
		return fromEpoch(int64(v)), nil
	case int64:
		return fromEpoch(v), nil
	case float64:
		return fromEpoch(int64(v)), nil
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return fromEpoch(n), nil
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", v)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func fromEpoch(n int64) time.Time {
	if n >= epochMillisThreshold {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
