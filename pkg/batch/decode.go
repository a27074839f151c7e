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

package batch

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	// statusLinePattern matches the pseudo-HTTP status line of a response part.
	statusLinePattern = regexp.MustCompile(`HTTP/\d\.\d\s+(\d{3})`)

	// nestedBoundaryPattern pulls the boundary out of a changeset response's
	// Content-Type header.
	nestedBoundaryPattern = regexp.MustCompile(`boundary=([^;\s"]+)`)
)

// Decode parses a multipart batch response into per-part results, in the
// order the parts appear on the wire (which matches operation order for a
// well-formed response).
//
// One malformed part never aborts the rest of the batch: a fragment without a
// recognizable status line is logged and skipped. Changeset responses
// (atomic mode) are recursed into so each nested operation still yields its
// own result.
func (c *Codec) Decode(responseText, boundary string) []PartResult {
	results := c.decodeFragments(responseText, boundary, nil)
	for i := range results {
		results[i].Index = i
	}
	return results
}

func (c *Codec) decodeFragments(text, boundary string, results []PartResult) []PartResult {
	fragments := strings.Split(text, "--"+boundary)
	for _, fragment := range fragments {
		trimmed := strings.TrimSpace(fragment)
		if trimmed == "" || trimmed == "--" {
			// Preamble or terminator remnant.
			continue
		}

		// A changeset response carries its own nested boundary; recurse into
		// the part body so atomic batches still produce one result per
		// operation. A multipart declaration without a body is malformed.
		if nested := nestedBoundary(trimmed); nested != "" {
			bodyStart := blankLineIndex(trimmed)
			if bodyStart < 0 {
				c.logger().Warn("skipping malformed batch part",
					"reason", "changeset without body")
				continue
			}
			results = c.decodeFragments(trimmed[bodyStart:], nested, results)
			continue
		}

		result, ok := c.decodePart(trimmed)
		if !ok {
			c.logger().Warn("skipping malformed batch part",
				"reason", "no status line",
				"fragment_bytes", len(fragment))
			continue
		}
		results = append(results, result)
	}
	return results
}

// nestedBoundary returns the changeset boundary if the fragment's headers
// declare a nested multipart body, or "".
func nestedBoundary(fragment string) string {
	headers := fragment
	if idx := blankLineIndex(fragment); idx >= 0 {
		headers = fragment[:idx]
	}
	for _, line := range strings.Split(headers, "\n") {
		if !strings.Contains(strings.ToLower(line), "multipart/mixed") {
			continue
		}
		if m := nestedBoundaryPattern.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

// decodePart parses one response fragment: part headers, pseudo-HTTP status
// line, response headers, blank line, optional body.
func (c *Codec) decodePart(fragment string) (PartResult, bool) {
	loc := statusLinePattern.FindStringSubmatchIndex(fragment)
	if loc == nil {
		return PartResult{}, false
	}

	status, err := strconv.Atoi(fragment[loc[2]:loc[3]])
	if err != nil {
		return PartResult{}, false
	}

	result := PartResult{
		StatusCode: status,
		Success:    status >= 200 && status < 300,
	}

	body := partBody(fragment[loc[1]:])
	if body != "" {
		var parsed interface{}
		if err := json.Unmarshal([]byte(body), &parsed); err != nil {
			// Not JSON: keep the raw text so callers still see the payload.
			parsed = body
		}
		if result.Success {
			result.Data = parsed
		} else {
			result.Error = parsed
		}
	} else if !result.Success {
		result.Error = "HTTP " + strconv.Itoa(status)
	}

	return result, true
}

// partBody extracts the body following the first blank line after the status
// line, trimming boundary remnants.
func partBody(afterStatus string) string {
	idx := blankLineIndex(afterStatus)
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(afterStatus[idx:])
}

// blankLineIndex locates the first blank line (CRLFCRLF or LFLF), returning
// the offset just past it, or -1.
func blankLineIndex(s string) int {
	if i := strings.Index(s, "\r\n\r\n"); i >= 0 {
		return i + 4
	}
	if i := strings.Index(s, "\n\n"); i >= 0 {
		return i + 2
	}
	return -1
}
