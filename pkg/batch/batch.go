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

// Package batch builds and parses the multipart batch wire protocol used by
// the remote data service.
//
// A batch groups several create/read/update/delete operations into one wire
// call. In independent mode each operation is its own top-level part; in
// atomic mode the operations are nested inside a single changeset part so the
// remote system applies them as a unit. The codec is stateless: an Envelope
// is built once per call, encoded, and discarded.
package batch

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// Kind identifies one unit of work inside a batch.
type Kind string

const (
	// Create inserts a new entity (POST).
	Create Kind = "create"

	// Update modifies an entity addressed by key (PATCH).
	Update Kind = "update"

	// Delete removes an entity addressed by key (DELETE).
	Delete Kind = "delete"

	// Read fetches entities (GET).
	Read Kind = "read"
)

// method maps the operation kind to its HTTP method.
func (k Kind) method() string {
	switch k {
	case Create:
		return "POST"
	case Update:
		return "PATCH"
	case Delete:
		return "DELETE"
	case Read:
		return "GET"
	}
	return ""
}

// Operation is one unit of write/read work. Immutable once built.
type Operation struct {
	// Kind selects the HTTP method and addressing rules.
	Kind Kind

	// Collection is the target entity collection. Required; must match the
	// restricted identifier pattern.
	Collection string

	// Key addresses a single entity. Required for Update and Delete.
	Key string

	// Payload is the JSON request body. Required for Create and Update.
	Payload interface{}

	// Query carries additional query parameters (Read operations).
	Query url.Values

	// Headers are extra per-operation headers.
	Headers map[string]string
}

// Envelope is one batch call: an ordered sequence of operations plus
// addressing and atomicity options.
type Envelope struct {
	Operations []Operation
	BasePath   string

	// Atomic nests the operations into one changeset applied as a unit.
	Atomic bool
}

// PartResult is the decoded outcome of one batch part, in input order.
type PartResult struct {
	Index      int
	Success    bool
	StatusCode int

	// Data holds the parsed JSON body of a successful part, if present.
	Data interface{}

	// Error holds the parsed JSON error body (or raw text) of a failed part.
	Error interface{}
}

// AllSucceeded reports whether every part of a decoded batch succeeded.
// Callers still consume the full per-part list regardless.
func AllSucceeded(results []PartResult) bool {
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}

// Codec encodes and decodes batch payloads. The zero value is usable; Logger
// defaults to slog.Default.
type Codec struct {
	Logger *slog.Logger
}

func (c *Codec) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// collectionPattern restricts collection names to a safe identifier form.
var collectionPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidationError describes one invalid operation in a batch.
type ValidationError struct {
	// Index is the operation's position in the envelope.
	Index int

	// Field identifies which part of the operation failed validation.
	Field string

	// Message is the human-readable error description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("operation %d: %s: %s", e.Index, e.Field, e.Message)
}

// ValidateOperations checks every operation and reports all violations at
// once so the caller can fix the whole batch in one pass. A nil return means
// the envelope may be encoded.
func (c *Codec) ValidateOperations(ops []Operation) []error {
	var errs []error
	for i, op := range ops {
		if op.Kind.method() == "" {
			errs = append(errs, &ValidationError{i, "kind", fmt.Sprintf("unknown operation kind %q", op.Kind)})
			continue
		}
		if op.Collection == "" {
			errs = append(errs, &ValidationError{i, "collection", "collection name is required"})
		} else if !collectionPattern.MatchString(op.Collection) {
			errs = append(errs, &ValidationError{i, "collection", fmt.Sprintf("collection name %q is not a valid identifier", op.Collection)})
		}
		if (op.Kind == Create || op.Kind == Update) && op.Payload == nil {
			errs = append(errs, &ValidationError{i, "payload", fmt.Sprintf("%s operations require a payload", op.Kind)})
		}
		if (op.Kind == Update || op.Kind == Delete) && op.Key == "" {
			errs = append(errs, &ValidationError{i, "key", fmt.Sprintf("%s operations require a key", op.Kind)})
		}
	}
	return errs
}

// Split divides a long operation list into chunks of at most batchSize so a
// single wire call never exceeds the remote system's part cap.
func Split(ops []Operation, batchSize int) [][]Operation {
	if batchSize <= 0 || len(ops) == 0 {
		if len(ops) == 0 {
			return nil
		}
		return [][]Operation{ops}
	}
	chunks := make([][]Operation, 0, (len(ops)+batchSize-1)/batchSize)
	for start := 0; start < len(ops); start += batchSize {
		end := start + batchSize
		if end > len(ops) {
			end = len(ops)
		}
		chunks = append(chunks, ops[start:end])
	}
	return chunks
}

// target builds the request path for an operation.
func (op Operation) target(basePath string) string {
	path := strings.TrimRight(basePath, "/") + "/" + op.Collection
	if op.Key != "" {
		path += "(" + op.Key + ")"
	}
	if len(op.Query) > 0 {
		path += "?" + op.Query.Encode()
	}
	return path
}
