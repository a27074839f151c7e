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
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const crlf = "\r\n"

// Encode renders an envelope into the multipart batch body and returns the
// body together with its top-level boundary. The wire format is a bit-exact
// contract with the remote system; do not change line endings or header
// ordering without checking against a captured exchange.
//
// Operations are validated first; any violation aborts encoding before a
// single byte is written.
func (c *Codec) Encode(env Envelope) (body string, boundary string, err error) {
	if len(env.Operations) == 0 {
		return "", "", fmt.Errorf("batch envelope has no operations")
	}
	if errs := c.ValidateOperations(env.Operations); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return "", "", fmt.Errorf("batch validation failed: %s", strings.Join(msgs, "; "))
	}

	boundary = "batch_" + uuid.NewString()

	var b strings.Builder
	if env.Atomic {
		if err := writeChangeset(&b, boundary, env); err != nil {
			return "", "", err
		}
	} else {
		for _, op := range env.Operations {
			b.WriteString("--" + boundary + crlf)
			b.WriteString("Content-Type: application/http" + crlf)
			b.WriteString("Content-Transfer-Encoding: binary" + crlf)
			b.WriteString(crlf)
			if err := writeRequest(&b, op, env.BasePath); err != nil {
				return "", "", err
			}
		}
	}
	b.WriteString("--" + boundary + "--" + crlf)

	return b.String(), boundary, nil
}

// writeChangeset nests all operations into one changeset part so the remote
// system applies them atomically.
func writeChangeset(b *strings.Builder, boundary string, env Envelope) error {
	changeset := "changeset_" + uuid.NewString()

	b.WriteString("--" + boundary + crlf)
	b.WriteString("Content-Type: multipart/mixed; boundary=" + changeset + crlf)
	b.WriteString(crlf)

	for i, op := range env.Operations {
		b.WriteString("--" + changeset + crlf)
		b.WriteString("Content-Type: application/http" + crlf)
		b.WriteString("Content-Transfer-Encoding: binary" + crlf)
		// Content-ID lets the remote system correlate changeset responses.
		b.WriteString(fmt.Sprintf("Content-ID: %d%s", i+1, crlf))
		b.WriteString(crlf)
		if err := writeRequest(b, op, env.BasePath); err != nil {
			return err
		}
	}
	b.WriteString("--" + changeset + "--" + crlf)
	return nil
}

// writeRequest renders one pseudo-HTTP request: request line, headers, blank
// line, optional JSON body.
func writeRequest(b *strings.Builder, op Operation, basePath string) error {
	b.WriteString(fmt.Sprintf("%s %s HTTP/1.1%s", op.Kind.method(), op.target(basePath), crlf))

	if op.Payload != nil {
		b.WriteString("Content-Type: application/json" + crlf)
	}
	b.WriteString("Accept: application/json" + crlf)

	// Stable header order keeps encoded output deterministic for a given
	// envelope.
	names := make([]string, 0, len(op.Headers))
	for name := range op.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(name + ": " + op.Headers[name] + crlf)
	}
	b.WriteString(crlf)

	if op.Payload != nil {
		data, err := json.Marshal(op.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload for %s %s: %w", op.Kind, op.Collection, err)
		}
		b.Write(data)
		b.WriteString(crlf)
	}
	return nil
}
