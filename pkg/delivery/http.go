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

package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// Doer is the subset of *http.Client the HTTP transport needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPTransport adapts an HTTP client into a TransportFunc that POSTs the
// delivery payload to its target. Pair it with httpclient.New for logging
// and TLS defaults.
func NewHTTPTransport(client Doer) TransportFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, d *Delivery) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Target, bytes.NewReader(d.Payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range d.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return resp.StatusCode, nil
	}
}
