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
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPTransport_PostsPayload(t *testing.T) {
	var gotBody []byte
	var gotEvent, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotEvent = r.Header.Get("X-Event")
		gotContentType = r.Header.Get("Content-Type")
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	tf := NewHTTPTransport(server.Client())
	status, err := tf(context.Background(), &Delivery{
		Target:  server.URL,
		Payload: []byte(`{"order":42}`),
		Headers: map[string]string{"X-Event": "order.created"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, `{"order":42}`, string(gotBody))
	assert.Equal(t, "order.created", gotEvent)
	assert.Equal(t, "application/json", gotContentType)
}

func TestNewHTTPTransport_ConnectionError(t *testing.T) {
	tf := NewHTTPTransport(nil)
	status, err := tf(context.Background(), &Delivery{Target: "http://127.0.0.1:1/unreachable"})
	assert.Error(t, err)
	assert.Zero(t, status)
}
