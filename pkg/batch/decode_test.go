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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// responsePart renders one well-formed batch response part.
func responsePart(boundary, statusLine, body string) string {
	s := "--" + boundary + "\r\n" +
		"Content-Type: application/http\r\n" +
		"Content-Transfer-Encoding: binary\r\n" +
		"\r\n" +
		statusLine + "\r\n" +
		"Content-Type: application/json\r\n" +
		"\r\n"
	if body != "" {
		s += body + "\r\n"
	}
	return s
}

func TestDecode_RoundTrip(t *testing.T) {
	c := &Codec{}

	// Encode three independent operations, then decode a synthetic response
	// with matching parts on the same boundary.
	env := Envelope{
		BasePath: "/api",
		Operations: []Operation{
			{Kind: Create, Collection: "A", Payload: map[string]string{"x": "1"}},
			{Kind: Update, Collection: "B", Key: "2", Payload: map[string]string{"y": "2"}},
			{Kind: Delete, Collection: "C", Key: "3"},
		},
	}
	_, boundary, err := c.Encode(env)
	require.NoError(t, err)

	response := responsePart(boundary, "HTTP/1.1 201 Created", `{"id":"a1"}`) +
		responsePart(boundary, "HTTP/1.1 204 No Content", "") +
		responsePart(boundary, "HTTP/1.1 404 Not Found", `{"error":{"message":"gone"}}`) +
		"--" + boundary + "--\r\n"

	results := c.Decode(response, boundary)
	require.Len(t, results, 3)

	assert.Equal(t, []int{0, 1, 2}, []int{results[0].Index, results[1].Index, results[2].Index})
	assert.Equal(t, []bool{true, true, false}, []bool{results[0].Success, results[1].Success, results[2].Success})
	assert.Equal(t, 201, results[0].StatusCode)
	assert.Equal(t, 204, results[1].StatusCode)
	assert.Equal(t, 404, results[2].StatusCode)

	data, ok := results[0].Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "a1", data["id"])
	assert.Nil(t, results[1].Data)
	assert.NotNil(t, results[2].Error)
	assert.False(t, AllSucceeded(results))
}

func TestDecode_PartialParseTolerance(t *testing.T) {
	c := &Codec{}
	boundary := "batch_test"

	corrupted := "--" + boundary + "\r\n" +
		"Content-Type: application/http\r\n" +
		"\r\n" +
		"this part has no status line at all\r\n"

	response := responsePart(boundary, "HTTP/1.1 200 OK", `{"n":1}`) +
		corrupted +
		responsePart(boundary, "HTTP/1.1 200 OK", `{"n":3}`) +
		"--" + boundary + "--\r\n"

	results := c.Decode(response, boundary)

	// The corrupted part is skipped, never fatal; the rest still parse.
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
}

func TestDecode_ChangesetResponse(t *testing.T) {
	c := &Codec{}
	boundary := "batch_outer"
	changeset := "changesetresponse_inner"

	inner := "--" + changeset + "\r\n" +
		"Content-Type: application/http\r\n" +
		"\r\n" +
		"HTTP/1.1 201 Created\r\n" +
		"\r\n" +
		`{"id":1}` + "\r\n" +
		"--" + changeset + "\r\n" +
		"Content-Type: application/http\r\n" +
		"\r\n" +
		"HTTP/1.1 204 No Content\r\n" +
		"\r\n" +
		"--" + changeset + "--\r\n"

	response := "--" + boundary + "\r\n" +
		"Content-Type: multipart/mixed; boundary=" + changeset + "\r\n" +
		"\r\n" +
		inner +
		"--" + boundary + "--\r\n"

	results := c.Decode(response, boundary)
	require.Len(t, results, 2, "atomic responses yield one result per operation")
	assert.Equal(t, 201, results[0].StatusCode)
	assert.Equal(t, 204, results[1].StatusCode)
	assert.True(t, AllSucceeded(results))
}

func TestDecode_NonJSONErrorBody(t *testing.T) {
	c := &Codec{}
	boundary := "batch_x"

	response := responsePart(boundary, "HTTP/1.1 502 Bad Gateway", "upstream fell over") +
		"--" + boundary + "--\r\n"

	results := c.Decode(response, boundary)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "upstream fell over", results[0].Error)
}

func TestDecode_ErrorWithoutBody(t *testing.T) {
	c := &Codec{}
	boundary := "batch_x"

	response := responsePart(boundary, "HTTP/1.1 500 Internal Server Error", "") +
		"--" + boundary + "--\r\n"

	results := c.Decode(response, boundary)
	require.Len(t, results, 1)
	assert.Equal(t, "HTTP 500", results[0].Error)
}

func TestDecode_EmptyResponse(t *testing.T) {
	c := &Codec{}
	assert.Empty(t, c.Decode("", "batch_x"))
	assert.Empty(t, c.Decode("--batch_x--\r\n", "batch_x"))
}

func TestDecode_LFOnlyLineEndings(t *testing.T) {
	c := &Codec{}
	boundary := "batch_lf"

	// Some proxies rewrite CRLF to bare LF; the decoder must cope.
	response := strings.ReplaceAll(
		responsePart(boundary, "HTTP/1.1 200 OK", `{"ok":true}`)+"--"+boundary+"--\r\n",
		"\r\n", "\n")

	results := c.Decode(response, boundary)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}
