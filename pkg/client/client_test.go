package client

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/pkg/batch"
	"github.com/tombee/relay/pkg/clock"
	"github.com/tombee/relay/pkg/ratelimit"
	"github.com/tombee/relay/pkg/retry"
	"github.com/tombee/relay/pkg/transport"
)

type fakeSession struct {
	token string
}

func (s *fakeSession) AuthHeaders(ctx context.Context) (map[string]string, error) {
	return map[string]string{"Authorization": "Bearer abc123"}, nil
}

func (s *fakeSession) CSRFToken(ctx context.Context) (string, error) {
	return s.token, nil
}

type capturedRequest struct {
	req *transport.Request
}

func captureTransport(c *capturedRequest, status int, body string) transport.Transport {
	return transport.Func(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		c.req = req
		return &transport.Response{StatusCode: status, Body: []byte(body)}, nil
	})
}

func TestCreate_PostsJSONWithSession(t *testing.T) {
	var captured capturedRequest
	c, err := New(Config{
		BaseURL: "https://data.example.com/api/",
		Session: &fakeSession{token: "csrf-1"},
	}, captureTransport(&captured, 201, `{"id":1}`), clock.NewFake())
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Create(context.Background(), "Orders", map[string]interface{}{"total": 9})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)

	req := captured.req
	require.NotNil(t, req)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "https://data.example.com/api/Orders", req.URL)
	assert.JSONEq(t, `{"total":9}`, string(req.Body))
	assert.Equal(t, "application/json", req.Headers["Content-Type"])
	assert.Equal(t, "Bearer abc123", req.Headers["Authorization"])
	assert.Equal(t, "csrf-1", req.Headers["X-CSRF-Token"], "writes carry the CSRF token")
}

func TestRead_AddressesKeyAndQuery(t *testing.T) {
	var captured capturedRequest
	c, err := New(Config{
		BaseURL: "https://data.example.com/api",
		Session: &fakeSession{token: "csrf-1"},
	}, captureTransport(&captured, 200, `{}`), clock.NewFake())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Read(context.Background(), "Orders", "'42'", url.Values{"$top": {"5"}})
	require.NoError(t, err)

	req := captured.req
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "https://data.example.com/api/Orders('42')?%24top=5", req.URL)
	assert.Empty(t, req.Headers["X-CSRF-Token"], "reads carry no CSRF token")
}

func TestUpdateDelete_RequireKey(t *testing.T) {
	c, err := New(Config{BaseURL: "https://data.example.com"},
		captureTransport(&capturedRequest{}, 200, ""), clock.NewFake())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Update(context.Background(), "Orders", "", map[string]interface{}{"a": 1})
	assert.Error(t, err)
	_, err = c.Delete(context.Background(), "Orders", "")
	assert.Error(t, err)

	_, err = c.Delete(context.Background(), "Orders", "7")
	assert.NoError(t, err)
}

func TestDo_RetriesTransientStatus(t *testing.T) {
	attempts := 0
	tr := transport.Func(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		attempts++
		if attempts < 3 {
			return &transport.Response{StatusCode: 503}, nil
		}
		return &transport.Response{StatusCode: 200}, nil
	})

	c, err := New(Config{
		BaseURL: "https://data.example.com",
		Retry:   retry.Policy{MaxAttempts: 3},
	}, tr, clock.NewFake())
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Read(context.Background(), "Orders", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 3, attempts)
}

func TestDo_NonRetryableStatusSurfaces(t *testing.T) {
	attempts := 0
	tr := transport.Func(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		attempts++
		return &transport.Response{
			StatusCode: 404,
			Body:       []byte("no such order"),
			Headers:    map[string][]string{"X-Request-Id": {"req-9"}},
		}, nil
	})

	c, err := New(Config{BaseURL: "https://data.example.com"}, tr, clock.NewFake())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Read(context.Background(), "Orders", "9", nil)
	require.Error(t, err)
	te := transport.Classify(err)
	assert.Equal(t, transport.ErrorTypeClient, te.Type)
	assert.Equal(t, 404, te.StatusCode)
	assert.Equal(t, "req-9", te.RequestID)
	assert.Equal(t, 1, attempts, "client errors are not retried")
}

func TestDo_DropStrategySurfacesCapacity(t *testing.T) {
	c, err := New(Config{
		BaseURL: "https://data.example.com",
		RateLimit: &ratelimit.Config{
			RatePerSecond: 1,
			BurstSize:     1,
			Strategy:      ratelimit.StrategyDrop,
		},
	}, captureTransport(&capturedRequest{}, 200, ""), clock.NewFake())
	require.NoError(t, err)
	defer c.Close()

	// First call consumes the only token; the second is dropped.
	_, err = c.Read(context.Background(), "Orders", "", nil)
	require.NoError(t, err)

	_, err = c.Read(context.Background(), "Orders", "", nil)
	require.Error(t, err)
	te := transport.Classify(err)
	assert.Equal(t, transport.ErrorTypeCapacity, te.Type)
}

func TestBatch_RoundTrip(t *testing.T) {
	var captured capturedRequest
	respBoundary := "batch_resp"
	respBody := fmt.Sprintf(
		"--%s\r\nContent-Type: application/http\r\n\r\nHTTP/1.1 201 Created\r\nContent-Type: application/json\r\n\r\n{\"id\":1}\r\n--%s\r\nContent-Type: application/http\r\n\r\nHTTP/1.1 204 No Content\r\n\r\n\r\n--%s--\r\n",
		respBoundary, respBoundary, respBoundary)

	tr := transport.Func(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		captured.req = req
		return &transport.Response{
			StatusCode: 200,
			Headers:    map[string][]string{"Content-Type": {"multipart/mixed; boundary=" + respBoundary}},
			Body:       []byte(respBody),
		}, nil
	})

	c, err := New(Config{
		BaseURL: "https://data.example.com/api",
		Session: &fakeSession{token: "csrf-1"},
	}, tr, clock.NewFake())
	require.NoError(t, err)
	defer c.Close()

	results, err := c.Batch(context.Background(), batch.Envelope{
		BasePath: "/api",
		Operations: []batch.Operation{
			{Kind: batch.Create, Collection: "Orders", Payload: map[string]interface{}{"total": 1}},
			{Kind: batch.Delete, Collection: "Items", Key: "7"},
		},
	})
	require.NoError(t, err)

	req := captured.req
	assert.Equal(t, "https://data.example.com/api/$batch", req.URL)
	assert.Contains(t, req.Headers["Content-Type"], "multipart/mixed; boundary=batch_")
	assert.Equal(t, "csrf-1", req.Headers["X-CSRF-Token"])

	require.Len(t, results, 2)
	assert.True(t, batch.AllSucceeded(results))
	assert.Equal(t, 201, results[0].StatusCode)
	assert.Equal(t, 204, results[1].StatusCode)
}

func TestBatch_ValidationRejectsBeforeWire(t *testing.T) {
	called := false
	tr := transport.Func(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		called = true
		return &transport.Response{StatusCode: 200}, nil
	})

	c, err := New(Config{BaseURL: "https://data.example.com"}, tr, clock.NewFake())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Batch(context.Background(), batch.Envelope{
		Operations: []batch.Operation{{Kind: batch.Update, Collection: "Orders"}},
	})
	assert.Error(t, err)
	assert.False(t, called, "invalid envelopes never reach the transport")
}
