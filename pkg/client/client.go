// Package client is the composition call site for the resilience core: it
// threads every call to the remote data service through the rate limiter,
// the retry executor, and the batch codec over an injected Transport.
//
// The client never constructs its own HTTP machinery; pair it with
// httpclient.New and a transport adapter, or any other Transport.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/time/rate"

	"github.com/tombee/relay/pkg/batch"
	"github.com/tombee/relay/pkg/clock"
	"github.com/tombee/relay/pkg/ratelimit"
	"github.com/tombee/relay/pkg/retry"
	"github.com/tombee/relay/pkg/transport"
)

// SessionProvider supplies per-request credentials. Implementations own
// token refresh; the client just asks before every attempt so a refreshed
// session is picked up mid-retry.
type SessionProvider interface {
	// AuthHeaders returns headers to attach to every request.
	AuthHeaders(ctx context.Context) (map[string]string, error)

	// CSRFToken returns the anti-forgery token required for writes.
	// Return "" when the remote service does not use one.
	CSRFToken(ctx context.Context) (string, error)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, e.g. "https://data.example.com/api/v2".
	// Required.
	BaseURL string

	// BatchPath is the batch endpoint relative to BaseURL. Default: "/$batch".
	BatchPath string

	// RateLimit, when set, installs the strategy token bucket in front of
	// every call.
	RateLimit *ratelimit.Config

	// Retry configures the retry executor. Zero value uses defaults.
	Retry retry.Policy

	// HostRPS and HostBurst, when HostRPS > 0, install an additional
	// courtesy limiter smoothing the request rate to the host regardless of
	// the strategy bucket's verdicts.
	HostRPS   float64
	HostBurst int

	// Session supplies credentials. Optional; without it requests go out
	// unauthenticated.
	Session SessionProvider

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Client issues CRUD and batch calls to the remote data service with rate
// limiting and retries applied uniformly.
type Client struct {
	baseURL   string
	batchPath string
	tr        transport.Transport
	limiter   *ratelimit.Limiter
	exec      *retry.Executor
	host      *rate.Limiter
	session   SessionProvider
	codec     batch.Codec
	logger    *slog.Logger
}

// New creates a Client over the given transport.
func New(cfg Config, tr transport.Transport, clk clock.Clock) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("client: transport is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.BatchPath == "" {
		cfg.BatchPath = "/$batch"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		batchPath: cfg.BatchPath,
		tr:        tr,
		exec:      retry.NewExecutor(cfg.Retry, clk),
		session:   cfg.Session,
		codec:     batch.Codec{Logger: logger},
		logger:    logger.With("component", "client"),
	}
	if cfg.RateLimit != nil {
		c.limiter = ratelimit.New(*cfg.RateLimit, clk)
	}
	if cfg.HostRPS > 0 {
		burst := cfg.HostBurst
		if burst <= 0 {
			burst = 1
		}
		c.host = rate.NewLimiter(rate.Limit(cfg.HostRPS), burst)
	}
	return c, nil
}

// Create inserts a new entity into the collection.
func (c *Client) Create(ctx context.Context, collection string, payload interface{}) (*transport.Response, error) {
	return c.do(ctx, "POST", c.entityPath(collection, ""), nil, payload, true)
}

// Read fetches from the collection; key and query are both optional.
func (c *Client) Read(ctx context.Context, collection, key string, query url.Values) (*transport.Response, error) {
	path := c.entityPath(collection, key)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, "GET", path, nil, nil, false)
}

// Update patches the entity addressed by key.
func (c *Client) Update(ctx context.Context, collection, key string, payload interface{}) (*transport.Response, error) {
	if key == "" {
		return nil, &transport.TransportError{Type: transport.ErrorTypeInvalidReq, Message: "update requires a key"}
	}
	return c.do(ctx, "PATCH", c.entityPath(collection, key), nil, payload, true)
}

// Delete removes the entity addressed by key.
func (c *Client) Delete(ctx context.Context, collection, key string) (*transport.Response, error) {
	if key == "" {
		return nil, &transport.TransportError{Type: transport.ErrorTypeInvalidReq, Message: "delete requires a key"}
	}
	return c.do(ctx, "DELETE", c.entityPath(collection, key), nil, nil, true)
}

// Batch encodes the envelope, sends it in one wire call, and decodes the
// per-part results. The caller always receives the full result list; use
// batch.AllSucceeded to collapse it to a single verdict.
func (c *Client) Batch(ctx context.Context, env batch.Envelope) ([]batch.PartResult, error) {
	body, boundary, err := c.codec.Encode(env)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Content-Type": "multipart/mixed; boundary=" + boundary,
	}
	resp, err := c.do(ctx, "POST", c.baseURL+c.batchPath, headers, body, true)
	if err != nil {
		return nil, err
	}

	respBoundary := boundary
	if m := respBoundaryPattern.FindStringSubmatch(resp.Header("Content-Type")); m != nil {
		respBoundary = m[1]
	}
	return c.codec.Decode(string(resp.Body), respBoundary), nil
}

// Close releases the rate limiter. The transport is owned by the caller.
func (c *Client) Close() {
	if c.limiter != nil {
		c.limiter.Close()
	}
}

// respBoundaryPattern pulls the boundary the service chose for its response,
// which need not match the request boundary.
var respBoundaryPattern = regexp.MustCompile(`boundary=([^;\s"]+)`)

func (c *Client) entityPath(collection, key string) string {
	path := c.baseURL + "/" + collection
	if key != "" {
		path += "(" + key + ")"
	}
	return path
}

// acquire passes the call through the courtesy limiter and the strategy
// bucket, in that order. A drop verdict surfaces as a capacity error.
func (c *Client) acquire(ctx context.Context) error {
	if c.host != nil {
		if err := c.host.Wait(ctx); err != nil {
			return transport.Classify(err)
		}
	}
	if c.limiter == nil {
		return nil
	}
	ok, err := c.limiter.Acquire(ctx)
	if err != nil {
		return transport.Classify(err)
	}
	if !ok {
		return &transport.TransportError{
			Type:    transport.ErrorTypeCapacity,
			Message: "request dropped by rate limiter",
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, extraHeaders map[string]string, payload interface{}, write bool) (*transport.Response, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}

	var body []byte
	switch p := payload.(type) {
	case nil:
	case string:
		body = []byte(p)
	case []byte:
		body = p
	default:
		var err error
		body, err = json.Marshal(p)
		if err != nil {
			return nil, &transport.TransportError{
				Type:    transport.ErrorTypeInvalidReq,
				Message: "failed to encode request body",
				Cause:   err,
			}
		}
		if extraHeaders == nil || extraHeaders["Content-Type"] == "" {
			if extraHeaders == nil {
				extraHeaders = map[string]string{}
			}
			extraHeaders["Content-Type"] = "application/json"
		}
	}

	return retry.Do(ctx, c.exec, func(ctx context.Context) (*transport.Response, error) {
		headers := map[string]string{"Accept": "application/json"}
		if c.session != nil {
			auth, err := c.session.AuthHeaders(ctx)
			if err != nil {
				return nil, transport.Classify(err)
			}
			for k, v := range auth {
				headers[k] = v
			}
			if write {
				token, err := c.session.CSRFToken(ctx)
				if err != nil {
					return nil, transport.Classify(err)
				}
				if token != "" {
					headers["X-CSRF-Token"] = token
				}
			}
		}
		for k, v := range extraHeaders {
			headers[k] = v
		}

		resp, err := c.tr.Execute(ctx, &transport.Request{
			Method:  method,
			URL:     rawURL,
			Headers: headers,
			Body:    body,
		})
		if err != nil {
			return nil, transport.Classify(err)
		}
		if resp.StatusCode >= 400 {
			te := transport.FromStatus(resp.StatusCode, strings.TrimSpace(firstLine(string(resp.Body))))
			te.RequestID = resp.Header("X-Request-Id")
			c.logger.Warn("request failed",
				"method", method, "status", resp.StatusCode, "request_id", te.RequestID)
			return nil, te
		}
		return resp, nil
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
