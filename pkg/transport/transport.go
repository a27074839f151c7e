// Package transport defines the normalized request/response boundary between
// the resilience core and whatever actually performs HTTP calls.
//
// The core never talks to net/http directly. It is handed a Transport (or a
// bare execute function) and only ever inspects the normalized TransportError
// shape for retry and circuit decisions. Protocol concerns such as TLS,
// authentication header injection, and connection pooling belong to the
// Transport implementation.
package transport

import (
	"context"
)

// Transport executes requests with protocol-specific handling.
type Transport interface {
	// Execute sends a request and returns a response.
	// The context controls cancellation and deadlines.
	// Failures are returned as *TransportError.
	Execute(ctx context.Context, req *Request) (*Response, error)

	// Name returns the transport identifier (e.g., "http").
	Name() string
}

// Func adapts a plain function to the Transport interface.
type Func func(ctx context.Context, req *Request) (*Response, error)

// Execute implements Transport.
func (f Func) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Name implements Transport.
func (f Func) Name() string { return "func" }

// Request represents a transport-agnostic request.
type Request struct {
	// Method is the HTTP method (GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS).
	// Required, must be non-empty.
	Method string

	// URL is the full request URL.
	URL string

	// Headers are request headers (case-insensitive).
	// Optional, may be nil or empty.
	Headers map[string]string

	// Body is the request body. Optional.
	Body []byte

	// Metadata carries transport-specific data.
	Metadata map[string]interface{}
}

// Response represents a transport-agnostic response.
type Response struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Headers contains response headers.
	Headers map[string][]string

	// Body is the response body.
	Body []byte

	// Metadata carries transport-specific data (e.g., request IDs).
	Metadata map[string]interface{}
}

// Header returns the first value for the named response header, or "".
func (r *Response) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	if vs, ok := r.Headers[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Standard metadata keys used across transports.
const (
	// MetadataRequestID is the service request ID.
	MetadataRequestID = "request_id"

	// MetadataRetryCount is the number of retries performed for this request.
	MetadataRetryCount = "retry_count"
)
