// Package httpclient provides an HTTP client factory with consistent
// timeout and observability behavior for the relay codebase.
//
// The package creates HTTP clients with sensible, secure defaults including:
//   - Request logging with sanitized URLs (sensitive parameters redacted)
//   - User-Agent header injection
//   - TLS 1.2 minimum (TLS 1.3 preferred)
//   - Connection pooling for performance
//
// Retries are deliberately NOT part of this package: the resilience layers
// (pkg/retry, pkg/delivery) own retry policy, and stacking a second retry
// loop under them multiplies attempts.
//
// # Usage
//
// Create a client with default settings:
//
//	client, err := httpclient.New(httpclient.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Get("https://api.example.com/resource")
//
// # Security
//
//   - Sensitive query parameters (api_key, token, password, etc.) are
//     redacted from logs
//   - Authorization headers are never logged
//   - TLS 1.2 minimum with certificate validation enabled
//   - Connection pooling limits prevent resource exhaustion
//
// # Observability
//
// All requests emit structured logs via log/slog:
//   - Debug level: successful requests (2xx status)
//   - Warn level: failed requests (4xx/5xx status, errors)
//   - Fields: method, url (sanitized), status, duration_ms, error
package httpclient
