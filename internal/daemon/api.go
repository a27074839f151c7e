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

package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/pkg/delivery"
	"github.com/tombee/relay/pkg/replay"
)

// maxRequestBody caps inbound request bodies.
const maxRequestBody = 1 << 20

// Replay-protection headers checked when a webhook secret is configured.
const (
	signatureHeader = "X-Relay-Signature"
	nonceHeader     = "X-Relay-Nonce"
	timestampHeader = "X-Relay-Timestamp"
)

// scheduleRequest is the POST /v1/deliveries body.
type scheduleRequest struct {
	Target  string            `json:"target"`
	Payload json.RawMessage   `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`

	// TimeoutMS bounds each delivery attempt, in milliseconds.
	TimeoutMS int `json:"timeout_ms,omitempty"`

	Retry *delivery.RetryConfig `json:"retry,omitempty"`
}

// deliveryResponse is the wire form of a schedule or retry outcome.
type deliveryResponse struct {
	Delivery  *delivery.Delivery `json:"delivery"`
	Delivered bool               `json:"delivered"`
	WillRetry bool               `json:"will_retry"`
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/deliveries", d.handleSchedule)
	mux.HandleFunc("GET /v1/deliveries", d.handleList)
	mux.HandleFunc("GET /v1/deliveries/{id}", d.handleGet)
	mux.HandleFunc("POST /v1/deliveries/{id}/retry", d.handleRetry)
	mux.HandleFunc("GET /v1/dead-letters", d.handleDeadLetters)
	mux.HandleFunc("GET /healthz", d.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return log.HTTPMiddleware(d.logger, mux)
}

// handleSchedule accepts a delivery and runs its first attempt. When a
// webhook secret is configured the request must carry a valid signature,
// a fresh nonce, and a timestamp inside the tolerance window.
func (d *Daemon) handleSchedule(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if d.cfg.Replay.Secret != "" {
		if !d.verifyInbound(w, r, body) {
			return
		}
	}

	var req scheduleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}

	opts := delivery.Options{
		Headers: req.Headers,
		Timeout: time.Duration(req.TimeoutMS) * time.Millisecond,
		Retry:   req.Retry,
	}
	result, err := d.manager.Schedule(r.Context(), req.Target, req.Payload, opts)
	if err != nil {
		if errors.Is(err, delivery.ErrManagerClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, deliveryResponse{
		Delivery:  result.Delivery,
		Delivered: result.Delivered,
		WillRetry: result.WillRetry,
	})
}

// verifyInbound enforces signature, nonce, and timestamp checks. All three
// are mandatory once a secret is configured: the signature covers only the
// body, so a request without a nonce and timestamp could be captured and
// replayed verbatim. It writes the rejection response itself and reports
// whether the request passed.
func (d *Daemon) verifyInbound(w http.ResponseWriter, r *http.Request, body []byte) bool {
	if err := replay.VerifySignature(body, d.cfg.Replay.Secret, r.Header.Get(signatureHeader)); err != nil {
		d.logger.Warn("rejected unsigned delivery request", log.Error(err))
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return false
	}

	ts := r.Header.Get(timestampHeader)
	if ts == "" {
		writeError(w, http.StatusUnauthorized, timestampHeader+" header is required")
		return false
	}
	if res := d.guard.ValidateTimestamp(ts, d.cfg.Replay.Tolerance); !res.IsValid {
		d.logger.Warn("rejected stale delivery request", log.Error(res.Err))
		writeError(w, http.StatusUnauthorized, "timestamp rejected")
		return false
	}

	nonce := r.Header.Get(nonceHeader)
	if nonce == "" {
		writeError(w, http.StatusUnauthorized, nonceHeader+" header is required")
		return false
	}
	if d.guard.CheckNonce(nonce).IsReplay {
		writeError(w, http.StatusConflict, "duplicate request")
		return false
	}
	stored, err := d.guard.StoreNonce(nonce, d.cfg.Replay.NonceTTL)
	if err != nil || !stored {
		// Fail closed: without nonce tracking replays cannot be ruled out.
		writeError(w, http.StatusServiceUnavailable, "replay protection unavailable")
		return false
	}
	return true
}

func (d *Daemon) handleGet(w http.ResponseWriter, r *http.Request) {
	del, err := d.manager.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			writeError(w, http.StatusNotFound, "delivery not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, del)
}

// handleList returns deliveries filtered by ?status=, or status counts when
// no filter is given.
func (d *Daemon) handleList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		counts, err := d.manager.Counts()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
		return
	}

	list, err := d.manager.ListByStatus(delivery.Status(status))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": list})
}

func (d *Daemon) handleRetry(w http.ResponseWriter, r *http.Request) {
	result, err := d.manager.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, delivery.ErrNotFound):
			writeError(w, http.StatusNotFound, "delivery not found")
		case errors.Is(err, delivery.ErrManagerClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, deliveryResponse{
		Delivery:  result.Delivery,
		Delivered: result.Delivered,
		WillRetry: result.WillRetry,
	})
}

func (d *Daemon) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	list, err := d.manager.DeadLetters()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": list})
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": d.opts.Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
