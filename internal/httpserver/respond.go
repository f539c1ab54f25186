package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ctxmemory/gateway/internal/apierr"
	"github.com/ctxmemory/gateway/internal/version"
)

// Meta is the envelope's metadata block.
type Meta struct {
	Timestamp  string      `json:"timestamp"`
	RequestID  string      `json:"request_id,omitempty"`
	Version    string      `json:"version"`
	Pagination interface{} `json:"pagination,omitempty"`
}

// EnvelopeError is the envelope's error block.
type EnvelopeError struct {
	Code    apierr.Code `json:"code"`
	Message string      `json:"message"`
	Details any         `json:"details,omitempty"`
}

// Envelope is the canonical response shape for every non-streaming endpoint.
type Envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *EnvelopeError `json:"error,omitempty"`
	Meta    Meta           `json:"meta"`
}

// Respond writes a successful envelope response.
func Respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, r, status, Envelope{
		Success: true,
		Data:    data,
		Meta:    newMeta(r, nil),
	})
}

// RespondPaginated writes a successful envelope response with a pagination block.
func RespondPaginated(w http.ResponseWriter, r *http.Request, status int, data, pagination any) {
	meta := newMeta(r, nil)
	meta.Pagination = pagination
	writeEnvelope(w, r, status, Envelope{
		Success: true,
		Data:    data,
		Meta:    meta,
	})
}

// RespondError writes an envelope error response using the raw closed code set.
func RespondError(w http.ResponseWriter, r *http.Request, code apierr.Code, message string) {
	RespondAPIError(w, r, apierr.New(code, message))
}

// RespondAPIError writes an envelope error response from a typed *apierr.Error,
// applying any response headers it carries (rate-limit/quota/retry-after).
func RespondAPIError(w http.ResponseWriter, r *http.Request, err *apierr.Error) {
	for k, v := range err.Headers {
		w.Header().Set(k, v)
	}
	writeEnvelope(w, r, err.HTTPStatus(), Envelope{
		Success: false,
		Error: &EnvelopeError{
			Code:    err.Code,
			Message: err.Message,
			Details: err.Details,
		},
		Meta: newMeta(r, nil),
	})
}

// HandleUnexpected logs an internal error and writes a SYSTEM_ERROR envelope,
// never leaking the underlying error text to the client.
func HandleUnexpected(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	logger.Error("unhandled error", "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
	RespondError(w, r, apierr.CodeSystem, "an unexpected error occurred")
}

func newMeta(r *http.Request, pagination any) Meta {
	return Meta{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:  RequestIDFromContext(r.Context()),
		Version:    version.Version,
		Pagination: pagination,
	}
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		w.Header().Set("X-Request-Id", rid)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
