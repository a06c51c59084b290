// Package httpserver contains the HTTP handlers and middleware: the admin
// control surface, the webhook intake, and health/metrics. Handlers translate
// between the JSON envelope and the domain ports; no business logic lives here.
package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/commercekit/vendbridge/internal/domain"
)

// envelope is the uniform response shape: {ok, data?, error?}.
type envelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
		code = "invalid_input"
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
		code = "unauthorized"
	case errors.Is(err, domain.ErrHTTPDisabled):
		status = http.StatusForbidden
		code = "disabled"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrDuplicate):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		code = "rate_limited"
	case errors.Is(err, domain.ErrBreakerOpen), errors.Is(err, domain.ErrTransientVendor):
		status = http.StatusServiceUnavailable
		code = "upstream_unavailable"
	}
	writeJSON(w, status, envelope{OK: false, Error: &apiError{Code: code, Message: err.Error()}})
}

// decodeBody decodes a JSON request body into dst. An empty body leaves dst
// at its zero value so parameterless POSTs work without `{}`.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return domain.ErrInvalidInput
	}
	return nil
}
