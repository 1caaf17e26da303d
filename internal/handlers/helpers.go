package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sandgate-io/sandgate/internal/backend"
	"github.com/sandgate-io/sandgate/internal/breaker"
	"github.com/sandgate-io/sandgate/internal/config"
	"github.com/sandgate-io/sandgate/internal/gateway"
	"github.com/sandgate-io/sandgate/internal/session"
)

// Package-level collaborators, set once from main before the server starts.
var (
	Sessions *session.Registry
	Breakers *breaker.Registry
	Agents   *backend.Client
	Template *config.SandboxTemplate
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON request body into dst. An empty body leaves dst
// at its zero value; oversize and malformed bodies map to client errors.
func decodeBody(r *http.Request, dst interface{}) *gateway.APIError {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return gateway.PayloadTooLarge(fmt.Sprintf("request body exceeds %d bytes", maxBytesErr.Limit))
	}
	return gateway.Validation("malformed request body")
}

// writeSessionError maps session registry sentinels onto the error
// taxonomy; anything else falls through as an unexpected error.
func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		gateway.WriteError(w, r, gateway.NotFound("unknown session"))
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrNotTerminal):
		gateway.WriteError(w, r, gateway.Conflict(err.Error()))
	default:
		gateway.WriteError(w, r, err)
	}
}
