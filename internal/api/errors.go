// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/annolab/taskbridge/internal/dispatch"
	"github.com/annolab/taskbridge/internal/lease"
	"github.com/annolab/taskbridge/internal/log"
	"github.com/annolab/taskbridge/internal/upstream"
)

// writeDetail emits the error envelope shared by every endpoint.
func writeDetail(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps dispatcher and backend failures onto status codes. Messages
// stay generic; owners, paths and backend internals are never disclosed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := log.WithComponentFromContext(r.Context(), "api")

	var apiErr *upstream.APIError
	switch {
	case errors.Is(err, dispatch.ErrInvalidArgument):
		writeDetail(w, http.StatusBadRequest, trimErr(err))
	case errors.Is(err, dispatch.ErrForbidden):
		writeDetail(w, http.StatusForbidden, "No active lease for this task")
	case errors.Is(err, upstream.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, lease.ErrBackendUnavailable):
		logger.Error().Err(err).Msg("lock service failure")
		writeDetail(w, http.StatusBadGateway, "Lock service unavailable")
	case errors.As(err, &apiErr):
		logger.Error().Err(err).Msg("upstream failure")
		if upstream.IsTransient(err) {
			writeDetail(w, http.StatusBadGateway, "Upstream unavailable")
			return
		}
		writeDetail(w, http.StatusBadRequest, "Upstream rejected the request")
	default:
		logger.Error().Err(err).Msg("internal error")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
	}
}

// trimErr strips the sentinel prefix, leaving the caller-facing message.
func trimErr(err error) string {
	msg := err.Error()
	for _, prefix := range []string{"dispatch: invalid argument: ", "dispatch: forbidden: "} {
		if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
			return msg[len(prefix):]
		}
	}
	return msg
}
