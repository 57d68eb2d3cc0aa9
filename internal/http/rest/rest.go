package rest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/italolelis/subsonic_offline/internal/logctx"
	"github.com/italolelis/subsonic_offline/internal/storage"
)

const maxBodySize = 1 << 20

type errorResponse struct {
	Error      string `json:"error"`
	ExistingID string `json:"existing_id,omitempty"`
}

// BasicAuth rejects requests without the given credentials. An empty
// username disables the check.
func BasicAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if username == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok {
				http.Error(w, "invalid authorization format", http.StatusUnauthorized)

				return
			}

			if subtle.ConstantTimeCompare([]byte(u), []byte(username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(p), []byte(password)) != 1 {
				http.Error(w, "invalid username or password", http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if v == nil {
		return
	}

	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	return dec.Decode(v)
}

// writeError maps registry errors to status codes and logs everything that is
// not the caller's fault.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var dup *storage.DuplicateMediaError

	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), ExistingID: dup.ExistingID})
	case errors.Is(err, storage.ErrDuplicateMedia):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, storage.ErrNoActiveServer):
		writeJSON(w, http.StatusPreconditionFailed, errorResponse{Error: err.Error()})
	default:
		logctx.LoggerFromContext(r.Context()).Error("failed to handle request", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}
