package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/clearbill/backend/internal/billing"
	"github.com/clearbill/backend/internal/store"
)

var validate = validator.New()

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Printf("encode response: %v", err)
	}
}

// writeDetail writes the error envelope every handler uses:
// {"detail": "<message>"}.
func writeDetail(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"detail": fmt.Sprintf(format, args...)})
}

// decodeJSON decodes and validates a request body into dst. On failure
// it writes a 422 and returns false; handlers just return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Malformed request body: %v", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request: %v", err)
		return false
	}
	return true
}

// pathUUID pulls a UUID path variable out of the route. A malformed id
// writes a 422 and returns false.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := mux.Vars(r)[name]
	id, err := uuid.Parse(raw)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid %s: %q is not a UUID", name, raw)
		return uuid.Nil, false
	}
	return id, true
}

// respondStoreError maps persistence errors onto HTTP statuses. Illegal
// state transitions become 409s carrying the attempted edge; missing
// rows become 404s; anything else is a logged 500.
func respondStoreError(w http.ResponseWriter, err error, notFoundDetail string) {
	var conflict *billing.ConflictError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "%s", notFoundDetail)
	case errors.As(err, &conflict):
		writeDetail(w, http.StatusConflict, "Cannot transition %s from %s to %s", conflict.Entity, conflict.From, conflict.To)
	default:
		internalError(w, err)
	}
}

// internalError logs the cause and answers with a generic 500. The
// real error never leaks to the caller.
func internalError(w http.ResponseWriter, err error) {
	logger.Printf("ERROR: %v", err)
	writeDetail(w, http.StatusInternalServerError, "Internal server error")
}
