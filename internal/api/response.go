package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"InboxScheduler/internal/db"
	"InboxScheduler/internal/lifecycle"
	"InboxScheduler/internal/queue"
	"InboxScheduler/internal/scheduler"
)

const maxRequestBodySize = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

// decodeJSON reads exactly one JSON object into dst, rejecting unknown fields
// and bodies over 1 MB.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("malformed request body: %w", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// classify maps domain errors onto an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, scheduler.ErrInvalidJob):
		return http.StatusBadRequest, "invalid_job"
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lifecycle.ErrNotClaimable):
		return http.StatusConflict, "not_pending"
	case errors.Is(err, db.ErrDuplicateKey):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, db.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, queue.ErrUnavailable):
		return http.StatusServiceUnavailable, "queue_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
