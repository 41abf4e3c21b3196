package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/capitalize-ai/concord/internal/model"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeErr maps a domain error to its HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case model.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, model.ErrUnknownChannel):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// outcomeStatus is the HTTP status for an event outcome.
func outcomeStatus(o model.EventOutcome) int {
	switch o.Status {
	case model.OutcomeCompleted:
		return http.StatusOK
	case model.OutcomeFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusAccepted
	}
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &model.ValidationError{Reason: "request body is empty"}
	}
	return data, nil
}
