package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/covenlabs/conclave/internal/fault"
)

// envelope is the uniform response body: a code mirroring the HTTP
// status, a human-readable message and the payload.
type envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func respond(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Code: status, Message: http.StatusText(status), Data: data})
}

// respondError maps the error's fault kind onto a status code. Untyped
// errors are persistence failures and deliberately reach the client
// without their internals.
func respondError(w http.ResponseWriter, err error) {
	status := statusFor(fault.KindOf(err))
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, envelope{Code: status, Message: msg})
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindPermission:
		return http.StatusForbidden
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindPrecondition, fault.KindDeadline:
		return http.StatusConflict
	case fault.KindAnomaly:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
