package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kadirpekel/agentrt/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps an error through the taxonomy to an HTTP status. An
// insufficient-credits error carries its structured breakdown in the body
// so callers can show which pool ran dry.
func writeError(w http.ResponseWriter, err error) {
	var ic *apperr.InsufficientCredits
	if errors.As(err, &ic) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient_credits",
			"required":  ic.Required,
			"available": ic.Available,
			"breakdown": ic.Breakdown,
		})
		return
	}

	status := apperr.HTTPStatus(err)
	msg := "internal error"
	var ae *apperr.Error
	if errors.As(err, &ae) && status < http.StatusInternalServerError {
		msg = ae.Message
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, into any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(into)
}
