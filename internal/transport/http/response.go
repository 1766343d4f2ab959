package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"textdetect-service/internal/logger"
	"textdetect-service/internal/service"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

// writeServiceErr maps service errors to status codes. Anything unexpected is
// logged and reported as 500 without details.
func writeServiceErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrForbidden):
		writeErr(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, service.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not found")
	default:
		logger.WithRequestID(middleware.GetReqID(r.Context())).Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}
