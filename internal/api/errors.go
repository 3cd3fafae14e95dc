package api

import (
	"net/http"

	"github.com/soaringjerry/Fieldform/internal/middleware"
	"github.com/soaringjerry/Fieldform/internal/services"
	"github.com/soaringjerry/Fieldform/internal/utils"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Retry   bool   `json:"retry,omitempty"`
}

func statusFor(code services.ErrorCode) int {
	switch code {
	case services.ErrorInvalid:
		return http.StatusBadRequest
	case services.ErrorNotFound:
		return http.StatusNotFound
	case services.ErrorConflict, services.ErrorAlreadyCompleted, services.ErrorIllegalTransition:
		return http.StatusConflict
	case services.ErrorTransient:
		return http.StatusServiceUnavailable
	case services.ErrorMalformed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err once and answers with a localized participant message.
// Store details never reach the client.
func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error, sessionID string) {
	locale := middleware.LocaleFromContext(r.Context())
	code := "internal"
	status := http.StatusInternalServerError
	if se, ok := services.AsServiceError(err); ok {
		code = string(se.Code)
		status = statusFor(se.Code)
	}
	if code == string(services.ErrorStorage) {
		code = "internal"
	}

	attrs := []any{"status", status, "code", code, "session_id", sessionID, "path", r.URL.Path, "error", err}
	switch {
	case status >= 500:
		rt.logger.Error("request failed", attrs...)
	case status == http.StatusUnprocessableEntity:
		rt.logger.Warn("request failed", attrs...)
	default:
		rt.logger.Debug("request rejected", attrs...)
	}

	body := errorBody{Error: code, Message: utils.T(locale, "error."+code)}
	if status == http.StatusServiceUnavailable {
		body.Retry = true
		w.Header().Set("Retry-After", "2")
	}
	writeJSON(w, status, body)
}
