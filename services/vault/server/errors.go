package server

import (
	"errors"
	"net/http"

	nativecommon "loopvault/native/common"
	"loopvault/native/vault"
)

// statusFor maps engine error classes to HTTP statuses. Anything the engine
// rejects that is not one of the exported classes is treated as a client
// error; the engine validates input before touching state.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, vault.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, vault.ErrBoundsViolation):
		return http.StatusBadRequest, "bounds"
	case errors.Is(err, vault.ErrTimingViolation):
		return http.StatusConflict, "timing"
	case errors.Is(err, vault.ErrInvalidState):
		return http.StatusConflict, "state"
	case errors.Is(err, vault.ErrEconomicGuard):
		return http.StatusUnprocessableEntity, "economic"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "paused"
	default:
		return http.StatusBadRequest, "rejected"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, class := statusFor(err)
	if s.metrics != nil {
		s.metrics.ObserveRejection(class)
	}
	s.log.Warn("request rejected", "class", class, "error", err.Error())
	writeErrorMessage(w, status, err.Error())
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
