package api

import (
	"errors"
	"net/http"

	"github.com/clearbill/backend/internal/auth"
)

// LoginRequest is the /auth/token payload.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// handleLogin exchanges credentials for a bearer token. Bad password
// and unknown email answer identically so the endpoint cannot be used
// to probe for registered addresses.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.authsvc.Login(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, "Incorrect email or password")
	case errors.Is(err, auth.ErrInactiveAccount):
		writeDetail(w, http.StatusForbidden, "Account is inactive")
	case err != nil:
		internalError(w, err)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}
