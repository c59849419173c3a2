package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/wcastil/AIStreamSocket/internal/domain"
)

// AdminGuard enforces HTTP Basic auth against the configured admin
// credentials. The stored password is a bcrypt hash.
func (s *Server) AdminGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(s.Cfg.AdminUsername)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(s.Cfg.AdminPasswordHash), []byte(pass)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionOverrideHandler rebinds one session id onto another. Debug aid for
// joining a live interview from a second client; an empty to_session clears
// the override.
func (s *Server) SessionOverrideHandler() http.HandlerFunc {
	type request struct {
		FromSession string `json:"from_session" validate:"required,max=100"`
		ToSession   string `json:"to_session" validate:"omitempty,max=100"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), nil)
			return
		}
		s.Interview.SetSessionOverride(req.FromSession, req.ToSession)
		status := "override_set"
		if req.ToSession == "" {
			status = "override_cleared"
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}
