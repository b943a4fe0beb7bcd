package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/me/graderun/pkg/model"
)

// bearerToken extracts the bearer token from the Authorization header, or ""
// if none is present.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// callbackAuthMiddleware authenticates the external executor's callback
// requests with a static bearer token. With no token configured the callback
// surface is open; deployments are expected to configure one.
func callbackAuthMiddleware(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !tokenMatches(bearerToken(r), token) {
				logger.Warn("rejected callback request", "path", r.URL.Path)
				respondError(w, RequestIDFromContext(r.Context()), http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "invalid callback token",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isStaffRequest reports whether the request carries the configured staff
// token. With no staff token configured every caller is treated as staff;
// that mode exists for development only.
func (s *Server) isStaffRequest(r *http.Request) bool {
	if s.config.StaffToken == "" {
		return true
	}
	return s.hasStaffToken(r)
}

// hasStaffToken reports whether the request explicitly presents the staff
// token. Unlike isStaffRequest it never treats an unconfigured token as
// staff, so quota bypass requires a real credential.
func (s *Server) hasStaffToken(r *http.Request) bool {
	return s.config.StaffToken != "" && tokenMatches(bearerToken(r), s.config.StaffToken)
}

// staffOnly guards administrative endpoints with the staff token.
func (s *Server) staffOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isStaffRequest(r) {
			respondError(w, RequestIDFromContext(r.Context()), http.StatusUnauthorized, &model.APIError{
				Code:    model.ErrUnauthorized,
				Message: "staff authentication required",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
