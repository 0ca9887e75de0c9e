package auth

import (
	"net/http"
	"strings"
)

// RequireAdmin rejects requests without a valid admin bearer token.
func RequireAdmin(service *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Authentication required", "UNAUTHORIZED")
				return
			}

			claims, err := service.ValidateToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid or expired token", "INVALID_TOKEN")
				return
			}
			if !claims.IsAdmin() {
				writeError(w, http.StatusForbidden, "Admin role required", "FORBIDDEN")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `","code":"` + code + `"}`))
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
