package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authMiddleware validates every request's Authorization: Bearer <token>
// header as a JWT signed with an HMAC method (HS256, HS384 or HS512) and the
// configured operator secret. There is exactly one operator and no
// session/login flow - the operator mints their own token offline (e.g.
// with any HS256 JWT tool) against the shared
// secret in APIConfig.OperatorToken.
func authMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token: %v", err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
