package gateway

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// adminClaims is the expected admin token shape: standard registered claims
// plus a role that must be "admin".
type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// authenticator verifies HS256 admin tokens; a verified admin is mapped to
// the registry owner token.
type authenticator struct {
	secret []byte
	issuer string
}

func newAuthenticator(secret, issuer string) *authenticator {
	return &authenticator{secret: []byte(secret), issuer: issuer}
}

// verify parses and validates the Authorization header's bearer token.
func (a *authenticator) verify(r *http.Request) error {
	if len(a.secret) == 0 {
		return jwt.ErrTokenUnverifiable
	}
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return jwt.ErrTokenMalformed
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims adminClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return err
	}
	if !token.Valid || claims.Role != "admin" {
		return jwt.ErrTokenInvalidClaims
	}
	return nil
}

// requireAdmin wraps admin handlers.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.verify(r); err != nil {
			writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", "admin token required")
			return
		}
		next(w, r)
	}
}
