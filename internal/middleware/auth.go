// Package middleware provides HTTP middleware for the settlement layer.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/boxhunt/settlement_layer/pkg/logger"
)

type contextKey string

// OperatorKey carries the authenticated operator identity.
const OperatorKey contextKey = "operator"

// Claims are the operator JWT claims.
type Claims struct {
	Operator string `json:"operator"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Auth authenticates requests with either a static bearer token or an
// HMAC-signed operator JWT.
type Auth struct {
	secret  []byte
	tokens  map[string]bool
	protect []string
	log     *logger.Logger
}

// NewAuth creates the middleware. tokens are static service credentials;
// secret signs operator JWTs. Only requests matching a protect pattern
// require credentials; a "*" segment matches any single path segment. An
// empty protect list guards every route.
func NewAuth(secret string, tokens []string, protect []string, log *logger.Logger) *Auth {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	tok := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if t != "" {
			tok[t] = true
		}
	}
	return &Auth{secret: []byte(secret), tokens: tok, protect: protect, log: log}
}

// Handler returns the middleware handler.
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.protects(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			unauthorized(w, "missing Authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(w, "invalid Authorization header format")
			return
		}
		credential := parts[1]

		if a.tokens[credential] {
			ctx := context.WithValue(r.Context(), OperatorKey, "service")
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		claims, err := a.validateToken(credential)
		if err != nil {
			a.log.WithError(err).Warn("token validation failed")
			unauthorized(w, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), OperatorKey, claims.Operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) protects(path string) bool {
	if len(a.protect) == 0 {
		return true
	}
	for _, pattern := range a.protect {
		if pathMatch(pattern, path) {
			return true
		}
	}
	return false
}

func pathMatch(pattern, path string) bool {
	pp := strings.Split(pattern, "/")
	ps := strings.Split(path, "/")
	if len(pp) != len(ps) {
		return false
	}
	for i := range pp {
		if pp[i] != "*" && pp[i] != ps[i] {
			return false
		}
	}
	return true
}

func (a *Auth) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Operator == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Operator returns the authenticated operator from the request context.
func Operator(ctx context.Context) string {
	if v, ok := ctx.Value(OperatorKey).(string); ok {
		return v
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "error": msg})
}
