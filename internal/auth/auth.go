// Package auth guards the HTTP API with bearer tokens: static API tokens for
// service-to-service callers and HS256 JWTs minted by cmd/tokengen.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type Config struct {
	// Tokens are accepted verbatim.
	Tokens []string
	// JWTSecret enables HS256 JWT verification when non-empty.
	JWTSecret string
	// Issuer, when set, must match the JWT iss claim.
	Issuer string
}

type Verifier struct {
	tokens [][]byte
	secret []byte
	issuer string
}

func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{issuer: cfg.Issuer}
	for _, t := range cfg.Tokens {
		if t = strings.TrimSpace(t); t != "" {
			v.tokens = append(v.tokens, []byte(t))
		}
	}
	if cfg.JWTSecret != "" {
		v.secret = []byte(cfg.JWTSecret)
	}
	if len(v.tokens) == 0 && len(v.secret) == 0 {
		return nil, fmt.Errorf("auth: at least one API token or a JWT secret is required")
	}
	return v, nil
}

// Verify accepts a static token or a valid HS256 JWT.
func (v *Verifier) Verify(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	for _, t := range v.tokens {
		if subtle.ConstantTimeCompare(t, []byte(token)) == 1 {
			return nil
		}
	}
	if len(v.secret) == 0 {
		return ErrInvalidToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Middleware rejects requests without an acceptable bearer token with 401.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(bearer(r)); err != nil {
			log.Printf("[auth] %s %s rejected: %v", r.Method, r.URL.Path, err)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="experiment-engine"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "invalid or missing API token",
				"code":  "EXPERIMENT_ENGINE_AUTH",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Mint signs an HS256 token for subject valid for ttl.
func Mint(secret, issuer, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
