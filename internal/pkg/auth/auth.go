package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

//Tokens issues and validates the bearer tokens that guard the API surface.
//The core treats requests as pre authenticated, this is the thin outer layer
//that makes that assumption hold.
type Tokens struct {
	secret   []byte
	lifetime time.Duration
}

//New creates a token issuer with the given signing secret and token lifetime
func New(secret string, lifetime time.Duration) *Tokens {
	return &Tokens{
		secret:   []byte(secret),
		lifetime: lifetime,
	}
}

//IssueToken creates a signed token for the given subject
func (t *Tokens) IssueToken(subject string) (string, error) {
	now := time.Now()
	claims := &jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.lifetime)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

//ValidateToken parses and verifies a token string and returns its claims
func (t *Tokens) ValidateToken(tokenString string) (*jwt.RegisteredClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

//Middleware rejects any request that does not carry a valid bearer token
func (t *Tokens) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")

		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			unauthorized(w, "authentication required")
			return
		}

		if _, err := t.ValidateToken(strings.TrimPrefix(header, prefix)); err != nil {
			unauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
