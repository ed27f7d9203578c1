// Package auth guards the local control server with a static API key.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix marks control API keys so they are recognisable in logs
// and config files.
const APIKeyPrefix = "cs_"

// GenerateAPIKey returns a new random API key and its bcrypt hash.
func GenerateAPIKey() (key, hash string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating key: %w", err)
	}

	key = APIKeyPrefix + hex.EncodeToString(b)

	h, err := HashAPIKey(key)
	if err != nil {
		return "", "", err
	}

	return key, h, nil
}

// HashAPIKey returns the bcrypt hash stored in CONTROL_API_KEY_HASH.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}

	return string(h), nil
}

// Middleware returns HTTP middleware that accepts only requests carrying
// a Bearer key matching hash. Rejected requests get a 401.
func Middleware(hash string, logger *slog.Logger) func(http.Handler) http.Handler {
	const wwwAuth = `Bearer realm="coach-sync"`

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuth)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			key := strings.TrimPrefix(authHeader, "Bearer ")

			if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="coach-sync", error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
