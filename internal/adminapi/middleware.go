package adminapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"go.lakestream.dev/cdc/internal/common/metrics"
)

type contextKey string

const contextKeySubject contextKey = "subject"

var (
	errMissingToken = errors.New("adminapi: missing bearer token")
	errInvalidToken = errors.New("adminapi: invalid or expired token")
)

// authMiddleware verifies an HS256 bearer token issued out-of-band (by
// whatever system provisions operator credentials) and rejects anything
// else. It carries no notion of roles or sessions: every valid token
// grants full access to the admin surface, matching the operator-only
// scope of this API.
func authMiddleware(secret []byte, issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", errMissingToken.Error())
				return
			}

			claims := jwt.MapClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errInvalidToken
				}
				return secret, nil
			})
			if err != nil || !parsed.Valid {
				slog.Debug("admin api token validation failed", "error", err)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", errInvalidToken.Error())
				return
			}

			if iss, ok := claims["iss"].(string); !ok || iss != issuer {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", errInvalidToken.Error())
				return
			}

			sub, _ := claims["sub"].(string)
			ctx := context.WithValue(r.Context(), contextKeySubject, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// metricsMiddleware records request count and latency per chi route
// pattern, not the raw URL, so path parameters don't blow up cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rw.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + code + `","message":"` + message + `"}`))
}
