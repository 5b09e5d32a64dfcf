// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const realm = `Bearer realm="herald"`

// BearerToken returns middleware that accepts a request when its
// Authorization header carries one of tokens. Empty tokens are ignored so a
// rotation slot can be left blank. With no usable token every request is
// rejected.
func BearerToken(logger log.Logger, tokens ...string) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	expected := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			expected = append(expected, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				span.SetAttributes(attribute.String("herald.auth.result", "missing"))
				reject(w, "missing or malformed authorization header")
				return
			}

			if !match(expected, []byte(auth[len("Bearer "):])) {
				span.SetAttributes(attribute.String("herald.auth.result", "invalid"))
				logger.Warn(r.Context(), "rejected api token",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				reject(w, "invalid token")
				return
			}

			span.SetAttributes(attribute.String("herald.auth.result", "ok"))
			next.ServeHTTP(w, r)
		})
	}
}

// match compares got against every token without short-circuiting.
func match(expected [][]byte, got []byte) bool {
	ok := 0
	for _, e := range expected {
		ok |= subtle.ConstantTimeCompare(got, e)
	}
	return ok == 1
}

func reject(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", realm)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
