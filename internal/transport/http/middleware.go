package httptransport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"textdetect-service/internal/logger"
	"textdetect-service/internal/service"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier resolves a bearer token to a caller identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (service.Identity, error)
}

// StaticTokens is a fixed token table, loaded from API_TOKENS.
type StaticTokens map[string]service.Identity

func (t StaticTokens) Verify(ctx context.Context, token string) (service.Identity, error) {
	id, ok := t[token]
	if !ok {
		return service.Identity{}, ErrInvalidToken
	}
	return id, nil
}

type ctxKey int

const identityKey ctxKey = 0

func withIdentity(ctx context.Context, id service.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the caller set by BearerAuth.
func IdentityFrom(ctx context.Context) (service.Identity, bool) {
	id, ok := ctx.Value(identityKey).(service.Identity)
	return id, ok
}

func BearerAuth(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			token = strings.TrimSpace(token)
			if !ok || token == "" {
				writeErr(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			id, err := v.Verify(r.Context(), token)
			if err != nil {
				writeErr(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin rejects callers without the admin flag. It must run after BearerAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok || !id.Admin {
			writeErr(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()

		// set by middleware.RequestID
		reqID := middleware.GetReqID(r.Context())

		next.ServeHTTP(sw, r)

		logger.WithRequestID(reqID).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Int("bytes", sw.bytes).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http request")
	})
}
