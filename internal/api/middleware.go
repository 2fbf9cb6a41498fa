package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feedbackloop/insight/internal/log"
)

// Identity headers. Authentication happens upstream (gateway or proxy);
// these headers carry the already-verified tenant and user.
const (
	headerOrgID     = "X-Org-ID"
	headerUserID    = "X-User-ID"
	headerRequestID = "X-Request-ID"
)

type ctxKey int

const (
	ctxKeyIdentity ctxKey = iota
	ctxKeyRequestID
)

// identity is the caller scope extracted from request headers.
type identity struct {
	OrgID  string
	UserID string
}

func identityFromContext(ctx context.Context) (identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(identity)
	return id, ok
}

func requestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID).(string)
	return id, ok
}

// responseRecorder captures the status and byte count a handler writes.
// It forwards Flush so SSE streaming keeps working through the wrapper,
// and Unwrap so http.ResponseController can reach the real writer.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *responseRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.written += int64(n)
	return n, err
}

func (rec *responseRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *responseRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// recoveryMiddleware turns handler panics into 500 responses. Once the
// handler has written headers the error body is suppressed; an SSE
// stream that already started cannot carry a JSON error.
func recoveryMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &responseRecorder{ResponseWriter: w}

			defer func() {
				v := recover()
				if v == nil {
					return
				}
				sent := rec.status != 0
				logger.Error("panic recovered",
					"error", v,
					"path", r.URL.Path,
					"headers_sent", sent,
				)
				if sent {
					logger.Warn("cannot send error response, headers already sent",
						"path", r.URL.Path,
						"status", rec.status,
					)
					return
				}
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", logger)
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

// requestIDMiddleware tags every request with an id and echoes it back in
// the response. An incoming X-Request-ID is kept when it is plausibly a
// trace id, so correlation survives across services; oversized values are
// replaced rather than propagated.
func requestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(headerRequestID)
			if id == "" || len(id) > 64 {
				id = uuid.New().String()
			}
			w.Header().Set(headerRequestID, id)

			ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// loggingMiddleware emits one debug line per request with latency, status
// and response size. When the recovery middleware already wrapped the
// writer, its recorder is reused instead of wrapping twice.
func loggingMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec, ok := w.(*responseRecorder)
			if !ok {
				rec = &responseRecorder{ResponseWriter: w}
			}

			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			requestID, _ := requestIDFromContext(r.Context())
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", rec.written,
				"duration", time.Since(start),
				"request_id", requestID,
				"ip", r.RemoteAddr,
			)
		})
	}
}

// corsMiddleware answers preflight requests and sets CORS headers for
// origins on the allow list. Unknown origins get no CORS headers at all.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := w.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Content-Type, X-Org-ID, X-User-ID, X-Request-ID")
					h.Set("Access-Control-Max-Age", "3600")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// identityMiddleware extracts the tenant and user headers and rejects
// requests missing either. Every route behind it can assume a fully
// scoped caller.
func identityMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity{
				OrgID:  strings.TrimSpace(r.Header.Get(headerOrgID)),
				UserID: strings.TrimSpace(r.Header.Get(headerUserID)),
			}
			if id.OrgID == "" || id.UserID == "" {
				writeError(w, http.StatusUnauthorized, "identity_required",
					"X-Org-ID and X-User-ID headers are required", logger)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyIdentity, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// setSecurityHeaders applies the baseline security headers for API responses.
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy", "default-src 'none'")
}
