package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/ratelimit"
	stg "github.com/aibtcdev/x402-sponsor-relay-sub001/storage"
)

// DisabledLogging is a global flag to disable the logging middleware.
var DisabledLogging = false

// jsonRegex matches common JSON starting patterns.
var jsonRegex = regexp.MustCompile(`^\s*[\[{]`)

// shouldSkipLogging checks if the request should be skipped from logging.
func shouldSkipLogging(r *http.Request) bool {
	if log.Level() != log.LogLevelDebug || DisabledLogging {
		return true
	}
	for _, prefix := range LogExcludedPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.statusCode == 0 {
		rw.statusCode = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	return rw.ResponseWriter.Write(b)
}

// loggingMiddleware provides request/response logging for debugging.
func loggingMiddleware(maxBodyLog int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if shouldSkipLogging(r) {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			var bodyPreview string
			if r.Body != nil {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
				if err == nil {
					r.Body = io.NopCloser(bytes.NewReader(body))
					preview := body
					if len(preview) > maxBodyLog {
						preview = preview[:maxBodyLog]
					}
					if jsonRegex.Match(preview) {
						bodyPreview = string(preview)
					}
				}
			}
			rw := &responseWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r)
			log.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"duration", time.Since(start).String(),
				"body", bodyPreview,
			)
		})
	}
}

type apiKeyContextKey struct{}

// apiKeyFromContext returns the authenticated key record, when present.
func apiKeyFromContext(ctx context.Context) *stg.APIKeyRecord {
	rec, _ := ctx.Value(apiKeyContextKey{}).(*stg.APIKeyRecord)
	return rec
}

// withAPIKey gates a handler behind the hashed key store: the key must
// exist and be enabled, stay under its tier's per-minute window, and pass
// the daily request and fee-budget quotas.
func (a *API) withAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			ErrAuthFailure.Write(w, "missing API key", 0)
			return
		}
		rec, err := a.storage.APIKey(key)
		if err != nil {
			ErrAuthFailure.Write(w, "unknown or revoked API key", 0)
			return
		}
		if ok, wait := a.keyWindow(rec).Allow(rec.KeyHash); !ok {
			ErrRateLimitExceeded.Write(w, "per-minute key quota", int(wait.Seconds())+1)
			return
		}
		if err := a.storage.AuthorizeAPIKeyRequest(rec); err != nil {
			ErrRateLimitExceeded.Write(w, err.Error(), 0)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), apiKeyContextKey{}, rec)))
	}
}

// keyWindow returns the per-minute window for the key's tier.
func (a *API) keyWindow(rec *stg.APIKeyRecord) *ratelimit.Window {
	a.keyWindowsMu.Lock()
	defer a.keyWindowsMu.Unlock()
	win, ok := a.keyWindows[rec.Tier.Name]
	if !ok {
		limit := rec.Tier.RequestsPerMinute
		if limit <= 0 {
			limit = 60
		}
		win = ratelimit.NewWindow(limit, time.Minute)
		a.keyWindows[rec.Tier.Name] = win
	}
	return win
}
