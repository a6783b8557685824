package middleware

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// recorder captures what the handler wrote for the access log
type recorder struct {
	http.ResponseWriter
	status   int
	size     int
	wrote    bool
	upgraded bool
}

func (rw *recorder) WriteHeader(code int) {
	if rw.wrote {
		return
	}
	rw.status = code
	rw.wrote = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(b []byte) (int, error) {
	if !rw.wrote {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Hijack lets the UI websocket upgrade pass through
func (rw *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.wrote = true
	rw.upgraded = true
	rw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

type accessKey struct{}

// accessEntry is filled in by inner handlers. Route middleware such as
// SessionRequired runs on derived requests, so context values it sets are
// invisible to the access logger; writing through this shared entry is not.
type accessEntry struct {
	mu       sync.Mutex
	userID   string
	upstream string
}

func entryFrom(ctx context.Context) *accessEntry {
	e, _ := ctx.Value(accessKey{}).(*accessEntry)
	return e
}

// SetUpstream records the dispatch API path a proxied request went to
func SetUpstream(ctx context.Context, path string) {
	if e := entryFrom(ctx); e != nil {
		e.mu.Lock()
		e.upstream = path
		e.mu.Unlock()
	}
}

func setSubject(ctx context.Context, userID string) {
	if e := entryFrom(ctx); e != nil {
		e.mu.Lock()
		e.userID = userID
		e.mu.Unlock()
	}
}

// quietPaths are polled by health checks and scrapers; they log at debug
var quietPaths = []string{"/health", "/metrics"}

// LoggingMiddleware writes one access log line per console API request
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = chimiddleware.GetReqID(r.Context())
			}
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", requestID)

			entry := &accessEntry{}
			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), accessKey{}, entry)))

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Int("size", rec.size),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
				zap.String("request_id", requestID),
			}
			if r.URL.RawQuery != "" {
				fields = append(fields, zap.String("query", r.URL.RawQuery))
			}

			entry.mu.Lock()
			if entry.userID != "" {
				fields = append(fields, zap.String("user_id", entry.userID))
			}
			if entry.upstream != "" {
				fields = append(fields, zap.String("upstream", entry.upstream))
			}
			entry.mu.Unlock()
			if rec.upgraded {
				fields = append(fields, zap.Bool("websocket", true))
			}

			logger.Log(accessLevel(r.URL.Path, rec.status), "http request", fields...)
		})
	}
}

func accessLevel(path string, status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	}
	for _, p := range quietPaths {
		if strings.HasPrefix(path, p) {
			return zapcore.DebugLevel
		}
	}
	return zapcore.InfoLevel
}

// RecoveryMiddleware recovers from panics and logs them
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.String("path", r.URL.Path),
						zap.String("method", r.Method),
					)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
