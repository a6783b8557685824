package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dispatchdesk/console/internal/gateway"
	"github.com/dispatchdesk/console/internal/middleware"
	"github.com/dispatchdesk/console/pkg/response"
)

const maxProxyBody = 10 << 20

// forwardedHeaders are the request headers passed through to the API.
// Authorization is never forwarded; the gateway sets it.
var forwardedHeaders = []string{"Accept", "Accept-Language", "Content-Type", "If-None-Match"}

// Executor issues authenticated API requests
type Executor interface {
	Execute(ctx context.Context, req *gateway.Request, opts ...gateway.CallOption) (*gateway.Response, error)
}

// ProxyHandler forwards console screen requests to the dispatch API
// through the request gateway
type ProxyHandler struct {
	gw     Executor
	prefix string
	errors errorWriter
	logger *zap.Logger
}

// NewProxyHandler creates a proxy that maps /resources/<rest> onto
// <prefix><rest> upstream
func NewProxyHandler(gw Executor, prefix, loginRedirect string, logger *zap.Logger) *ProxyHandler {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ProxyHandler{
		gw:     gw,
		prefix: prefix,
		errors: errorWriter{loginRedirect: loginRedirect, logger: logger},
		logger: logger,
	}
}

// Forward relays the request and copies back status, content type and body
func (h *ProxyHandler) Forward(w http.ResponseWriter, r *http.Request) {
	upstream, ok := h.upstreamPath(chi.URLParam(r, "*"))
	if !ok {
		response.BadRequest(w, "invalid resource path")
		return
	}
	middleware.SetUpstream(r.Context(), upstream)

	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.RequestTooLarge(w, "request body too large")
				return
			}
			response.BadRequest(w, "unreadable request body")
			return
		}
		if len(data) > 0 {
			body = data
		}
	}

	req := &gateway.Request{
		Method: r.Method,
		Path:   upstream,
		Query:  r.URL.Query(),
		Header: http.Header{},
		Body:   body,
	}
	for _, key := range forwardedHeaders {
		if v := r.Header.Get(key); v != "" {
			req.Header.Set(key, v)
		}
	}

	resp, err := h.gw.Execute(r.Context(), req)
	if err != nil {
		h.errors.write(w, r, "proxy", err)
		return
	}

	for _, key := range []string{"Content-Type", "ETag", "Link"} {
		if v := resp.Header.Get(key); v != "" {
			w.Header().Set(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Debug("proxy response not delivered", zap.Error(err))
	}
}

// upstreamPath confines rest to the configured prefix
func (h *ProxyHandler) upstreamPath(rest string) (string, bool) {
	if rest == "" {
		return "", false
	}
	cleaned := path.Clean(h.prefix + rest)
	if !strings.HasPrefix(cleaned+"/", h.prefix) {
		return "", false
	}
	// keep the trailing slash the API routes rely on
	if strings.HasSuffix(rest, "/") {
		cleaned += "/"
	}
	return cleaned, true
}
