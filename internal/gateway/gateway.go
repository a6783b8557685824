// Package gateway wraps every call to the dispatch API. It injects the
// bearer credential and transparently renews an expired access token,
// replaying the original call once.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dispatchdesk/console/internal/credential"
	"github.com/dispatchdesk/console/internal/metrics"
)

const (
	DefaultTimeout = 30 * time.Second

	// expiryLeeway treats tokens this close to expiry as expired
	expiryLeeway = 10 * time.Second
)

// Request is a replayable API request. Body is buffered so the request can
// be issued a second time after renewal.
type Request struct {
	Method string
	// Path is relative to the gateway base URL, or an absolute URL on the
	// same scheme and host
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// NewJSONRequest builds a request whose body is body encoded as JSON
func NewJSONRequest(method, path string, body interface{}) (*Request, error) {
	req := &Request{Method: method, Path: path, Header: http.Header{}}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		req.Body = data
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Response is a fully read API response
type Response struct {
	Method     string
	Path       string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Err returns a *ServerRejectedError for non-2xx responses
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	return newServerRejected(r.Method, r.Path, r.StatusCode, r.Body)
}

// Decode unmarshals the JSON body into out. Empty bodies decode to nothing.
func (r *Response) Decode(out interface{}) error {
	if out == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("unmarshaling response from %s %s: %w", r.Method, r.Path, err)
	}
	return nil
}

// CallOption adjusts a single Execute call
type CallOption func(*callOptions)

type callOptions struct {
	anonymous bool
	noRenewal bool
}

// Anonymous sends the request without a credential and never renews
func Anonymous() CallOption {
	return func(o *callOptions) { o.anonymous = true }
}

// WithoutRenewal returns a 401 as-is instead of renewing
func WithoutRenewal() CallOption {
	return func(o *callOptions) { o.noRenewal = true }
}

// Option configures a Gateway
type Option func(*Gateway)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(g *Gateway) { g.httpClient = hc }
}

// WithClock overrides the time source used for token expiry checks
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway issues authenticated API requests
type Gateway struct {
	baseURL     string
	refreshPath string
	timeout     time.Duration
	httpClient  *http.Client
	creds       *credential.Store
	logger      *zap.Logger
	now         func() time.Time

	renewals singleflight.Group

	mu            sync.Mutex
	epoch         uint64
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	onExpired     []func(error)
}

// New creates a gateway for the API at baseURL
func New(baseURL, refreshPath string, creds *credential.Store, logger *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL:     strings.TrimRight(baseURL, "/"),
		refreshPath: refreshPath,
		timeout:     DefaultTimeout,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		creds:       creds,
		logger:      logger,
		now:         time.Now,
	}
	g.sessionCtx, g.sessionCancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(g)
	}
	if g.httpClient.Timeout > 0 {
		g.timeout = g.httpClient.Timeout
	}
	return g
}

// BaseURL returns the API root the gateway resolves relative paths against
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// OnSessionExpired registers fn to run after a failed renewal has cleared
// the credentials. Handlers run synchronously and must not issue gateway
// calls of their own.
func (g *Gateway) OnSessionExpired(fn func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onExpired = append(g.onExpired, fn)
}

// Execute issues req. A 401 with a refresh token available triggers one
// renewal and one replay; every other response, including a second 401,
// is returned to the caller as-is.
func (g *Gateway) Execute(ctx context.Context, req *Request, opts ...CallOption) (*Response, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	token := ""
	if !o.anonymous {
		token = g.creds.Get().AccessToken
	}

	resp, err := g.send(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || o.anonymous || o.noRenewal {
		return resp, nil
	}
	if !g.creds.Get().HasRefresh() {
		return resp, nil
	}

	fresh, err := g.renew(ctx, token)
	if err != nil {
		return nil, err
	}

	metrics.GatewayReplays.Inc()
	g.logger.Debug("replaying request after renewal",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
	)
	return g.send(ctx, req, fresh)
}

// Do executes req and decodes a 2xx JSON body into out. Non-2xx responses
// become a *ServerRejectedError.
func (g *Gateway) Do(ctx context.Context, req *Request, out interface{}, opts ...CallOption) error {
	resp, err := g.Execute(ctx, req, opts...)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	return resp.Decode(out)
}

// send performs a single HTTP round trip
func (g *Gateway) send(ctx context.Context, req *Request, token string) (*Response, error) {
	target, err := g.resolve(req)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		metrics.GatewayConnectivityErrors.Inc()
		g.logger.Warn("upstream request failed",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Error(err),
		)
		return nil, &ConnectivityError{Method: req.Method, URL: target, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		metrics.GatewayConnectivityErrors.Inc()
		return nil, &ConnectivityError{Method: req.Method, URL: target, Err: err}
	}

	duration := time.Since(start)
	metrics.RecordGatewayRequest(req.Method, httpResp.StatusCode, duration)
	g.logger.Debug("upstream request",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", httpResp.StatusCode),
		zap.Duration("duration", duration),
	)

	return &Response{
		Method:     req.Method,
		Path:       req.Path,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func (g *Gateway) resolve(req *Request) (string, error) {
	raw := req.Path
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = g.baseURL + "/" + strings.TrimLeft(raw, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request path %q: %w", req.Path, err)
	}
	// absolute links (pagination "next") must stay on the API origin
	base, err := url.Parse(g.baseURL)
	if err == nil && (!strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host)) {
		return "", fmt.Errorf("%w: %s", ErrForeignOrigin, u.Redacted())
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for key, values := range req.Query {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
