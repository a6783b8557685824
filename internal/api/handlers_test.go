package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/dispatchdesk/console/internal/channel"
	"github.com/dispatchdesk/console/internal/domain"
	"github.com/dispatchdesk/console/internal/gateway"
)

const testRedirect = "/login"

type fakeSessions struct {
	mu       sync.Mutex
	status   domain.SessionStatus
	loginErr error
	resyncs  []string
	logouts  int
}

func (f *fakeSessions) Login(ctx context.Context, email, password string) (*domain.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	f.status.Authenticated = true
	f.status.Email = email
	s := f.status
	return &s, nil
}

func (f *fakeSessions) Logout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	f.status.Authenticated = false
	return nil
}

func (f *fakeSessions) Status() *domain.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.status
	return &s
}

func (f *fakeSessions) Resync(ctx context.Context, trigger string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resyncs = append(f.resyncs, trigger)
	return nil
}

type fakeRepo struct {
	mu        sync.Mutex
	markErr   error
	deleteErr error
	deleted   []int64
	marked    []int64
}

func (r *fakeRepo) GetNotifications(ctx context.Context) ([]domain.Notification, error) {
	return nil, nil
}

func (r *fakeRepo) MarkNotificationRead(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marked = append(r.marked, id)
	return r.markErr
}

func (r *fakeRepo) MarkAllNotificationsRead(ctx context.Context) error { return nil }

func (r *fakeRepo) DeleteNotification(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	r.deleted = append(r.deleted, id)
	return nil
}

type fakeExecutor struct {
	req  *gateway.Request
	resp *gateway.Response
	err  error
}

func (f *fakeExecutor) Execute(ctx context.Context, req *gateway.Request, opts ...gateway.CallOption) (*gateway.Response, error) {
	f.req = req
	return f.resp, f.err
}

type apiFixture struct {
	sessions *fakeSessions
	repo     *fakeRepo
	store    *domain.NotificationStore
	exec     *fakeExecutor
	handler  http.Handler
}

func int64p(v int64) *int64 { return &v }

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	f := &apiFixture{
		sessions: &fakeSessions{status: domain.SessionStatus{Authenticated: true, Connection: channel.Connected}},
		repo:     &fakeRepo{},
		store:    domain.NewNotificationStore(domain.VisibilityPolicy{}),
		exec:     &fakeExecutor{},
	}
	service := domain.NewNotificationService(f.repo, f.store, logger)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.store.LoadInitial([]domain.Notification{
		{ID: int64p(1), Title: "Assigned", Message: "Request 12 assigned", Type: domain.NotificationRequestAssigned, CreatedAt: base},
		{ID: int64p(2), Title: "Paid", Message: "Payment received", Type: domain.NotificationPaymentReceived, IsRead: true, CreatedAt: base.Add(time.Minute)},
	})
	if _, err := f.store.IngestPush(domain.Notification{Title: "Heads up", Message: "Maintenance tonight", Type: domain.NotificationSystem, CreatedAt: base.Add(2 * time.Minute)}); err != nil {
		t.Fatalf("IngestPush: %v", err)
	}

	rt := NewRouter(
		NewSessionHandler(f.sessions, testRedirect, logger),
		NewNotificationHandler(service, testRedirect, logger),
		NewProxyHandler(f.exec, "/api/", testRedirect, logger),
		NewHealthHandler(f.sessions, "test"),
		NewWebSocketManager([]string{"http://localhost:3000"}, logger),
		f.sessions,
		[]string{"http://localhost:3000"},
		logger,
	)
	f.handler = rt.Setup()
	return f
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code     string `json:"code"`
		Message  string `json:"message"`
		Redirect string `json:"redirect"`
	} `json:"error"`
}

func (f *apiFixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, target, err)
		}
	}
	return rec, env
}

func TestSessionLogin(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		loginErr   error
		wantStatus int
	}{
		{"valid", `{"email":" Dispatcher@Example.com ","password":"secret"}`, nil, http.StatusOK},
		{"malformed body", `{`, nil, http.StatusBadRequest},
		{"bad email", `{"email":"nope","password":"secret"}`, nil, http.StatusBadRequest},
		{"missing password", `{"email":"d@example.com"}`, nil, http.StatusBadRequest},
		{"rejected", `{"email":"d@example.com","password":"wrong"}`, domain.ErrInvalidCredentials, http.StatusUnauthorized},
		{"api down", `{"email":"d@example.com","password":"secret"}`, &gateway.ConnectivityError{Method: "POST", URL: "x", Err: errors.New("refused")}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.sessions.status.Authenticated = false
			f.sessions.loginErr = tt.loginErr

			rec, env := f.do(t, http.MethodPost, "/api/v1/session", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusOK && f.sessions.Status().Email != "dispatcher@example.com" {
				t.Errorf("email = %q, want sanitized address", f.sessions.Status().Email)
			}
			if tt.wantStatus != http.StatusOK && (env.Success || env.Error == nil) {
				t.Errorf("error envelope = %+v", env)
			}
		})
	}
}

func TestSessionLogoutAndStatus(t *testing.T) {
	f := newAPIFixture(t)

	rec, _ := f.do(t, http.MethodDelete, "/api/v1/session", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d", rec.Code)
	}
	if f.sessions.logouts != 1 {
		t.Errorf("logouts = %d, want 1", f.sessions.logouts)
	}

	rec, env := f.do(t, http.MethodGet, "/api/v1/session", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var status domain.SessionStatus
	if err := json.Unmarshal(env.Data, &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.Authenticated {
		t.Error("still authenticated after logout")
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	f := newAPIFixture(t)
	f.sessions.status.Authenticated = false

	for _, target := range []string{"/api/v1/notifications", "/api/v1/resources/requests/", "/api/v1/notifications/unread-count"} {
		rec, _ := f.do(t, http.MethodGet, target, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", target, rec.Code)
		}
	}
	rec, _ := f.do(t, http.MethodPost, "/api/v1/session/resync", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("resync = %d, want 401", rec.Code)
	}
}

func TestGetNotifications(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		query     string
		wantCount int
		wantFirst string
	}{
		{"", 3, "Heads up"},
		{"?filter=all", 3, "Heads up"},
		{"?filter=unread", 2, "Heads up"},
	}
	for _, tt := range tests {
		rec, env := f.do(t, http.MethodGet, "/api/v1/notifications"+tt.query, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %q = %d", tt.query, rec.Code)
		}
		var feed FeedResponse
		if err := json.Unmarshal(env.Data, &feed); err != nil {
			t.Fatalf("decoding feed: %v", err)
		}
		if len(feed.Items) != tt.wantCount {
			t.Errorf("%q: %d items, want %d", tt.query, len(feed.Items), tt.wantCount)
			continue
		}
		if feed.Items[0].Title != tt.wantFirst {
			t.Errorf("%q: first = %q, want %q", tt.query, feed.Items[0].Title, tt.wantFirst)
		}
		if feed.Unread != 2 {
			t.Errorf("%q: unread = %d, want 2", tt.query, feed.Unread)
		}
		if !strings.HasPrefix(feed.Items[0].Key, "anon-") {
			t.Errorf("push-only key = %q", feed.Items[0].Key)
		}
	}

	rec, _ := f.do(t, http.MethodGet, "/api/v1/notifications?filter=starred", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown filter = %d, want 400", rec.Code)
	}
}

func TestMarkReadByKey(t *testing.T) {
	f := newAPIFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/notifications/1/read", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("mark read = %d (%s)", rec.Code, rec.Body.String())
	}
	if len(f.repo.marked) != 1 || f.repo.marked[0] != 1 {
		t.Errorf("server calls = %v, want [1]", f.repo.marked)
	}

	anonKey := domain.Anonymous("Heads up", "Maintenance tonight").Key()
	rec, _ = f.do(t, http.MethodPost, "/api/v1/notifications/"+anonKey+"/read", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("mark anonymous read = %d (%s)", rec.Code, rec.Body.String())
	}
	if len(f.repo.marked) != 1 {
		t.Errorf("anonymous entry reached the server: %v", f.repo.marked)
	}
	if got := f.store.UnreadCount(); got != 0 {
		t.Errorf("unread = %d, want 0", got)
	}

	rec, _ = f.do(t, http.MethodPost, "/api/v1/notifications/99/read", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id = %d, want 404", rec.Code)
	}
	rec, _ = f.do(t, http.MethodPost, "/api/v1/notifications/bogus/read", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed key = %d, want 400", rec.Code)
	}
}

func TestSessionExpiryMapsToRedirect(t *testing.T) {
	f := newAPIFixture(t)
	f.repo.markErr = &gateway.SessionExpiredError{Cause: errors.New("refresh rejected")}

	rec, env := f.do(t, http.MethodPost, "/api/v1/notifications/1/read", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if env.Error == nil || env.Error.Code != "SESSION_EXPIRED" || env.Error.Redirect != testRedirect {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestDeleteNotifications(t *testing.T) {
	f := newAPIFixture(t)

	rec, _ := f.do(t, http.MethodDelete, "/api/v1/notifications/2", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d (%s)", rec.Code, rec.Body.String())
	}

	anonKey := domain.Anonymous("Heads up", "Maintenance tonight").Key()
	rec, _ = f.do(t, http.MethodPost, "/api/v1/notifications/bulk-delete", `{"keys":["1","`+anonKey+`"]}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("bulk delete = %d (%s)", rec.Code, rec.Body.String())
	}
	if f.store.Len() != 0 {
		t.Errorf("store still holds %d entries", f.store.Len())
	}
	if len(f.repo.deleted) != 2 {
		t.Errorf("server deletes = %v, want [2 1]", f.repo.deleted)
	}

	rec, _ = f.do(t, http.MethodPost, "/api/v1/notifications/bulk-delete", `{"keys":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty bulk delete = %d, want 400", rec.Code)
	}
}

func TestDeleteRejectedKeepsEntry(t *testing.T) {
	f := newAPIFixture(t)
	f.repo.deleteErr = &gateway.ServerRejectedError{StatusCode: http.StatusForbidden, Message: "not yours"}

	rec, env := f.do(t, http.MethodDelete, "/api/v1/notifications/1", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if env.Error == nil || env.Error.Message != "not yours" {
		t.Errorf("error = %+v", env.Error)
	}
	if _, ok := f.store.Get(domain.Identified(1)); !ok {
		t.Error("entry removed despite server rejection")
	}
}

func TestProxyForwards(t *testing.T) {
	f := newAPIFixture(t)
	f.exec.resp = &gateway.Response{
		StatusCode: http.StatusCreated,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"id":12}`),
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/resources/requests/?status=open", strings.NewReader(`{"title":"Leak"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer forged")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated || rec.Body.String() != `{"id":12}` {
		t.Fatalf("response = %d %q", rec.Code, rec.Body.String())
	}
	got := f.exec.req
	if got.Method != http.MethodPost || got.Path != "/api/requests/" {
		t.Errorf("upstream = %s %s", got.Method, got.Path)
	}
	if got.Query.Get("status") != "open" || string(got.Body) != `{"title":"Leak"}` {
		t.Errorf("query = %v body = %q", got.Query, got.Body)
	}
	if got.Header.Get("Authorization") != "" {
		t.Error("caller Authorization header was forwarded")
	}
}

func TestProxyErrors(t *testing.T) {
	f := newAPIFixture(t)

	f.exec.err = &gateway.ConnectivityError{Method: "GET", URL: "http://api", Err: errors.New("refused")}
	rec, _ := f.do(t, http.MethodGet, "/api/v1/resources/requests/", "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("connectivity = %d, want 502", rec.Code)
	}

	f.exec.err = &gateway.SessionExpiredError{}
	rec, env := f.do(t, http.MethodGet, "/api/v1/resources/requests/", "")
	if rec.Code != http.StatusUnauthorized || env.Error == nil || env.Error.Redirect != testRedirect {
		t.Errorf("expired = %d %+v", rec.Code, env.Error)
	}
}

func TestUpstreamPath(t *testing.T) {
	h := NewProxyHandler(&fakeExecutor{}, "api", testRedirect, zaptest.NewLogger(t))

	tests := []struct {
		rest string
		want string
		ok   bool
	}{
		{"requests/", "/api/requests/", true},
		{"requests/12", "/api/requests/12", true},
		{"a/../b/", "/api/b/", true},
		{"../admin/", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := h.upstreamPath(tt.rest)
		if ok != tt.ok || got != tt.want {
			t.Errorf("upstreamPath(%q) = %q, %v; want %q, %v", tt.rest, got, ok, tt.want, tt.ok)
		}
	}
}

func TestReadyReflectsChannel(t *testing.T) {
	f := newAPIFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/health/ready", "")
	if rec.Code != http.StatusOK {
		t.Errorf("connected = %d, want 200", rec.Code)
	}

	f.sessions.status.Connection = channel.Reconnecting
	rec, _ = f.do(t, http.MethodGet, "/health/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("reconnecting = %d, want 503", rec.Code)
	}

	f.sessions.status.Authenticated = false
	rec, _ = f.do(t, http.MethodGet, "/health/ready", "")
	if rec.Code != http.StatusOK {
		t.Errorf("logged out = %d, want 200", rec.Code)
	}
}

func TestManualResync(t *testing.T) {
	f := newAPIFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/session/resync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resync = %d", rec.Code)
	}
	if len(f.sessions.resyncs) != 1 || f.sessions.resyncs[0] != "manual" {
		t.Errorf("resyncs = %v", f.sessions.resyncs)
	}
}
