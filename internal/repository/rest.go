package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dispatchdesk/console/internal/domain"
	"github.com/dispatchdesk/console/internal/gateway"
)

// maxPages bounds how many "next" links a list fetch follows
const maxPages = 50

// Paths locates the resources on the dispatch API
type Paths struct {
	Login         string
	Notifications string
}

// RESTRepository implements domain.NotificationRepository and
// domain.AuthRepository over the request gateway
type RESTRepository struct {
	gw    *gateway.Gateway
	paths Paths
}

// NewRESTRepository creates a new REST repository
func NewRESTRepository(gw *gateway.Gateway, paths Paths) *RESTRepository {
	if !strings.HasSuffix(paths.Notifications, "/") {
		paths.Notifications += "/"
	}
	return &RESTRepository{gw: gw, paths: paths}
}

// notificationPage is the paginated list shape; some deployments return a
// bare array instead
type notificationPage struct {
	Results []domain.Notification `json:"results"`
	Next    *string               `json:"next"`
}

// GetNotifications fetches the full notification list, following pages
func (r *RESTRepository) GetNotifications(ctx context.Context) ([]domain.Notification, error) {
	var all []domain.Notification
	next := r.paths.Notifications

	for page := 0; next != "" && page < maxPages; page++ {
		resp, err := r.gw.Execute(ctx, &gateway.Request{Method: http.MethodGet, Path: next})
		if err != nil {
			return nil, err
		}
		if err := resp.Err(); err != nil {
			return nil, err
		}

		items, more, err := decodeNotificationList(resp.Body)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		next = more
	}
	return all, nil
}

func decodeNotificationList(body []byte) ([]domain.Notification, string, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var items []domain.Notification
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, "", fmt.Errorf("decoding notification list: %w", err)
		}
		return items, "", nil
	}

	var page notificationPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, "", fmt.Errorf("decoding notification page: %w", err)
	}
	next := ""
	if page.Next != nil {
		next = *page.Next
	}
	return page.Results, next, nil
}

// MarkNotificationRead marks one notification read on the server
func (r *RESTRepository) MarkNotificationRead(ctx context.Context, id int64) error {
	return r.post(ctx, r.paths.Notifications+strconv.FormatInt(id, 10)+"/mark_read/")
}

// MarkAllNotificationsRead marks every notification read on the server
func (r *RESTRepository) MarkAllNotificationsRead(ctx context.Context) error {
	return r.post(ctx, r.paths.Notifications+"mark_all_read/")
}

// DeleteNotification deletes one notification on the server
func (r *RESTRepository) DeleteNotification(ctx context.Context, id int64) error {
	req := &gateway.Request{Method: http.MethodDelete, Path: r.paths.Notifications + strconv.FormatInt(id, 10) + "/"}
	return r.gw.Do(ctx, req, nil)
}

func (r *RESTRepository) post(ctx context.Context, path string) error {
	req := &gateway.Request{Method: http.MethodPost, Path: path}
	return r.gw.Do(ctx, req, nil)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges email and password for a token pair. The call is sent
// without any stored credential.
func (r *RESTRepository) Login(ctx context.Context, email, password string) (*domain.TokenPair, error) {
	req, err := gateway.NewJSONRequest(http.MethodPost, r.paths.Login, loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}

	var pair domain.TokenPair
	err = r.gw.Do(ctx, req, &pair, gateway.Anonymous())
	if err != nil {
		var rejected *gateway.ServerRejectedError
		if errors.As(err, &rejected) && (rejected.StatusCode == http.StatusBadRequest || rejected.StatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("%w: %s", domain.ErrInvalidCredentials, rejected.Message)
		}
		return nil, err
	}
	return &pair, nil
}
