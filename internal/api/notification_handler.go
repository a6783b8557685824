package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dispatchdesk/console/internal/domain"
	"github.com/dispatchdesk/console/pkg/response"
	"github.com/dispatchdesk/console/pkg/validator"
)

type NotificationHandler struct {
	service *domain.NotificationService
	errors  errorWriter
	logger  *zap.Logger
	now     func() time.Time
}

func NewNotificationHandler(service *domain.NotificationService, loginRedirect string, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		errors:  errorWriter{loginRedirect: loginRedirect, logger: logger},
		logger:  logger,
		now:     time.Now,
	}
}

// FeedResponse is one rendering of the notification feed
type FeedResponse struct {
	Items  []*domain.NotificationResponse `json:"items"`
	Unread int                            `json:"unread"`
}

type bulkRequest struct {
	Keys []string `json:"keys"`
}

// GetNotifications lists the feed newest first. filter=unread keeps unread
// entries plus those read within the recent-read window.
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	store := h.service.Store()
	view := store.SortedView()
	switch filter := r.URL.Query().Get("filter"); filter {
	case "", "all":
	case "unread":
		view = store.UnreadView()
	default:
		response.BadRequest(w, "filter must be all or unread")
		return
	}

	now := h.now()
	policy := store.Policy()
	items := []*domain.NotificationResponse{}
	for n := range view {
		items = append(items, n.ToResponse(policy, now))
	}

	response.OK(w, FeedResponse{Items: items, Unread: store.UnreadCount()})
}

// UnreadCount returns the badge count
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]int{"unread": h.service.Store().UnreadCount()})
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.Store().Resolve(chi.URLParam(r, "key"))
	if err != nil {
		h.errors.write(w, r, "mark read", err)
		return
	}

	if err := h.service.MarkRead(r.Context(), id); err != nil {
		h.errors.write(w, r, "mark read", err)
		return
	}

	response.OK(w, map[string]string{"status": "success"})
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := h.service.MarkAllRead(r.Context()); err != nil {
		h.errors.write(w, r, "mark all read", err)
		return
	}

	response.OK(w, map[string]string{"status": "success"})
}

func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.Store().Resolve(chi.URLParam(r, "key"))
	if err != nil {
		h.errors.write(w, r, "delete notification", err)
		return
	}

	if err := h.service.Remove(r.Context(), id); err != nil {
		h.errors.write(w, r, "delete notification", err)
		return
	}

	response.NoContent(w)
}

// BulkDelete removes every named notification it can. Unknown keys fail
// the request up front; per-item server failures are reported together.
func (h *NotificationHandler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if errs := validator.ValidateKeys(req.Keys); errs.HasErrors() {
		response.BadRequest(w, errs.Error())
		return
	}

	store := h.service.Store()
	ids := make([]domain.Identity, 0, len(req.Keys))
	for _, key := range req.Keys {
		id, err := store.Resolve(key)
		if err != nil {
			h.errors.write(w, r, "bulk delete", err)
			return
		}
		ids = append(ids, id)
	}

	if err := h.service.RemoveMany(r.Context(), ids); err != nil {
		h.errors.write(w, r, "bulk delete", err)
		return
	}

	response.NoContent(w)
}
