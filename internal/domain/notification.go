package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInvalidNotification  = errors.New("notification has neither an id nor a title and message")
	ErrInvalidIdentityKey   = errors.New("invalid notification key")
)

// NotificationType is open-ended; the server may introduce new kinds
type NotificationType string

const (
	NotificationRequestAccepted    NotificationType = "request_accepted"
	NotificationRequestAssigned    NotificationType = "request_assigned"
	NotificationTechnicianAssigned NotificationType = "technician_assigned"
	NotificationNewRequest         NotificationType = "new_request"
	NotificationPaymentReceived    NotificationType = "payment_received"
	NotificationReviewReceived     NotificationType = "review_received"
	NotificationSystem             NotificationType = "system"
)

type Notification struct {
	ID         *int64           `json:"id,omitempty"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	Type       NotificationType `json:"type"`
	IsRead     bool             `json:"is_read"`
	ReadAt     *time.Time       `json:"read_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	RequestRef *int64           `json:"request,omitempty"`
}

// Identity returns the key merges are decided on
func (n *Notification) Identity() Identity {
	if n.ID != nil {
		return Identified(*n.ID)
	}
	return Anonymous(n.Title, n.Message)
}

// Validate rejects notifications that carry no usable identity
func (n *Notification) Validate() error {
	if n.ID == nil && n.Title == "" && n.Message == "" {
		return ErrInvalidNotification
	}
	return nil
}

// NotificationResponse is the representation served to console screens
type NotificationResponse struct {
	Key          string           `json:"key"`
	ID           *int64           `json:"id,omitempty"`
	Title        string           `json:"title"`
	Message      string           `json:"message"`
	Type         NotificationType `json:"type"`
	IsRead       bool             `json:"is_read"`
	RecentlyRead bool             `json:"recently_read"`
	ReadAt       *time.Time       `json:"read_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	RequestRef   *int64           `json:"request,omitempty"`
}

// ToResponse converts a Notification to a NotificationResponse
func (n *Notification) ToResponse(policy VisibilityPolicy, now time.Time) *NotificationResponse {
	return &NotificationResponse{
		Key:          n.Identity().Key(),
		ID:           n.ID,
		Title:        n.Title,
		Message:      n.Message,
		Type:         n.Type,
		IsRead:       n.IsRead,
		RecentlyRead: policy.RecentlyRead(n, now),
		ReadAt:       n.ReadAt,
		CreatedAt:    n.CreatedAt,
		RequestRef:   n.RequestRef,
	}
}

// anonymousNamespace scopes the UUIDv5 keys derived for anonymous identities
var anonymousNamespace = uuid.MustParse("6f1c7a52-3d0e-4b8f-9a41-2c5d8e7b1f03")

// Identity is Identified(id) for notifications the server has numbered and
// Anonymous(title, message) for push-only events. Identity is comparable;
// Equal is the only comparison merges use.
type Identity struct {
	id      int64
	hasID   bool
	title   string
	message string
}

func Identified(id int64) Identity {
	return Identity{id: id, hasID: true}
}

func Anonymous(title, message string) Identity {
	return Identity{title: title, message: message}
}

func (i Identity) Equal(other Identity) bool {
	return i == other
}

// ID returns the server id for identified notifications
func (i Identity) ID() (int64, bool) {
	return i.id, i.hasID
}

// Key is a URL-safe representation: the decimal id, or "anon-" followed by a
// UUIDv5 of the title and message.
func (i Identity) Key() string {
	if i.hasID {
		return strconv.FormatInt(i.id, 10)
	}
	return "anon-" + uuid.NewSHA1(anonymousNamespace, []byte(i.title+"\x00"+i.message)).String()
}

func (i Identity) String() string {
	if i.hasID {
		return fmt.Sprintf("Identified(%d)", i.id)
	}
	return fmt.Sprintf("Anonymous(%q, %q)", i.title, i.message)
}

// ParseIdentityKey parses a key produced by Identity.Key. Anonymous keys are
// one-way, so only their syntax is checked; the store resolves them.
func ParseIdentityKey(key string) (id int64, anonymous bool, err error) {
	if rest, ok := strings.CutPrefix(key, "anon-"); ok {
		if _, err := uuid.Parse(rest); err != nil {
			return 0, false, fmt.Errorf("%w: %q", ErrInvalidIdentityKey, key)
		}
		return 0, true, nil
	}
	id, err = strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %q", ErrInvalidIdentityKey, key)
	}
	return id, false, nil
}

// DecodeNotification parses a notification from a REST or push payload
func DecodeNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// NotificationRepository is the server-side notification resource
type NotificationRepository interface {
	GetNotifications(ctx context.Context) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) error
	MarkAllNotificationsRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id int64) error
}
