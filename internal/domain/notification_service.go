package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dispatchdesk/console/internal/metrics"
)

// Push event types that carry no notification
var controlEvents = map[string]bool{
	"ping":                   true,
	"pong":                   true,
	"heartbeat":              true,
	"connection_established": true,
}

// NotificationService keeps the feed in step with the server. Local state
// changes first; the matching REST call follows, attempted once.
type NotificationService struct {
	repo   NotificationRepository
	store  *NotificationStore
	logger *zap.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(repo NotificationRepository, store *NotificationStore, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		repo:   repo,
		store:  store,
		logger: logger,
	}
}

// Store returns the feed the service maintains
func (s *NotificationService) Store() *NotificationStore {
	return s.store
}

// Refresh fetches the server list and merges it into the feed
func (s *NotificationService) Refresh(ctx context.Context) error {
	list, err := s.repo.GetNotifications(ctx)
	if err != nil {
		return err
	}
	s.store.LoadInitial(list)
	s.logger.Debug("notification feed refreshed", zap.Int("fetched", len(list)), zap.Int("size", s.store.Len()))
	return nil
}

// HandlePush ingests one push event. eventType and payload come from the
// {"type", "payload"} envelope; when payload is empty raw is the
// notification itself. Control events are ignored.
func (s *NotificationService) HandlePush(eventType string, payload, raw json.RawMessage) error {
	if controlEvents[eventType] {
		return nil
	}

	data := payload
	if len(data) == 0 {
		data = raw
	}

	n, err := DecodeNotification(data)
	if err != nil {
		metrics.IncrementPushEvent("malformed")
		s.logger.Warn("dropping push event", zap.String("type", eventType), zap.Error(err))
		return err
	}

	merged, err := s.store.IngestPush(n)
	if err != nil {
		return err
	}
	s.logger.Debug("push notification ingested", zap.Stringer("identity", merged.Identity()))
	return nil
}

// MarkRead flags a notification read locally, then tells the server.
// A failed server call is returned but the local change stays.
func (s *NotificationService) MarkRead(ctx context.Context, id Identity) error {
	n, ok := s.store.MarkReadLocal(id)
	if !ok {
		return ErrNotificationNotFound
	}

	// Push-only entries exist nowhere on the server
	if n.ID == nil {
		return nil
	}

	serverID := *n.ID
	if err := s.repo.MarkNotificationRead(ctx, serverID); err != nil {
		s.logger.Warn("mark read not acknowledged by server", zap.Int64("id", serverID), zap.Error(err))
		return err
	}
	return nil
}

// MarkAllRead marks everything read on the server, then mirrors it locally
func (s *NotificationService) MarkAllRead(ctx context.Context) error {
	if err := s.repo.MarkAllNotificationsRead(ctx); err != nil {
		return err
	}
	s.store.MarkAllReadLocal()
	return nil
}

// Remove deletes a notification. Entries the server has numbered are
// deleted there first and kept locally if that fails.
func (s *NotificationService) Remove(ctx context.Context, id Identity) error {
	n, ok := s.store.Get(id)
	if !ok {
		return ErrNotificationNotFound
	}

	if n.ID != nil {
		if err := s.repo.DeleteNotification(ctx, *n.ID); err != nil {
			return err
		}
	}
	s.store.RemoveLocal(id)
	return nil
}

// RemoveMany removes each notification in turn. Every removal is attempted;
// the failures are joined.
func (s *NotificationService) RemoveMany(ctx context.Context, ids []Identity) error {
	var errs []error
	for _, id := range ids {
		if err := s.Remove(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
