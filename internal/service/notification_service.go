package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"closer/internal/models"
	"closer/internal/notifications"
	"closer/internal/observability"
	"closer/internal/repository"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefaultDedupWindow is how long an unread follow or like suppresses repeats.
const DefaultDedupWindow = 24 * time.Hour

// NotifyInput describes one qualifying event addressed to a recipient.
type NotifyInput struct {
	Type        models.NotificationType
	RecipientID uint
	SenderID    uint
	Message     string
	Payload     any
}

// NotificationPage is one page of a recipient's notifications, newest first.
type NotificationPage struct {
	Notifications []*models.Notification `json:"notifications"`
	Pagination    NotificationPagination `json:"pagination"`
	UnreadCount   int64                  `json:"unreadCount"`
}

// NotificationService persists notifications, collapses duplicates and pushes
// them to the recipient's live channel.
type NotificationService struct {
	repo        repository.NotificationRepository
	userRepo    repository.UserRepository
	publisher   Publisher
	dedupWindow time.Duration
	pages       PageDefaults
	now         func() time.Time
}

// NewNotificationService returns a new NotificationService. A non-positive
// dedupWindow uses DefaultDedupWindow.
func NewNotificationService(
	repo repository.NotificationRepository,
	userRepo repository.UserRepository,
	publisher Publisher,
	dedupWindow time.Duration,
) *NotificationService {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &NotificationService{
		repo:        repo,
		userRepo:    userRepo,
		publisher:   publisherOrNoop(publisher),
		dedupWindow: dedupWindow,
		pages:       DefaultPageDefaults,
		now:         time.Now,
	}
}

// Notify records a notification and pushes it live. It returns (nil, nil) when
// the recipient is the sender. Follow and like notifications return the existing
// unread one from the same sender inside the dedup window instead of a new row.
// Push failures never fail the call.
func (s *NotificationService) Notify(ctx context.Context, in NotifyInput) (*models.Notification, error) {
	if !in.Type.Valid() {
		return nil, models.NewValidationError("Unknown notification type")
	}
	if in.RecipientID == 0 || in.SenderID == 0 {
		return nil, models.NewValidationError("Recipient and sender are required")
	}
	if in.RecipientID == in.SenderID {
		observability.NotificationsTotal.WithLabelValues(string(in.Type), observability.OutcomeSelfSuppressed).Inc()
		return nil, nil
	}

	ctx, span := observability.StartSpan(ctx, "notification.notify",
		observability.AttrNotificationType.String(string(in.Type)),
		observability.AttrUserID.Int64(int64(in.RecipientID)))
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	if in.Type.Deduplicated() {
		existing, err := s.repo.FindRecentUnread(ctx, in.RecipientID, in.SenderID, in.Type, s.now().Add(-s.dedupWindow))
		if err != nil {
			spanErr = err
			return nil, models.NewInternalError(err)
		}
		if existing != nil {
			observability.NotificationsTotal.WithLabelValues(string(in.Type), observability.OutcomeDeduplicated).Inc()
			existing.ResolveSender()
			return existing, nil
		}
	}

	n := &models.Notification{
		RecipientID: in.RecipientID,
		SenderID:    in.SenderID,
		Type:        in.Type,
		Message:     in.Message,
		CreatedAt:   s.now(),
	}
	if in.Payload != nil {
		raw, err := json.Marshal(in.Payload)
		if err != nil {
			spanErr = err
			return nil, models.NewValidationError("Invalid notification payload")
		}
		n.Payload = datatypes.JSON(raw)
	}

	if err := s.repo.Create(ctx, n); err != nil {
		spanErr = err
		return nil, models.NewInternalError(err)
	}
	observability.NotificationsTotal.WithLabelValues(string(in.Type), observability.OutcomeCreated).Inc()

	if sender, err := s.userRepo.GetByID(ctx, in.SenderID); err == nil {
		n.Sender = sender
	} else {
		observability.Logger.WarnContext(ctx, "failed to resolve notification sender",
			slog.Uint64("sender_id", uint64(in.SenderID)), slog.String("error", err.Error()))
	}
	n.ResolveSender()

	s.push(ctx, in.RecipientID, notifications.EventNewNotification, n)
	s.pushUnreadCount(ctx, in.RecipientID)
	return n, nil
}

// List returns a page of the user's notifications.
func (s *NotificationService) List(ctx context.Context, userID uint, page, limit int, unreadOnly bool) (*NotificationPage, error) {
	page, limit = normalizePage(page, limit, s.pages)

	items, total, err := s.repo.List(ctx, userID, repository.NotificationListFilter{
		UnreadOnly: unreadOnly,
		Limit:      limit,
		Offset:     (page - 1) * limit,
	})
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	for _, n := range items {
		n.ResolveSender()
	}

	unread, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	w := newPageWindow(page, limit, total)
	return &NotificationPage{
		Notifications: items,
		Pagination: NotificationPagination{
			CurrentPage:        w.page,
			TotalPages:         w.totalPages,
			TotalNotifications: total,
			Limit:              w.limit,
			HasNextPage:        w.hasNext,
			HasPrevPage:        w.hasPrev,
		},
		UnreadCount: unread,
	}, nil
}

// MarkRead marks one of the user's notifications read. Marking an already read
// notification is a no-op.
func (s *NotificationService) MarkRead(ctx context.Context, userID, id uint) (*models.Notification, error) {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Notification", id)
		}
		return nil, models.NewInternalError(err)
	}
	if n.RecipientID != userID {
		return nil, models.NewNotFoundError("Notification", id)
	}

	if !n.IsRead {
		at := s.now()
		if _, err := s.repo.MarkRead(ctx, userID, id, at); err != nil {
			return nil, models.NewInternalError(err)
		}
		n.IsRead = true
		n.ReadAt = &at
	}
	n.ResolveSender()

	s.pushUnreadCount(ctx, userID)
	return n, nil
}

// MarkAllRead marks every unread notification of the user read.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID uint) (int64, error) {
	n, err := s.repo.MarkAllRead(ctx, userID, s.now())
	if err != nil {
		return 0, models.NewInternalError(err)
	}
	s.pushUnreadCount(ctx, userID)
	return n, nil
}

// Delete removes one of the user's notifications.
func (s *NotificationService) Delete(ctx context.Context, userID, id uint) error {
	n, err := s.repo.Delete(ctx, userID, id)
	if err != nil {
		return models.NewInternalError(err)
	}
	if n == 0 {
		return models.NewNotFoundError("Notification", id)
	}
	s.pushUnreadCount(ctx, userID)
	return nil
}

// UnreadCount counts the user's unread notifications.
func (s *NotificationService) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	n, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, models.NewInternalError(err)
	}
	return n, nil
}

func (s *NotificationService) pushUnreadCount(ctx context.Context, userID uint) {
	count, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		observability.Logger.WarnContext(ctx, "failed to count unread notifications",
			slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
		return
	}
	s.push(ctx, userID, notifications.EventUnreadCountUpdate, map[string]int64{"unreadCount": count})
}

func (s *NotificationService) push(ctx context.Context, userID uint, event string, payload any) {
	if err := s.publisher.PublishToUser(ctx, userID, event, payload); err != nil {
		observability.Logger.WarnContext(ctx, "live push failed",
			slog.String("event", event), slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
	}
}
