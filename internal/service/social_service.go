package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"closer/internal/models"
	"closer/internal/observability"
	"closer/internal/repository"

	"github.com/samber/lo"
	"gorm.io/gorm"
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.]{1,64})`)

// ExtractMentions returns the distinct usernames mentioned in text, in order of
// first appearance.
func ExtractMentions(text string) []string {
	names := lo.Map(mentionPattern.FindAllStringSubmatch(text, -1), func(m []string, _ int) string {
		return strings.TrimRight(m[1], ".")
	})
	return lo.Uniq(lo.Compact(names))
}

// SocialService produces the follow, like, comment and mention events that feed
// the notification fan-out.
type SocialService struct {
	socialRepo repository.SocialRepository
	userRepo   repository.UserRepository
	notifier   *NotificationService
}

// NewSocialService returns a new SocialService.
func NewSocialService(socialRepo repository.SocialRepository, userRepo repository.UserRepository, notifier *NotificationService) *SocialService {
	return &SocialService{socialRepo: socialRepo, userRepo: userRepo, notifier: notifier}
}

// Follow makes followerID follow targetID. Following twice is a no-op that still
// reaches the deduplicating notifier.
func (s *SocialService) Follow(ctx context.Context, followerID, targetID uint) error {
	if followerID == targetID {
		return models.NewValidationError("You cannot follow yourself")
	}
	if err := s.requireUser(ctx, targetID); err != nil {
		return err
	}
	if _, err := s.socialRepo.Follow(ctx, followerID, targetID); err != nil {
		return models.NewInternalError(err)
	}

	s.notify(ctx, NotifyInput{
		Type:        models.NotificationFollow,
		RecipientID: targetID,
		SenderID:    followerID,
		Message:     s.describe(ctx, followerID, "started following you"),
		Payload:     map[string]any{"followerId": followerID},
	})
	return nil
}

// Unfollow removes the follow edge, if any.
func (s *SocialService) Unfollow(ctx context.Context, followerID, targetID uint) error {
	if _, err := s.socialRepo.Unfollow(ctx, followerID, targetID); err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// Like records userID's like of one media item and notifies the post owner.
func (s *SocialService) Like(ctx context.Context, userID, postID, mediaID uint) (*models.Like, error) {
	post, err := s.loadMedia(ctx, postID, mediaID)
	if err != nil {
		return nil, err
	}

	like := &models.Like{UserID: userID, PostID: postID, MediaID: mediaID}
	if err := s.socialRepo.CreateLike(ctx, like); err != nil {
		if models.IsCode(err, models.CodeConflict) {
			return nil, err
		}
		return nil, models.NewInternalError(err)
	}

	s.notify(ctx, NotifyInput{
		Type:        models.NotificationLike,
		RecipientID: post.UserID,
		SenderID:    userID,
		Message:     s.describe(ctx, userID, "liked your post"),
		Payload:     map[string]any{"postId": postID, "mediaId": mediaID},
	})
	return like, nil
}

// Unlike deletes the like.
func (s *SocialService) Unlike(ctx context.Context, userID, postID, mediaID uint) error {
	n, err := s.socialRepo.DeleteLike(ctx, userID, postID, mediaID)
	if err != nil {
		return models.NewInternalError(err)
	}
	if n == 0 {
		return models.NewNotFoundError("Like", fmt.Sprintf("%d/%d", postID, mediaID))
	}
	return nil
}

// Comment appends a comment, notifies the post owner, and notifies every distinct
// user mentioned with @username.
func (s *SocialService) Comment(ctx context.Context, userID, postID, mediaID uint, text string) (*models.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.NewValidationError("Comment text cannot be empty")
	}
	post, err := s.loadMedia(ctx, postID, mediaID)
	if err != nil {
		return nil, err
	}

	comment := &models.Comment{UserID: userID, PostID: postID, MediaID: mediaID, Text: text}
	if err := s.socialRepo.CreateComment(ctx, comment); err != nil {
		return nil, models.NewInternalError(err)
	}

	payload := map[string]any{"postId": postID, "mediaId": mediaID, "commentId": comment.ID}
	s.notify(ctx, NotifyInput{
		Type:        models.NotificationComment,
		RecipientID: post.UserID,
		SenderID:    userID,
		Message:     s.describe(ctx, userID, "commented on your post"),
		Payload:     payload,
	})

	mentioned, err := s.userRepo.GetByUsernames(ctx, ExtractMentions(text))
	if err != nil {
		observability.Logger.WarnContext(ctx, "failed to resolve mentions", slog.String("error", err.Error()))
		return comment, nil
	}
	for _, u := range mentioned {
		s.notify(ctx, NotifyInput{
			Type:        models.NotificationMention,
			RecipientID: u.ID,
			SenderID:    userID,
			Message:     s.describe(ctx, userID, "mentioned you in a comment"),
			Payload:     payload,
		})
	}
	return comment, nil
}

func (s *SocialService) loadMedia(ctx context.Context, postID, mediaID uint) (*models.Post, error) {
	post, err := s.socialRepo.GetPost(ctx, postID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Post", postID)
		}
		return nil, models.NewInternalError(err)
	}
	if !lo.ContainsBy(post.Media, func(m models.PostMedia) bool { return m.ID == mediaID }) {
		return nil, models.NewNotFoundError("Media", mediaID)
	}
	return post, nil
}

func (s *SocialService) requireUser(ctx context.Context, id uint) error {
	ok, err := s.userRepo.Exists(ctx, id)
	if err != nil {
		return models.NewInternalError(err)
	}
	if !ok {
		return models.NewNotFoundError("User", id)
	}
	return nil
}

func (s *SocialService) describe(ctx context.Context, actorID uint, action string) string {
	if u, err := s.userRepo.GetByID(ctx, actorID); err == nil {
		return u.Username + " " + action
	}
	return "Someone " + action
}

// notify fans out without failing the triggering action.
func (s *SocialService) notify(ctx context.Context, in NotifyInput) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Notify(ctx, in); err != nil {
		observability.Logger.WarnContext(ctx, "notification fan-out failed",
			slog.String("type", string(in.Type)), slog.Uint64("recipient_id", uint64(in.RecipientID)),
			slog.String("error", err.Error()))
	}
}
