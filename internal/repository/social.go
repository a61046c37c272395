package repository

import (
	"context"

	"closer/internal/database"
	"closer/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SocialRepository covers the follow graph and post engagement that trigger
// notifications.
type SocialRepository interface {
	Follow(ctx context.Context, followerID, followingID uint) (bool, error)
	Unfollow(ctx context.Context, followerID, followingID uint) (int64, error)

	GetPost(ctx context.Context, id uint) (*models.Post, error)
	CreateLike(ctx context.Context, like *models.Like) error
	DeleteLike(ctx context.Context, userID, postID, mediaID uint) (int64, error)
	CreateComment(ctx context.Context, comment *models.Comment) error
}

type socialRepository struct {
	db *gorm.DB
}

// NewSocialRepository creates a new social repository
func NewSocialRepository(db *gorm.DB) SocialRepository {
	return &socialRepository{db: db}
}

// Follow inserts the edge and reports whether it was new.
func (r *socialRepository) Follow(ctx context.Context, followerID, followingID uint) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Follow{FollowerID: followerID, FollowingID: followingID})
	return res.RowsAffected > 0, res.Error
}

func (r *socialRepository) Unfollow(ctx context.Context, followerID, followingID uint) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("follower_id = ? AND following_id = ?", followerID, followingID).
		Delete(&models.Follow{})
	return res.RowsAffected, res.Error
}

func (r *socialRepository) GetPost(ctx context.Context, id uint) (*models.Post, error) {
	var post models.Post
	if err := r.db.WithContext(ctx).Preload("Media").First(&post, id).Error; err != nil {
		return nil, err
	}
	return &post, nil
}

// CreateLike maps a duplicate (user, post, media) triple onto a conflict.
func (r *socialRepository) CreateLike(ctx context.Context, like *models.Like) error {
	if err := r.db.WithContext(ctx).Create(like).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return models.NewConflictError("already liked", err)
		}
		return err
	}
	return nil
}

func (r *socialRepository) DeleteLike(ctx context.Context, userID, postID, mediaID uint) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND post_id = ? AND media_id = ?", userID, postID, mediaID).
		Delete(&models.Like{})
	return res.RowsAffected, res.Error
}

func (r *socialRepository) CreateComment(ctx context.Context, comment *models.Comment) error {
	return r.db.WithContext(ctx).Omit("User").Create(comment).Error
}
