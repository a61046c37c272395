// Package repository implements the data access layer for the application.
package repository

import (
	"context"
	"errors"
	"log/slog"

	"closer/internal/cache"
	"closer/internal/models"
	"closer/internal/observability"

	"gorm.io/gorm"
)

// UserRepository defines read operations on users needed by messaging and fan-out.
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
	Exists(ctx context.Context, id uint) (bool, error)
	GetByUsernames(ctx context.Context, usernames []string) ([]models.User, error)
}

type userRepository struct {
	db    *gorm.DB
	cache *cache.JSONCache
}

// NewUserRepository returns a UserRepository. profiles may be nil to disable caching.
func NewUserRepository(db *gorm.DB, profiles *cache.JSONCache) UserRepository {
	return &userRepository{db: db, cache: profiles}
}

// GetByID returns a user profile through the Redis cache-aside layer.
func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := r.cache.Aside(ctx, cache.UserKey(id), &user, cache.UserTTL, func() error {
		if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("User", id)
			}
			observability.RepoLogger("users", "get_by_id").ErrorContext(ctx, "user lookup failed",
				slog.Uint64("user_id", uint64(id)), slog.String("error", err.Error()))
			return models.NewInternalError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Exists checks the database directly so deleted accounts are seen immediately.
// A missing user also drops any cached profile.
func (r *userRepository) Exists(ctx context.Context, id uint) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		r.cache.Invalidate(ctx, cache.UserKey(id))
	}
	return count > 0, nil
}

func (r *userRepository) GetByUsernames(ctx context.Context, usernames []string) ([]models.User, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	var users []models.User
	err := r.db.WithContext(ctx).Where("username IN ?", usernames).Find(&users).Error
	return users, err
}
