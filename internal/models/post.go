package models

import (
	"time"
)

// Post is a media post. Only the fields the fan-out needs are modeled here.
type Post struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	UserID    uint        `gorm:"not null;index" json:"userId"`
	Caption   string      `gorm:"type:text" json:"caption"`
	Media     []PostMedia `gorm:"foreignKey:PostID" json:"media,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// PostMedia is a single photo or film attached to a post.
type PostMedia struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	PostID uint   `gorm:"not null;index" json:"postId"`
	URL    string `gorm:"not null" json:"url"`
	Kind   string `gorm:"size:16;default:'photo'" json:"kind"`
}

// Like is one user's like of one media item in a post. The triple is unique and
// unlikes delete the row.
type Like struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_likes_user_post_media,priority:1" json:"userId"`
	PostID    uint      `gorm:"not null;uniqueIndex:idx_likes_user_post_media,priority:2;index" json:"postId"`
	MediaID   uint      `gorm:"not null;uniqueIndex:idx_likes_user_post_media,priority:3" json:"mediaId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Comment is append-only.
type Comment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"userId"`
	PostID    uint      `gorm:"not null;index" json:"postId"`
	MediaID   uint      `gorm:"not null" json:"mediaId"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	CreatedAt time.Time `json:"createdAt"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}
