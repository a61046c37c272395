// Package models contains data structures for the application's domain models.
package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents a Closer account.
type User struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Username     string         `gorm:"size:64;uniqueIndex;not null" json:"username"`
	Email        string         `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Password     string         `gorm:"not null" json:"-"`
	FullName     string         `json:"fullName"`
	Bio          string         `json:"bio"`
	Avatar       string         `json:"avatar"`
	RefreshToken string         `json:"-"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// Follow is one edge of the follow graph: FollowerID follows FollowingID.
type Follow struct {
	FollowerID  uint      `gorm:"primaryKey;autoIncrement:false" json:"followerId"`
	FollowingID uint      `gorm:"primaryKey;autoIncrement:false;index" json:"followingId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Participant is the public summary of a message or notification author.
// AI-authored messages carry a synthetic participant with IsAI set and ID 0.
type Participant struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	FullName string `json:"fullName,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	IsAI     bool   `json:"isAI,omitempty"`
}

// Summary returns the public participant view of the user.
func (u *User) Summary() Participant {
	return Participant{
		ID:       u.ID,
		Username: u.Username,
		FullName: u.FullName,
		Avatar:   u.Avatar,
	}
}

// AISender builds the synthetic author descriptor for chatbot replies.
func AISender(name, avatar string) Participant {
	return Participant{
		Username: "closer-ai",
		FullName: name,
		Avatar:   avatar,
		IsAI:     true,
	}
}
