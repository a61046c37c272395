package models

import (
	"time"

	"gorm.io/datatypes"
)

// NotificationType enumerates the events that fan out to a recipient.
type NotificationType string

const (
	NotificationFollow  NotificationType = "follow"
	NotificationMessage NotificationType = "message"
	NotificationLike    NotificationType = "like"
	NotificationComment NotificationType = "comment"
	NotificationMention NotificationType = "mention"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationFollow, NotificationMessage, NotificationLike, NotificationComment, NotificationMention:
		return true
	}
	return false
}

// Deduplicated reports whether repeated unread notifications of this type from the
// same sender collapse into one within the dedup window.
func (t NotificationType) Deduplicated() bool {
	return t == NotificationFollow || t == NotificationLike
}

// Notification is a persisted fan-out record addressed to one recipient.
type Notification struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	RecipientID uint             `gorm:"not null;index:idx_notifications_recipient_read,priority:1" json:"recipientId"`
	SenderID    uint             `gorm:"not null;index" json:"senderId"`
	Sender      *User            `gorm:"foreignKey:SenderID" json:"-"`
	Type        NotificationType `gorm:"size:20;not null;index" json:"type"`
	Message     string           `gorm:"type:text" json:"message"`
	Payload     datatypes.JSON   `json:"payload,omitempty"`
	IsRead      bool             `gorm:"default:false;not null;index:idx_notifications_recipient_read,priority:2" json:"isRead"`
	ReadAt      *time.Time       `json:"readAt,omitempty"`
	CreatedAt   time.Time        `gorm:"index" json:"createdAt"`

	SenderInfo *Participant `gorm:"-" json:"sender,omitempty"`
}

// ResolveSender fills SenderInfo from the preloaded sender.
func (n *Notification) ResolveSender() {
	if n.Sender != nil {
		s := n.Sender.Summary()
		n.SenderInfo = &s
		return
	}
	n.SenderInfo = &Participant{ID: n.SenderID}
}
