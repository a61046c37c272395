package models

import (
	"time"
)

// ChatRoom is either a two-party conversation or a single-party chatbot
// conversation. RoomKey is derived from the sorted participant ids and is unique,
// so concurrent get-or-create calls converge on one row.
type ChatRoom struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	RoomKey        string    `gorm:"size:128;uniqueIndex;not null" json:"roomKey"`
	IsChatbot      bool      `gorm:"default:false;not null" json:"isChatbot"`
	LastMessageID  *uint     `json:"lastMessageId,omitempty"`
	LastMessage    *Message  `gorm:"foreignKey:LastMessageID;constraint:OnDelete:SET NULL" json:"lastMessage,omitempty"`
	LastActivityAt time.Time `gorm:"index" json:"lastActivityAt"`
	Participants   []User    `gorm:"many2many:chat_room_participants;" json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`

	Members     []Participant `gorm:"-" json:"participants"`
	UnreadCount int64         `gorm:"-" json:"unreadCount"`
}

// HasParticipant reports whether userID is one of the room's participants.
func (r *ChatRoom) HasParticipant(userID uint) bool {
	for _, p := range r.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Message belongs to exactly one room, referenced by key rather than by row id so
// the room and message write paths stay decoupled. SenderID is nil for AI replies.
type Message struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	RoomKey   string        `gorm:"size:128;not null;index:idx_messages_room_created,priority:1" json:"roomKey"`
	SenderID  *uint         `gorm:"index" json:"senderId"`
	Sender    *User         `gorm:"foreignKey:SenderID" json:"-"`
	Content   string        `gorm:"type:text;not null" json:"content"`
	Edited    bool          `gorm:"default:false;not null" json:"edited"`
	Reads     []MessageRead `gorm:"foreignKey:MessageID" json:"readBy"`
	CreatedAt time.Time     `gorm:"index:idx_messages_room_created,priority:2" json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`

	Author *Participant `gorm:"-" json:"sender,omitempty"`
}

// IsFromAI reports whether the message was authored by the chatbot.
func (m *Message) IsFromAI() bool {
	return m.SenderID == nil
}

// ResolveAuthor fills Author from the preloaded sender, or with ai for chatbot replies.
func (m *Message) ResolveAuthor(ai Participant) {
	switch {
	case m.IsFromAI():
		a := ai
		m.Author = &a
	case m.Sender != nil:
		s := m.Sender.Summary()
		m.Author = &s
	default:
		m.Author = &Participant{ID: *m.SenderID}
	}
}

// MessageRead is a read receipt. The composite key makes receipts idempotent per
// (message, reader).
type MessageRead struct {
	MessageID uint      `gorm:"primaryKey;autoIncrement:false" json:"-"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false;index" json:"userId"`
	ReadAt    time.Time `gorm:"not null" json:"readAt"`
}
