// Package store persists users, rooms, memberships, and the durable message
// log, and maintains the bounded per-room backlog cache in Redis.
package store

import "time"

// User is a registered account. Passwords are stored bcrypt-hashed.
type User struct {
	ID           uint   `gorm:"primarykey" json:"id"`
	Username     string `gorm:"uniqueIndex;size:64;not null" json:"username"`
	PasswordHash string `gorm:"not null" json:"-"`
}

// TableName returns the table name for User.
func (User) TableName() string { return "users" }

// ChatRoom is a named channel of participants.
type ChatRoom struct {
	ID        uint   `gorm:"primarykey" json:"id"`
	Name      string `gorm:"uniqueIndex;size:128;not null" json:"name"`
	IsPrivate bool   `gorm:"default:false" json:"is_private"`
}

// TableName returns the table name for ChatRoom.
func (ChatRoom) TableName() string { return "chat_rooms" }

// Membership ties a user to a room. The pair is the primary key.
type Membership struct {
	UserID     uint      `gorm:"primarykey" json:"user_id"`
	ChatRoomID uint      `gorm:"primarykey" json:"chat_room_id"`
	JoinedAt   time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

// TableName returns the table name for Membership.
func (Membership) TableName() string { return "memberships" }

// Message is one persisted chat message. The id is assigned by the database
// and increases monotonically within a room; rows are immutable once written.
type Message struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	Content      string    `gorm:"not null" json:"content"`
	Timestamp    time.Time `gorm:"autoCreateTime" json:"timestamp"`
	UserID       uint      `gorm:"index" json:"user_id"`
	ChatRoomID   uint      `gorm:"index" json:"chat_room_id"`
	IsAttachment bool      `gorm:"default:false" json:"is_attachment"`
}

// TableName returns the table name for Message.
func (Message) TableName() string { return "messages" }

// Reaction records at most one reaction per (user, message); a later write
// from the same user replaces the earlier one.
type Reaction struct {
	UserID       uint   `gorm:"primarykey" json:"user_id"`
	MessageID    uint   `gorm:"primarykey" json:"message_id"`
	ReactionType string `gorm:"size:32;not null" json:"reaction_type"`
}

// TableName returns the table name for Reaction.
func (Reaction) TableName() string { return "reactions" }

// MessageReadStatus records the last time a user read a message. Upsert
// semantics, no history.
type MessageReadStatus struct {
	UserID    uint      `gorm:"primarykey" json:"user_id"`
	MessageID uint      `gorm:"primarykey" json:"message_id"`
	ReadAt    time.Time `json:"read_at"`
}

// TableName returns the table name for MessageReadStatus.
func (MessageReadStatus) TableName() string { return "message_read_statuses" }

// BacklogMessage is a message joined with its author's username, the shape
// replayed to newly admitted connections and cached in Redis.
type BacklogMessage struct {
	ID           uint      `json:"id"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	UserID       uint      `json:"user_id"`
	ChatRoomID   uint      `json:"chat_room_id"`
	IsAttachment bool      `json:"is_attachment"`
	Username     string    `json:"username"`
}
