package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("record not found")

const backlogKeyPrefix = "backlog:"

// Store provides durable persistence on gorm plus the per-room backlog
// cache on Redis. The database is authoritative; the cache only speeds up
// replay for newly admitted connections and may be nil in tests.
type Store struct {
	db          *gorm.DB
	cache       *redis.Client
	backlogSize int
	logger      *slog.Logger
}

// New creates a Store. cache may be nil, in which case every backlog read
// goes to the database.
func New(db *gorm.DB, cache *redis.Client, backlogSize int, logger *slog.Logger) *Store {
	if backlogSize <= 0 {
		backlogSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, cache: cache, backlogSize: backlogSize, logger: logger}
}

// Migrate creates or updates the schema for all persisted models.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&User{},
		&ChatRoom{},
		&Membership{},
		&Message{},
		&Reaction{},
		&MessageReadStatus{},
	)
}

func backlogKey(roomID uint) string {
	return backlogKeyPrefix + strconv.FormatUint(uint64(roomID), 10)
}

// Append persists a chat message, assigning its id and server timestamp,
// and pushes the stored record onto the room's backlog cache. A cache
// failure is logged and ignored; the append itself has already succeeded.
func (s *Store) Append(ctx context.Context, userID, roomID uint, username, content string, isAttachment bool) (BacklogMessage, error) {
	msg := Message{
		Content:      content,
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		ChatRoomID:   roomID,
		IsAttachment: isAttachment,
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return BacklogMessage{}, fmt.Errorf("append message: %w", err)
	}

	entry := BacklogMessage{
		ID:           msg.ID,
		Content:      msg.Content,
		Timestamp:    msg.Timestamp,
		UserID:       msg.UserID,
		ChatRoomID:   msg.ChatRoomID,
		IsAttachment: msg.IsAttachment,
		Username:     username,
	}
	s.cacheBacklogEntry(ctx, roomID, entry)
	return entry, nil
}

func (s *Store) cacheBacklogEntry(ctx context.Context, roomID uint, entry BacklogMessage) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("marshal backlog entry", "room_id", roomID, "error", err)
		return
	}
	key := backlogKey(roomID)
	pipe := s.cache.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-s.backlogSize), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("backlog cache push failed", "room_id", roomID, "error", err)
	}
}

// RecentBacklog returns up to n of the most recently persisted messages for
// a room in ascending id order. The Redis list is the fast path; on a miss,
// an error, or a window shorter than n the database answers and reseeds
// nothing (the next append will).
func (s *Store) RecentBacklog(ctx context.Context, roomID uint, n int) ([]BacklogMessage, error) {
	if n <= 0 || n > s.backlogSize {
		n = s.backlogSize
	}

	if entries, ok := s.backlogFromCache(ctx, roomID, n); ok {
		return entries, nil
	}

	var rows []BacklogMessage
	err := s.db.WithContext(ctx).
		Table("messages").
		Select("messages.id, messages.content, messages.timestamp, messages.user_id, messages.chat_room_id, messages.is_attachment, users.username").
		Joins("JOIN users ON users.id = messages.user_id").
		Where("messages.chat_room_id = ?", roomID).
		Order("messages.id DESC").
		Limit(n).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent backlog: %w", err)
	}

	// Query is newest-first; replay wants oldest-first.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

func (s *Store) backlogFromCache(ctx context.Context, roomID uint, n int) ([]BacklogMessage, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.LRange(ctx, backlogKey(roomID), int64(-n), -1).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("backlog cache read failed", "room_id", roomID, "error", err)
		}
		return nil, false
	}
	// The list is push-only and only as warm as the appends it has seen,
	// so after a cache loss it can hold fewer messages than the durable
	// log. Anything short of a full window goes back to the database.
	if len(raw) < n {
		return nil, false
	}
	entries := make([]BacklogMessage, 0, len(raw))
	for _, item := range raw {
		var entry BacklogMessage
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			s.logger.Warn("corrupt backlog cache entry", "room_id", roomID, "error", err)
			return nil, false
		}
		entries = append(entries, entry)
	}
	return entries, true
}

// UpsertReaction records a user's reaction to a message, replacing any
// earlier reaction from the same user on the same message.
func (s *Store) UpsertReaction(ctx context.Context, userID, messageID uint, reactionType string) error {
	reaction := Reaction{UserID: userID, MessageID: messageID, ReactionType: reactionType}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"reaction_type"}),
	}).Create(&reaction).Error
	if err != nil {
		return fmt.Errorf("upsert reaction: %w", err)
	}
	return nil
}

// UpsertReadReceipt records the last time a user read a message.
func (s *Store) UpsertReadReceipt(ctx context.Context, userID, messageID uint) error {
	receipt := MessageReadStatus{UserID: userID, MessageID: messageID, ReadAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"read_at"}),
	}).Create(&receipt).Error
	if err != nil {
		return fmt.Errorf("upsert read receipt: %w", err)
	}
	return nil
}

// ReactionFor returns the stored reaction for a (user, message) pair.
func (s *Store) ReactionFor(ctx context.Context, userID, messageID uint) (Reaction, error) {
	var reaction Reaction
	err := s.db.WithContext(ctx).
		First(&reaction, "user_id = ? AND message_id = ?", userID, messageID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Reaction{}, ErrNotFound
		}
		return Reaction{}, fmt.Errorf("find reaction: %w", err)
	}
	return reaction, nil
}

// IsMember reports whether the user belongs to the room.
func (s *Store) IsMember(ctx context.Context, userID, roomID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("user_id = ? AND chat_room_id = ?", userID, roomID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	return count > 0, nil
}

// CreateUser inserts a new account with an already-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	user := User{Username: username, PasswordHash: passwordHash}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// UserByUsername looks up an account by its unique username.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("find user: %w", err)
	}
	return user, nil
}

// CreateRoom inserts a new chat room.
func (s *Store) CreateRoom(ctx context.Context, name string, isPrivate bool) (ChatRoom, error) {
	room := ChatRoom{Name: name, IsPrivate: isPrivate}
	if err := s.db.WithContext(ctx).Create(&room).Error; err != nil {
		return ChatRoom{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

// RoomByID looks up a chat room.
func (s *Store) RoomByID(ctx context.Context, roomID uint) (ChatRoom, error) {
	var room ChatRoom
	if err := s.db.WithContext(ctx).First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ChatRoom{}, ErrNotFound
		}
		return ChatRoom{}, fmt.Errorf("find room: %w", err)
	}
	return room, nil
}

// ListRooms returns every room, public and private alike; visibility
// filtering is the caller's concern.
func (s *Store) ListRooms(ctx context.Context) ([]ChatRoom, error) {
	var rooms []ChatRoom
	if err := s.db.WithContext(ctx).Order("id").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// JoinRoom adds the user to the room's membership set. Joining twice is a
// no-op.
func (s *Store) JoinRoom(ctx context.Context, userID, roomID uint) error {
	membership := Membership{UserID: userID, ChatRoomID: roomID, JoinedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&membership).Error
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}
