package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupCachedStore(t *testing.T, backlogSize int) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := New(db, client, backlogSize, nil)
	require.NoError(t, s.Migrate())
	return s, mr
}

func TestAppendTrimsCachedBacklog(t *testing.T) {
	s, _ := setupCachedStore(t, 5)
	ctx := context.Background()
	user := createUser(t, s, "ana")

	for i := 0; i < 8; i++ {
		_, err := s.Append(ctx, user.ID, 1, user.Username, fmt.Sprintf("msg-%d", i), false)
		require.NoError(t, err)
	}

	length, err := s.cache.LLen(ctx, backlogKey(1)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(5), length, "cache list is trimmed to the backlog size")

	entries, err := s.RecentBacklog(ctx, 1, 5)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "msg-3", entries[0].Content)
	assert.Equal(t, "msg-7", entries[len(entries)-1].Content)
	assert.Equal(t, "ana", entries[0].Username)
}

func TestRecentBacklogServedFromCache(t *testing.T) {
	s, _ := setupCachedStore(t, 5)
	ctx := context.Background()
	user := createUser(t, s, "ana")

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, user.ID, 1, user.Username, fmt.Sprintf("msg-%d", i), false)
		require.NoError(t, err)
	}

	// Emptying the durable log proves the full window is answered by the
	// cache alone.
	require.NoError(t, s.db.Exec("DELETE FROM messages").Error)

	entries, err := s.RecentBacklog(ctx, 1, 5)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "msg-0", entries[0].Content)
	assert.Equal(t, "msg-4", entries[len(entries)-1].Content)
}

func TestRecentBacklogFallsBackAfterCacheLoss(t *testing.T) {
	s, mr := setupCachedStore(t, 50)
	ctx := context.Background()
	user := createUser(t, s, "ana")

	for i := 0; i < 20; i++ {
		_, err := s.Append(ctx, user.ID, 1, user.Username, fmt.Sprintf("msg-%d", i), false)
		require.NoError(t, err)
	}

	// A cache restart leaves the list empty; the next append warms it with
	// a single entry while the durable log still holds everything.
	mr.FlushAll()
	_, err := s.Append(ctx, user.ID, 1, user.Username, "msg-20", false)
	require.NoError(t, err)

	entries, err := s.RecentBacklog(ctx, 1, 50)
	require.NoError(t, err)
	require.Len(t, entries, 21, "partial cache must not shadow the durable log")
	assert.Equal(t, "msg-0", entries[0].Content)
	assert.Equal(t, "msg-20", entries[len(entries)-1].Content)
}

func TestRecentBacklogFallsBackOnCorruptEntry(t *testing.T) {
	s, _ := setupCachedStore(t, 3)
	ctx := context.Background()
	user := createUser(t, s, "ana")

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, user.ID, 1, user.Username, fmt.Sprintf("msg-%d", i), false)
		require.NoError(t, err)
	}
	require.NoError(t, s.cache.LSet(ctx, backlogKey(1), 0, "not json").Err())

	entries, err := s.RecentBacklog(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "msg-0", entries[0].Content)
	assert.Equal(t, "ana", entries[0].Username)
}
