package ambassador

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServerService(t testing.TB) *ServerService {
	t.Helper()
	db := setupTestDB(t)
	return NewServerService(NewDatabase(db, nil, false), nil, nil)
}

func TestServerService_Get(t *testing.T) {
	s := newTestServerService(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrGuildOnly)

	server, err := s.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, testGuildID, server.ID)
	assert.Equal(t, DefaultWarningThreshold, server.WarningThreshold)

	servers, err := s.List(ctx, Pagination{})
	require.NoError(t, err)
	assert.Len(t, servers, 1)
}

func TestServerService_DefaultWarningThreshold(t *testing.T) {
	s := newTestServerService(t)
	s.defaultWarningThreshold = func() int { return 4 }

	server, err := s.Get(context.Background(), testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 4, server.WarningThreshold)
}

func TestServerService_Setters(t *testing.T) {
	s := newTestServerService(t)
	ctx := context.Background()
	var updated []string
	s.onUpdate = func(_ context.Context, guildID string) {
		updated = append(updated, guildID)
	}

	server, err := s.SetWarningThreshold(ctx, testGuildID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, server.WarningThreshold)

	_, err = s.SetWarningThreshold(ctx, testGuildID, 101)
	assert.ErrorIs(t, err, ErrInvalidWarningThreshold)
	_, err = s.SetWarningThreshold(ctx, testGuildID, -1)
	assert.ErrorIs(t, err, ErrInvalidWarningThreshold)

	server, err = s.SetWarningThreshold(ctx, testGuildID, 0)
	require.NoError(t, err)
	assert.Zero(t, server.WarningThreshold, "0 disables automatic bans")

	server, err = s.SetModerationLogChannel(ctx, testGuildID, testChannelID)
	require.NoError(t, err)
	assert.Equal(t, testChannelID, server.ModerationLogChannelID)

	server, err = s.SetModeratorRole(ctx, testGuildID, testRoleID)
	require.NoError(t, err)
	assert.Equal(t, testRoleID, server.ModeratorRoleID)

	server, err = s.SetRequireOptIn(ctx, testGuildID, true)
	require.NoError(t, err)
	assert.True(t, server.RequireTransformationOptIn)

	require.NoError(t, s.SetName(ctx, testGuildID, "Den"))
	require.NoError(t, s.SetName(ctx, testGuildID, "Den"), "unchanged names aren't written")
	server, err = s.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "Den", server.Name)

	assert.Len(t, updated, 6)
}

func TestServerService_Invalidate(t *testing.T) {
	s := newTestServerService(t)
	ctx := context.Background()

	_, err := s.Get(ctx, testGuildID)
	require.NoError(t, err)

	// written behind the cache's back, as another instance would
	require.NoError(
		t, s.db.DB().Model(&Server{ID: testGuildID}).Update(columnServerWarningThreshold, 9).Error,
	)
	server, err := s.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Zero(t, server.WarningThreshold, "cached value")

	s.Invalidate(ctx, testGuildID)
	server, err = s.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 9, server.WarningThreshold)
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	var got Server
	found, err := c.Get(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "s", Server{ID: "1", WarningThreshold: 2}))
	found, err = c.Get(ctx, "s", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, got.WarningThreshold)

	now = now.Add(2 * time.Minute)
	found, err = c.Get(ctx, "s", &got)
	require.NoError(t, err)
	assert.False(t, found, "entries expire after the ttl")

	require.NoError(t, c.Set(ctx, "s", Server{ID: "1"}))
	require.NoError(t, c.Delete(ctx, "s"))
	found, err = c.Get(ctx, "s", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, c.Close())
}

func TestRedisCacheKey(t *testing.T) {
	assert.Equal(t, "amb:server:1", newRedisCache(nil, "amb", time.Minute).key("server:1"))
	assert.Equal(t, "server:1", newRedisCache(nil, "", time.Minute).key("server:1"))
}
