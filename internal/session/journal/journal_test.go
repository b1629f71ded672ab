package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func exerciseJournal(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, j.Record(ctx, Entry{ID: "b", Username: "ex10_user_bbbbbbbb", DisplayPort: 9001, CreatedAt: base.Add(time.Minute), State: StateProvisioning}))
	require.NoError(t, j.Record(ctx, Entry{ID: "a", Username: "ex10_user_aaaaaaaa", DisplayPort: 9000, CreatedAt: base, State: StateProvisioning}))

	// upsert moves the state forward without duplicating the row
	require.NoError(t, j.Record(ctx, Entry{ID: "a", Username: "ex10_user_aaaaaaaa", DisplayPort: 9000, CreatedAt: base, State: StateActive}))

	entries, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID, "oldest first")
	assert.Equal(t, StateActive, entries[0].State)
	assert.Equal(t, 9000, entries[0].DisplayPort)
	assert.Equal(t, "b", entries[1].ID)

	require.NoError(t, j.Forget(ctx, "a"))
	require.NoError(t, j.Forget(ctx, "never-recorded"))

	entries, err = j.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ex10_user_bbbbbbbb", entries[0].Username)
}

func TestGormJournal_SQLite(t *testing.T) {
	j, err := OpenSQLite(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer j.Close()

	exerciseJournal(t, j)
}

func TestRedisJournal(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)

	key := "ex10:test:" + t.Name()
	defer client.Del(context.Background(), key)

	j := NewRedisJournal(client, key, zaptest.NewLogger(t))
	defer j.Close()

	exerciseJournal(t, j)
}

func TestOpen_Dispatch(t *testing.T) {
	j, err := Open("", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, Nop{}, j)

	j, err = Open("none", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, Nop{}, j)

	j, err = Open(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &GormJournal{}, j)
	require.NoError(t, j.Close())

	_, err = Open("redis://%zz", zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var j Journal = Nop{}
	ctx := context.Background()
	assert.NoError(t, j.Record(ctx, Entry{ID: "x"}))
	entries, err := j.List(ctx)
	assert.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, j.Forget(ctx, "x"))
	assert.NoError(t, j.Close())
}
