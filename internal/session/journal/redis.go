package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"ex10-server/internal/logging"
)

// DefaultRedisKey is the hash holding journal entries, one field per session.
const DefaultRedisKey = "ex10:sessions"

// RedisJournal stores entries as JSON fields of a single Redis hash.
type RedisJournal struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// OpenRedis connects to redisURL and pings it.
// URL format: redis://[:password@]host:port[/db] or rediss:// for TLS
func OpenRedis(redisURL string, l *zap.Logger) (*RedisJournal, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	j := NewRedisJournal(client, DefaultRedisKey, l)
	j.logger.Info("session journal ready", zap.String("driver", "redis"), zap.String("addr", opts.Addr))
	return j, nil
}

// NewRedisJournal wraps an existing client.
func NewRedisJournal(client *redis.Client, key string, l *zap.Logger) *RedisJournal {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisJournal{client: client, key: key, logger: logging.OrGlobal(l).Named("journal")}
}

// Record implements Journal.
func (j *RedisJournal) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return wrap("record", err)
	}
	return wrap("record", j.client.HSet(ctx, j.key, e.ID, data).Err())
}

// Forget implements Journal.
func (j *RedisJournal) Forget(ctx context.Context, id string) error {
	return wrap("forget", j.client.HDel(ctx, j.key, id).Err())
}

// List implements Journal. Unreadable fields are logged and skipped.
func (j *RedisJournal) List(ctx context.Context) ([]Entry, error) {
	fields, err := j.client.HGetAll(ctx, j.key).Result()
	if err != nil {
		return nil, wrap("list", err)
	}
	out := make([]Entry, 0, len(fields))
	for id, raw := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			j.logger.Warn("skipping corrupt journal entry", zap.String("id", id), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// Close implements Journal.
func (j *RedisJournal) Close() error {
	return j.client.Close()
}
