package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/harun/vice/pkg/chat"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const maxTxRetries = 8

// RedisConfig configures a RedisStore
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// RedisStore is a Store backed by Redis. Sessions are JSON strings under
// <prefix>:session:<id>, ids live in the <prefix>:sessions set and the
// pending queue is the list <prefix>:session:<id>:pending.
type RedisStore struct {
	logger zerolog.Logger
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, logger zerolog.Logger, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "vice"
	}

	store := &RedisStore{
		logger: logger.With().Str("component", "session.redis").Logger(),
		client: client,
		prefix: prefix,
	}
	store.logger.Info().Str("addr", cfg.Addr).Str("prefix", prefix).Msg("Redis session store connected")
	return store, nil
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + ":session:" + id
}

func (s *RedisStore) pendingKey(id string) string {
	return s.prefix + ":session:" + id + ":pending"
}

func (s *RedisStore) idsKey() string {
	return s.prefix + ":sessions"
}

func (s *RedisStore) Create(ctx context.Context, sess *chat.Session) error {
	if sess == nil || sess.ID == "" {
		return chat.Errorf(chat.CodeInvalidInput, "session id is required")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.sessionKey(sess.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !created {
		return chat.Errorf(chat.CodeInvalidInput, "session %s already exists", sess.ID)
	}

	if err := s.client.SAdd(ctx, s.idsKey(), sess.ID).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*chat.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decodeSession(data)
}

func (s *RedisStore) Touch(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, func(sess *chat.Session) error {
		return touch(sess, at)
	})
}

func (s *RedisStore) Expire(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, func(sess *chat.Session) error {
		expire(sess, at)
		return nil
	})
}

// update applies fn to the stored session under WATCH so concurrent
// writers from other processes cannot interleave.
func (s *RedisStore) update(ctx context.Context, id string, fn func(*chat.Session) error) error {
	key := s.sessionKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(id)
		}
		if err != nil {
			return err
		}

		sess, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}

		out, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.logger.Debug().Str("session_id", id).Int("attempt", i+1).Msg("Session update conflicted, retrying")
	}
	return fmt.Errorf("failed to update session %s: too much contention", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(id), s.pendingKey(id))
		pipe.SRem(ctx, s.idsKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*chat.Session, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []*chat.Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	out := make([]*chat.Session, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a session; drop it.
			s.client.SRem(ctx, s.idsKey(), ids[i])
			continue
		}
		sess, err := decodeSession([]byte(raw))
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", ids[i]).Msg("Skipping unreadable session")
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) PushPending(ctx context.Context, id string, ev chat.Event) error {
	exists, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return notFound(id)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.RPush(ctx, s.pendingKey(id), data).Err(); err != nil {
		return fmt.Errorf("failed to queue event: %w", err)
	}
	return nil
}

func (s *RedisStore) DrainPending(ctx context.Context, id string) ([]chat.Event, error) {
	var exists *redis.IntCmd
	var lrange *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, s.sessionKey(id))
		lrange = pipe.LRange(ctx, s.pendingKey(id), 0, -1)
		pipe.Del(ctx, s.pendingKey(id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain pending events: %w", err)
	}
	if exists.Val() == 0 {
		return nil, notFound(id)
	}

	items := lrange.Val()
	events := make([]chat.Event, 0, len(items))
	for _, item := range items {
		var ev chat.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Dropping unreadable pending event")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *RedisStore) PendingCount(ctx context.Context, id string) (int, error) {
	var exists, llen *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, s.sessionKey(id))
		llen = pipe.LLen(ctx, s.pendingKey(id))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	if exists.Val() == 0 {
		return 0, notFound(id)
	}
	return int(llen.Val()), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeSession(data []byte) (*chat.Session, error) {
	var sess chat.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}
