// Package redisstore keeps offline queues in Redis lists, one list per user.
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

// DefaultKeyPrefix namespaces queue keys: aphila:queue:<user>
const DefaultKeyPrefix = "aphila:queue:"

type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Logger    *zap.Logger
}

// Store implements queue.Store on Redis
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// Dial connects to Redis and verifies the connection
func Dial(ctx context.Context, c Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "failed to reach redis at %s", c.Addr)
	}
	s := New(rdb, c.KeyPrefix)
	if c.Logger != nil {
		s.logger = c.Logger
	}
	return s, nil
}

// New wraps an existing client
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, logger: zap.NewNop()}
}

func (s *Store) key(userID string) string { return s.prefix + userID }

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Append pushes to the tail and trims the head in one MULTI
func (s *Store) Append(ctx context.Context, userID string, env types.Envelope, capacity int) (int, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, errors.Wrap(err, "encode envelope")
	}

	key := s.key(userID)
	var push *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		push = p.RPush(ctx, key, data)
		p.LTrim(ctx, key, int64(-capacity), -1)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "append to queue")
	}
	return overflow(push.Val(), capacity), nil
}

// Prepend pushes envs to the head in order and trims to the newest capacity entries
func (s *Store) Prepend(ctx context.Context, userID string, envs []types.Envelope, capacity int) (int, error) {
	if len(envs) == 0 {
		return 0, nil
	}

	// LPUSH inserts each value at the head, so push newest first
	values := make([]interface{}, 0, len(envs))
	for i := len(envs) - 1; i >= 0; i-- {
		data, err := json.Marshal(envs[i])
		if err != nil {
			return 0, errors.Wrap(err, "encode envelope")
		}
		values = append(values, data)
	}

	key := s.key(userID)
	var push *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		push = p.LPush(ctx, key, values...)
		p.LTrim(ctx, key, int64(-capacity), -1)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "prepend to queue")
	}
	return overflow(push.Val(), capacity), nil
}

// Take reads and deletes the list atomically. Entries that do not decode
// are logged and dropped so they cannot hold back the rest of the queue.
func (s *Store) Take(ctx context.Context, userID string) ([]types.Envelope, error) {
	key := s.key(userID)
	var read *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		read = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "take queue")
	}
	return s.decode(key, read.Val()), nil
}

func (s *Store) List(ctx context.Context, userID string) ([]types.Envelope, error) {
	key := s.key(userID)
	raw, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list queue")
	}
	return s.decode(key, raw), nil
}

func (s *Store) Delete(ctx context.Context, userID string) (int, error) {
	key := s.key(userID)
	var length *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		length = p.LLen(ctx, key)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "delete queue")
	}
	return int(length.Val()), nil
}

func (s *Store) Len(ctx context.Context, userID string) (int, error) {
	n, err := s.rdb.LLen(ctx, s.key(userID)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "queue length")
	}
	return int(n), nil
}

// PruneBefore scans every queue key and rewrites lists holding expired
// envelopes. A list modified mid-rewrite is skipped until the next sweep.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	pruned := 0
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.pruneKey(ctx, iter.Val(), cutoff)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return pruned, err
		}
		pruned += n
	}
	if err := iter.Err(); err != nil {
		return pruned, errors.Wrap(err, "scan queues")
	}
	return pruned, nil
}

func (s *Store) pruneKey(ctx context.Context, key string, cutoff time.Time) (int, error) {
	pruned := 0
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		// undecodable entries can never be delivered, so the sweep drops them too
		kept := make([]interface{}, 0, len(raw))
		for _, item := range raw {
			env, err := parse(item)
			if err != nil {
				s.logger.Warn("Dropping undecodable queue entry",
					zap.String("key", key), zap.Error(err))
				continue
			}
			if env.CreatedAt.Before(cutoff) {
				continue
			}
			kept = append(kept, item)
		}
		if len(kept) == len(raw) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			if len(kept) > 0 {
				p.RPush(ctx, key, kept...)
			}
			return nil
		})
		if err == nil {
			pruned = len(raw) - len(kept)
		}
		return err
	}, key)
	return pruned, err
}

func (s *Store) decode(key string, raw []string) []types.Envelope {
	envs := make([]types.Envelope, 0, len(raw))
	for i, item := range raw {
		env, err := parse(item)
		if err != nil {
			s.logger.Warn("Skipping undecodable queue entry",
				zap.String("key", key), zap.Int("index", i), zap.Error(err))
			continue
		}
		envs = append(envs, env)
	}
	return envs
}

func parse(item string) (types.Envelope, error) {
	var env types.Envelope
	if err := json.Unmarshal([]byte(item), &env); err != nil {
		return env, errors.Wrap(err, "decode queued envelope")
	}
	return env, nil
}

func overflow(length int64, capacity int) int {
	if over := int(length) - capacity; over > 0 {
		return over
	}
	return 0
}
