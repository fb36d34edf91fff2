// Copyright 2025 The Tailsec Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisBackend   = "redis"
	redisKeyPrefix = "csbouncer:"
	redisTagPrefix = redisKeyPrefix + "tag:"
)

// Redis stores entries under a common key prefix so that Clear never
// touches keys owned by other applications sharing the database. Tag
// membership is tracked in one set per tag.
type Redis struct {
	client *redis.Client
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]Item
}

// NewRedis connects to the instance described by dsn, e.g.
// "redis://localhost:6379/0".
func NewRedis(dsn string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, storageErr(redisBackend, "open", err)
	}

	return &Redis{
		client:  redis.NewClient(opts),
		logger:  logger,
		pending: make(map[string]Item),
	}, nil
}

func redisKey(key string) string {
	return redisKeyPrefix + encodeKey(key)
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	if item, ok := s.pending[key]; ok {
		s.mu.Unlock()
		if item.expired(time.Now()) {
			observeLookup(redisBackend, false)
			return nil, false, nil
		}
		observeLookup(redisBackend, true)
		return item.Value, true, nil
	}
	s.mu.Unlock()

	b, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			observeLookup(redisBackend, false)
			return nil, false, nil
		}
		return nil, false, storageErr(redisBackend, "get", err)
	}

	observeLookup(redisBackend, true)
	return b, true, nil
}

func (s *Redis) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *Redis) Put(_ context.Context, item Item) error {
	if err := checkSize(redisBackend, item); err != nil {
		return err
	}

	s.mu.Lock()
	s.pending[item.Key] = item
	s.mu.Unlock()

	return nil
}

// Commit flushes the deferred batch in a single transactional pipeline;
// other clients observe either none or all of the batch.
func (s *Redis) Commit(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]Item)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	now := time.Now()
	for key, item := range batch {
		rkey := redisKey(key)
		if item.expired(now) {
			pipe.Del(ctx, rkey)
			continue
		}

		var ttl time.Duration
		if !item.Expiry.IsZero() {
			ttl = item.Expiry.Sub(now)
		}
		pipe.Set(ctx, rkey, item.Value, ttl)
		for _, tag := range item.Tags {
			pipe.SAdd(ctx, redisTagPrefix+tag, rkey)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr(redisBackend, "commit", err)
	}

	return nil
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()

	if err := s.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return storageErr(redisBackend, "delete", err)
	}

	return nil
}

func (s *Redis) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.pending = make(map[string]Item)
	s.mu.Unlock()

	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 512).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 512 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return storageErr(redisBackend, "clear", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return storageErr(redisBackend, "clear", err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return storageErr(redisBackend, "clear", err)
		}
	}

	return nil
}

func (s *Redis) ClearByTag(ctx context.Context, tag string) error {
	s.mu.Lock()
	for key, item := range s.pending {
		for _, t := range item.Tags {
			if t == tag {
				delete(s.pending, key)
				break
			}
		}
	}
	s.mu.Unlock()

	tagSet := redisTagPrefix + tag
	members, err := s.client.SMembers(ctx, tagSet).Result()
	if err != nil {
		return storageErr(redisBackend, "clear_by_tag", err)
	}

	for len(members) > 0 {
		n := min(len(members), 512)
		if err := s.client.Del(ctx, members[:n]...).Err(); err != nil {
			return storageErr(redisBackend, "clear_by_tag", err)
		}
		members = members[n:]
	}

	if err := s.client.Del(ctx, tagSet).Err(); err != nil {
		return storageErr(redisBackend, "clear_by_tag", err)
	}

	return nil
}

func (s *Redis) Prune(_ context.Context) error {
	return ErrPruneUnsupported
}

func (s *Redis) Close() error {
	return s.client.Close()
}

var _ Store = (*Redis)(nil)
