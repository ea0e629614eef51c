// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// keyPrefix namespaces every platform key in a shared Redis instance.
const keyPrefix = "agentflow"

// RedisStore is a Store backed by Redis, for memory shared across
// processes. Values are serialized as JSON.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given Redis URL (redis://host:port/db) and
// verifies the connection with a ping.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func redisKey(scope, key string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, scope, key)
}

func (s *RedisStore) Set(ctx context.Context, scope, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize value for %s/%s: %w", scope, key, err)
	}
	if err := s.client.Set(ctx, redisKey(scope, key), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store %s/%s: %w", scope, key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, scope, key string) (interface{}, bool, error) {
	data, err := s.client.Get(ctx, redisKey(scope, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s/%s: %w", scope, key, err)
	}

	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false, fmt.Errorf("failed to deserialize %s/%s: %w", scope, key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, scope, key string) error {
	if err := s.client.Del(ctx, redisKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", scope, key, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, scope string) ([]string, error) {
	prefix := fmt.Sprintf("%s:%s:", keyPrefix, scope)

	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan scope %s: %w", scope, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) DropScope(ctx context.Context, scope string) error {
	prefix := fmt.Sprintf("%s:%s:", keyPrefix, scope)

	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to drop scope %s: %w", scope, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan scope %s: %w", scope, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
