// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript implements the continuous-refill token bucket atomically on
// the Redis side. State is a hash of {tokens, ts} (ts in microseconds).
// Returns {allowed, wait_us}. Keys expire after the configured idle TTL,
// which bounds memory on the backend.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = (now - ts) / 1000000
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / rate * 1000000)
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, ttl)
return {allowed, wait}
`)

var giveScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local state = redis.call('HGET', key, 'tokens')
local tokens = tonumber(state)
if tokens == nil then
  return 0
end
redis.call('HSET', key, 'tokens', math.min(capacity, tokens + 1))
return 1
`)

type redisStore struct {
	client  *redis.Client
	prefix  string
	idleTTL time.Duration
}

// NewRedisStore creates a Redis-backed token backend shared across
// bridge nodes
func NewRedisStore(
	client *redis.Client,
	prefix string,
	idleTTL time.Duration,
) Store {
	if prefix == "" {
		prefix = "boa:rate"
	}
	return &redisStore{
		client:  client,
		prefix:  prefix,
		idleTTL: idleTTL,
	}
}

func (s *redisStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *redisStore) Take(
	ctx context.Context,
	key string,
	cfg BucketConfig,
	now time.Time,
) (bool, time.Duration, error) {
	res, err := takeScript.Run(
		ctx,
		s.client,
		[]string{s.key(key)},
		cfg.Capacity,
		cfg.RefillRate,
		now.UnixMicro(),
		s.idleTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis token take: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf(
			"redis token take: unexpected result length %d",
			len(res),
		)
	}
	allowed := res[0] == 1
	wait := time.Duration(res[1]) * time.Microsecond
	return allowed, wait, nil
}

func (s *redisStore) Give(
	ctx context.Context,
	key string,
	cfg BucketConfig,
	_ time.Time,
) error {
	err := giveScript.Run(
		ctx,
		s.client,
		[]string{s.key(key)},
		cfg.Capacity,
	).Err()
	if err != nil {
		return fmt.Errorf("redis token give: %w", err)
	}
	return nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Name() string {
	return "redis"
}
