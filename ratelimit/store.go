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
	"sync"
	"time"
)

// Store is the token backend for the limiter. The local implementation
// keeps buckets in process memory; the redis implementation shares them
// across nodes and degrades to local when the backend is unreachable.
type Store interface {
	// Take removes one token from the named bucket, or reports the wait
	// until one is available
	Take(ctx context.Context, key string, cfg BucketConfig, now time.Time) (bool, time.Duration, error)
	// Give returns one token to the named bucket (rollback of a partial
	// two-bucket take)
	Give(ctx context.Context, key string, cfg BucketConfig, now time.Time) error
	// Ping checks backend reachability
	Ping(ctx context.Context) error
	// Name identifies the backend in health output
	Name() string
}

type localStore struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewLocalStore creates the process-local token backend
func NewLocalStore() Store {
	return &localStore{
		buckets: make(map[string]*Bucket),
	}
}

func (s *localStore) bucket(key string, cfg BucketConfig, now time.Time) *Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = NewBucket(cfg, now)
		s.buckets[key] = b
	}
	return b
}

func (s *localStore) Take(
	_ context.Context,
	key string,
	cfg BucketConfig,
	now time.Time,
) (bool, time.Duration, error) {
	ok, wait := s.bucket(key, cfg, now).TryTake(now)
	return ok, wait, nil
}

func (s *localStore) Give(
	_ context.Context,
	key string,
	cfg BucketConfig,
	now time.Time,
) error {
	s.bucket(key, cfg, now).Give(now)
	return nil
}

func (s *localStore) Ping(_ context.Context) error {
	return nil
}

func (s *localStore) Name() string {
	return "local"
}

// evictIdle drops buckets untouched since the cutoff and returns the
// number evicted
func (s *localStore) evictIdle(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for key, b := range s.buckets {
		if b.IdleSince().Before(cutoff) {
			delete(s.buckets, key)
			evicted++
		}
	}
	return evicted
}
