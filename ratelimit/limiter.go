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
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/boa/plugin"
)

const globalKey = "global"

// Config holds the two-tier limiter parameters
type Config struct {
	Global  BucketConfig
	PerChat BucketConfig
	IdleTTL time.Duration
}

// DefaultConfig returns the Telegram bot API limits: 30 messages/second
// overall, 1 message/second per chat
func DefaultConfig() Config {
	return Config{
		Global:  BucketConfig{Capacity: 30, RefillRate: 30},
		PerChat: BucketConfig{Capacity: 1, RefillRate: 1},
		IdleTTL: time.Hour,
	}
}

// waitLock is a cancellable FIFO lock. Blocked senders on a channel are
// served in arrival order, which gives waiters on the same bucket FIFO
// service.
type waitLock chan struct{}

func newWaitLock() waitLock {
	return make(waitLock, 1)
}

func (l waitLock) lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l waitLock) unlock() {
	<-l
}

type chatState struct {
	wait     waitLock
	lastUsed atomic.Int64 // unix nanos
}

// Limiter coordinates the global and per-chat token buckets. Acquire
// takes one token from both; TryAcquire is the non-blocking variant.
// When a shared (redis) store is configured and becomes unreachable the
// limiter degrades to the process-local store and reports it.
type Limiter struct {
	cfg    Config
	local  Store
	remote Store

	globalWait waitLock
	mu         sync.Mutex
	chats      map[int64]*chatState

	degraded  atomic.Bool
	lastProbe atomic.Int64
	logger    plugin.Logger
	now       func() time.Time
}

// LimiterOptionFunc configures a Limiter
type LimiterOptionFunc func(*Limiter)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger plugin.Logger) LimiterOptionFunc {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithSharedStore configures a distributed token backend. The limiter
// falls back to its local store when the backend errors.
func WithSharedStore(store Store) LimiterOptionFunc {
	return func(l *Limiter) {
		l.remote = store
	}
}

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) LimiterOptionFunc {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter with the given config
func New(cfg Config, opts ...LimiterOptionFunc) *Limiter {
	l := &Limiter{
		cfg:        cfg,
		local:      NewLocalStore(),
		globalWait: newWaitLock(),
		chats:      make(map[int64]*chatState),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func chatKey(chatID int64) string {
	return "chat:" + strconv.FormatInt(chatID, 10)
}

// store returns the active token backend, probing a degraded remote at
// most once per 30s
func (l *Limiter) store(ctx context.Context) Store {
	if l.remote == nil {
		return l.local
	}
	if !l.degraded.Load() {
		return l.remote
	}
	// Degraded: probe the backend occasionally and recover when it's back
	now := l.now().UnixNano()
	last := l.lastProbe.Load()
	if now-last > int64(30*time.Second) &&
		l.lastProbe.CompareAndSwap(last, now) {
		if err := l.remote.Ping(ctx); err == nil {
			l.degraded.Store(false)
			if l.logger != nil {
				l.logger.Info("rate limiter backend recovered",
					"backend", l.remote.Name(),
				)
			}
			return l.remote
		}
	}
	return l.local
}

// take wraps Store.Take with degradation to the local store
func (l *Limiter) take(
	ctx context.Context,
	key string,
	cfg BucketConfig,
) (bool, time.Duration) {
	now := l.now()
	store := l.store(ctx)
	ok, wait, err := store.Take(ctx, key, cfg, now)
	if err == nil {
		return ok, wait
	}
	if store == l.remote {
		l.markDegraded(err)
		ok, wait, _ = l.local.Take(ctx, key, cfg, now)
		return ok, wait
	}
	return false, time.Second
}

func (l *Limiter) give(ctx context.Context, key string, cfg BucketConfig) {
	now := l.now()
	store := l.store(ctx)
	if err := store.Give(ctx, key, cfg, now); err != nil {
		if store == l.remote {
			l.markDegraded(err)
			_ = l.local.Give(ctx, key, cfg, now)
		}
	}
}

func (l *Limiter) markDegraded(err error) {
	if l.degraded.CompareAndSwap(false, true) {
		l.lastProbe.Store(l.now().UnixNano())
		if l.logger != nil {
			l.logger.Warn("rate limiter backend unavailable, using local buckets",
				"backend", l.remote.Name(),
				"error", err,
			)
		}
	}
}

func (l *Limiter) chat(chatID int64) *chatState {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs, ok := l.chats[chatID]
	if !ok {
		cs = &chatState{wait: newWaitLock()}
		l.chats[chatID] = cs
	}
	cs.lastUsed.Store(l.now().UnixNano())
	return cs
}

// TryAcquire attempts to take one token from both the global and the
// per-chat bucket without blocking. A partial take is rolled back.
func (l *Limiter) TryAcquire(chatID int64) bool {
	ctx := context.Background()
	l.chat(chatID)
	ok, _ := l.take(ctx, globalKey, l.cfg.Global)
	if !ok {
		return false
	}
	ok, _ = l.take(ctx, chatKey(chatID), l.cfg.PerChat)
	if !ok {
		// Roll back the global token so other chats aren't starved
		l.give(ctx, globalKey, l.cfg.Global)
		return false
	}
	return true
}

// Acquire blocks until one token is available from both the global and
// the per-chat bucket, or ctx is cancelled. Cancellation leaves no
// tokens held.
func (l *Limiter) Acquire(ctx context.Context, chatID int64) error {
	cs := l.chat(chatID)

	// Waiters on the same chat are served in arrival order
	if err := cs.wait.lock(ctx); err != nil {
		return err
	}
	defer cs.wait.unlock()

	// Global bucket first, with its own FIFO waiter order
	if err := l.globalWait.lock(ctx); err != nil {
		return err
	}
	err := l.waitTake(ctx, globalKey, l.cfg.Global)
	l.globalWait.unlock()
	if err != nil {
		return err
	}

	// Then the per-chat bucket; roll back the global token on cancel
	if err := l.waitTake(ctx, chatKey(chatID), l.cfg.PerChat); err != nil {
		l.give(context.WithoutCancel(ctx), globalKey, l.cfg.Global)
		return err
	}
	return nil
}

// waitTake loops on take until a token is held or ctx is done
func (l *Limiter) waitTake(
	ctx context.Context,
	key string,
	cfg BucketConfig,
) error {
	for {
		ok, wait := l.take(ctx, key, cfg)
		if ok {
			return nil
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Degraded reports whether the shared backend is unavailable and the
// limiter is running on local buckets
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}

// Backend names the active token backend for health output
func (l *Limiter) Backend() string {
	if l.remote != nil && !l.degraded.Load() {
		return l.remote.Name()
	}
	return l.local.Name()
}

// EvictIdle releases per-chat state untouched for the idle TTL, bounding
// memory for long-running processes. Returns the number of chats
// released.
func (l *Limiter) EvictIdle() int {
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	evicted := 0
	l.mu.Lock()
	for chatID, cs := range l.chats {
		if time.Unix(0, cs.lastUsed.Load()).Before(cutoff) {
			delete(l.chats, chatID)
			evicted++
		}
	}
	l.mu.Unlock()
	if ls, ok := l.local.(*localStore); ok {
		ls.evictIdle(cutoff)
	}
	return evicted
}

// Janitor runs idle eviction on the given interval until ctx is done
func (l *Limiter) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.EvictIdle(); n > 0 && l.logger != nil {
				l.logger.Debug(
					fmt.Sprintf("evicted %d idle rate limiter buckets", n),
				)
			}
		}
	}
}
