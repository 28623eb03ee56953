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

package breaker

import (
	"sync"
	"time"

	"github.com/blinklabs-io/boa/retry"
)

// State is the circuit state for a single logical target
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the breaker thresholds. The zero value is not usable; use
// DefaultConfig as a starting point.
type Config struct {
	FailureThreshold int
	VolumeThreshold  int
	Window           time.Duration
	OpenTimeout      time.Duration
	MaxOpenTimeout   time.Duration
	SuccessThreshold int
	MaxProbes        int
}

// DefaultConfig returns the standard breaker thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		VolumeThreshold:  5,
		Window:           60 * time.Second,
		OpenTimeout:      30 * time.Second,
		MaxOpenTimeout:   5 * time.Minute,
		SuccessThreshold: 2,
		MaxProbes:        1,
	}
}

type outcome struct {
	at      time.Time
	failure bool
}

type target struct {
	mu             sync.Mutex
	state          State
	window         []outcome
	openSince      time.Time
	openTimeout    time.Duration
	probesInFlight int
	probeSuccesses int
}

// StateChangeFunc is invoked outside the target lock on every transition
type StateChangeFunc func(target string, from, to State)

// Breaker tracks per-target circuit state. A target is a logical
// destination, one breaker entry per chat.
type Breaker struct {
	cfg           Config
	mu            sync.RWMutex
	targets       map[string]*target
	onStateChange StateChangeFunc
	now           func() time.Time
}

// New creates a Breaker with the given config
func New(cfg Config, opts ...OptionFunc) *Breaker {
	b := &Breaker{
		cfg:     cfg,
		targets: make(map[string]*target),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OptionFunc configures a Breaker
type OptionFunc func(*Breaker)

// WithStateChangeFunc registers a transition callback
func WithStateChangeFunc(fn StateChangeFunc) OptionFunc {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) OptionFunc {
	return func(b *Breaker) {
		b.now = now
	}
}

// Guard executes op iff the breaker for the target permits, recording the
// outcome. When the circuit is open the call fails fast with a
// CircuitBlocked error carrying the recommended delay until the next
// probe window.
func (b *Breaker) Guard(name string, op func() error) error {
	tgt := b.target(name)
	retryIn, allowed := b.allow(name, tgt)
	if !allowed {
		return &retry.Error{
			Kind:       retry.KindCircuitBlocked,
			Message:    "circuit open for " + name,
			RetryAfter: retryIn,
		}
	}
	err := op()
	b.record(name, tgt, err)
	return err
}

// State returns the current state for a target. Targets never seen are
// reported closed.
func (b *Breaker) State(name string) State {
	b.mu.RLock()
	tgt, ok := b.targets[name]
	b.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	tgt.mu.Lock()
	defer tgt.mu.Unlock()
	return tgt.state
}

// States returns a snapshot of all tracked targets and their states
func (b *Breaker) States() map[string]State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ret := make(map[string]State, len(b.targets))
	for name, tgt := range b.targets {
		tgt.mu.Lock()
		ret[name] = tgt.state
		tgt.mu.Unlock()
	}
	return ret
}

func (b *Breaker) target(name string) *target {
	b.mu.RLock()
	tgt, ok := b.targets[name]
	b.mu.RUnlock()
	if ok {
		return tgt
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if tgt, ok = b.targets[name]; ok {
		return tgt
	}
	tgt = &target{
		state:       StateClosed,
		openTimeout: b.cfg.OpenTimeout,
	}
	b.targets[name] = tgt
	return tgt
}

// allow decides whether a call may proceed. In the open state it reports
// the remaining time until the next probe window.
func (b *Breaker) allow(name string, tgt *target) (time.Duration, bool) {
	now := b.now()
	tgt.mu.Lock()
	switch tgt.state {
	case StateClosed:
		tgt.mu.Unlock()
		return 0, true
	case StateOpen:
		elapsed := now.Sub(tgt.openSince)
		if elapsed < tgt.openTimeout {
			remaining := tgt.openTimeout - elapsed
			tgt.mu.Unlock()
			return remaining, false
		}
		// Timer expired: transition to half-open and admit this call as
		// the first probe
		tgt.state = StateHalfOpen
		tgt.probesInFlight = 1
		tgt.probeSuccesses = 0
		tgt.mu.Unlock()
		b.notify(name, StateOpen, StateHalfOpen)
		return 0, true
	case StateHalfOpen:
		if tgt.probesInFlight >= b.cfg.MaxProbes {
			remaining := tgt.openTimeout
			tgt.mu.Unlock()
			return remaining, false
		}
		tgt.probesInFlight++
		tgt.mu.Unlock()
		return 0, true
	}
	tgt.mu.Unlock()
	return 0, true
}

// record feeds an outcome into the target's rolling window and applies
// state transitions
func (b *Breaker) record(name string, tgt *target, err error) {
	kind := retry.Classify(err)
	if kind == retry.KindCircuitBlocked {
		// Our own fast-fail; nothing to record
		return
	}
	failure := err != nil && kind.CountsAsFailure()
	now := b.now()

	var from, to State
	transitioned := false

	tgt.mu.Lock()
	switch tgt.state {
	case StateClosed:
		tgt.window = append(tgt.window, outcome{at: now, failure: failure})
		b.pruneLocked(tgt, now)
		failures := 0
		for _, o := range tgt.window {
			if o.failure {
				failures++
			}
		}
		if len(tgt.window) >= b.cfg.VolumeThreshold &&
			failures >= b.cfg.FailureThreshold {
			from, to = tgt.state, StateOpen
			transitioned = true
			tgt.state = StateOpen
			tgt.openSince = now
			tgt.window = nil
		}
	case StateHalfOpen:
		if tgt.probesInFlight > 0 {
			tgt.probesInFlight--
		}
		if failure {
			// Any probe failure re-opens with a doubled timeout
			from, to = tgt.state, StateOpen
			transitioned = true
			tgt.state = StateOpen
			tgt.openSince = now
			tgt.probeSuccesses = 0
			tgt.openTimeout = min(tgt.openTimeout*2, b.cfg.MaxOpenTimeout)
		} else {
			tgt.probeSuccesses++
			if tgt.probeSuccesses >= b.cfg.SuccessThreshold {
				from, to = tgt.state, StateClosed
				transitioned = true
				tgt.state = StateClosed
				tgt.window = nil
				tgt.openTimeout = b.cfg.OpenTimeout
			}
		}
	case StateOpen:
		// A call admitted before the transition finished; treat a
		// failure as re-opening the window
		if failure {
			tgt.openSince = now
		}
	}
	tgt.mu.Unlock()

	if transitioned {
		b.notify(name, from, to)
	}
}

// pruneLocked drops outcomes older than the rolling window. Caller holds
// the target lock.
func (b *Breaker) pruneLocked(tgt *target, now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	idx := 0
	for ; idx < len(tgt.window); idx++ {
		if tgt.window[idx].at.After(cutoff) {
			break
		}
	}
	if idx > 0 {
		tgt.window = tgt.window[idx:]
	}
}

func (b *Breaker) notify(name string, from, to State) {
	if b.onStateChange != nil {
		b.onStateChange(name, from, to)
	}
}
