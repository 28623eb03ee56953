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

package pipeline

import (
	"time"

	"github.com/blinklabs-io/boa/breaker"
	"github.com/blinklabs-io/boa/fragment"
	"github.com/blinklabs-io/boa/plugin"
	"github.com/blinklabs-io/boa/queue"
	"github.com/blinklabs-io/boa/ratelimit"
	"github.com/blinklabs-io/boa/retry"
	"github.com/blinklabs-io/boa/tracker"
)

// PipelineOptionFunc is a function type for configuring Pipeline
type PipelineOptionFunc func(*Pipeline)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger plugin.Logger) PipelineOptionFunc {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithStore specifies the persistent queue
func WithStore(store *queue.Store) PipelineOptionFunc {
	return func(p *Pipeline) {
		p.store = store
	}
}

// WithRateLimiter specifies the two-tier rate limiter
func WithRateLimiter(limiter *ratelimit.Limiter) PipelineOptionFunc {
	return func(p *Pipeline) {
		p.limiter = limiter
	}
}

// WithBreaker specifies the per-chat circuit breaker
func WithBreaker(b *breaker.Breaker) PipelineOptionFunc {
	return func(p *Pipeline) {
		p.breaker = b
	}
}

// WithTracker specifies the correlation tracker
func WithTracker(t *tracker.Tracker) PipelineOptionFunc {
	return func(p *Pipeline) {
		p.tracker = t
	}
}

// WithRenderer specifies the event renderer
func WithRenderer(r Renderer) PipelineOptionFunc {
	return func(p *Pipeline) {
		p.renderer = r
	}
}

// WithRetryPolicy specifies the retry schedule
func WithRetryPolicy(policy retry.Policy) PipelineOptionFunc {
	return func(p *Pipeline) {
		p.policy = policy
	}
}

// WithFragmentConfig specifies the large-message parameters
func WithFragmentConfig(cfg fragment.Config) PipelineOptionFunc {
	return func(p *Pipeline) {
		p.fragCfg = cfg
	}
}

// WithWorkers sets the delivery worker count
func WithWorkers(workers int) PipelineOptionFunc {
	return func(p *Pipeline) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

// WithShutdownTimeout bounds the graceful drain on Stop
func WithShutdownTimeout(timeout time.Duration) PipelineOptionFunc {
	return func(p *Pipeline) {
		if timeout > 0 {
			p.shutdownTimeout = timeout
		}
	}
}

// WithTraceRetention sets how long archived traces are kept
func WithTraceRetention(retention time.Duration) PipelineOptionFunc {
	return func(p *Pipeline) {
		if retention > 0 {
			p.traceRetention = retention
		}
	}
}
