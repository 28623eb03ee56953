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

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status is a component (or composite) health state
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// ComponentStatus is one component's contribution to /health
type ComponentStatus struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// StatusFunc reports a component's current health
type StatusFunc func() ComponentStatus

// API is the bridge's HTTP surface: liveness, composite health, and
// whatever routes the components register (readiness, metrics, traces,
// DLQ). One instance per process, built in main and torn down first.
type API struct {
	engine *gin.Engine
	server *http.Server
	logger *slog.Logger
	host   string
	port   uint

	mu          sync.RWMutex
	statusFuncs []StatusFunc
}

// Option configures an API
type Option func(*API)

// WithHost sets the listen address
func WithHost(host string) Option {
	return func(a *API) {
		a.host = host
	}
}

// WithPort sets the listen port
func WithPort(port uint) Option {
	return func(a *API) {
		a.port = port
	}
}

// WithDebug leaves gin in debug mode (console colours, route dump)
func WithDebug() Option {
	return func(a *API) {
		gin.SetMode(gin.DebugMode)
	}
}

// New builds the router with the built-in liveness and health routes.
// The logger carries the access log; it must not be nil.
func New(logger *slog.Logger, options ...Option) *API {
	gin.SetMode(gin.ReleaseMode)
	a := &API{
		logger: logger,
		host:   "0.0.0.0",
		port:   8080,
	}
	for _, option := range options {
		option(a)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), a.accessLog())
	engine.GET("/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": StatusUp})
	})
	engine.GET("/health", a.handleHealth)
	a.engine = engine
	return a
}

// Handler exposes the router, for tests and embedding
func (a *API) Handler() http.Handler {
	return a.engine
}

// Handle registers an extra route on the router
func (a *API) Handle(method, path string, handlers ...gin.HandlerFunc) {
	a.engine.Handle(method, path, handlers...)
}

// RegisterStatusFunc adds a component health reporter queried by
// /health. Register everything before Start.
func (a *API) RegisterStatusFunc(fn StatusFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusFuncs = append(a.statusFuncs, fn)
}

// Start begins serving in the background. Listen errors after startup
// are logged; the caller owns process lifetime.
func (a *API) Start() error {
	addr := net.JoinHostPort(a.host, fmt.Sprintf("%d", a.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	a.server = &http.Server{
		Handler:           a.engine,
		ReadHeaderTimeout: 60 * time.Second,
	}
	a.logger.Info("API listening", "address", addr)
	go func() {
		err := a.server.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			a.logger.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down, draining in-flight requests within the
// given timeout
func (a *API) Stop(timeout time.Duration) error {
	if a.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.server.Shutdown(ctx)
}

// accessLog emits one structured log line per request
func (a *API) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// handleHealth aggregates the registered component reporters: any DOWN
// component takes the composite DOWN (503); any DEGRADED component
// degrades it; otherwise UP.
func (a *API) handleHealth(c *gin.Context) {
	a.mu.RLock()
	reporters := make([]StatusFunc, len(a.statusFuncs))
	copy(reporters, a.statusFuncs)
	a.mu.RUnlock()

	overall := StatusUp
	components := gin.H{}
	for _, fn := range reporters {
		status := fn()
		entry := gin.H{"status": status.Status}
		if status.Detail != "" {
			entry["detail"] = status.Detail
		}
		components[status.Name] = entry
		switch status.Status {
		case StatusDown:
			overall = StatusDown
		case StatusDegraded:
			if overall == StatusUp {
				overall = StatusDegraded
			}
		}
	}

	code := http.StatusOK
	if overall == StatusDown {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     overall,
		"components": components,
	})
}
