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
	"errors"
	"net/http"
	"strconv"

	"github.com/blinklabs-io/boa/queue"
	"github.com/blinklabs-io/boa/tracker"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyChecker gates the /ready endpoint. Implemented by the pipeline.
type ReadyChecker interface {
	Ready() bool
}

// RegisterReadyRoute exposes /ready, which turns UP once intake has
// started and crash recovery completed
func (a *API) RegisterReadyRoute(checker ReadyChecker) {
	a.engine.GET("/ready", func(c *gin.Context) {
		if checker != nil && checker.Ready() {
			c.JSON(http.StatusOK, gin.H{"status": StatusUp})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": StatusDown})
	})
}

// RegisterMetricsRoute exposes the prometheus registry at /metrics
func (a *API) RegisterMetricsRoute(registry *prometheus.Registry) {
	a.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{},
	)))
}

// DeadLetterLister provides read access to the DLQ. Implemented by the
// queue store; the API never mutates dead-lettered entries.
type DeadLetterLister interface {
	ListDeadLetters(limit int) ([]*queue.Entry, error)
}

// RegisterDLQRoute exposes the dead-letter queue for inspection at /dlq
func (a *API) RegisterDLQRoute(lister DeadLetterLister) {
	a.engine.GET("/dlq", func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "invalid limit",
				})
				return
			}
			limit = parsed
		}
		entries, err := lister.ListDeadLetters(limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": err.Error(),
			})
			return
		}
		if entries == nil {
			entries = []*queue.Entry{}
		}
		c.JSON(http.StatusOK, gin.H{
			"count":   len(entries),
			"entries": entries,
		})
	})
}

// RegisterTraceRoute exposes per-delivery traces at /trace/:correlation_id
func (a *API) RegisterTraceRoute(t *tracker.Tracker) {
	a.engine.GET("/trace/:correlation_id", func(c *gin.Context) {
		correlationID := c.Param("correlation_id")
		trace, err := t.Trace(correlationID)
		if err != nil {
			if errors.Is(err, tracker.ErrTraceNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"error": "trace not found",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, trace)
	})
}
