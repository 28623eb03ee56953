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

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/blinklabs-io/boa/api"
	"github.com/blinklabs-io/boa/breaker"
	_ "github.com/blinklabs-io/boa/filter"
	"github.com/blinklabs-io/boa/fragment"
	_ "github.com/blinklabs-io/boa/input"
	"github.com/blinklabs-io/boa/input/filewatcher"
	"github.com/blinklabs-io/boa/internal/config"
	"github.com/blinklabs-io/boa/internal/logging"
	"github.com/blinklabs-io/boa/internal/version"
	_ "github.com/blinklabs-io/boa/output"
	"github.com/blinklabs-io/boa/output/telegram"
	"github.com/blinklabs-io/boa/pipeline"
	"github.com/blinklabs-io/boa/plugin"
	"github.com/blinklabs-io/boa/queue"
	"github.com/blinklabs-io/boa/ratelimit"
	"github.com/blinklabs-io/boa/retry"
	"github.com/blinklabs-io/boa/tracker"
	"github.com/inconshreveable/mousetrap"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

var (
	programName string = "boa"
	cfg                = config.NewConfig()
	rootCmd            = &cobra.Command{
		Use:          programName,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
)

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func init() {
	if os.Args != nil && os.Args[0] != programName {
		programName = os.Args[0]
		rootCmd.Use = programName
	}

	// Bail if we were run via double click on Windows, borrowed from ngrok
	if runtime.GOOS == "windows" {
		if mousetrap.StartedByExplorer() {
			fmt.Println("Boa is a command line program.")
			fmt.Printf(
				"You need to open cmd.exe and run %s from the command line.\n",
				programName,
			)
			fmt.Printf(
				"Try %s --help to get program usage information.\n",
				programName,
			)
			time.Sleep(30 * time.Second)
			os.Exit(1)
		}
	}

	if err := cfg.BindFlags(rootCmd.Flags()); err != nil {
		panic(err)
	}
}

func run() error {
	if cfg.Version {
		fmt.Printf("%s %s\n", programName, version.GetVersionString())
		return nil
	}

	if cfg.Input == "list" {
		fmt.Printf("Available input plugins:\n\n")
		for _, plugin := range plugin.GetPlugins(plugin.PluginTypeInput) {
			fmt.Printf("%- 14s %s\n", plugin.Name, plugin.Description)
		}
		return nil
	}

	if cfg.Output == "list" {
		fmt.Printf("Available output plugins:\n\n")
		for _, plugin := range plugin.GetPlugins(plugin.PluginTypeOutput) {
			fmt.Printf("%- 14s %s\n", plugin.Name, plugin.Description)
		}
		return nil
	}

	// Load config
	if err := cfg.Load(cfg.ConfigFile); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Process config for plugins
	if err := plugin.ProcessConfig(cfg.Plugin); err != nil {
		return fmt.Errorf("failed to process plugin config: %w", err)
	}

	// Process env vars for plugins
	if err := plugin.ProcessEnvVars(); err != nil {
		return fmt.Errorf("failed to process env vars: %w", err)
	}

	// Build the process logger and thread it through every constructor
	rootLogger := logging.New(cfg.Logging.Level)
	slog.SetDefault(rootLogger)
	logger := rootLogger.With("component", "main")

	// Configure max processes with our logger wrapper, toss undo func
	_, err := maxprocs.Set(maxprocs.Logger(slogPrintf))
	if err != nil {
		// If we hit this, something really wrong happened
		logger.Error(err.Error())
		return err
	}

	// Start debug listener
	if cfg.Debug.ListenPort > 0 {
		logger.Info(fmt.Sprintf(
			"starting debug listener on %s:%d",
			cfg.Debug.ListenAddress,
			cfg.Debug.ListenPort,
		))
		go func() {
			debugger := &http.Server{
				Addr: fmt.Sprintf(
					"%s:%d",
					cfg.Debug.ListenAddress,
					cfg.Debug.ListenPort,
				),
				ReadHeaderTimeout: 60 * time.Second,
			}
			err := debugger.ListenAndServe()
			if err != nil {
				logger.Error(
					fmt.Sprintf("failed to start debug listener: %s", err),
				)
				os.Exit(1)
			}
		}()
	}

	// Metrics and correlation tracking
	metrics := tracker.NewMetrics()

	// Persistent queue with DLQ file mirroring
	store, err := queue.Open(
		cfg.DataDir,
		queue.Config{
			MaxActive:      cfg.Queue.MaxActive,
			ReservationTTL: msDuration(cfg.Queue.ReservationTTLMs),
			MaxDeadLetters: cfg.Queue.MaxDeadLetters,
		},
		queue.WithDLQDir(cfg.DLQDir),
	)
	if err != nil {
		// Persistence failure at startup is fatal
		logger.Error(fmt.Sprintf("failed to open queue: %s", err))
		return err
	}
	defer store.Close()

	track := tracker.New(
		metrics,
		tracker.WithLogger(rootLogger.With("component", "tracker")),
		tracker.WithArchiver(store),
	)
	if err := track.Start(); err != nil {
		return fmt.Errorf("failed to start tracker: %w", err)
	}

	// Two-tier rate limiter, optionally shared via redis
	limiterOpts := []ratelimit.LimiterOptionFunc{
		ratelimit.WithLogger(rootLogger.With("component", "ratelimit")),
	}
	if cfg.Rate.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Rate.Redis.Address,
			Password: cfg.Rate.Redis.Password,
		})
		limiterOpts = append(limiterOpts, ratelimit.WithSharedStore(
			ratelimit.NewRedisStore(
				client,
				cfg.Rate.Redis.Prefix,
				msDuration(cfg.Rate.IdleTTLMs),
			),
		))
	}
	limiter := ratelimit.New(
		ratelimit.Config{
			Global: ratelimit.BucketConfig{
				Capacity:   cfg.Rate.Global.Capacity,
				RefillRate: cfg.Rate.Global.RefillRate,
			},
			PerChat: ratelimit.BucketConfig{
				Capacity:   cfg.Rate.PerChat.Capacity,
				RefillRate: cfg.Rate.PerChat.RefillRate,
			},
			IdleTTL: msDuration(cfg.Rate.IdleTTLMs),
		},
		limiterOpts...,
	)

	// Per-chat circuit breaker, feeding state gauges
	brk := breaker.New(
		breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			VolumeThreshold:  cfg.Breaker.VolumeThreshold,
			Window:           msDuration(cfg.Breaker.WindowMs),
			OpenTimeout:      msDuration(cfg.Breaker.OpenTimeoutMs),
			MaxOpenTimeout:   msDuration(cfg.Breaker.MaxOpenTimeoutMs),
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			MaxProbes:        cfg.Breaker.MaxProbes,
		},
		breaker.WithStateChangeFunc(func(target string, _, to breaker.State) {
			metrics.CircuitState.WithLabelValues(target).Set(float64(to))
		}),
	)

	// Pull-style gauges over component state
	metrics.RegisterGaugeFunc(
		"queue_active_entries",
		"Entries in the active set",
		func() float64 { return float64(store.ActiveCount()) },
	)
	metrics.RegisterGaugeFunc(
		"queue_inflight_entries",
		"Entries currently reserved by workers",
		func() float64 { return float64(store.InFlightCount()) },
	)
	metrics.RegisterGaugeFunc(
		"queue_dlq_size",
		"Entries retained in the dead-letter queue",
		func() float64 { return float64(store.DeadLetterCount()) },
	)
	metrics.RegisterGaugeFunc(
		"delivery_rate_per_second",
		"Deliveries per second over the rolling 60s window",
		func() float64 { return track.DeliveryRate() },
	)

	// Build the HTTP surface
	apiSrv := api.New(
		rootLogger.With("component", "api"),
		api.WithHost(cfg.Api.ListenAddress),
		api.WithPort(cfg.Api.ListenPort),
	)

	// Create pipeline
	pipe := pipeline.New(
		pipeline.WithLogger(rootLogger.With("component", "pipeline")),
		pipeline.WithStore(store),
		pipeline.WithRateLimiter(limiter),
		pipeline.WithBreaker(brk),
		pipeline.WithTracker(track),
		pipeline.WithRenderer(telegram.NewRenderer()),
		pipeline.WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   msDuration(cfg.Retry.BaseDelayMs),
			MaxDelay:    msDuration(cfg.Retry.MaxDelayMs),
			Factor:      cfg.Retry.Factor,
			Jitter:      cfg.Retry.Jitter,
		}),
		pipeline.WithFragmentConfig(fragment.Config{
			Threshold:          cfg.Fragment.ThresholdBytes,
			MaxFragmentSize:    cfg.Fragment.MaxFragmentBytes,
			MinCompressSavings: cfg.Fragment.MinCompressSavings,
			Timeout:            msDuration(cfg.Fragment.TimeoutMs),
		}),
		pipeline.WithWorkers(cfg.Workers),
		pipeline.WithShutdownTimeout(
			msDuration(cfg.Shutdown.GracefulTimeoutMs),
		),
		pipeline.WithTraceRetention(msDuration(cfg.TraceRetentionMs)),
	)

	// Configure input
	input := plugin.GetPlugin(plugin.PluginTypeInput, cfg.Input, rootLogger)
	if input == nil {
		logger.Error("unknown input: " + cfg.Input)
		return fmt.Errorf("unknown input: %s", cfg.Input)
	}
	if fw, ok := input.(*filewatcher.FileWatcher); ok {
		fw.SetIntakeCallbacks(
			func() { metrics.IntakeAccepted.Inc() },
			func(reason string) {
				metrics.IntakeRejected.WithLabelValues(reason).Inc()
			},
		)
	}
	pipe.AddInput(input)

	// Configure filters
	for _, filterEntry := range plugin.GetPlugins(plugin.PluginTypeFilter) {
		filter := plugin.GetPlugin(
			plugin.PluginTypeFilter,
			filterEntry.Name,
			rootLogger,
		)
		pipe.AddFilter(filter)
	}

	// Configure output
	outputPlugin := plugin.GetPlugin(plugin.PluginTypeOutput, cfg.Output, rootLogger)
	if outputPlugin == nil {
		logger.Error("unknown output: " + cfg.Output)
		return fmt.Errorf("unknown output: %s", cfg.Output)
	}
	output, ok := outputPlugin.(pipeline.OutputPlugin)
	if !ok {
		return fmt.Errorf("output %s cannot send deliveries", cfg.Output)
	}
	pipe.AddOutput(output)

	// Health surface
	apiSrv.RegisterStatusFunc(func() api.ComponentStatus {
		status := api.StatusUp
		if !pipe.Ready() {
			status = api.StatusDown
		}
		return api.ComponentStatus{Name: "watcher", Status: status}
	})
	apiSrv.RegisterStatusFunc(func() api.ComponentStatus {
		status := api.StatusUp
		detail := ""
		switch {
		case pipe.Stalled():
			status = api.StatusDown
			detail = "queue backend unavailable"
		case store.ActiveCount() >= cfg.Queue.MaxActive:
			status = api.StatusDegraded
			detail = "queue saturated, intake backing off"
		}
		return api.ComponentStatus{
			Name:   "queue",
			Status: status,
			Detail: detail,
		}
	})
	apiSrv.RegisterStatusFunc(func() api.ComponentStatus {
		status := api.StatusUp
		detail := ""
		if limiter.Degraded() {
			status = api.StatusDegraded
			detail = "shared backend unavailable, using local buckets"
			metrics.RateLimiterDegraded.Set(1)
		} else {
			metrics.RateLimiterDegraded.Set(0)
		}
		return api.ComponentStatus{
			Name:   "rate_limiter",
			Status: status,
			Detail: detail,
		}
	})
	apiSrv.RegisterStatusFunc(func() api.ComponentStatus {
		open := 0
		for _, state := range brk.States() {
			if state != breaker.StateClosed {
				open++
			}
		}
		status := api.StatusUp
		detail := ""
		if open > 0 {
			status = api.StatusDegraded
			detail = fmt.Sprintf("%d circuits not closed", open)
		}
		return api.ComponentStatus{
			Name:   "circuit_breakers",
			Status: status,
			Detail: detail,
		}
	})
	apiSrv.RegisterReadyRoute(pipe)
	apiSrv.RegisterMetricsRoute(metrics.Registry())
	apiSrv.RegisterTraceRoute(track)
	apiSrv.RegisterDLQRoute(store)

	// Start API after routes are configured
	if err := apiSrv.Start(); err != nil {
		logger.Error(fmt.Sprintf("failed to start API: %s", err))
		return fmt.Errorf("failed to start API: %w", err)
	}

	// Start pipeline and wait for error
	if err := pipe.Start(); err != nil {
		logger.Error(fmt.Sprintf("failed to start pipeline: %s", err))
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Handle errors in background
	// DON'T exit on errors
	go func() {
		for err := range pipe.ErrorChan() {
			// Log error but keep running
			logger.Error(fmt.Sprintf("pipeline error: %s", err))
		}
		logger.Info("Error channel closed")
	}()

	logger.Info("Boa started, waiting for shutdown signal...")
	<-sigChan
	logger.Info("Shutdown signal received, stopping pipeline...")

	// Graceful shutdown, teardown order: http surface first, then the
	// pipeline (intake, workers, output), then tracker, then the queue
	if err := apiSrv.Stop(5 * time.Second); err != nil {
		logger.Error(fmt.Sprintf("failed to stop API: %s", err))
	}
	if err := pipe.Stop(); err != nil {
		logger.Error(fmt.Sprintf("failed to stop pipeline: %s", err))
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	if err := track.Stop(); err != nil {
		logger.Error(fmt.Sprintf("failed to stop tracker: %s", err))
	}

	logger.Info("Boa stopped gracefully")
	return nil
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
