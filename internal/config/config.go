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

package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/blinklabs-io/boa/plugin"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

const (
	DefaultInputPlugin  = "filewatcher"
	DefaultOutputPlugin = "telegram"
)

type Config struct {
	Api              ApiConfig                         `yaml:"api"`
	ConfigFile       string                            `yaml:"-"`
	Version          bool                              `yaml:"-"`
	Logging          LoggingConfig                     `yaml:"logging"`
	Debug            DebugConfig                       `yaml:"debug"`
	Input            string                            `yaml:"input"    envconfig:"INPUT"`
	Output           string                            `yaml:"output"   envconfig:"OUTPUT"`
	DataDir          string                            `yaml:"data_dir" envconfig:"DATA_DIR"`
	DLQDir           string                            `yaml:"dlq_dir"  envconfig:"DLQ_DIR"`
	Workers          int                               `yaml:"workers"  envconfig:"WORKERS"`
	Rate             RateConfig                        `yaml:"rate"`
	Retry            RetryConfig                       `yaml:"retry"`
	Breaker          BreakerConfig                     `yaml:"breaker"`
	Queue            QueueConfig                       `yaml:"queue"`
	Fragment         FragmentConfig                    `yaml:"fragment"`
	Shutdown         ShutdownConfig                    `yaml:"shutdown"`
	TraceRetentionMs int                               `yaml:"trace_retention_ms" envconfig:"TRACE_RETENTION_MS"`
	Plugin           map[string]map[string]map[any]any `yaml:"plugins"`
}

type ApiConfig struct {
	ListenAddress string `yaml:"address" envconfig:"API_ADDRESS"`
	ListenPort    uint   `yaml:"port"    envconfig:"API_PORT"`
}

type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LOGGING_LEVEL"`
}

type DebugConfig struct {
	ListenAddress string `yaml:"address" envconfig:"DEBUG_ADDRESS"`
	ListenPort    uint   `yaml:"port"    envconfig:"DEBUG_PORT"`
}

type BucketConfig struct {
	Capacity   float64 `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

type RedisConfig struct {
	Address  string `yaml:"address"  envconfig:"RATE_REDIS_ADDRESS"`
	Password string `yaml:"password" envconfig:"RATE_REDIS_PASSWORD"`
	Prefix   string `yaml:"prefix"`
}

type RateConfig struct {
	Global    BucketConfig `yaml:"global"`
	PerChat   BucketConfig `yaml:"per_chat"`
	IdleTTLMs int          `yaml:"idle_ttl_ms"`
	Redis     RedisConfig  `yaml:"redis"`
}

type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms"`
	Factor      float64 `yaml:"factor"`
	Jitter      float64 `yaml:"jitter"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	VolumeThreshold  int `yaml:"volume_threshold"`
	WindowMs         int `yaml:"window_ms"`
	OpenTimeoutMs    int `yaml:"open_timeout_ms"`
	MaxOpenTimeoutMs int `yaml:"max_open_timeout_ms"`
	SuccessThreshold int `yaml:"success_threshold"`
	MaxProbes        int `yaml:"max_probes"`
}

type QueueConfig struct {
	MaxActive        int `yaml:"max_active"`
	ReservationTTLMs int `yaml:"reservation_ttl_ms"`
	MaxDeadLetters   int `yaml:"max_dead_letters"`
}

type FragmentConfig struct {
	ThresholdBytes     int     `yaml:"threshold_bytes"`
	MaxFragmentBytes   int     `yaml:"max_fragment_bytes"`
	TimeoutMs          int     `yaml:"timeout_ms"`
	MinCompressSavings float64 `yaml:"min_compress_savings"`
}

type ShutdownConfig struct {
	GracefulTimeoutMs int `yaml:"graceful_timeout_ms"`
}

// NewConfig returns a config populated with the default values. The
// instance is owned by main and threaded through constructors; this
// package keeps no global.
func NewConfig() *Config {
	return &Config{
		Api: ApiConfig{
			ListenAddress: "0.0.0.0",
			ListenPort:    8080,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Debug: DebugConfig{
			ListenAddress: "localhost",
			ListenPort:    0,
		},
		Input:   DefaultInputPlugin,
		Output:  DefaultOutputPlugin,
		DataDir: "./data",
		DLQDir:  "./dlq",
		Workers: 5,
		Rate: RateConfig{
			Global:    BucketConfig{Capacity: 30, RefillRate: 30},
			PerChat:   BucketConfig{Capacity: 1, RefillRate: 1},
			IdleTTLMs: 3_600_000,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelayMs: 1_000,
			MaxDelayMs:  30_000,
			Factor:      2,
			Jitter:      0.1,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			VolumeThreshold:  5,
			WindowMs:         60_000,
			OpenTimeoutMs:    30_000,
			MaxOpenTimeoutMs: 300_000,
			SuccessThreshold: 2,
			MaxProbes:        1,
		},
		Queue: QueueConfig{
			MaxActive:        10_000,
			ReservationTTLMs: 300_000,
			MaxDeadLetters:   1_000,
		},
		Fragment: FragmentConfig{
			ThresholdBytes:     64 * 1024,
			MaxFragmentBytes:   32 * 1024,
			TimeoutMs:          300_000,
			MinCompressSavings: 0.1,
		},
		Shutdown: ShutdownConfig{
			GracefulTimeoutMs: 30_000,
		},
		TraceRetentionMs: 86_400_000,
	}
}

func (c *Config) Load(configFile string) error {
	// Load config file as YAML if provided
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		err = yaml.Unmarshal(buf, c)
		if err != nil {
			return fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Load config values from environment variables
	// We use "dummy" as the app name here to (mostly) prevent picking up env
	// vars that we hadn't explicitly specified in annotations above
	err := envconfig.Process("dummy", c)
	if err != nil {
		return fmt.Errorf("error processing environment: %w", err)
	}
	return nil
}

// BindFlags registers top-level and plugin options on the command's
// flag set
func (c *Config) BindFlags(fs *pflag.FlagSet) error {
	fs.StringVar(&c.ConfigFile, "config", "", "path to config file to load")
	fs.BoolVar(&c.Version, "version", false, "show version and exit")
	fs.StringVar(
		&c.Input,
		"input",
		DefaultInputPlugin,
		"input plugin to use, 'list' to show available",
	)
	fs.StringVar(
		&c.Output,
		"output",
		DefaultOutputPlugin,
		"output plugin to use, 'list' to show available",
	)
	// Plugin options register on a stdlib flag set merged in below
	pluginFlags := flag.NewFlagSet("plugins", flag.ContinueOnError)
	if err := plugin.PopulateCmdlineOptions(pluginFlags); err != nil {
		return err
	}
	fs.AddGoFlagSet(pluginFlags)
	return nil
}
