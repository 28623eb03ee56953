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

package log

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blinklabs-io/boa/event"
	"github.com/blinklabs-io/boa/plugin"
)

// LogOutput is a dry-run sender that writes deliveries to the process
// log instead of Telegram. Useful for local development and for
// exercising the pipeline without a bot token.
type LogOutput struct {
	errorChan chan error
	logger    plugin.Logger
}

// New creates a new LogOutput with the provided options
func New(options ...LogOptionFunc) *LogOutput {
	l := &LogOutput{}
	for _, option := range options {
		option(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// LogOptionFunc is a function type for configuring LogOutput
type LogOptionFunc func(*LogOutput)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger plugin.Logger) LogOptionFunc {
	return func(l *LogOutput) {
		l.logger = logger
	}
}

// Start the log output
func (l *LogOutput) Start() error {
	l.errorChan = make(chan error, 1)
	return nil
}

// Stop the log output
func (l *LogOutput) Stop() error {
	if l.errorChan != nil {
		close(l.errorChan)
		l.errorChan = nil
	}
	return nil
}

// Send writes the rendered message to the log
func (l *LogOutput) Send(_ context.Context, chatID int64, text string) error {
	l.logger.Info(
		fmt.Sprintf("delivery to chat %d", chatID),
		"text", text,
	)
	return nil
}

// ErrorChan returns the plugin's error channel
func (l *LogOutput) ErrorChan() <-chan error {
	return l.errorChan
}

// InputChan always returns nil; the pipeline drives sends synchronously
func (l *LogOutput) InputChan() chan<- event.Event {
	return nil
}

// OutputChan always returns nil
func (l *LogOutput) OutputChan() <-chan event.Event {
	return nil
}
