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

package telegram

import (
	"time"

	"github.com/blinklabs-io/boa/plugin"
	"github.com/go-telegram/bot/models"
)

// TelegramOptionFunc is a function type for configuring TelegramOutput
type TelegramOptionFunc func(*TelegramOutput)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger plugin.Logger) TelegramOptionFunc {
	return func(t *TelegramOutput) {
		t.logger = logger
	}
}

// WithBotToken specifies the Telegram Bot API token
// This token is obtained from @BotFather on Telegram
func WithBotToken(token string) TelegramOptionFunc {
	return func(t *TelegramOutput) {
		t.botToken = token
	}
}

// WithParseMode specifies the message parse mode
// Options: HTML, Markdown (legacy), MarkdownV2 (default markdown)
func WithParseMode(mode string) TelegramOptionFunc {
	return func(t *TelegramOutput) {
		switch mode {
		case "HTML":
			t.parseMode = models.ParseModeHTML
		case "Markdown":
			t.parseMode = models.ParseModeMarkdownV1
		case "MarkdownV2":
			t.parseMode = models.ParseModeMarkdown
		default:
			t.parseMode = models.ParseModeHTML
		}
	}
}

// WithDisableLinkPreview disables link preview in messages
func WithDisableLinkPreview(disable bool) TelegramOptionFunc {
	return func(t *TelegramOutput) {
		t.disablePreview = disable
	}
}

// WithSendTimeout bounds each outbound send
func WithSendTimeout(timeout time.Duration) TelegramOptionFunc {
	return func(t *TelegramOutput) {
		if timeout > 0 {
			t.sendTimeout = timeout
		}
	}
}

// WithResponsesDir enables callback/message ingestion, writing response
// files to the given directory
func WithResponsesDir(dir string) TelegramOptionFunc {
	return func(t *TelegramOutput) {
		t.responsesDir = dir
	}
}
