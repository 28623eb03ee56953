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
	"log/slog"

	"github.com/blinklabs-io/boa/plugin"
)

var cmdlineOptions struct {
	botToken       string
	parseMode      string
	disablePreview bool
	responsesDir   string
}

func init() {
	plugin.Register(
		plugin.PluginEntry{
			Type:               plugin.PluginTypeOutput,
			Name:               "telegram",
			Description:        "deliver events to Telegram chats and ingest callback responses",
			NewFromOptionsFunc: NewFromCmdlineOptions,
			Options: []plugin.PluginOption{
				{
					Name:         "bot-token",
					Type:         plugin.PluginOptionTypeString,
					CustomEnvVar: "TELEGRAM_BOT_TOKEN",
					Description:  "Telegram Bot API token (from @BotFather)",
					DefaultValue: "",
					Dest:         &(cmdlineOptions.botToken),
				},
				{
					Name:         "parse-mode",
					Type:         plugin.PluginOptionTypeString,
					Description:  "message parse mode (HTML, Markdown, MarkdownV2)",
					DefaultValue: "HTML",
					Dest:         &(cmdlineOptions.parseMode),
				},
				{
					Name:         "disable-preview",
					Type:         plugin.PluginOptionTypeBool,
					Description:  "disable link preview in messages",
					DefaultValue: false,
					Dest:         &(cmdlineOptions.disablePreview),
				},
				{
					Name:         "responses-dir",
					Type:         plugin.PluginOptionTypeString,
					Description:  "directory for callback response files",
					DefaultValue: "",
					Dest:         &(cmdlineOptions.responsesDir),
				},
			},
		},
	)
}

func NewFromCmdlineOptions(logger *slog.Logger) plugin.Plugin {
	p, err := New(
		WithLogger(
			logger.With("plugin", "output.telegram"),
		),
		WithBotToken(cmdlineOptions.botToken),
		WithParseMode(cmdlineOptions.parseMode),
		WithDisableLinkPreview(cmdlineOptions.disablePreview),
		WithResponsesDir(cmdlineOptions.responsesDir),
	)
	if err != nil {
		logger.Error("failed to create Telegram output", "error", err)
		return nil
	}
	return p
}
