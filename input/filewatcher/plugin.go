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

package filewatcher

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/blinklabs-io/boa/plugin"
)

var cmdlineOptions struct {
	dir          string
	debounceMs   int
	dedupTTLMs   int
	maxBatch     int
	allowedChats string
}

func init() {
	plugin.Register(
		plugin.PluginEntry{
			Type:               plugin.PluginTypeInput,
			Name:               "filewatcher",
			Description:        "watch a directory for producer event files",
			NewFromOptionsFunc: NewFromCmdlineOptions,
			Options: []plugin.PluginOption{
				{
					Name:         "dir",
					Type:         plugin.PluginOptionTypeString,
					Description:  "directory to watch for event files",
					DefaultValue: "",
					Dest:         &(cmdlineOptions.dir),
				},
				{
					Name:         "debounce-ms",
					Type:         plugin.PluginOptionTypeInt,
					Description:  "debounce window for bursts on the same file (ms)",
					DefaultValue: 500,
					Dest:         &(cmdlineOptions.debounceMs),
				},
				{
					Name:         "dedup-ttl-ms",
					Type:         plugin.PluginOptionTypeInt,
					Description:  "window within which identical content is dropped (ms)",
					DefaultValue: 600_000,
					Dest:         &(cmdlineOptions.dedupTTLMs),
				},
				{
					Name:         "max-batch",
					Type:         plugin.PluginOptionTypeInt,
					Description:  "maximum files processed per flush",
					DefaultValue: 100,
					Dest:         &(cmdlineOptions.maxBatch),
				},
				{
					Name:         "allowed-chats",
					Type:         plugin.PluginOptionTypeString,
					Description:  "comma-separated chat ID allowlist (empty allows all)",
					DefaultValue: "",
					Dest:         &(cmdlineOptions.allowedChats),
				},
			},
		},
	)
}

func NewFromCmdlineOptions(logger *slog.Logger) plugin.Plugin {
	var chats []int64
	if cmdlineOptions.allowedChats != "" {
		for _, part := range strings.Split(cmdlineOptions.allowedChats, ",") {
			chatID, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				logger.Error("invalid chat ID in allowlist",
					"error", err,
					"chat_id", part,
				)
				return nil
			}
			chats = append(chats, chatID)
		}
	}

	return New(
		WithLogger(
			logger.With("plugin", "input.filewatcher"),
		),
		WithDir(cmdlineOptions.dir),
		WithDebounceWindow(
			time.Duration(cmdlineOptions.debounceMs)*time.Millisecond,
		),
		WithDedupTTL(
			time.Duration(cmdlineOptions.dedupTTLMs)*time.Millisecond,
		),
		WithMaxBatch(cmdlineOptions.maxBatch),
		WithAllowedChats(chats),
	)
}
