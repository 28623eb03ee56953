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
	"time"

	"github.com/blinklabs-io/boa/plugin"
)

// FileWatcherOptionFunc is a function type for configuring FileWatcher
type FileWatcherOptionFunc func(*FileWatcher)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger plugin.Logger) FileWatcherOptionFunc {
	return func(f *FileWatcher) {
		f.logger = logger
	}
}

// WithDir specifies the directory to watch for event files
func WithDir(dir string) FileWatcherOptionFunc {
	return func(f *FileWatcher) {
		f.watchDir = dir
	}
}

// WithDebounceWindow specifies how long to coalesce filesystem events on
// the same path before reading it
func WithDebounceWindow(window time.Duration) FileWatcherOptionFunc {
	return func(f *FileWatcher) {
		if window > 0 {
			f.debounceWindow = window
		}
	}
}

// WithDedupTTL specifies the window within which identical file content
// is dropped as a duplicate
func WithDedupTTL(ttl time.Duration) FileWatcherOptionFunc {
	return func(f *FileWatcher) {
		if ttl > 0 {
			f.dedupTTL = ttl
		}
	}
}

// WithMaxBatch bounds the number of files processed per flush
func WithMaxBatch(maxBatch int) FileWatcherOptionFunc {
	return func(f *FileWatcher) {
		if maxBatch > 0 {
			f.maxBatch = maxBatch
		}
	}
}

// WithAllowedChats restricts target chats to the given allowlist. An
// empty allowlist admits any chat.
func WithAllowedChats(chats []int64) FileWatcherOptionFunc {
	return func(f *FileWatcher) {
		if len(chats) == 0 {
			return
		}
		f.allowedChats = make(map[int64]struct{}, len(chats))
		for _, chat := range chats {
			f.allowedChats[chat] = struct{}{}
		}
	}
}

// WithIntakeCallbacks registers counters for accepted and rejected
// files, keeping the watcher decoupled from the metrics registry
func WithIntakeCallbacks(onAccept func(), onReject func(reason string)) FileWatcherOptionFunc {
	return func(f *FileWatcher) {
		f.onAccept = onAccept
		f.onReject = onReject
	}
}

// SetIntakeCallbacks is the post-construction form of
// WithIntakeCallbacks, for wiring counters to a registry-built plugin.
// Call before Start.
func (f *FileWatcher) SetIntakeCallbacks(onAccept func(), onReject func(reason string)) {
	f.onAccept = onAccept
	f.onReject = onReject
}
