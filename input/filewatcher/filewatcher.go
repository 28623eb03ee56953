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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blinklabs-io/boa/event"
	"github.com/blinklabs-io/boa/plugin"
	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	defaultDebounceWindow = 500 * time.Millisecond
	defaultDedupTTL       = 10 * time.Minute
	defaultMaxBatch       = 100

	rejectedDirName = "rejected"
)

// FileWatcher watches a directory for producer event files. Each JSON
// file is debounced, deduplicated by content hash, parsed, validated and
// emitted as an event for the pipeline to enqueue. Invalid files move to
// a rejected/ sibling directory with an error sidecar.
type FileWatcher struct {
	logger         plugin.Logger
	watchDir       string
	debounceWindow time.Duration
	dedupTTL       time.Duration
	maxBatch       int
	allowedChats   map[int64]struct{}

	eventChan chan event.Event
	errorChan chan error
	doneChan  chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	watcher   *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time // path -> debounce deadline
	seen    map[string]time.Time // content hash -> first seen

	onReject func(reason string)
	onAccept func()
}

// New returns a new FileWatcher input plugin
func New(opts ...FileWatcherOptionFunc) *FileWatcher {
	f := &FileWatcher{
		debounceWindow: defaultDebounceWindow,
		dedupTTL:       defaultDedupTTL,
		maxBatch:       defaultMaxBatch,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start begins watching the configured directory. Files already present
// are picked up by the first flush after the debounce window.
func (f *FileWatcher) Start() error {
	if f.watchDir == "" {
		return errors.New("must specify input-filewatcher-dir")
	}
	if err := os.MkdirAll(f.watchDir, 0o755); err != nil {
		return fmt.Errorf("failed to create watch directory: %w", err)
	}

	// Guard against double-start: wait for existing goroutine to exit
	if f.doneChan != nil {
		close(f.doneChan)
		f.wg.Wait()
	}
	f.stopOnce = sync.Once{}
	f.eventChan = make(chan event.Event, 10)
	f.errorChan = make(chan error, 1)
	f.doneChan = make(chan struct{})
	f.pending = make(map[string]time.Time)
	f.seen = make(map[string]time.Time)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(f.watchDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", f.watchDir, err)
	}
	f.watcher = watcher

	// Queue up files that arrived while we weren't watching
	entries, err := os.ReadDir(f.watchDir)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to scan watch directory: %w", err)
	}
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() || !isEventFile(entry.Name()) {
			continue
		}
		f.pending[filepath.Join(f.watchDir, entry.Name())] = now.Add(
			f.debounceWindow,
		)
	}

	f.wg.Add(2)
	go f.watchLoop(f.doneChan)
	go f.flushLoop(f.doneChan, f.eventChan)
	return nil
}

// Stop shuts down the watcher
func (f *FileWatcher) Stop() error {
	f.stopOnce.Do(func() {
		if f.doneChan != nil {
			close(f.doneChan)
			f.doneChan = nil
		}
		if f.watcher != nil {
			_ = f.watcher.Close()
			f.watcher = nil
		}
		f.wg.Wait()
		if f.eventChan != nil {
			close(f.eventChan)
			f.eventChan = nil
		}
		if f.errorChan != nil {
			close(f.errorChan)
			f.errorChan = nil
		}
	})
	return nil
}

// ErrorChan returns the plugin's error channel
func (f *FileWatcher) ErrorChan() <-chan error {
	return f.errorChan
}

// InputChan returns nil (filewatcher is an input-only plugin)
func (f *FileWatcher) InputChan() chan<- event.Event {
	return nil
}

// OutputChan returns the channel of validated intake events
func (f *FileWatcher) OutputChan() <-chan event.Event {
	return f.eventChan
}

func isEventFile(name string) bool {
	return strings.HasSuffix(name, ".json") &&
		!strings.HasPrefix(name, ".")
}

// watchLoop translates filesystem events into pending debounce entries.
// A watcher failure is fatal for the intake and surfaces on the error
// channel.
func (f *FileWatcher) watchLoop(done <-chan struct{}) {
	defer f.wg.Done()
	for {
		select {
		case <-done:
			return
		case evt, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if !evt.Op.Has(fsnotify.Create) && !evt.Op.Has(fsnotify.Write) {
				continue
			}
			if !isEventFile(filepath.Base(evt.Name)) {
				continue
			}
			// Coalesce bursts on the same path: only the deadline moves
			f.mu.Lock()
			f.pending[evt.Name] = time.Now().Add(f.debounceWindow)
			f.mu.Unlock()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			select {
			case <-done:
			case f.errorChan <- fmt.Errorf("watcher failed: %w", err):
			}
			return
		}
	}
}

// flushLoop processes debounced paths in batches and prunes the dedup
// window
func (f *FileWatcher) flushLoop(done <-chan struct{}, out chan<- event.Event) {
	defer f.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, path := range f.duePaths() {
				select {
				case <-done:
					return
				default:
				}
				f.processFile(path, done, out)
			}
			f.pruneSeen()
		}
	}
}

// duePaths returns up to maxBatch paths whose debounce window has
// elapsed
func (f *FileWatcher) duePaths() []string {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []string
	for path, deadline := range f.pending {
		if len(due) >= f.maxBatch {
			break
		}
		if deadline.After(now) {
			continue
		}
		due = append(due, path)
		delete(f.pending, path)
	}
	return due
}

func (f *FileWatcher) pruneSeen() {
	cutoff := time.Now().Add(-f.dedupTTL)
	f.mu.Lock()
	for hash, at := range f.seen {
		if at.Before(cutoff) {
			delete(f.seen, hash)
		}
	}
	f.mu.Unlock()
}

// processFile runs the intake pipeline for one debounced path: read,
// dedup, parse, validate, emit
func (f *FileWatcher) processFile(
	path string,
	done <-chan struct{},
	out chan<- event.Event,
) {
	logger := f.logger

	data, err := f.readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Removed while debouncing; nothing to do
			return
		}
		if logger != nil {
			logger.Error("failed to read event file", "path", path, "error", err)
		}
		f.reject(path, fmt.Errorf("unreadable after retries: %w", err))
		return
	}

	// Dedup on the raw content hash within the TTL window
	hash := event.HashContent(data)
	f.mu.Lock()
	_, duplicate := f.seen[hash]
	if !duplicate {
		f.seen[hash] = time.Now()
	}
	f.mu.Unlock()
	if duplicate {
		if logger != nil {
			logger.Info("dropping duplicate event file",
				"path", path,
				"content_hash", hash,
			)
		}
		if f.onReject != nil {
			f.onReject("duplicate")
		}
		_ = os.Remove(path)
		return
	}

	evt, err := f.parseEvent(data)
	if err != nil {
		if logger != nil {
			logger.Warn("rejecting invalid event file",
				"path", path,
				"error", err,
			)
		}
		f.reject(path, err)
		return
	}

	// The intake assigns the pipeline identity
	evt.CorrelationID = uuid.NewString()
	contentHash, err := evt.ComputeContentHash()
	if err != nil {
		f.reject(path, err)
		return
	}
	evt.ContentHash = contentHash

	// Blocks when the pipeline is applying backpressure, which delays
	// further file consumption by design
	select {
	case <-done:
		return
	case out <- *evt:
	}
	if f.onAccept != nil {
		f.onAccept()
	}
	_ = os.Remove(path)
}

// readFile reads the file with bounded retries for transient errors
// (partial writes, locks)
func (f *FileWatcher) readFile(path string) ([]byte, error) {
	var data []byte
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	op := func() error {
		var err error
		data, err = os.ReadFile(path)
		if os.IsNotExist(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, 3)); err != nil {
		return nil, err
	}
	return data, nil
}

// parseEvent decodes and validates a producer event file
func (f *FileWatcher) parseEvent(data []byte) (*event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	if evt.Priority == 0 {
		evt.Priority = evt.Type.DefaultPriority()
	}

	if err := evt.Validate(); err != nil {
		return nil, err
	}
	if len(f.allowedChats) > 0 {
		if _, ok := f.allowedChats[evt.TargetChat]; !ok {
			return nil, fmt.Errorf(
				"target_chat %d is not on the allowlist",
				evt.TargetChat,
			)
		}
	}
	return &evt, nil
}

// rejectSidecar is the error envelope written next to a rejected file
type rejectSidecar struct {
	Error      string    `json:"error"`
	RejectedAt time.Time `json:"rejected_at"`
}

// reject moves a file to the rejected/ sibling directory with an error
// sidecar. Rejection never has queue side effects.
func (f *FileWatcher) reject(path string, cause error) {
	if f.onReject != nil {
		f.onReject("invalid")
	}
	rejectedDir := filepath.Join(f.watchDir, rejectedDirName)
	if err := os.MkdirAll(rejectedDir, 0o755); err != nil {
		if f.logger != nil {
			f.logger.Error("failed to create rejected directory", "error", err)
		}
		return
	}
	name := filepath.Base(path)
	if err := os.Rename(path, filepath.Join(rejectedDir, name)); err != nil {
		if f.logger != nil {
			f.logger.Error("failed to move rejected file",
				"path", path,
				"error", err,
			)
		}
		return
	}
	sidecar := rejectSidecar{
		Error:      cause.Error(),
		RejectedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(&sidecar, "", "  ")
	if err != nil {
		return
	}
	sidecarName := strings.TrimSuffix(name, ".json") + ".err.json"
	sidecarPath := filepath.Join(rejectedDir, sidecarName)
	if err := os.WriteFile(sidecarPath, data, 0o644); err != nil {
		if f.logger != nil {
			f.logger.Error("failed to write error sidecar",
				"path", sidecarPath,
				"error", err,
			)
		}
	}
}
