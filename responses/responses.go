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

package responses

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes bot callback responses from free-form messages
type Kind string

const (
	KindCallback Kind = "callback"
	KindMessage  Kind = "message"
)

// Response is one user interaction from the bot, surfaced to producers
// as a file in the responses directory
type Response struct {
	CorrelationID string         `json:"correlation_id"`
	OriginEventID string         `json:"origin_event_id"`
	Kind          Kind           `json:"kind"`
	UserID        int64          `json:"user_id"`
	Username      string         `json:"username,omitempty"`
	Payload       map[string]any `json:"payload"`
	ReceivedAt    time.Time      `json:"received_at"`
}

// Writer persists responses as JSON files, one per interaction, written
// atomically (temp file + rename) so producers never read a partial
// record
type Writer struct {
	dir string
}

// NewWriter creates a Writer rooted at dir, creating it if needed
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		return nil, errors.New("responses directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create responses directory: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Write persists one response, stamping the receive time when unset.
// The file name embeds the correlation ID for producer-side joins.
func (w *Writer) Write(r *Response) (string, error) {
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}
	if r.Payload == nil {
		r.Payload = map[string]any{}
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode response: %w", err)
	}

	name := fmt.Sprintf(
		"%s-%s.json",
		r.CorrelationID,
		uuid.NewString()[:8],
	)
	if r.CorrelationID == "" {
		name = fmt.Sprintf("unsolicited-%s.json", uuid.NewString())
	}
	final := filepath.Join(w.dir, name)

	tmp, err := os.CreateTemp(w.dir, ".response-*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return final, nil
}
