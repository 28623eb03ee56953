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

package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blinklabs-io/boa/event"
)

// dlqRecord is the durable file form of a dead-lettered entry: the
// original event plus the failure envelope
type dlqRecord struct {
	event.Event
	LastError ErrInfo   `json:"last_error"`
	Attempts  int       `json:"attempts"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// writeDLQFile mirrors a dead-lettered entry as a JSON file, written
// atomically via temp file + rename so consumers never observe a
// partial record
func writeDLQFile(dir string, e *Entry) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	record := dlqRecord{
		Event:     e.Event,
		Attempts:  e.Attempt,
		FirstSeen: e.FirstSeen,
		LastSeen:  e.LastSeen,
	}
	if e.LastError != nil {
		record.LastError = *e.LastError
	}
	data, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode DLQ record: %w", err)
	}

	final := filepath.Join(dir, e.CorrelationID()+".json")
	tmp, err := os.CreateTemp(dir, ".dlq-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), final)
}
