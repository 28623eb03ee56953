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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries  = []byte("entries")
	bucketReady    = []byte("ready")
	bucketInflight = []byte("inflight")
	bucketDLQ      = []byte("dlq")
	bucketTraces   = []byte("traces")
)

var (
	// ErrSaturated is returned by Enqueue when the active set is full
	ErrSaturated = errors.New("queue saturated")
	// ErrDuplicate is returned by Enqueue for an already-known correlation ID
	ErrDuplicate = errors.New("duplicate correlation ID")
	// ErrNotFound is returned when a correlation ID has no active entry
	ErrNotFound = errors.New("entry not found")
)

// Store is a durable, priority-ordered queue backed by BoltDB. It
// exclusively owns queue entries; all delivery-state mutation goes
// through its contract.
type Store struct {
	db  *bolt.DB
	cfg Config

	mu       sync.Mutex
	active   int
	inflight int
	dead     int

	dlqDir string
	now    func() time.Time
}

// StoreOptionFunc configures a Store
type StoreOptionFunc func(*Store)

// WithDLQDir mirrors dead-lettered entries as JSON files in dir
func WithDLQDir(dir string) StoreOptionFunc {
	return func(s *Store) {
		s.dlqDir = dir
	}
}

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) StoreOptionFunc {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens (creating if needed) the queue database in dataDir
func Open(dataDir string, cfg Config, opts ...StoreOptionFunc) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "boa.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	s := &Store{
		db:  db,
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEntries,
			bucketReady,
			bucketInflight,
			bucketDLQ,
			bucketTraces,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		// Seed the in-memory counters from the persisted state
		s.active = tx.Bucket(bucketEntries).Stats().KeyN
		s.inflight = tx.Bucket(bucketInflight).Stats().KeyN
		s.dead = tx.Bucket(bucketDLQ).Stats().KeyN
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// readyKey orders entries by priority band (highest first), then
// enqueue time, then fragment sequence, so a forward cursor scan visits
// entries in dispatch order and fragments stay contiguous within their
// parent's slot
func readyKey(e *Entry) []byte {
	id := e.CorrelationID()
	key := make([]byte, 0, 13+len(id))
	key = append(key, byte(0xff-uint8(e.Event.Priority)))
	key = binary.BigEndian.AppendUint64(
		key,
		uint64(e.Event.EnqueuedAt.UnixNano()),
	)
	key = binary.BigEndian.AppendUint32(key, uint32(e.FragmentSeq))
	return append(key, id...)
}

func putEntry(tx *bolt.Tx, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	return tx.Bucket(bucketEntries).Put([]byte(e.CorrelationID()), data)
}

func getEntry(tx *bolt.Tx, correlationID string) (*Entry, error) {
	data := tx.Bucket(bucketEntries).Get([]byte(correlationID))
	if data == nil {
		return nil, ErrNotFound
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	return &e, nil
}

// Enqueue durably stores a new entry at its priority band. It fails with
// ErrSaturated when the active set is at capacity and ErrDuplicate when
// the correlation ID is already known.
func (s *Store) Enqueue(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.cfg.MaxActive {
		return ErrSaturated
	}
	now := s.now().UTC()
	if e.Event.EnqueuedAt.IsZero() {
		e.Event.EnqueuedAt = now
	}
	if e.FirstSeen.IsZero() {
		e.FirstSeen = now
	}
	e.LastSeen = now
	e.Status = StatusQueued

	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEntries).Get([]byte(e.CorrelationID())) != nil {
			return ErrDuplicate
		}
		if err := putEntry(tx, e); err != nil {
			return err
		}
		return tx.Bucket(bucketReady).Put(
			readyKey(e),
			[]byte(e.CorrelationID()),
		)
	})
	if err != nil {
		return err
	}
	s.active++
	return nil
}

// Reserve atomically claims the highest-priority ready entry whose
// next-attempt time has passed and whose target chat the caller accepts,
// marking it as sending. It returns nil when nothing is ready.
func (s *Store) Reserve(accept func(chatID int64) bool) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var reserved *Entry

	err := s.db.Update(func(tx *bolt.Tx) error {
		ready := tx.Bucket(bucketReady)
		cursor := ready.Cursor()
		// Chats with an earlier delayed entry in the same scan are
		// skipped entirely, preserving per-chat delivery order across
		// retries
		blockedChats := make(map[int64]struct{})
		for key, val := cursor.First(); key != nil; key, val = cursor.Next() {
			entry, err := getEntry(tx, string(val))
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					// Orphaned index key; drop it and move on
					if err := ready.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}
			if _, blocked := blockedChats[entry.Event.TargetChat]; blocked {
				continue
			}
			if entry.NextAttemptAt.After(now) {
				blockedChats[entry.Event.TargetChat] = struct{}{}
				continue
			}
			if accept != nil && !accept(entry.Event.TargetChat) {
				continue
			}
			if err := ready.Delete(key); err != nil {
				return err
			}
			entry.Status = StatusSending
			entry.ReservedAt = now
			if err := putEntry(tx, entry); err != nil {
				return err
			}
			reservation := binary.BigEndian.AppendUint64(
				nil,
				uint64(now.UnixNano()),
			)
			if err := tx.Bucket(bucketInflight).Put(
				[]byte(entry.CorrelationID()),
				reservation,
			); err != nil {
				return err
			}
			reserved = entry
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reserved != nil {
		s.inflight++
	}
	return reserved, nil
}

// Ack records terminal delivery success and removes the entry from the
// active set
func (s *Store) Ack(correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getEntry(tx, correlationID); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEntries).Delete(
			[]byte(correlationID),
		); err != nil {
			return err
		}
		return tx.Bucket(bucketInflight).Delete([]byte(correlationID))
	})
	if err != nil {
		return err
	}
	s.active--
	s.inflight--
	return nil
}

// Nack returns a reserved entry to the queue with updated delivery state
func (s *Store) Nack(correlationID string, sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		entry, err := getEntry(tx, correlationID)
		if err != nil {
			return err
		}
		entry.Status = sched.Status
		entry.Attempt = sched.Attempt
		entry.NextAttemptAt = sched.NextAttemptAt
		entry.LastError = sched.LastError
		entry.ReservedAt = time.Time{}
		entry.LastSeen = s.now().UTC()
		if err := putEntry(tx, entry); err != nil {
			return err
		}
		if err := tx.Bucket(bucketInflight).Delete(
			[]byte(correlationID),
		); err != nil {
			return err
		}
		return tx.Bucket(bucketReady).Put(
			readyKey(entry),
			[]byte(correlationID),
		)
	})
	if err != nil {
		return err
	}
	s.inflight--
	return nil
}

// DeadLetter moves an entry to the DLQ. Dead-lettered entries are never
// re-dispatched automatically. When a DLQ directory is configured the
// entry is also mirrored as a JSON file. An entry that is reserved when it
// is dead-lettered has that reservation counted in its recorded attempts.
func (s *Store) DeadLetter(correlationID string, reason ErrInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dead *Entry
	wasInflight := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		entry, err := getEntry(tx, correlationID)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEntries).Delete(
			[]byte(correlationID),
		); err != nil {
			return err
		}
		inflight := tx.Bucket(bucketInflight)
		if inflight.Get([]byte(correlationID)) != nil {
			wasInflight = true
			entry.Attempt++
			if err := inflight.Delete([]byte(correlationID)); err != nil {
				return err
			}
		}
		// The entry may still be in the ready index (fragment teardown)
		if err := tx.Bucket(bucketReady).Delete(readyKey(entry)); err != nil {
			return err
		}

		entry.Status = StatusDeadLetter
		entry.LastError = &reason
		entry.ReservedAt = time.Time{}
		entry.LastSeen = s.now().UTC()

		dlq := tx.Bucket(bucketDLQ)
		seq, err := dlq.NextSequence()
		if err != nil {
			return err
		}
		key := binary.BigEndian.AppendUint64(nil, seq)
		key = append(key, correlationID...)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := dlq.Put(key, data); err != nil {
			return err
		}
		// Bound the DLQ by dropping the oldest entries
		for dlq.Stats().KeyN > s.cfg.MaxDeadLetters {
			cursor := dlq.Cursor()
			oldest, _ := cursor.First()
			if oldest == nil {
				break
			}
			if err := dlq.Delete(oldest); err != nil {
				return err
			}
		}
		dead = entry
		return nil
	})
	if err != nil {
		return err
	}
	s.active--
	if wasInflight {
		s.inflight--
	}
	s.dead = min(s.dead+1, s.cfg.MaxDeadLetters)

	if s.dlqDir != "" && dead != nil {
		if err := writeDLQFile(s.dlqDir, dead); err != nil {
			return fmt.Errorf("failed to write DLQ file: %w", err)
		}
	}
	return nil
}

// DeadLetterGroup tears down every remaining active entry of a fragment
// group, returning the correlation IDs moved to the DLQ. Used when any
// fragment of a group exhausts its budget.
func (s *Store) DeadLetterGroup(groupID string, reason ErrInfo) ([]string, error) {
	if groupID == "" {
		return nil, nil
	}
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.FragmentGroupID == groupID {
				ids = append(ids, e.CorrelationID())
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for _, correlationID := range ids {
		if err := s.DeadLetter(correlationID, reason); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// RecoverStale returns reservations older than the reservation TTL to
// the queue, incrementing their attempt counter. Run at startup before
// workers begin reserving.
func (s *Store) RecoverStale() ([]Recovered, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.ReservationTTL)
	var recovered []Recovered

	err := s.db.Update(func(tx *bolt.Tx) error {
		inflight := tx.Bucket(bucketInflight)
		var stale []string
		err := inflight.ForEach(func(k, v []byte) error {
			reservedAt := time.Unix(0, int64(binary.BigEndian.Uint64(v)))
			if reservedAt.After(cutoff) {
				return nil
			}
			stale = append(stale, string(k))
			return nil
		})
		if err != nil {
			return err
		}
		for _, correlationID := range stale {
			entry, err := getEntry(tx, correlationID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					if err := inflight.Delete([]byte(correlationID)); err != nil {
						return err
					}
					continue
				}
				return err
			}
			reservedAt := entry.ReservedAt
			entry.Status = StatusQueued
			entry.Attempt++
			entry.ReservedAt = time.Time{}
			if err := putEntry(tx, entry); err != nil {
				return err
			}
			if err := inflight.Delete([]byte(correlationID)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketReady).Put(
				readyKey(entry),
				[]byte(correlationID),
			); err != nil {
				return err
			}
			recovered = append(recovered, Recovered{
				CorrelationID: correlationID,
				Attempt:       entry.Attempt,
				ReservedAt:    reservedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.inflight -= len(recovered)
	return recovered, nil
}

// Get returns the active entry for a correlation ID
func (s *Store) Get(correlationID string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		e, err := getEntry(tx, correlationID)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	return entry, err
}

// ListDeadLetters returns up to limit dead-lettered entries, oldest
// first
func (s *Store) ListDeadLetters(limit int) ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketDLQ).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	return entries, err
}

// ActiveCount reports the number of entries in the active set
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// InFlightCount reports the number of reserved entries
func (s *Store) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// DeadLetterCount reports the number of DLQ entries retained
func (s *Store) DeadLetterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

// archivedTrace is the stored form of a completed trace
type archivedTrace struct {
	ArchivedAt time.Time       `json:"archived_at"`
	Trace      json.RawMessage `json:"trace"`
}

// ArchiveTrace stores a completed trace for later lookup. Traces live
// until purged by retention.
func (s *Store) ArchiveTrace(correlationID string, trace json.RawMessage) error {
	record := archivedTrace{
		ArchivedAt: s.now().UTC(),
		Trace:      trace,
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTraces).Put([]byte(correlationID), data)
	})
}

// GetArchivedTrace looks up an archived trace by correlation ID
func (s *Store) GetArchivedTrace(correlationID string) (json.RawMessage, error) {
	var trace json.RawMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTraces).Get([]byte(correlationID))
		if data == nil {
			return ErrNotFound
		}
		var record archivedTrace
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		trace = record.Trace
		return nil
	})
	return trace, err
}

// PurgeTraces drops archived traces older than the retention cutoff and
// returns the number purged
func (s *Store) PurgeTraces(retention time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-retention)
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		traces := tx.Bucket(bucketTraces)
		var stale [][]byte
		err := traces.ForEach(func(k, v []byte) error {
			var record archivedTrace
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if record.ArchivedAt.Before(cutoff) {
				stale = append(stale, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := traces.Delete(k); err != nil {
				return err
			}
		}
		purged = len(stale)
		return nil
	})
	return purged, err
}
