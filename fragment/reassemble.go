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

package fragment

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/blinklabs-io/boa/retry"
)

type group struct {
	total     int
	fragments map[int]Fragment
	wholeHash string
	firstSeen time.Time
}

// Expired describes an incomplete fragment group that hit the buffer
// timeout, for dead-letter diagnostics
type Expired struct {
	GroupID       string
	Total         int
	ReceivedCount int
	ReceivedSeqs  []int
	FirstSeen     time.Time
}

// Reassembler buffers externally-originated fragments by group until the
// full set arrives, then verifies and reassembles. Incomplete groups are
// swept out after the configured timeout.
type Reassembler struct {
	cfg    Config
	mu     sync.Mutex
	groups map[string]*group
	now    func() time.Time
}

// NewReassembler creates a Reassembler with the given config
func NewReassembler(cfg Config, opts ...ReassemblerOptionFunc) *Reassembler {
	r := &Reassembler{
		cfg:    cfg,
		groups: make(map[string]*group),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReassemblerOptionFunc configures a Reassembler
type ReassemblerOptionFunc func(*Reassembler)

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) ReassemblerOptionFunc {
	return func(r *Reassembler) {
		r.now = now
	}
}

// Add buffers one fragment. When the group is complete, the reassembled
// body is returned and the group torn down. Integrity failures reject
// the whole group.
func (r *Reassembler) Add(f Fragment) ([]byte, error) {
	if err := f.Verify(); err != nil {
		r.drop(f.GroupID)
		return nil, retry.NewError(retry.KindFragmentIntegrity, err)
	}
	if f.Total <= 0 || f.Sequence < 0 || f.Sequence >= f.Total {
		r.drop(f.GroupID)
		return nil, retry.NewError(
			retry.KindFragmentIntegrity,
			fmt.Errorf(
				"fragment %s has invalid sequence %d of %d",
				f.GroupID,
				f.Sequence,
				f.Total,
			),
		)
	}

	r.mu.Lock()
	g, ok := r.groups[f.GroupID]
	if !ok {
		g = &group{
			total:     f.Total,
			fragments: make(map[int]Fragment),
			wholeHash: f.WholeHash,
			firstSeen: r.now(),
		}
		r.groups[f.GroupID] = g
	}
	if f.Total != g.total || f.WholeHash != g.wholeHash {
		delete(r.groups, f.GroupID)
		r.mu.Unlock()
		return nil, retry.NewError(
			retry.KindFragmentIntegrity,
			fmt.Errorf("fragment %s manifest mismatch", f.GroupID),
		)
	}
	g.fragments[f.Sequence] = f
	complete := len(g.fragments) == g.total
	if complete {
		delete(r.groups, f.GroupID)
	}
	r.mu.Unlock()

	if !complete {
		return nil, nil
	}
	return assemble(g)
}

// assemble concatenates the decompressed fragments in sequence order and
// verifies the whole-body hash
func assemble(g *group) ([]byte, error) {
	var buf bytes.Buffer
	for seq := range g.total {
		f, ok := g.fragments[seq]
		if !ok {
			return nil, retry.NewError(
				retry.KindFragmentIntegrity,
				fmt.Errorf("missing fragment sequence %d", seq),
			)
		}
		body, err := f.Body()
		if err != nil {
			return nil, retry.NewError(retry.KindFragmentIntegrity, err)
		}
		buf.Write(body)
	}
	sum := sha256.Sum256(buf.Bytes())
	if hex.EncodeToString(sum[:]) != g.wholeHash {
		return nil, retry.NewError(
			retry.KindFragmentIntegrity,
			fmt.Errorf("whole-body hash mismatch"),
		)
	}
	return buf.Bytes(), nil
}

func (r *Reassembler) drop(groupID string) {
	r.mu.Lock()
	delete(r.groups, groupID)
	r.mu.Unlock()
}

// Pending reports the number of buffered incomplete groups
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// Sweep removes groups older than the buffer timeout and returns their
// diagnostics for dead-lettering
func (r *Reassembler) Sweep() []Expired {
	cutoff := r.now().Add(-r.cfg.Timeout)
	var expired []Expired
	r.mu.Lock()
	for groupID, g := range r.groups {
		if g.firstSeen.After(cutoff) {
			continue
		}
		seqs := make([]int, 0, len(g.fragments))
		for seq := range g.fragments {
			seqs = append(seqs, seq)
		}
		expired = append(expired, Expired{
			GroupID:       groupID,
			Total:         g.total,
			ReceivedCount: len(g.fragments),
			ReceivedSeqs:  seqs,
			FirstSeen:     g.firstSeen,
		})
		delete(r.groups, groupID)
	}
	r.mu.Unlock()
	return expired
}
