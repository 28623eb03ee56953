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
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// DisplayStrategy is the rendering policy for oversized messages. The
// pipeline doesn't interpret it beyond passing it along; it only
// guarantees contiguous delivery of the fragments.
type DisplayStrategy string

const (
	StrategyTextSplit         DisplayStrategy = "text_split"
	StrategyFileAttachment    DisplayStrategy = "file_attachment"
	StrategyCompressedArchive DisplayStrategy = "compressed_archive"
	StrategyInteractive       DisplayStrategy = "interactive"
	StrategyProgressive       DisplayStrategy = "progressive"
)

// Config holds the fragmentation parameters
type Config struct {
	Threshold          int
	MaxFragmentSize    int
	MinCompressSavings float64
	Timeout            time.Duration
}

// DefaultConfig returns the standard fragmentation parameters
func DefaultConfig() Config {
	return Config{
		Threshold:          64 * 1024,
		MaxFragmentSize:    32 * 1024,
		MinCompressSavings: 0.10,
		Timeout:            5 * time.Minute,
	}
}

// Fragment is one piece of an oversized message body plus its manifest.
// FragmentHash covers the stored payload (compressed when IsCompressed);
// WholeHash covers the reassembled body.
type Fragment struct {
	GroupID      string `json:"group_id"`
	Sequence     int    `json:"sequence"`
	Total        int    `json:"total"`
	Size         int    `json:"size"`
	Payload      []byte `json:"payload"`
	FragmentHash string `json:"fragment_hash"`
	WholeHash    string `json:"whole_hash"`
	IsCompressed bool   `json:"is_compressed"`
}

// Oversize reports whether a rendered body needs fragmentation
func (c Config) Oversize(body []byte) bool {
	return len(body) > c.Threshold
}

// Split fragments an oversized body into chunks of at most
// MaxFragmentSize, compressing each chunk when it saves at least
// MinCompressSavings. All fragments share a fresh group ID.
func Split(cfg Config, body []byte) ([]Fragment, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("cannot fragment empty body")
	}
	if cfg.MaxFragmentSize <= 0 {
		return nil, fmt.Errorf(
			"invalid max fragment size: %d",
			cfg.MaxFragmentSize,
		)
	}

	wholeSum := sha256.Sum256(body)
	wholeHash := hex.EncodeToString(wholeSum[:])
	groupID := uuid.NewString()

	total := (len(body) + cfg.MaxFragmentSize - 1) / cfg.MaxFragmentSize
	fragments := make([]Fragment, 0, total)
	for seq := range total {
		start := seq * cfg.MaxFragmentSize
		end := min(start+cfg.MaxFragmentSize, len(body))
		chunk := body[start:end]

		payload := chunk
		compressed := false
		if cfg.MinCompressSavings > 0 {
			packed, err := compress(chunk)
			if err != nil {
				return nil, fmt.Errorf("failed to compress fragment: %w", err)
			}
			savings := 1 - float64(len(packed))/float64(len(chunk))
			if savings >= cfg.MinCompressSavings {
				payload = packed
				compressed = true
			}
		}

		fragSum := sha256.Sum256(payload)
		fragments = append(fragments, Fragment{
			GroupID:      groupID,
			Sequence:     seq,
			Total:        total,
			Size:         len(payload),
			Payload:      payload,
			FragmentHash: hex.EncodeToString(fragSum[:]),
			WholeHash:    wholeHash,
			IsCompressed: compressed,
		})
	}
	return fragments, nil
}

// Verify checks the fragment hash against the stored payload
func (f *Fragment) Verify() error {
	sum := sha256.Sum256(f.Payload)
	if hex.EncodeToString(sum[:]) != f.FragmentHash {
		return fmt.Errorf(
			"fragment %s[%d] hash mismatch",
			f.GroupID,
			f.Sequence,
		)
	}
	return nil
}

// Body returns the fragment's contribution to the reassembled body,
// decompressing when needed
func (f *Fragment) Body() ([]byte, error) {
	if !f.IsCompressed {
		return f.Payload, nil
	}
	return decompress(f.Payload)
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
