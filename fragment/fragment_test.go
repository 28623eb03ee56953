package fragment

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/blinklabs-io/boa/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compressibleBody(size int) []byte {
	body := make([]byte, size)
	for i := range body {
		body[i] = byte('a' + i%4)
	}
	return body
}

func randomBody(t *testing.T, size int) []byte {
	t.Helper()
	body := make([]byte, size)
	_, err := rand.Read(body)
	require.NoError(t, err)
	return body
}

func TestSplitProducesContiguousSequences(t *testing.T) {
	cfg := DefaultConfig()
	body := randomBody(t, 200*1024)

	fragments, err := Split(cfg, body)
	require.NoError(t, err)
	// 200 KiB at 32 KiB per fragment
	require.Len(t, fragments, 7)

	for i, f := range fragments {
		assert.Equal(t, i, f.Sequence)
		assert.Equal(t, 7, f.Total)
		assert.Equal(t, fragments[0].GroupID, f.GroupID)
		assert.Equal(t, fragments[0].WholeHash, f.WholeHash)
		assert.LessOrEqual(t, f.Size, cfg.MaxFragmentSize)
		assert.NoError(t, f.Verify())
	}
}

func TestSplitCompressesWhenWorthIt(t *testing.T) {
	cfg := DefaultConfig()

	fragments, err := Split(cfg, compressibleBody(100*1024))
	require.NoError(t, err)
	for _, f := range fragments {
		assert.True(t, f.IsCompressed)
		assert.Less(t, f.Size, cfg.MaxFragmentSize)
	}

	// Random data doesn't compress; fragments stay raw
	fragments, err = Split(cfg, randomBody(t, 100*1024))
	require.NoError(t, err)
	for _, f := range fragments {
		assert.False(t, f.IsCompressed)
	}
}

func TestSplitReassembleRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	for _, body := range [][]byte{
		compressibleBody(200 * 1024),
		randomBody(t, 65*1024),
		compressibleBody(32*1024*3 + 17),
	} {
		fragments, err := Split(cfg, body)
		require.NoError(t, err)

		r := NewReassembler(cfg)
		var assembled []byte
		// Deliver out of order to exercise sequence handling
		for i := len(fragments) - 1; i >= 0; i-- {
			assembled, err = r.Add(fragments[i])
			require.NoError(t, err)
			if i > 0 {
				require.Nil(t, assembled)
			}
		}
		require.True(t, bytes.Equal(body, assembled))
		assert.Equal(t, 0, r.Pending())
	}
}

func TestReassemblerRejectsCorruptFragment(t *testing.T) {
	cfg := DefaultConfig()
	fragments, err := Split(cfg, randomBody(t, 100*1024))
	require.NoError(t, err)

	r := NewReassembler(cfg)
	corrupt := fragments[0]
	corrupt.Payload = append([]byte{}, corrupt.Payload...)
	corrupt.Payload[0] ^= 0xff

	_, err = r.Add(corrupt)
	require.Error(t, err)
	assert.Equal(t, retry.KindFragmentIntegrity, retry.Classify(err))
}

func TestReassemblerRejectsManifestMismatch(t *testing.T) {
	cfg := DefaultConfig()
	fragments, err := Split(cfg, randomBody(t, 100*1024))
	require.NoError(t, err)

	r := NewReassembler(cfg)
	_, err = r.Add(fragments[0])
	require.NoError(t, err)

	// Same group, different total
	rogue := fragments[1]
	rogue.Total = 99
	rogue.Sequence = 1
	_, err = r.Add(rogue)
	require.Error(t, err)
	assert.Equal(t, retry.KindFragmentIntegrity, retry.Classify(err))
}

func TestSweepExpiresIncompleteGroups(t *testing.T) {
	cfg := DefaultConfig()
	current := time.Now()
	r := NewReassembler(cfg, WithClock(func() time.Time { return current }))

	fragments, err := Split(cfg, randomBody(t, 100*1024))
	require.NoError(t, err)
	_, err = r.Add(fragments[0])
	require.NoError(t, err)
	_, err = r.Add(fragments[2])
	require.NoError(t, err)

	// Not expired yet
	require.Empty(t, r.Sweep())

	current = current.Add(cfg.Timeout + time.Second)
	expired := r.Sweep()
	require.Len(t, expired, 1)
	assert.Equal(t, fragments[0].GroupID, expired[0].GroupID)
	assert.Equal(t, 4, expired[0].Total)
	assert.Equal(t, 2, expired[0].ReceivedCount)
	assert.ElementsMatch(t, []int{0, 2}, expired[0].ReceivedSeqs)
	assert.Equal(t, 0, r.Pending())
}

func TestSplitEmptyBody(t *testing.T) {
	_, err := Split(DefaultConfig(), nil)
	assert.Error(t, err)
}
