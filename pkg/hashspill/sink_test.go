package hashspill

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listSpillDirs(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), DirPrefix) {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs
}

func writeAll(t *testing.T, s *Sink, data []byte, chunkSize int) {
	t.Helper()
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		n, err := s.Write(data[off:end])
		require.NoError(t, err)
		require.Equal(t, end-off, n)
	}
}

func TestInMemoryNoArtifacts(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, 32*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	s := New(32*1024, root)
	writeAll(t, s, data, 1024)
	require.NoError(t, s.Finish())

	assert.False(t, s.Spilled())
	assert.Equal(t, int64(len(data)), s.Size())

	want := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(want[:]), s.DigestHex())

	// No filesystem artifact for payloads at or under the limit.
	assert.Empty(t, listSpillDirs(t, root))
}

func TestSpillOneByteOverLimit(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, 32*1024+1)
	_, err := rand.Read(data)
	require.NoError(t, err)

	s := New(32*1024, root)
	writeAll(t, s, data, 4096)
	require.NoError(t, s.Finish())

	assert.True(t, s.Spilled())

	dirs := listSpillDirs(t, root)
	require.Len(t, dirs, 1)

	// Exactly one file within the spill directory.
	files, err := os.ReadDir(filepath.Join(root, dirs[0]))
	require.NoError(t, err)
	require.Len(t, files, 1)

	want := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(want[:]), s.DigestHex())
}

func TestReplayExactAcrossChunkings(t *testing.T) {
	data := make([]byte, 100_000)
	_, err := rand.Read(data)
	require.NoError(t, err)

	for _, chunk := range []int{1, 7, 1024, 64 * 1024, len(data)} {
		for _, limit := range []int64{0, 512, int64(len(data)), int64(len(data)) + 1} {
			s := New(limit, t.TempDir())
			writeAll(t, s, data, chunk)
			require.NoError(t, s.Finish())

			r, err := s.ToReadable(ReadableOptions{})
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())

			require.True(t, bytes.Equal(data, got), "chunk=%d limit=%d", chunk, limit)
			require.Equal(t, int64(len(data)), s.Size())
		}
	}
}

func TestConcurrentReplaysIdentical(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, 50_000)
	_, err := rand.Read(data)
	require.NoError(t, err)

	s := New(1024, root)
	writeAll(t, s, data, 813)
	require.NoError(t, s.Finish())

	const n = 8
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		r, err := s.ToReadable(ReadableOptions{})
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, r io.ReadCloser) {
			defer wg.Done()
			defer r.Close()
			results[i], errs[i] = io.ReadAll(r)
		}(i, r)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.True(t, bytes.Equal(data, results[i]))
	}
}

func TestAutoCleanupAfterDrain(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, 40_000)
	_, err := rand.Read(data)
	require.NoError(t, err)

	s := New(32*1024, root)
	writeAll(t, s, data, 4096)
	require.NoError(t, s.Finish())
	require.Len(t, listSpillDirs(t, root), 1)

	r, err := s.ToReadable(ReadableOptions{AutoCleanup: true})
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// After the last auto-cleanup reader is drained, zero directories remain.
	assert.Empty(t, listSpillDirs(t, root))
}

func TestCleanupDeferredWhileReaderOpen(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, 10_000)
	_, err := rand.Read(data)
	require.NoError(t, err)

	s := New(100, root)
	writeAll(t, s, data, 997)
	require.NoError(t, s.Finish())

	r, err := s.ToReadable(ReadableOptions{})
	require.NoError(t, err)

	// Cleanup while a reader is open must be deferred, and the open reader
	// must still replay the full sequence.
	require.NoError(t, s.Cleanup())
	require.Len(t, listSpillDirs(t, root), 1)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	require.NoError(t, r.Close())
	assert.Empty(t, listSpillDirs(t, root))
}

func TestCleanupIdempotent(t *testing.T) {
	root := t.TempDir()
	s := New(4, root)
	writeAll(t, s, []byte("0123456789"), 3)
	require.NoError(t, s.Finish())

	require.NoError(t, s.Cleanup())
	require.NoError(t, s.Cleanup())
	assert.Empty(t, listSpillDirs(t, root))
}

func TestCleanupNoopWithoutSpill(t *testing.T) {
	root := t.TempDir()
	s := New(1024, root)
	writeAll(t, s, []byte("small"), 5)
	require.NoError(t, s.Finish())
	require.NoError(t, s.Cleanup())
}

func TestSameMillisecondSinksDoNotCollide(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, 2048)
	_, err := rand.Read(data)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s := New(16, root)
			if _, err := s.Write(data); err != nil {
				errs[i] = err
				return
			}
			errs[i] = s.Finish()
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}
	// All sinks spilled into distinct subdirectories.
	assert.Len(t, listSpillDirs(t, root), n)
}

func TestWriteAfterFinishFails(t *testing.T) {
	s := New(16, t.TempDir())
	require.NoError(t, s.Finish())
	_, err := s.Write([]byte("x"))
	assert.Error(t, err)
}

func TestZeroLimitSpillsImmediately(t *testing.T) {
	root := t.TempDir()
	s := New(0, root)
	writeAll(t, s, []byte("x"), 1)
	require.NoError(t, s.Finish())
	assert.True(t, s.Spilled())
	assert.Len(t, listSpillDirs(t, root), 1)
}
