// Package hashspill provides a streaming hashing sink that keeps small
// payloads in memory and overflows larger ones to uniquely named temporary
// files.
//
// A Sink ingests a byte stream, computes SHA-256 and total size, and exposes
// the bytes for replay without forcing full in-memory buffering. Replay
// readers are reference counted; artifacts on disk are removed when cleanup
// has been requested and the last reader closes.
package hashspill

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DirPrefix is the name prefix for spill directories under the tmp root.
const DirPrefix = "hashspill-"

const spillFileName = "payload"

// Sink accumulates bytes in memory up to a limit and spills to a single file
// under a unique subdirectory once the limit is exceeded.
//
// Write, Finish, Size, and DigestHex must be called from a single writer
// goroutine. ToReadable and Cleanup are safe to call concurrently after
// Finish.
type Sink struct {
	limit   int64
	tmpRoot string

	hasher hash.Hash
	buf    bytes.Buffer
	size   int64

	spillDir  string
	spillFile *os.File
	spilled   bool

	finished bool
	digest   string

	mu             sync.Mutex
	readers        int
	cleanupPending bool
	cleanedUp      bool
}

// New creates a sink that keeps at most limit bytes in memory before
// spilling to a file under tmpRoot. A limit of 0 spills on the first write.
func New(limit int64, tmpRoot string) *Sink {
	return &Sink{
		limit:   limit,
		tmpRoot: tmpRoot,
		hasher:  sha256.New(),
	}
}

// Write ingests a chunk. Once the in-memory limit is exceeded the sink
// creates its spill directory and moves all bytes, buffered ones first, into
// the spill file.
func (s *Sink) Write(p []byte) (int, error) {
	if s.finished {
		return 0, fmt.Errorf("hashspill: write after finish")
	}

	s.hasher.Write(p)
	s.size += int64(len(p))

	if s.spilled {
		if _, err := s.spillFile.Write(p); err != nil {
			return 0, fmt.Errorf("hashspill: write spill file: %w", err)
		}
		return len(p), nil
	}

	if s.size <= s.limit {
		s.buf.Write(p)
		return len(p), nil
	}

	if err := s.spill(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// spill creates the unique spill directory and file, drains the in-memory
// buffer into it in order, then appends the chunk that crossed the limit.
func (s *Sink) spill(extra []byte) error {
	dir := filepath.Join(s.tmpRoot, uniqueDirName())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("hashspill: create spill dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, spillFileName), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		// Best-effort removal of the partial directory.
		_ = os.RemoveAll(dir)
		return fmt.Errorf("hashspill: create spill file: %w", err)
	}

	if _, err := f.Write(s.buf.Bytes()); err != nil {
		f.Close()
		_ = os.RemoveAll(dir)
		return fmt.Errorf("hashspill: drain buffer: %w", err)
	}
	if _, err := f.Write(extra); err != nil {
		f.Close()
		_ = os.RemoveAll(dir)
		return fmt.Errorf("hashspill: write spill file: %w", err)
	}

	s.buf.Reset()
	s.spillDir = dir
	s.spillFile = f
	s.spilled = true
	return nil
}

// uniqueDirName combines a monotonic-resolution timestamp with a random UUID.
// Two sinks created in the same millisecond must not collide; the UUID makes
// the name unique regardless of clock resolution or skew.
func uniqueDirName() string {
	return fmt.Sprintf("%s%d-%s", DirPrefix, time.Now().UnixNano(), uuid.NewString())
}

// Finish finalizes the hash. No further writes are accepted.
func (s *Sink) Finish() error {
	if s.finished {
		return nil
	}
	s.finished = true
	s.digest = hex.EncodeToString(s.hasher.Sum(nil))

	if s.spilled {
		if err := s.spillFile.Sync(); err != nil {
			return fmt.Errorf("hashspill: sync spill file: %w", err)
		}
		if err := s.spillFile.Close(); err != nil {
			return fmt.Errorf("hashspill: close spill file: %w", err)
		}
		s.spillFile = nil
	}
	return nil
}

// Size returns the total number of bytes written.
func (s *Sink) Size() int64 {
	return s.size
}

// DigestHex returns the hex-encoded SHA-256 of the byte sequence.
// Valid only after Finish.
func (s *Sink) DigestHex() string {
	return s.digest
}

// Spilled reports whether the sink overflowed to disk.
func (s *Sink) Spilled() bool {
	return s.spilled
}

// ReadableOptions controls replay reader behavior.
type ReadableOptions struct {
	// AutoCleanup removes on-disk artifacts when this reader is the last
	// outstanding one and reaches EOF or is closed.
	AutoCleanup bool
}

// ToReadable returns a fresh replay stream over the full byte sequence.
// Multiple concurrent replays yield identical byte sequences. Must be called
// after Finish.
func (s *Sink) ToReadable(opts ReadableOptions) (io.ReadCloser, error) {
	if !s.finished {
		return nil, fmt.Errorf("hashspill: ToReadable before finish")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleanedUp {
		return nil, fmt.Errorf("hashspill: artifacts already cleaned up")
	}

	if !s.spilled {
		// In-memory replay over an independent reader; the shared buffer is
		// never mutated after Finish.
		s.readers++
		return &replayReader{
			sink: s,
			r:    bytes.NewReader(s.buf.Bytes()),
			auto: opts.AutoCleanup,
		}, nil
	}

	f, err := os.Open(filepath.Join(s.spillDir, spillFileName))
	if err != nil {
		return nil, fmt.Errorf("hashspill: open spill file: %w", err)
	}
	s.readers++
	return &replayReader{
		sink: s,
		r:    f,
		f:    f,
		auto: opts.AutoCleanup,
	}, nil
}

// Cleanup removes the spill artifacts. It is a no-op when nothing spilled,
// safe to call multiple times, and deferred until the last open reader
// closes.
func (s *Sink) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupPending = true
	return s.maybeCleanupLocked()
}

// maybeCleanupLocked removes artifacts when cleanup was requested and no
// readers remain. Caller must hold s.mu.
func (s *Sink) maybeCleanupLocked() error {
	if !s.cleanupPending || s.cleanedUp || s.readers > 0 {
		return nil
	}
	s.cleanedUp = true
	if !s.spilled {
		return nil
	}
	if err := os.RemoveAll(s.spillDir); err != nil {
		return fmt.Errorf("hashspill: remove spill dir: %w", err)
	}
	return nil
}

// releaseReader decrements the refcount and runs deferred cleanup when the
// last reader goes away.
func (s *Sink) releaseReader(auto bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readers--
	if auto {
		s.cleanupPending = true
	}
	return s.maybeCleanupLocked()
}

// replayReader is a refcounted view over the sink's byte sequence.
type replayReader struct {
	sink   *Sink
	r      io.Reader
	f      *os.File
	auto   bool
	closed bool
}

func (r *replayReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.EOF
	}
	return r.r.Read(p)
}

// Close releases the reader. Idempotent.
func (r *replayReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.f != nil {
		_ = r.f.Close()
	}
	return r.sink.releaseReader(r.auto)
}
