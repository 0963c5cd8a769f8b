// Package uploadio adapts an arbitrary byte origin (a buffer, a string, or an
// open stream) into a chunked request body with progress reporting, pause and
// resume, cooperative cancellation, and bandwidth throttling.
// It produces bytes on demand and never initiates network I/O itself.
package uploadio

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultChunkSize is the per-read byte cap applied when Config.ChunkSize is unset.
const DefaultChunkSize = 4096

// Config holds the tunable parts of a Reader.
// The zero value is valid: default chunk size, no speed cap, no callbacks.
type Config struct {
	// ChunkSize caps the number of bytes a single Read produces. 0 means DefaultChunkSize.
	ChunkSize int

	// MaxSpeed caps the average throughput in bytes per second. 0 means unlimited.
	MaxSpeed int64

	// OnProgress, when set, is called synchronously after every non-empty chunk
	// with the size of that chunk (not the running total).
	OnProgress func(n int)

	// ShouldCancel, when set, is polled once per Read before the source is touched.
	// Returning true ends that read with io.EOF; the check runs again on the next
	// read, so a flapping predicate does not retire the reader the way Cancel does.
	ShouldCancel func() bool
}

// Reader turns a Source into an io.Reader that a transport can drain chunk by
// chunk. Reads happen on a single goroutine; Pause, Resume, Cancel, SetMaxSpeed
// and the observers are safe to call concurrently from other goroutines.
//
// Reader also implements io.Writer (accept and discard) for transports that
// demand a bidirectional body, and io.Closer so that clients which close
// request bodies release the source handle.
type Reader struct {
	source    Source
	chunkSize int

	onProgress   func(int)
	shouldCancel func() bool

	offset   int
	uploaded atomic.Int64

	cancelled atomic.Bool

	paused atomic.Bool
	gateMu sync.Mutex
	gate   chan struct{}

	limiter *speedLimiter

	logger log.Logger
}

// New validates cfg and wraps source in a Reader. It performs no I/O on the
// source beyond what the Source constructor already did. The reader takes
// ownership of a stream source's handle: on a config error the handle is
// closed right here rather than leaked.
func New(source Source, cfg Config, logger log.Logger) (*Reader, error) {
	if err := validate(source, cfg); err != nil {
		if source.kind == SourceStream && source.stream != nil {
			_ = source.stream.Close()
		}
		return nil, err
	}

	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	return &Reader{
		source:       source,
		chunkSize:    chunkSize,
		onProgress:   cfg.OnProgress,
		shouldCancel: cfg.ShouldCancel,
		limiter:      newSpeedLimiter(cfg.MaxSpeed),
		logger:       logger,
	}, nil
}

func validate(source Source, cfg Config) error {
	if cfg.ChunkSize < 0 {
		return fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.MaxSpeed < 0 {
		return fmt.Errorf("max speed must be positive, got %d", cfg.MaxSpeed)
	}
	if source.kind == SourceStream && source.stream == nil {
		return fmt.Errorf("stream source has no handle")
	}
	return nil
}

// Read produces the next chunk, at most ChunkSize bytes, into p.
//
// Every no-more-data outcome collapses into io.EOF: an exhausted or empty
// source, a cancelled reader, and a true ShouldCancel verdict all look the
// same to the transport draining the reader. Errors from a stream source's
// own Read pass through unchanged.
func (r *Reader) Read(p []byte) (int, error) {
	if r.cancelled.Load() {
		return 0, io.EOF
	}
	if r.shouldCancel != nil && r.shouldCancel() {
		return 0, io.EOF
	}
	r.waitWhilePaused()
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > r.chunkSize {
		p = p[:r.chunkSize]
	}

	n, err := r.readChunk(p)
	if n > 0 {
		r.uploaded.Add(int64(n))
		if r.onProgress != nil {
			r.onProgress(n)
		}
		r.limiter.wait(n)
		if err == io.EOF {
			// The final bytes are delivered now, the next read reports EOF.
			err = nil
		}
		return n, err
	}
	if err == nil {
		// A source handing back zero bytes is done for good.
		err = io.EOF
	}
	return 0, err
}

func (r *Reader) readChunk(p []byte) (int, error) {
	switch r.source.kind {
	case SourceBuffer:
		remaining := len(r.source.buf) - r.offset
		if remaining <= 0 {
			return 0, io.EOF
		}
		n := copy(p, r.source.buf[r.offset:])
		r.offset += n
		return n, nil
	case SourceStream:
		return r.source.stream.Read(p)
	default:
		return 0, io.EOF
	}
}

// Cancel retires the reader: all subsequent reads return io.EOF without
// touching the source. The first call closes a stream source's handle, which
// can also unblock a read currently sitting inside the handle's own Read.
// Calling Cancel again is a no-op.
func (r *Reader) Cancel() {
	if !r.cancelled.CompareAndSwap(false, true) {
		return
	}
	r.logger.Debugf("Upload cancelled after %d bytes", r.uploaded.Load())
	if r.source.kind == SourceStream {
		if err := r.source.stream.Close(); err != nil {
			r.logger.Warnf("Failed to close upload source: %s", err)
		}
	}
}

// Close is Cancel in io.Closer clothing.
func (r *Reader) Close() error {
	r.Cancel()
	return nil
}

// Pause suspends the next read (and a read currently between chunks) before
// it touches the source. Data already produced is unaffected.
func (r *Reader) Pause() {
	r.gateMu.Lock()
	defer r.gateMu.Unlock()
	if r.paused.Load() {
		return
	}
	r.gate = make(chan struct{})
	r.paused.Store(true)
}

// Resume lifts a pause and wakes a read blocked on it. The read continues
// from the exact offset it had, no bytes are lost or repeated.
func (r *Reader) Resume() {
	r.gateMu.Lock()
	defer r.gateMu.Unlock()
	if !r.paused.Load() {
		return
	}
	r.paused.Store(false)
	close(r.gate)
}

// waitWhilePaused parks the reading goroutine until Resume closes the gate.
// The gate mutex is never held while blocked, so Pause and Resume stay callable.
func (r *Reader) waitWhilePaused() {
	for {
		r.gateMu.Lock()
		if !r.paused.Load() {
			r.gateMu.Unlock()
			return
		}
		gate := r.gate
		r.gateMu.Unlock()
		<-gate
	}
}

// Reset rewinds the reader to the beginning: offset, uploaded total and the
// throttle window all return to zero, and the next read produces the first
// chunk again. Buffer and string sources always rewind; a stream source
// rewinds only when its handle is an io.Seeker. A cancelled reader stays
// cancelled and refuses to rewind.
//
// Reset must be called from the reading side, between reads, the same way a
// retrying transport rewinds a request body between attempts.
func (r *Reader) Reset() error {
	if r.cancelled.Load() {
		return fmt.Errorf("cannot rewind a cancelled reader")
	}
	if r.source.kind == SourceStream {
		seeker, ok := r.source.stream.(io.Seeker)
		if !ok {
			return fmt.Errorf("source stream is not seekable")
		}
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind source stream: %w", err)
		}
	}
	r.offset = 0
	r.uploaded.Store(0)
	r.limiter.reset()
	r.logger.Debugf("Upload rewound to start")
	return nil
}

// SetMaxSpeed replaces the throughput ceiling in bytes per second.
// Zero or negative lifts the cap. Takes effect from the next chunk.
func (r *Reader) SetMaxSpeed(bytesPerSec int64) {
	r.limiter.setMaxSpeed(bytesPerSec)
}

// UploadedTotal returns the cumulative number of bytes produced so far.
func (r *Reader) UploadedTotal() int64 {
	return r.uploaded.Load()
}

// IsCancelled reports whether Cancel (or Close) has retired the reader.
func (r *Reader) IsCancelled() bool {
	return r.cancelled.Load()
}

// IsPaused reports whether reads are currently gated.
func (r *Reader) IsPaused() bool {
	return r.paused.Load()
}

// Write accepts and discards p. Some transports insist on a read-write body;
// the reader is read-only, so writes succeed without any effect.
func (r *Reader) Write(p []byte) (int, error) {
	return len(p), nil
}
