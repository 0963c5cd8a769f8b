package uploadio

import (
	"fmt"
	"io"
	"os"
)

// SourceKind identifies the shape of an upload origin.
type SourceKind int

const (
	// SourceEmpty is an absent origin: the first read reports end of stream.
	SourceEmpty SourceKind = iota
	// SourceBuffer is an origin that is fully materialized in memory.
	SourceBuffer
	// SourceStream is a pull-based origin of unknown total length.
	SourceStream
)

// Source is the classified origin of an upload.
// The kind is decided once, by the constructor, and never changes afterwards.
type Source struct {
	kind   SourceKind
	buf    []byte
	stream io.ReadCloser
	size   int64
	sized  bool
}

// EmptySource returns a source with no payload.
func EmptySource() Source {
	return Source{kind: SourceEmpty, sized: true}
}

// BufferSource returns a source backed by an in-memory byte slice.
// The slice is not copied; the caller must not mutate it while the upload is active.
func BufferSource(data []byte) Source {
	return Source{kind: SourceBuffer, buf: data, size: int64(len(data)), sized: true}
}

// StringSource returns a buffer source holding the byte encoding of s.
// The conversion happens once, up front.
func StringSource(s string) Source {
	return BufferSource([]byte(s))
}

// StreamSource returns a source that pulls from rc on demand.
// The reader owns rc from this point on: cancelling the upload closes it.
func StreamSource(rc io.ReadCloser) Source {
	return Source{kind: SourceStream, stream: rc}
}

// FileSource opens path and returns a stream source with a known size,
// so transports can still set a Content-Length.
func FileSource(path string) (Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return Source{}, fmt.Errorf("open source file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		if closeErr := file.Close(); closeErr != nil {
			err = fmt.Errorf("%w (close: %s)", err, closeErr)
		}
		return Source{}, fmt.Errorf("stat source file: %w", err)
	}
	return Source{kind: SourceStream, stream: file, size: info.Size(), sized: true}, nil
}

// Kind returns the source's classification.
func (s Source) Kind() SourceKind {
	return s.kind
}

// Bytes returns the in-memory payload for buffer sources and nil otherwise.
// The returned slice is the source's backing store, not a copy.
func (s Source) Bytes() []byte {
	if s.kind != SourceBuffer {
		return nil
	}
	return s.buf
}

// Size returns the total payload size in bytes and whether it is known up front.
// Buffer and file sources know their size, plain stream sources do not.
func (s Source) Size() (int64, bool) {
	return s.size, s.sized
}
