package chunkuploader

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/mamantoha/upload-io/uploadio"
)

// FileChunkProvider reads chunks from a file on disk.
// Reads use ReadAt, so parallel chunk reads need no locking.
type FileChunkProvider struct {
	file          *os.File
	chunkSize     int64
	lastChunkSize int64
	numChunks     int
}

// NewFileChunkProvider creates a ChunkProvider that reads from a file.
func NewFileChunkProvider(path string, chunkSize, lastChunkSize int64, numChunks int) (*FileChunkProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &FileChunkProvider{
		file:          file,
		chunkSize:     chunkSize,
		lastChunkSize: lastChunkSize,
		numChunks:     numChunks,
	}, nil
}

// NumChunks returns the total number of chunks.
func (p *FileChunkProvider) NumChunks() int {
	return p.numChunks
}

// ChunkSize returns the size of the chunk at the given index.
func (p *FileChunkProvider) ChunkSize(index int) int64 {
	if index == p.numChunks-1 {
		return p.lastChunkSize
	}
	return p.chunkSize
}

// GetChunk returns a reader for the chunk at the given index.
// The data is read into memory to allow for retries.
func (p *FileChunkProvider) GetChunk(index int) (io.Reader, error) {
	size := p.ChunkSize(index)
	offset := int64(index) * p.chunkSize

	chunk := make([]byte, size)
	n, err := p.file.ReadAt(chunk, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d at position %d: %w", index+1, offset, err)
	}

	if n == 0 {
		return nil, fmt.Errorf("unexpected end of file at chunk %d", index+1)
	}

	return bytes.NewReader(chunk[:n]), nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// BufferChunkProvider slices a single in-memory payload into fixed-size chunks.
// The last chunk carries the remainder.
type BufferChunkProvider struct {
	data      []byte
	chunkSize int64
}

// NewBufferChunkProvider creates a ChunkProvider over an in-memory payload.
func NewBufferChunkProvider(data []byte, chunkSize int64) (*BufferChunkProvider, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	return &BufferChunkProvider{data: data, chunkSize: chunkSize}, nil
}

// NumChunks returns the total number of chunks.
func (p *BufferChunkProvider) NumChunks() int {
	if len(p.data) == 0 {
		return 0
	}
	return int((int64(len(p.data)) + p.chunkSize - 1) / p.chunkSize)
}

// ChunkSize returns the size of the chunk at the given index.
func (p *BufferChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= p.NumChunks() {
		return 0
	}
	start := int64(index) * p.chunkSize
	remaining := int64(len(p.data)) - start
	if remaining < p.chunkSize {
		return remaining
	}
	return p.chunkSize
}

// GetChunk returns a reader for the chunk at the given index.
func (p *BufferChunkProvider) GetChunk(index int) (io.Reader, error) {
	if index < 0 || index >= p.NumChunks() {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, p.NumChunks())
	}
	start := int64(index) * p.chunkSize
	end := start + p.ChunkSize(index)
	return bytes.NewReader(p.data[start:end]), nil
}

// NewSourceChunkProvider creates a ChunkProvider over an upload source.
// Empty and buffer sources have a known chunk layout; stream sources do not,
// because signing chunk URLs needs the chunk count up front, so they must be
// uploaded sequentially through an uploadio.Reader instead.
func NewSourceChunkProvider(source uploadio.Source, chunkSize int64) (ChunkProvider, error) {
	switch source.Kind() {
	case uploadio.SourceEmpty:
		return NewBufferChunkProvider(nil, chunkSize)
	case uploadio.SourceBuffer:
		return NewBufferChunkProvider(source.Bytes(), chunkSize)
	case uploadio.SourceStream:
		return nil, fmt.Errorf("stream sources have no known chunk layout, upload them sequentially")
	default:
		return nil, fmt.Errorf("unknown source kind %d", source.Kind())
	}
}
