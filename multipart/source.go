package multipart

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Source provides random access to the bytes being uploaded.
// Implementations must be safe for concurrent ReadAt calls.
type Source interface {
	io.ReaderAt
	Size() int64
}

// FileSource reads chunks from a file on disk. The file is opened once;
// every chunk gets its own section reader so parallel reads never share a cursor.
type FileSource struct {
	file *os.File
	size int64
}

// OpenFileSource opens path for chunked reading.
func OpenFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrInvalidInput, path)
	}

	return &FileSource{
		file: file,
		size: info.Size(),
	}, nil
}

// ReadAt implements io.ReaderAt.
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Size returns the file size captured when the file was opened.
func (s *FileSource) Size() int64 {
	return s.size
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BytesSource serves chunks from memory.
type BytesSource struct {
	reader *bytes.Reader
}

// NewBytesSource creates a Source over data.
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{reader: bytes.NewReader(data)}
}

// ReadAt implements io.ReaderAt.
func (s *BytesSource) ReadAt(p []byte, off int64) (int, error) {
	return s.reader.ReadAt(p, off)
}

// Size returns the length of the underlying data.
func (s *BytesSource) Size() int64 {
	return s.reader.Size()
}

// Section returns an independent reader over the bytes of one chunk.
func Section(src Source, desc ChunkDescriptor) *io.SectionReader {
	return io.NewSectionReader(src, desc.Offset, desc.Length)
}
