// Package image holds the firmware image served to clients: a seekable byte
// source with a known size.
package image

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rpsota/rpsota/internal/rps"
)

var ErrTooSmall = errors.New("image smaller than an RPS header")

// Store is a seekable firmware image. It is not safe for concurrent use; the
// dispatcher serving a session owns the read position.
type Store struct {
	name string
	r    io.ReadSeeker
	size int64
	c    io.Closer
}

// Open opens the image file at path.
func Open(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("open image: %s is a directory", path)
	}
	return &Store{name: path, r: f, size: fi.Size(), c: f}, nil
}

// FromBytes wraps an in-memory image.
func FromBytes(name string, b []byte) *Store {
	return &Store{name: name, r: bytes.NewReader(b), size: int64(len(b))}
}

// Name returns the path or label the store was created with.
func (s *Store) Name() string { return s.name }

// Size returns the image size in bytes, header included.
func (s *Store) Size() int64 { return s.size }

// Seek moves the read position.
func (s *Store) Seek(offset int64, whence int) (int64, error) {
	return s.r.Seek(offset, whence)
}

// Read reads from the current position.
func (s *Store) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Header reads and decodes the header block, leaving the read position just
// past it.
func (s *Store) Header() (rps.Header, error) {
	if s.size < rps.HeaderSize {
		return rps.Header{}, fmt.Errorf("%w: %d bytes", ErrTooSmall, s.size)
	}
	if _, err := s.r.Seek(0, io.SeekStart); err != nil {
		return rps.Header{}, err
	}
	buf := make([]byte, rps.HeaderSize)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return rps.Header{}, fmt.Errorf("read header: %w", err)
	}
	return rps.ParseHeader(buf)
}

// Close releases the underlying file, if any.
func (s *Store) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}
