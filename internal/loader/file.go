package loader

import (
	"fmt"
	"hash"
	"hash/crc32"
	"os"
	"path/filepath"
)

// File writes the image to a path. Content goes to a temporary file in the
// same directory, renamed into place once the image is complete and its
// CRC matches the header. A header CRC of zero skips the check.
type File struct {
	tracker
	path string
	tmp  *os.File
	crc  hash.Hash32
}

// NewFile returns a loader that writes the image to path.
func NewFile(path string) *File {
	return &File{path: path, crc: crc32.NewIEEE()}
}

func (f *File) Begin(header []byte) error {
	if err := f.begin(header); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	f.tmp = tmp
	if _, err := tmp.Write(header); err != nil {
		f.Abort()
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

func (f *File) Append(chunk []byte) (Status, error) {
	if f.begun && !f.done && f.tmp == nil {
		return StatusOK, ErrAborted
	}
	done, err := f.accept(chunk)
	if err != nil {
		f.Abort()
		return StatusOK, err
	}
	if _, err := f.tmp.Write(chunk); err != nil {
		f.Abort()
		return StatusOK, fmt.Errorf("write chunk: %w", err)
	}
	f.crc.Write(chunk)
	if !done {
		return StatusOK, nil
	}
	if err := f.finish(); err != nil {
		return StatusOK, err
	}
	return StatusDone, nil
}

func (f *File) finish() error {
	if want := f.header.CRC; want != 0 {
		if got := f.crc.Sum32(); got != want {
			f.Abort()
			return fmt.Errorf("%w: got 0x%08x, header 0x%08x", ErrChecksum, got, want)
		}
	}
	if err := f.tmp.Sync(); err != nil {
		f.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.tmp.Close(); err != nil {
		os.Remove(f.tmp.Name())
		f.tmp = nil
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(f.tmp.Name(), f.path); err != nil {
		os.Remove(f.tmp.Name())
		f.tmp = nil
		return fmt.Errorf("rename: %w", err)
	}
	f.tmp = nil
	return nil
}

// Abort discards a partially written image. It is safe to call at any time.
func (f *File) Abort() {
	if f.tmp == nil {
		return
	}
	f.tmp.Close()
	os.Remove(f.tmp.Name())
	f.tmp = nil
}

// Path returns the destination path.
func (f *File) Path() string { return f.path }

// Written returns the content bytes accepted so far.
func (f *File) Written() int { return f.got }
