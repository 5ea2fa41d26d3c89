package image

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rpsota/rpsota/internal/rps"
)

func packed(t *testing.T, n int) []byte {
	t.Helper()
	content := make([]byte, n)
	for i := range content {
		content[i] = byte(i * 7)
	}
	img, err := rps.Pack(rps.Header{FirmwareVersion: 0x01020304}, content)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestOpenFile(t *testing.T) {
	img := packed(t, 1000)
	path := filepath.Join(t.TempDir(), "fw.bin")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.Size() != int64(len(img)) {
		t.Fatalf("size = %d, want %d", s.Size(), len(img))
	}
	if s.Name() != path {
		t.Fatalf("name = %q", s.Name())
	}

	h, err := s.Header()
	if err != nil {
		t.Fatal(err)
	}
	if h.Version() != "1.2.3.4" {
		t.Fatalf("version = %s", h.Version())
	}

	rest, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rest, img[rps.HeaderSize:]) {
		t.Fatal("content after header mismatch")
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestOpenDirectory(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Fatal("expected error opening a directory")
	}
}

func TestFromBytesSeek(t *testing.T) {
	img := packed(t, 300)
	s := FromBytes("mem", img)
	defer s.Close()

	if _, err := s.Seek(rps.HeaderSize+100, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 10)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, img[rps.HeaderSize+100:rps.HeaderSize+110]) {
		t.Fatal("seek+read mismatch")
	}
}

func TestHeaderTooSmall(t *testing.T) {
	s := FromBytes("tiny", make([]byte, 10))
	if _, err := s.Header(); !errors.Is(err, ErrTooSmall) {
		t.Fatalf("expected ErrTooSmall, got %v", err)
	}
}

func TestHeaderBadMagic(t *testing.T) {
	s := FromBytes("zeros", make([]byte, 200))
	if _, err := s.Header(); !errors.Is(err, rps.ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}
