package rps

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func testHeader() Header {
	return Header{
		ControlFlags:    0x0001,
		SHAType:         0x0002,
		Magic:           Magic,
		ImageSize:       1870912,
		FirmwareVersion: 0x02000104,
		FlashLocation:   0x08001000,
		CRC:             0xDEADBEEF,
		MIC:             [4]uint32{1, 2, 3, 4},
		Counter:         7,
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := testHeader()
	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != HeaderSize {
		t.Fatalf("encoded size = %d, want %d", len(b), HeaderSize)
	}
	got, err := ParseHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatalf("header mismatch:\n got %+v\nwant %+v", got, h)
	}
}

func TestMagicAtFixedOffset(t *testing.T) {
	b, _ := testHeader().MarshalBinary()
	if binary.LittleEndian.Uint32(b[4:8]) != 0x900D900D {
		t.Fatalf("magic bytes = % x", b[4:8])
	}
	if !bytes.Equal(b[4:8], []byte{0x0D, 0x90, 0x0D, 0x90}) {
		t.Fatalf("magic not little-endian: % x", b[4:8])
	}
}

func TestValidateHeader(t *testing.T) {
	good, _ := testHeader().MarshalBinary()
	if !ValidateHeader(good) {
		t.Fatal("valid header rejected")
	}

	bad := bytes.Clone(good)
	bad[MagicOffset] ^= 0xFF
	if ValidateHeader(bad) {
		t.Fatal("corrupted magic accepted")
	}

	if ValidateHeader(good[:6]) {
		t.Fatal("truncated header accepted")
	}
}

func TestParseHeaderErrors(t *testing.T) {
	good, _ := testHeader().MarshalBinary()

	if _, err := ParseHeader(good[:63]); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
	if _, err := ParseHeader(append(bytes.Clone(good), 0)); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader for 65 bytes, got %v", err)
	}

	bad := bytes.Clone(good)
	bad[MagicOffset+3] = 0
	if _, err := ParseHeader(bad); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestContentSize(t *testing.T) {
	h := Header{ImageSize: 1000}
	if h.ContentSize() != 936 {
		t.Fatalf("content size = %d, want 936", h.ContentSize())
	}
	h.ImageSize = 64
	if h.ContentSize() != 0 {
		t.Fatalf("content size = %d, want 0", h.ContentSize())
	}
}

func TestVersionString(t *testing.T) {
	h := Header{FirmwareVersion: 0x02000104}
	if h.Version() != "2.0.1.4" {
		t.Fatalf("version = %q", h.Version())
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.2.3.255")
	if err != nil || v != 0x010203FF {
		t.Fatalf("ParseVersion = %#x, %v", v, err)
	}
	if got := (Header{FirmwareVersion: v}).Version(); got != "1.2.3.255" {
		t.Fatalf("Version() = %s", got)
	}
	for _, bad := range []string{"", "1.2.3", "1.2.3.4.5", "1.2.3.256", "a.b.c.d"} {
		if _, err := ParseVersion(bad); err == nil {
			t.Errorf("ParseVersion(%q) should fail", bad)
		}
	}
}

// --- Accounting ---

func TestAccountingLargeImageFullLastChunk(t *testing.T) {
	a, err := NewAccounting(1870912, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if a.TotalChunks != 1828 {
		t.Fatalf("total chunks = %d, want 1828", a.TotalChunks)
	}
	// 1870848 mod 1024 == 0 -> last chunk is full
	if a.LastChunkLen != 1024 {
		t.Fatalf("last chunk len = %d, want 1024", a.LastChunkLen)
	}
	if a.ChunkLen(1828) != 1024 {
		t.Fatalf("chunk 1828 len = %d, want 1024", a.ChunkLen(1828))
	}
}

func TestAccountingShortLastChunk(t *testing.T) {
	a, err := NewAccounting(64+2500, 800)
	if err != nil {
		t.Fatal(err)
	}
	// 2500 = 3*800 + 100
	if a.TotalChunks != 5 {
		t.Fatalf("total chunks = %d, want 5", a.TotalChunks)
	}
	if a.LastChunkLen != 100 {
		t.Fatalf("last chunk len = %d, want 100", a.LastChunkLen)
	}
	for n, want := range map[int]int{1: 0, 2: 800, 4: 800, 5: 100, 6: 0} {
		if got := a.ChunkLen(n); got != want {
			t.Errorf("ChunkLen(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestAccountingChunkLensCoverContent(t *testing.T) {
	for _, tc := range []struct{ image, chunk int }{
		{65, 1},
		{65, 1024},
		{64 + 1024, 1024},
		{64 + 1025, 1024},
		{64 + 4096*3, 4096},
		{64 + 16384*2 - 1, 16384},
		{1870912, 1024},
		{1000003, 800},
	} {
		a, err := NewAccounting(tc.image, tc.chunk)
		if err != nil {
			t.Fatalf("%+v: %v", tc, err)
		}
		sum, appends := 0, 0
		for n := 2; n <= a.TotalChunks; n++ {
			sum += a.ChunkLen(n)
			appends++
		}
		if sum != tc.image-HeaderSize {
			t.Errorf("%+v: chunk lengths sum to %d, want %d", tc, sum, tc.image-HeaderSize)
		}
		if appends != a.TotalChunks-1 {
			t.Errorf("%+v: %d appends, want %d", tc, appends, a.TotalChunks-1)
		}
	}
}

func TestContentOffset(t *testing.T) {
	if off := ContentOffset(800, 5); off != 2400 {
		t.Fatalf("offset = %d, want 2400", off)
	}
	if off := ContentOffset(1024, 2); off != 0 {
		t.Fatalf("offset = %d, want 0", off)
	}
	if off := ContentOffset(1024, 1); off >= 0 {
		t.Fatalf("chunk 1 offset should be negative, got %d", off)
	}
}

func TestAccountingErrors(t *testing.T) {
	if _, err := NewAccounting(64, 1024); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
	if _, err := NewAccounting(10, 1024); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
	if _, err := NewAccounting(1000, 0); !errors.Is(err, ErrChunkSize) {
		t.Fatalf("expected ErrChunkSize, got %v", err)
	}
	if _, err := NewAccounting(64+70000, 1); !errors.Is(err, ErrTooManyChunk) {
		t.Fatalf("expected ErrTooManyChunk, got %v", err)
	}
}

func TestPack(t *testing.T) {
	content := bytes.Repeat([]byte{0x5A}, 3000)
	img, err := Pack(Header{FirmwareVersion: 1}, content)
	if err != nil {
		t.Fatal(err)
	}
	if len(img) != HeaderSize+3000 {
		t.Fatalf("image size = %d", len(img))
	}
	h, err := ParseHeader(img[:HeaderSize])
	if err != nil {
		t.Fatal(err)
	}
	if h.ImageSize != uint32(len(img)) {
		t.Fatalf("ImageSize = %d, want %d", h.ImageSize, len(img))
	}
	if h.CRC != ContentCRC(content) {
		t.Fatal("CRC not filled in")
	}
	if !bytes.Equal(img[HeaderSize:], content) {
		t.Fatal("content mismatch")
	}

	if _, err := Pack(Header{}, nil); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
}

func FuzzParseHeader(f *testing.F) {
	good, _ := testHeader().MarshalBinary()
	f.Add(good)
	f.Add(make([]byte, 64))
	f.Fuzz(func(t *testing.T, data []byte) {
		h, err := ParseHeader(data)
		if err == nil && !ValidateHeader(data) {
			t.Fatalf("ParseHeader accepted a header ValidateHeader rejects: %+v", h)
		}
	})
}

func FuzzAccounting(f *testing.F) {
	f.Add(uint32(1870912), uint16(1024))
	f.Add(uint32(65), uint16(1))
	f.Fuzz(func(t *testing.T, image uint32, chunk uint16) {
		a, err := NewAccounting(int(image), int(chunk))
		if err != nil {
			return
		}
		content := a.ContentSize()
		full := (a.TotalChunks - 2) * a.ChunkSize
		if full+a.LastChunkLen != content {
			t.Fatalf("image %d chunk %d: %d full bytes + %d last != %d",
				image, chunk, full, a.LastChunkLen, content)
		}
		if a.LastChunkLen <= 0 || a.LastChunkLen > a.ChunkSize {
			t.Fatalf("last chunk len %d out of range", a.LastChunkLen)
		}
	})
}
