// Package rps describes the RPS firmware image: its fixed 64-byte header and
// the chunk accounting used to move the content that follows it.
package rps

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HeaderSize is the size of the RPS header at the start of every image.
const HeaderSize = 64

// Magic is the sentinel stored at MagicOffset in a genuine header.
const Magic uint32 = 0x900D900D

// Field offsets within the header (all little-endian).
const (
	offControlFlags = 0
	offSHAType      = 2
	MagicOffset     = 4
	offImageSize    = 8
	offFWVersion    = 12
	offFlashLoc     = 16
	offCRC          = 20
	offMIC          = 24
	offCounter      = 40
)

var (
	ErrShortHeader = errors.New("header too short")
	ErrBadMagic    = errors.New("header magic word mismatch")
)

// Header is the decoded RPS header.
type Header struct {
	ControlFlags    uint16
	SHAType         uint16
	Magic           uint32
	ImageSize       uint32 // whole image, header included
	FirmwareVersion uint32
	FlashLocation   uint32
	CRC             uint32 // CRC-32/IEEE of the content, 0 when absent
	MIC             [4]uint32
	Counter         uint32
}

// ValidateHeader reports whether b carries the expected magic word at the
// fixed magic offset. It is the only integrity check made before the
// transfer starts.
func ValidateHeader(b []byte) bool {
	if len(b) < MagicOffset+4 {
		return false
	}
	return binary.LittleEndian.Uint32(b[MagicOffset:]) == Magic
}

// ParseHeader decodes a header block. It fails if b is not exactly
// HeaderSize bytes or the magic word does not match.
func ParseHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes, want %d", ErrShortHeader, len(b), HeaderSize)
	}
	h := Header{
		ControlFlags:    binary.LittleEndian.Uint16(b[offControlFlags:]),
		SHAType:         binary.LittleEndian.Uint16(b[offSHAType:]),
		Magic:           binary.LittleEndian.Uint32(b[MagicOffset:]),
		ImageSize:       binary.LittleEndian.Uint32(b[offImageSize:]),
		FirmwareVersion: binary.LittleEndian.Uint32(b[offFWVersion:]),
		FlashLocation:   binary.LittleEndian.Uint32(b[offFlashLoc:]),
		CRC:             binary.LittleEndian.Uint32(b[offCRC:]),
		Counter:         binary.LittleEndian.Uint32(b[offCounter:]),
	}
	for i := range h.MIC {
		h.MIC[i] = binary.LittleEndian.Uint32(b[offMIC+4*i:])
	}
	if h.Magic != Magic {
		return h, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	return h, nil
}

// MarshalBinary encodes h into a HeaderSize block. Reserved bytes are zero.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(b[offControlFlags:], h.ControlFlags)
	binary.LittleEndian.PutUint16(b[offSHAType:], h.SHAType)
	binary.LittleEndian.PutUint32(b[MagicOffset:], h.Magic)
	binary.LittleEndian.PutUint32(b[offImageSize:], h.ImageSize)
	binary.LittleEndian.PutUint32(b[offFWVersion:], h.FirmwareVersion)
	binary.LittleEndian.PutUint32(b[offFlashLoc:], h.FlashLocation)
	binary.LittleEndian.PutUint32(b[offCRC:], h.CRC)
	for i, v := range h.MIC {
		binary.LittleEndian.PutUint32(b[offMIC+4*i:], v)
	}
	binary.LittleEndian.PutUint32(b[offCounter:], h.Counter)
	return b, nil
}

// ContentSize returns the number of bytes that follow the header, or 0 when
// the header claims an image no larger than itself.
func (h Header) ContentSize() int {
	if h.ImageSize <= HeaderSize {
		return 0
	}
	return int(h.ImageSize) - HeaderSize
}

// Version formats FirmwareVersion as major.minor.patch.build, one byte each
// from the most significant.
func (h Header) Version() string {
	v := h.FirmwareVersion
	return fmt.Sprintf("%d.%d.%d.%d", v>>24, (v>>16)&0xff, (v>>8)&0xff, v&0xff)
}

// ParseVersion is the inverse of Version.
func ParseVersion(s string) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("version %q: want four dot-separated parts", s)
	}
	var v uint32
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("version %q: %w", s, err)
		}
		v = v<<8 | uint32(n)
	}
	return v, nil
}
