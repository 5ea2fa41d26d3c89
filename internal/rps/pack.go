package rps

import (
	"fmt"
	"hash/crc32"
	"math"
)

// ContentCRC returns the CRC-32/IEEE checksum stored in the header CRC field.
func ContentCRC(content []byte) uint32 {
	return crc32.ChecksumIEEE(content)
}

// Pack prepends a header to content. Magic, ImageSize and CRC are filled in;
// the remaining fields are taken from h.
func Pack(h Header, content []byte) ([]byte, error) {
	if len(content) == 0 {
		return nil, ErrEmptyImage
	}
	if len(content) > math.MaxUint32-HeaderSize {
		return nil, fmt.Errorf("content too large: %d bytes", len(content))
	}
	h.Magic = Magic
	h.ImageSize = uint32(HeaderSize + len(content))
	h.CRC = ContentCRC(content)

	hdr, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(hdr)+len(content))
	out = append(out, hdr...)
	return append(out, content...), nil
}
