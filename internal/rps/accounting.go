package rps

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyImage   = errors.New("image has no content after the header")
	ErrChunkSize    = errors.New("invalid chunk size")
	ErrTooManyChunk = errors.New("image needs more chunks than a 16-bit chunk number can address")
)

// MaxChunkSize matches the largest frame payload a transport carries.
const MaxChunkSize = 16 * 1024

// MaxChunkNumber is the largest chunk number the wire can carry.
const MaxChunkNumber = 0xFFFF

// Accounting splits an image into chunks. Chunk 1 is the header; content
// chunks are numbered from 2 through TotalChunks.
type Accounting struct {
	ImageSize    int
	HeaderSize   int
	ChunkSize    int
	TotalChunks  int
	LastChunkLen int
}

// NewAccounting computes the chunk layout for an image of imageSize bytes
// (header included) moved in chunkSize pieces.
func NewAccounting(imageSize, chunkSize int) (Accounting, error) {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return Accounting{}, fmt.Errorf("%w: %d", ErrChunkSize, chunkSize)
	}
	content := imageSize - HeaderSize
	if content <= 0 {
		return Accounting{}, fmt.Errorf("%w: image size %d", ErrEmptyImage, imageSize)
	}

	total := 1 + (content+chunkSize-1)/chunkSize
	if total > MaxChunkNumber {
		return Accounting{}, fmt.Errorf("%w: %d chunks", ErrTooManyChunk, total)
	}

	// A remainder of exactly 0 means the last chunk is a full one.
	last := content % chunkSize
	if last == 0 {
		last = chunkSize
	}

	return Accounting{
		ImageSize:    imageSize,
		HeaderSize:   HeaderSize,
		ChunkSize:    chunkSize,
		TotalChunks:  total,
		LastChunkLen: last,
	}, nil
}

// ContentSize is the number of bytes carried by content chunks.
func (a Accounting) ContentSize() int { return a.ImageSize - a.HeaderSize }

// ContentOffset is where content chunk n starts, relative to the end of the
// header: ChunkSize * (n - 2).
func ContentOffset(chunkSize, n int) int64 {
	return int64(chunkSize) * int64(n-2)
}

// ChunkLen returns the payload length of content chunk n, or 0 when n is not
// a content chunk of this image.
func (a Accounting) ChunkLen(n int) int {
	switch {
	case n < 2 || n > a.TotalChunks:
		return 0
	case n == a.TotalChunks:
		return a.LastChunkLen
	default:
		return a.ChunkSize
	}
}
