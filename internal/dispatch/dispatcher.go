// Package dispatch answers header and content chunk requests from an image
// store, resynchronising its read position from the requested chunk number.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/rpsota/rpsota/internal/image"
	"github.com/rpsota/rpsota/internal/protocol"
	"github.com/rpsota/rpsota/internal/rps"
)

var ErrChunkSize = errors.New("chunk size out of range")

// OutOfRangeError reports a content request that maps outside the image.
type OutOfRangeError struct {
	Chunk  uint16
	Offset int64
	Size   int64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("chunk %d out of range: offset %d, content size %d", e.Chunk, e.Offset, e.Size)
}

// Stats counts what a dispatcher has served.
type Stats struct {
	HeaderRequests int
	ChunksServed   int
	Resyncs        int
	BytesServed    int64
	Rejected       int
	LastServed     bool
}

// Dispatcher serves one session from an image store. It owns the store's
// read position for the life of the session.
type Dispatcher struct {
	store     *image.Store
	chunkSize int
	content   int64 // bytes after the header
	cursor    int64 // measured after the header; file offset is HeaderSize + cursor
	buf       []byte
	stats     Stats
	log       *slog.Logger
}

// New creates a dispatcher over store. The store must hold more than a
// header's worth of bytes.
func New(store *image.Store, chunkSize int, logger *slog.Logger) (*Dispatcher, error) {
	if chunkSize <= 0 || chunkSize > protocol.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d", ErrChunkSize, chunkSize)
	}
	if store.Size() <= rps.HeaderSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", image.ErrTooSmall, store.Name(), store.Size())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		chunkSize: chunkSize,
		content:   store.Size() - rps.HeaderSize,
		cursor:    -1, // unknown until the first seek
		buf:       make([]byte, chunkSize),
		log:       logger,
	}, nil
}

// ChunkSize returns the configured chunk size.
func (d *Dispatcher) ChunkSize() int { return d.chunkSize }

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats { return d.stats }

// ServeHeader reads the header block from offset 0 and resets the cursor to
// the start of the content.
func (d *Dispatcher) ServeHeader() (protocol.Frame, error) {
	d.stats.HeaderRequests++
	if _, err := d.store.Seek(0, io.SeekStart); err != nil {
		d.cursor = -1
		return protocol.Frame{}, fmt.Errorf("seek header: %w", err)
	}
	hdr := make([]byte, rps.HeaderSize)
	if _, err := io.ReadFull(d.store, hdr); err != nil {
		d.cursor = -1
		return protocol.Frame{}, fmt.Errorf("read header: %w", err)
	}
	d.cursor = 0
	return protocol.Frame{Kind: protocol.KindHeader, Payload: hdr}, nil
}

// ServeContent reads content chunk chunkNo. last reports that the frame
// reaches the end of the image. Chunk numbers below 2 or past the end return
// *OutOfRangeError and leave the cursor untouched.
func (d *Dispatcher) ServeContent(chunkNo uint16) (f protocol.Frame, last bool, err error) {
	expected := rps.ContentOffset(d.chunkSize, int(chunkNo))
	if chunkNo < 2 || expected >= d.content {
		d.stats.Rejected++
		return protocol.Frame{}, false, &OutOfRangeError{Chunk: chunkNo, Offset: expected, Size: d.content}
	}

	if d.cursor != expected {
		d.log.Debug("resync", "chunk", chunkNo, "cursor", d.cursor, "offset", expected)
		if _, err := d.store.Seek(rps.HeaderSize+expected, io.SeekStart); err != nil {
			d.cursor = -1
			return protocol.Frame{}, false, fmt.Errorf("seek chunk %d: %w", chunkNo, err)
		}
		d.stats.Resyncs++
	}

	want := d.chunkSize
	if remaining := d.content - expected; remaining < int64(want) {
		want = int(remaining)
	}
	n, err := io.ReadFull(d.store, d.buf[:want])
	if err != nil {
		d.cursor = -1
		return protocol.Frame{}, false, fmt.Errorf("read chunk %d: %w", chunkNo, err)
	}
	d.cursor = expected + int64(n)

	payload := make([]byte, n)
	copy(payload, d.buf[:n])

	d.stats.ChunksServed++
	d.stats.BytesServed += int64(n)
	last = d.cursor >= d.content
	if last {
		d.stats.LastServed = true
	}
	return protocol.Frame{Kind: protocol.KindContent, Payload: payload}, last, nil
}
