package client

import (
	"fmt"
	"time"

	"github.com/rpsota/rpsota/internal/rps"
)

// State is a transfer session's position in the state machine.
type State int

const (
	AwaitingHeader State = iota
	ReceivingContent
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting-header"
	case ReceivingContent:
		return "receiving-content"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the record of one transfer. It is created by Client.Run and
// never reused; CurrentChunk only moves forward.
type Session struct {
	ID    string
	State State

	// CurrentChunk is the chunk being requested. Chunk 1 is the header.
	CurrentChunk int
	ChunkSize    int
	TotalChunks  int
	LastChunkLen int
	ImageSize    int

	// HeaderRequests counts header requests, including the one that
	// succeeded.
	HeaderRequests int
	BytesAppended  int64

	Header   rps.Header
	Started  time.Time
	Finished time.Time
}

// Duration returns how long the session ran, or has run so far.
func (s *Session) Duration() time.Duration {
	if s.Finished.IsZero() {
		return time.Since(s.Started)
	}
	return s.Finished.Sub(s.Started)
}

// ContentSize is the number of bytes the loader should receive.
func (s *Session) ContentSize() int64 {
	if s.ImageSize <= rps.HeaderSize {
		return 0
	}
	return int64(s.ImageSize - rps.HeaderSize)
}

// Progress is reported after the header and after every appended chunk.
type Progress struct {
	SessionID   string
	Chunk       int
	TotalChunks int
	Bytes       int64
	TotalBytes  int64
}

// TransferError is returned when a session ends in Failed.
type TransferError struct {
	State State // state the failure happened in
	Chunk int   // chunk being handled, 1 for the header
	Err   error
}

func (e *TransferError) Error() string {
	if e.State == AwaitingHeader {
		return fmt.Sprintf("transfer failed awaiting header: %v", e.Err)
	}
	return fmt.Sprintf("transfer failed at chunk %d: %v", e.Chunk, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
