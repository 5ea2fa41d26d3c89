// Package loader defines the firmware loader contract driven by the transfer
// client, with in-memory and file-backed implementations.
package loader

import (
	"errors"
	"fmt"

	"github.com/rpsota/rpsota/internal/rps"
)

// Status is the non-error result of an Append.
type Status int

const (
	// StatusOK means the chunk was accepted and more are expected.
	StatusOK Status = iota
	// StatusDone means the chunk completed the image. It is returned once.
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDone:
		return "done"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Loader consumes a validated header and then the image content in order.
type Loader interface {
	// Begin is called once with the validated header.
	Begin(header []byte) error
	// Append is called once per content chunk, in order.
	Append(chunk []byte) (Status, error)
}

var (
	ErrNotBegun     = errors.New("append before begin")
	ErrAlreadyBegun = errors.New("begin called twice")
	ErrAlreadyDone  = errors.New("append after image completed")
	ErrOverflow     = errors.New("chunk runs past the image size in the header")
	ErrChecksum     = errors.New("content checksum mismatch")
	ErrAborted      = errors.New("loader aborted")
)

// tracker holds the bookkeeping shared by the loader implementations.
type tracker struct {
	header  rps.Header
	want    int
	got     int
	appends int
	begun   bool
	done    bool
}

func (t *tracker) begin(header []byte) error {
	if t.begun {
		return ErrAlreadyBegun
	}
	h, err := rps.ParseHeader(header)
	if err != nil {
		return err
	}
	if h.ContentSize() == 0 {
		return fmt.Errorf("%w: image size %d", rps.ErrEmptyImage, h.ImageSize)
	}
	t.header = h
	t.want = h.ContentSize()
	t.begun = true
	return nil
}

// accept checks that chunk fits and reports whether it completes the image.
func (t *tracker) accept(chunk []byte) (bool, error) {
	switch {
	case !t.begun:
		return false, ErrNotBegun
	case t.done:
		return false, ErrAlreadyDone
	case t.got+len(chunk) > t.want:
		return false, fmt.Errorf("%w: have %d, chunk %d, image %d", ErrOverflow, t.got, len(chunk), t.want)
	}
	t.got += len(chunk)
	t.appends++
	t.done = t.got == t.want
	return t.done, nil
}
