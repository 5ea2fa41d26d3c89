package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrUnknownKind     = errors.New("unknown frame kind")
)

// Frame is one unit on the wire from the image source to the client.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Len returns the payload length.
func (f Frame) Len() int { return len(f.Payload) }

// ErrorFrame builds a KindError frame carrying reason.
func ErrorFrame(reason string) Frame {
	if len(reason) > MaxPayloadSize {
		reason = reason[:MaxPayloadSize]
	}
	return Frame{Kind: KindError, Payload: []byte(reason)}
}

// Request is a client request for the header or one content chunk.
type Request struct {
	Kind  Kind
	Value uint16
}

// HeaderRequest asks for the header block of the given size.
func HeaderRequest(size int) Request {
	return Request{Kind: KindHeader, Value: uint16(size)}
}

// ContentRequest asks for content chunk chunkNo (chunk 1 is the header).
func ContentRequest(chunkNo uint16) Request {
	return Request{Kind: KindContent, Value: chunkNo}
}

func validKind(k Kind) bool {
	switch k {
	case KindContent, KindHeader, KindError, KindAuth:
		return true
	}
	return false
}

// --- Encoding ---

// WriteFrame writes the 3-byte frame header followed by the payload.
//
// The payload is written separately so chunk-sized payloads are never copied
// into an intermediate buffer.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	if !validKind(f.Kind) {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownKind, byte(f.Kind))
	}

	var header [FrameHeaderSize]byte
	header[0] = byte(f.Kind)
	binary.LittleEndian.PutUint16(header[1:3], uint16(len(f.Payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteRequest writes a 3-byte request.
func WriteRequest(w io.Writer, req Request) error {
	if req.Kind != KindHeader && req.Kind != KindContent {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownKind, byte(req.Kind))
	}
	var buf [RequestSize]byte
	buf[0] = byte(req.Kind)
	binary.LittleEndian.PutUint16(buf[1:3], req.Value)
	_, err := w.Write(buf[:])
	return err
}

// --- Decoding ---

// ReadFrame reads a framed unit from r. Partial reads are absorbed by
// io.ReadFull; a stream that ends inside a frame yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	return readFrameBody(r, header)
}

func readFrameBody(r io.Reader, header [FrameHeaderSize]byte) (Frame, error) {
	kind := Kind(header[0])
	if !validKind(kind) {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, header[0])
	}

	n := binary.LittleEndian.Uint16(header[1:3])
	if int(n) > MaxPayloadSize {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

// ReadRequest reads a 3-byte request from r.
func ReadRequest(r io.Reader) (Request, error) {
	var buf [RequestSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Request{}, err
	}
	kind := Kind(buf[0])
	if kind != KindHeader && kind != KindContent {
		return Request{}, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, buf[0])
	}
	return Request{Kind: kind, Value: binary.LittleEndian.Uint16(buf[1:3])}, nil
}
