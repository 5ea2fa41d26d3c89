package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrBadCommand     = errors.New("malformed command")
	ErrLineTooLong    = errors.New("line exceeds maximum length")
	ErrUnexpectedLine = errors.New("unexpected text line in frame stream")
)

// Command is one ASCII line sent from the module to the UART host.
type Command struct {
	Name   string
	Chunk  uint16 // data only
	Length int    // data only: bytes the module expects back
}

func (c Command) String() string {
	if c.Name == CmdData {
		return fmt.Sprintf("%s %d %d", c.Name, c.Chunk, c.Length)
	}
	return c.Name
}

// WriteCommand writes c as a newline-terminated line.
func WriteCommand(w io.Writer, c Command) error {
	switch c.Name {
	case CmdReady, CmdHeader, CmdData, CmdDone:
	default:
		return fmt.Errorf("%w: %q", ErrBadCommand, c.Name)
	}
	_, err := io.WriteString(w, c.String()+"\n")
	return err
}

// ParseCommand parses one command line (without the trailing newline).
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty line", ErrBadCommand)
	}

	switch fields[0] {
	case CmdReady, CmdHeader, CmdDone:
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("%w: %q takes no arguments", ErrBadCommand, fields[0])
		}
		return Command{Name: fields[0]}, nil

	case CmdData:
		if len(fields) != 3 {
			return Command{}, fmt.Errorf("%w: %q", ErrBadCommand, line)
		}
		chunk, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return Command{}, fmt.Errorf("%w: chunk %q", ErrBadCommand, fields[1])
		}
		length, err := strconv.Atoi(fields[2])
		if err != nil || length < 0 || length > MaxPayloadSize {
			return Command{}, fmt.Errorf("%w: length %q", ErrBadCommand, fields[2])
		}
		return Command{Name: CmdData, Chunk: uint16(chunk), Length: length}, nil

	default:
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrBadCommand, fields[0])
	}
}

// ReadLine reads one newline-terminated line of at most MaxLineLength bytes
// and returns it without the line terminator.
func ReadLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				err = io.ErrUnexpectedEOF
			}
			return "", err
		}
		if b == '\n' {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
		if sb.Len() >= MaxLineLength {
			return "", ErrLineTooLong
		}
		sb.WriteByte(b)
	}
}

// ReadFrameSkipping reads the next frame from br, discarding any whole text
// lines equal to skip that precede it. A host answers every "ready" poll with
// a handshake line, so late handshakes can sit in front of the first frame.
func ReadFrameSkipping(br *bufio.Reader, skip string) (Frame, error) {
	for {
		first, err := br.Peek(1)
		if err != nil {
			return Frame{}, err
		}
		if validKind(Kind(first[0])) {
			return ReadFrame(br)
		}
		line, err := ReadLine(br)
		if err != nil {
			return Frame{}, err
		}
		if line != skip {
			return Frame{}, fmt.Errorf("%w: %q", ErrUnexpectedLine, line)
		}
	}
}
