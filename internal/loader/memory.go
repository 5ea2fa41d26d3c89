package loader

import (
	"bytes"

	"github.com/rpsota/rpsota/internal/rps"
)

// Memory buffers the whole image in memory.
type Memory struct {
	tracker
	buf bytes.Buffer
}

// NewMemory returns an empty in-memory loader.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Begin(header []byte) error {
	if err := m.begin(header); err != nil {
		return err
	}
	m.buf.Grow(rps.HeaderSize + m.want)
	m.buf.Write(header)
	return nil
}

func (m *Memory) Append(chunk []byte) (Status, error) {
	done, err := m.accept(chunk)
	if err != nil {
		return StatusOK, err
	}
	m.buf.Write(chunk)
	if done {
		return StatusDone, nil
	}
	return StatusOK, nil
}

// Bytes returns the header and content received so far.
func (m *Memory) Bytes() []byte { return m.buf.Bytes() }

// Header returns the decoded header passed to Begin.
func (m *Memory) Header() rps.Header { return m.header }

// Appends returns the number of Append calls accepted.
func (m *Memory) Appends() int { return m.appends }

// Done reports whether the image is complete.
func (m *Memory) Done() bool { return m.done }
