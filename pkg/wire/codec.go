package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameBytes bounds a single envelope frame. The negotiated
// value is advertised to clients in WELCOME.
const DefaultMaxFrameBytes = 1 << 20 // 1MB

var ErrFrameTooLarge = fmt.Errorf("frame exceeds max frame bytes")

// Codec frames envelopes as newline-delimited JSON over a stream
// connection. Reads are single-goroutine; writes are serialized so the
// session loop and the heartbeat ticker can share one connection.
type Codec struct {
	r   *bufio.Reader
	wmu sync.Mutex
	w   *bufio.Writer

	lmu      sync.Mutex
	maxFrame int
}

func NewCodec(rw io.ReadWriter, maxFrame int) *Codec {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Codec{
		r:        bufio.NewReaderSize(rw, 64*1024),
		w:        bufio.NewWriter(rw),
		maxFrame: maxFrame,
	}
}

// SetMaxFrameBytes rebounds the frame limit. Clients call this after
// the handshake so the WELCOME's advertised max governs both sides of
// the connection.
func (c *Codec) SetMaxFrameBytes(n int) {
	if n <= 0 {
		return
	}
	c.lmu.Lock()
	c.maxFrame = n
	c.lmu.Unlock()
}

func (c *Codec) limit() int {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	return c.maxFrame
}

// ReadEnvelope blocks until a full frame arrives, then decodes and
// validates it. io.EOF is returned unwrapped on clean close.
func (c *Codec) ReadEnvelope() (*Envelope, error) {
	max := c.limit()
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > max+1 {
			return nil, ErrFrameTooLarge
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			if len(line) == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	line = bytes.TrimSuffix(line, []byte{'\n'})
	if len(line) == 0 {
		return nil, BadRequest("empty frame")
	}
	return Decode(line)
}

// WriteEnvelope marshals and writes one frame, flushing immediately.
func (c *Codec) WriteEnvelope(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(data)+1 > c.limit() {
		return ErrFrameTooLarge
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}
