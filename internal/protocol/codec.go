package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest accepted frame payload. A peer announcing
// a longer frame is in violation and the connection is closed.
const MaxFrameSize = 1 << 20 // 1 MiB

// Protocol-level errors. All of them mean the stream can no longer be
// trusted and the connection should be torn down, except ErrUnknownType,
// which a registered session may log and skip.
var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("zero-length frame")
	ErrMalformed     = errors.New("malformed message")
	ErrUnknownType   = errors.New("unknown message type")
)

// Codec frames JSON messages over a byte stream: a 4-byte big-endian
// length prefix followed by that many bytes of UTF-8 JSON. It is the
// only code that reads or writes socket bytes. Deadlines belong to the
// caller, which owns the underlying connection.
type Codec struct {
	r *bufio.Reader
	w io.Writer
}

// NewCodec wraps a connection (or any read/writer) in a frame codec.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{r: bufio.NewReaderSize(rw, 8192), w: rw}
}

// Send marshals msg and writes it as one frame. The length prefix and
// payload go out in a single Write so concurrent writers cannot
// interleave partial frames (each session still serializes its writes).
func (c *Codec) Send(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Kind(), err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive reads one frame and decodes it into a typed message.
func (c *Codec) Receive() (Message, error) {
	payload, err := c.ReceiveRaw()
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

// ReceiveRaw reads one frame and returns the undecoded payload. Partial
// reads are accumulated until the full frame has arrived.
func (c *Codec) ReceiveRaw() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return payload, nil
}
