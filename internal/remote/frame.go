// Package remote carries operation calls to other hosts. Messages are JSON
// documents framed by a 4-byte big-endian length and exchanged over any
// byte stream; the built-in transport is the stdio of
// `ssh <host> autorun gate`.
package remote

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ProtocolVersion is sent in the hello exchange. Peers with a different
// version refuse the connection.
const ProtocolVersion = 1

// MaxFrameSize bounds a single message.
const MaxFrameSize = 16 << 20

// Type names a message kind.
type Type string

const (
	TypeHello    Type = "hello"
	TypeRun      Type = "run"
	TypeResult   Type = "result"
	TypeError    Type = "error"
	TypeShutdown Type = "shutdown"
)

// Message is the single envelope for every frame. Which fields are set
// depends on Type.
type Message struct {
	Type Type   `json:"type"`
	ID   uint64 `json:"id,omitempty"`

	// hello
	Version int    `json:"version,omitempty"`
	Host    string `json:"host,omitempty"`

	// run
	Action    string         `json:"action,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	CheckMode bool           `json:"check_mode,omitempty"`

	// result, error
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("remote: frame too large")

// Conn reads and writes framed messages. Writes are serialized; reads are
// expected from a single goroutine.
type Conn struct {
	r  *bufio.Reader
	mu sync.Mutex
	w  io.Writer
}

// NewConn wraps a reader and writer pair.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: w}
}

// Write sends one message.
func (c *Conn) Write(m *Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("write %s message: %w", m.Type, err)
	}
	return nil
}

// Read receives one message. A clean end of stream between frames is
// reported as io.EOF; a stream cut inside a frame as io.ErrUnexpectedEOF.
func (c *Conn) Read() (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("decode message: missing type")
	}
	return &m, nil
}
