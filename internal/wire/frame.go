// Package wire implements the length-prefixed JSON framing used on
// both the agent-facing TCP listener and the agent's outbound
// connection. A frame is a 4-byte big-endian length prefix followed by
// that many bytes of a single UTF-8 JSON object. The codec is the only
// code in this module that touches the socket for framing purposes;
// everything above it works with decoded messages.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/opsfleet/controlplane/internal/opserr"
)

// headerLength is the size of the frame's length prefix.
const headerLength = 4

// MaxFrameSize is the largest payload this codec will read or write.
// A frame whose declared length exceeds this is a protocol violation
// and closes the connection.
const MaxFrameSize = 1024 * 1024 // 1 MiB

// Codec frames and parses JSON messages on a byte stream. It holds no
// buffering state beyond what io.ReadFull needs for a single frame.
// Send may be called from several goroutines at once: each frame is
// written under a mutex, so frames never interleave. Receive and
// ReceiveRaw must be called from one goroutine at a time.
type Codec struct {
	rw  io.ReadWriter
	wmu sync.Mutex
}

// New wraps rw in a Codec.
func New(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw}
}

// Send encodes v as JSON and writes it as one frame.
func (c *Codec) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return opserr.Wrap(opserr.KindProtocol, "encode message", err)
	}
	if len(payload) == 0 || len(payload) > MaxFrameSize {
		return opserr.New(opserr.KindProtocol, fmt.Sprintf("frame size %d out of bounds", len(payload)))
	}

	var header [headerLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rw.Write(header[:]); err != nil {
		return opserr.Wrap(opserr.KindTransport, "write frame header", err)
	}
	if _, err := c.rw.Write(payload); err != nil {
		return opserr.Wrap(opserr.KindTransport, "write frame payload", err)
	}
	return nil
}

// Receive reads one frame and unmarshals it into v.
func (c *Codec) Receive(v any) error {
	payload, err := c.ReceiveRaw()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return opserr.Wrap(opserr.KindProtocol, "decode message", err)
	}
	return nil
}

// ReceiveRaw reads one frame and returns its payload without decoding,
// for callers that need to sniff the "type" discriminator before
// picking a concrete struct to unmarshal into.
func (c *Codec) ReceiveRaw() ([]byte, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		return nil, opserr.Wrap(opserr.KindTransport, "read frame header", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, opserr.New(opserr.KindProtocol, "empty frame not allowed")
	}
	if length > MaxFrameSize {
		return nil, opserr.New(opserr.KindProtocol, fmt.Sprintf("frame size %d exceeds maximum %d", length, MaxFrameSize))
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return nil, opserr.Wrap(opserr.KindTransport, "read frame payload", err)
	}
	return payload, nil
}
