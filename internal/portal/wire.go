// Package portal implements the host-side facade for the vsock-bridged RPC
// used to command the in-guest agent. The wire protocol is a length-prefixed
// binary framing on a stream socket (the vsock connection, bridged by the
// VMM to a local UNIX socket or named pipe) -- not HTTP, so grpc/protobuf is
// not a fit here; see DESIGN.md. The envelope framing itself is a typed
// request, a typed response, an error string, carried over
// gob-over-length-prefixed-frames instead of JSON-over-HTTP.
package portal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

type frameType uint8

const (
	frameRequest frameType = iota
	frameResponse
	frameStreamChunk
	frameStreamEnd
	frameError
)

// frame is the envelope written on the wire. Payload carries a
// JSON-encoded operation-specific struct for request/response frames, or
// raw bytes for stream chunks.
type frame struct {
	Type      frameType
	ReqID     uint64
	Service   string
	Op        string
	StreamTag string // "stdout" | "stderr", for Execution.Attach chunks
	Payload   []byte
}

// maxFrameSize bounds a single frame so a corrupt length prefix can't stall
// the reader on an unbounded allocation.
const maxFrameSize = 32 << 20

type frameConn struct {
	mu  sync.Mutex // guards writes; the wire is a single stream, frames must not interleave
	w   *bufio.Writer
	r   *bufio.Reader
	raw io.ReadWriteCloser

	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64
}

func newFrameConn(rw io.ReadWriteCloser) *frameConn {
	return &frameConn{
		w:   bufio.NewWriter(rw),
		r:   bufio.NewReader(rw),
		raw: rw,
	}
}

func (c *frameConn) writeFrame(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return fmt.Errorf("portal: encode frame: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := c.w.Write(lenPrefix[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	c.bytesWritten.Add(uint64(len(lenPrefix) + buf.Len()))
	return nil
}

func (c *frameConn) readFrame() (frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(c.r, lenPrefix[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return frame{}, fmt.Errorf("portal: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return frame{}, err
	}

	var f frame
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&f); err != nil {
		return frame{}, fmt.Errorf("portal: decode frame: %w", err)
	}
	c.bytesRead.Add(uint64(len(lenPrefix) + len(payload)))
	return f, nil
}

func (c *frameConn) Close() error {
	return c.raw.Close()
}
