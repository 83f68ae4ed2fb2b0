package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Chunk is one element of an Attach stream.
type Chunk struct {
	Tag   string // "stdout" | "stderr"
	Bytes []byte
}

// Client is the host-side facade for one box's vsock-bridged RPC channel.
// Channels are created lazily by the caller: the box handle dials once per
// box and multiplexes every exec over the same Client.
type Client struct {
	conn *frameConn

	nextReqID atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]chan frame
	streams  map[uint64]chan Chunk
	closed   bool
	closeErr error
}

// Dial wraps an already-established local stream connection (the vsock
// bridge endpoint) in a Client and starts its read loop.
func Dial(rw io.ReadWriteCloser) *Client {
	c := &Client{
		conn:    newFrameConn(rw),
		pending: make(map[uint64]chan frame),
		streams: make(map[uint64]chan Chunk),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		f, err := c.conn.readFrame()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	c.mu.Lock()
	switch f.Type {
	case frameResponse, frameError:
		ch, ok := c.pending[f.ReqID]
		if ok {
			delete(c.pending, f.ReqID)
		}
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	case frameStreamChunk:
		ch, ok := c.streams[f.ReqID]
		c.mu.Unlock()
		if ok {
			// Bounded delivery: a slow consumer blocks this send, which in
			// turn backpressures the read loop -- matching the "guest
			// blocks after a small ring buffer" contract. A real vsock
			// bridge applies the same backpressure at the transport level;
			// here the channel itself is the ring buffer.
			ch <- Chunk{Tag: f.StreamTag, Bytes: f.Payload}
		}
	case frameStreamEnd:
		ch, ok := c.streams[f.ReqID]
		if ok {
			delete(c.streams, f.ReqID)
		}
		c.mu.Unlock()
		if ok {
			close(ch)
		}
	default:
		c.mu.Unlock()
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	streams := c.streams
	c.pending = nil
	c.streams = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, ch := range streams {
		close(ch)
	}
}

// call sends a unary request and blocks for its response.
func (c *Client) call(ctx context.Context, service, op string, req, resp any) error {
	reqID := c.nextReqID.Add(1)
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("portal: marshal request: %w", err)
	}

	ch := make(chan frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("portal: channel closed: %w", c.closeErr)
	}
	c.pending[reqID] = ch
	c.mu.Unlock()

	if err := c.conn.writeFrame(frame{Type: frameRequest, ReqID: reqID, Service: service, Op: op, Payload: payload}); err != nil {
		return fmt.Errorf("portal: write request: %w", err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return fmt.Errorf("portal: channel closed waiting for %s.%s", service, op)
		}
		if f.Type == frameError {
			var ep errorPayload
			json.Unmarshal(f.Payload, &ep)
			return fmt.Errorf("portal: %s.%s: %s", service, op, ep.Message)
		}
		if resp != nil {
			return json.Unmarshal(f.Payload, resp)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) GuestInit(ctx context.Context, req GuestInitRequest) (GuestInitResponse, error) {
	var resp GuestInitResponse
	err := c.call(ctx, "Guest", "Init", req, &resp)
	return resp, err
}

func (c *Client) GuestPing(ctx context.Context) error {
	return c.call(ctx, "Guest", "Ping", GuestPingRequest{}, &GuestPingResponse{})
}

func (c *Client) GuestShutdown(ctx context.Context) error {
	return c.call(ctx, "Guest", "Shutdown", GuestShutdownRequest{}, &GuestShutdownResponse{})
}

func (c *Client) ContainerInit(ctx context.Context, req ContainerInitRequest) (ContainerInitResponse, error) {
	var resp ContainerInitResponse
	err := c.call(ctx, "Container", "Init", req, &resp)
	return resp, err
}

func (c *Client) Exec(ctx context.Context, req ExecRequest) (ExecResponse, error) {
	var resp ExecResponse
	err := c.call(ctx, "Execution", "Exec", req, &resp)
	return resp, err
}

// Attach returns a lazy, finite, single-consumer sequence of output chunks.
// The channel is closed when the process exits and all buffered output has
// drained, or immediately on transport failure.
func (c *Client) Attach(ctx context.Context, executionID string) (<-chan Chunk, error) {
	reqID := c.nextReqID.Add(1)
	payload, err := json.Marshal(AttachRequest{ExecutionID: executionID})
	if err != nil {
		return nil, fmt.Errorf("portal: marshal attach request: %w", err)
	}

	ch := make(chan Chunk, 32)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("portal: channel closed: %w", c.closeErr)
	}
	if _, exists := c.streams[reqID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("portal: internal: duplicate stream request id")
	}
	c.streams[reqID] = ch
	c.mu.Unlock()

	if err := c.conn.writeFrame(frame{Type: frameRequest, ReqID: reqID, Service: "Execution", Op: "Attach", Payload: payload}); err != nil {
		return nil, fmt.Errorf("portal: write attach request: %w", err)
	}
	return ch, nil
}

// SendInput writes one chunk of stdin for an in-flight execution. Closing
// the sequence (passing eof=true) signals EOF on stdin.
func (c *Client) SendInput(ctx context.Context, executionID string, data []byte, eof bool) error {
	reqID := c.nextReqID.Add(1)
	t := frameStreamChunk
	if eof {
		t = frameStreamEnd
	}
	return c.conn.writeFrame(frame{Type: t, ReqID: reqID, Service: "Execution", Op: "SendInput", StreamTag: executionID, Payload: data})
}

func (c *Client) Wait(ctx context.Context, executionID string) (WaitResponse, error) {
	var resp WaitResponse
	err := c.call(ctx, "Execution", "Wait", WaitRequest{ExecutionID: executionID}, &resp)
	return resp, err
}

// Kill is idempotent; repeated calls against an already-exited execution
// succeed.
func (c *Client) Kill(ctx context.Context, executionID string) error {
	return c.call(ctx, "Execution", "Kill", KillRequest{ExecutionID: executionID}, &KillResponse{})
}

func (c *Client) ResizeTty(ctx context.Context, executionID string, columns, rows int) error {
	return c.call(ctx, "Execution", "ResizeTty", ResizeTtyRequest{ExecutionID: executionID, Columns: columns, Rows: rows}, &ResizeTtyResponse{})
}

func (c *Client) Close() error {
	c.shutdown(fmt.Errorf("portal: closed by caller"))
	return c.conn.Close()
}

// BytesSent and BytesReceived report the cumulative bytes written/read on
// the wire, including frame length prefixes.
func (c *Client) BytesSent() uint64     { return c.conn.bytesWritten.Load() }
func (c *Client) BytesReceived() uint64 { return c.conn.bytesRead.Load() }
