package boxlite

import (
	"context"
	"sync"

	"github.com/banksean/boxlite/internal/portal"
)

// Execution is a handle to one running (or finished) process inside a box,
// returned by Box.Exec. A box may have many concurrent Executions, each
// multiplexed over the box's single portal.Client connection.
type Execution struct {
	id     string
	box    *Box
	client *portal.Client

	attachMu   sync.Mutex
	attached   bool
}

// ID returns the execution identifier assigned by the guest agent.
func (e *Execution) ID() string { return e.id }

// Wait blocks until the process exits and returns its exit code.
func (e *Execution) Wait(ctx context.Context) (int, error) {
	const op = "Execution.Wait"

	resp, err := e.client.Wait(ctx, e.id)
	if err != nil {
		return 0, newErr(CategoryExecution, op, err)
	}
	return resp.ExitCode, nil
}

// Kill sends SIGKILL to the process. Idempotent against an already-exited
// execution.
func (e *Execution) Kill(ctx context.Context) error {
	const op = "Execution.Kill"

	if err := e.client.Kill(ctx, e.id); err != nil {
		return newErr(CategoryExecution, op, err)
	}
	return nil
}

// Attach returns the execution's combined stdout/stderr stream. A given
// Execution supports exactly one Attach call -- restarting a dropped
// stream is not supported, since the wire protocol carries no sequence
// numbers or replay buffer. A second call returns an error instead of a
// fresh channel.
func (e *Execution) Attach(ctx context.Context) (<-chan portal.Chunk, error) {
	const op = "Execution.Attach"

	e.attachMu.Lock()
	defer e.attachMu.Unlock()
	if e.attached {
		return nil, errf(CategoryInvalidState, op, "execution %s already has an attached consumer", e.id)
	}

	ch, err := e.client.Attach(ctx, e.id)
	if err != nil {
		return nil, newErr(CategoryExecution, op, err)
	}
	e.attached = true
	return ch, nil
}

// SendInput writes data to the process's stdin. eof signals no further
// input will be sent.
func (e *Execution) SendInput(ctx context.Context, data []byte, eof bool) error {
	const op = "Execution.SendInput"

	if err := e.client.SendInput(ctx, e.id, data, eof); err != nil {
		return newErr(CategoryExecution, op, err)
	}
	return nil
}

// ResizeTty notifies the guest of a terminal size change. A no-op on a
// non-TTY execution, left to the guest agent to ignore.
func (e *Execution) ResizeTty(ctx context.Context, columns, rows int) error {
	const op = "Execution.ResizeTty"

	if err := e.client.ResizeTty(ctx, e.id, columns, rows); err != nil {
		return newErr(CategoryExecution, op, err)
	}
	return nil
}
