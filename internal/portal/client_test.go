package portal

import (
	"context"
	"io"
	"net"
	"testing"
)

func dialAgainstFakeAgent(t *testing.T) *Client {
	t.Helper()
	hostSide, guestSide := net.Pipe()
	NewFakeAgent(guestSide)
	c := Dial(hostSide)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientGuestAndContainerCalls(t *testing.T) {
	c := dialAgainstFakeAgent(t)
	ctx := context.Background()

	if _, err := c.GuestInit(ctx, GuestInitRequest{}); err != nil {
		t.Errorf("GuestInit: %v", err)
	}
	if err := c.GuestPing(ctx); err != nil {
		t.Errorf("GuestPing: %v", err)
	}
	resp, err := c.ContainerInit(ctx, ContainerInitRequest{})
	if err != nil {
		t.Fatalf("ContainerInit: %v", err)
	}
	if resp.ContainerID != "fake-container" {
		t.Errorf("ContainerID = %q, want %q", resp.ContainerID, "fake-container")
	}
}

func TestClientExecAttachWait(t *testing.T) {
	c := dialAgainstFakeAgent(t)
	ctx := context.Background()

	exec, err := c.Exec(ctx, ExecRequest{Command: "echo", Args: []string{"hi"}})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if exec.ExecutionID == "" {
		t.Fatal("expected a non-empty execution id")
	}

	chunks, err := c.Attach(ctx, exec.ExecutionID)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	var out []byte
	for chunk := range chunks {
		out = append(out, chunk.Bytes...)
	}
	if string(out) != "hello\n" {
		t.Errorf("attached output = %q, want %q", out, "hello\n")
	}

	wait, err := c.Wait(ctx, exec.ExecutionID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if wait.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", wait.ExitCode)
	}

	if err := c.Kill(ctx, exec.ExecutionID); err != nil {
		t.Errorf("Kill: %v", err)
	}
	if err := c.ResizeTty(ctx, exec.ExecutionID, 80, 24); err != nil {
		t.Errorf("ResizeTty: %v", err)
	}
}

func TestClientCallFailsAfterClose(t *testing.T) {
	c := dialAgainstFakeAgent(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.GuestPing(context.Background()); err == nil {
		t.Error("expected a call after Close to fail")
	}
}

func TestClientCallRespectsContextCancellation(t *testing.T) {
	hostSide, guestSide := net.Pipe()
	defer guestSide.Close()
	c := Dial(hostSide)
	defer c.Close()

	// Drain the guest side so the request write itself never blocks, but
	// never respond -- the only way call() can return is via ctx.Done().
	go io.Copy(io.Discard, guestSide)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.GuestPing(ctx); err == nil {
		t.Error("expected GuestPing against a cancelled context to return an error")
	}
}
