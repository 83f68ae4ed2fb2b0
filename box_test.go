package boxlite

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/banksean/boxlite/internal/portal"
)

// testRuntime builds a real Runtime against a throwaway home directory,
// skipping the VMM/shim PATH checks, then substitutes fake spawnShim/
// dialPortal hooks so the eight-stage pipeline runs end to end against a
// portal.FakeAgent instead of a real shim subprocess and VMM.
func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	ctx := context.Background()
	rt, err := New(ctx, WithHomeDir(t.TempDir()), WithSkipBinaryChecks())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { rt.Shutdown(context.Background(), 5*time.Second) })

	rt.spawnShim = fakeSpawnShim
	rt.dialPortal = fakeDialPortal
	return rt
}

type fakeShimHandle struct {
	exited chan struct{}
}

func (f *fakeShimHandle) Alive() bool            { return true }
func (f *fakeShimHandle) Exited() <-chan struct{} { return f.exited }
func (f *fakeShimHandle) ExitErr() error          { return nil }
func (f *fakeShimHandle) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-f.exited:
	default:
		close(f.exited)
	}
	return nil
}

func fakeSpawnShim(ctx context.Context, boxID, configPath, notifySocketPath string, readyTimeout time.Duration) (shimHandle, int, error) {
	return &fakeShimHandle{exited: make(chan struct{})}, 99999, nil
}

// fakeDialPortal opens an in-memory pipe, serves the guest side with a
// portal.FakeAgent, and hands the host side back as the dialed connection.
func fakeDialPortal(ctx context.Context, boxID, socketPath string, timeout time.Duration) (io.ReadWriteCloser, error) {
	hostSide, guestSide := net.Pipe()
	portal.NewFakeAgent(guestSide)
	return hostSide, nil
}

func TestBoxLifecycleRunsThroughFakeAgent(t *testing.T) {
	ctx := context.Background()
	rt := testRuntime(t)

	b, err := rt.Create(ctx, BoxConfig{RootfsPath: t.TempDir(), Cpus: 1, MemoryMib: 256})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.State() != StateCreated {
		t.Fatalf("State = %s, want Created", b.State())
	}

	e, err := b.Exec(ctx, "echo", []string{"hi"}, nil, false)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if b.State() != StateRunning {
		t.Fatalf("State after Exec = %s, want Running", b.State())
	}

	chunks, err := e.Attach(ctx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	var out []byte
	for c := range chunks {
		out = append(out, c.Bytes...)
	}
	if string(out) != "hello\n" {
		t.Errorf("attached output = %q, want %q (from FakeAgent)", out, "hello\n")
	}

	if _, err := e.Attach(ctx); err == nil {
		t.Error("second Attach on the same execution should fail")
	}

	code, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if b.State() != StateStopped {
		t.Fatalf("State after Stop = %s, want Stopped", b.State())
	}

	if err := b.Remove(ctx, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := rt.Get(ctx, b.ID()); err == nil {
		t.Error("Get should fail after Remove")
	}
}

func TestBoxStopRejectedBeforeStart(t *testing.T) {
	ctx := context.Background()
	rt := testRuntime(t)

	b, err := rt.Create(ctx, BoxConfig{RootfsPath: t.TempDir(), Cpus: 1, MemoryMib: 256})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := b.Stop(ctx); err == nil {
		t.Error("Stop on a never-started box should fail")
	} else if CategoryOf(err) != CategoryInvalidState {
		t.Errorf("Stop error category = %s, want InvalidState", CategoryOf(err))
	}
}

func TestReservedVsockPortIsStableAndInRange(t *testing.T) {
	a := reservedVsockPort("box-one")
	b := reservedVsockPort("box-one")
	if a != b {
		t.Errorf("reservedVsockPort not stable: %d != %d", a, b)
	}
	if a < 40000 || a >= 60000 {
		t.Errorf("reservedVsockPort %d out of range [40000, 60000)", a)
	}
	if reservedVsockPort("box-two") == a {
		t.Skip("hash collision between two distinct ids is possible but unlikely; not a correctness failure")
	}
}
