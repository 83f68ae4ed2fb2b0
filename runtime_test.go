package boxlite

import (
	"context"
	"testing"
	"time"
)

func TestNewSkipBinaryChecksAndShutdown(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx, WithHomeDir(t.TempDir()), WithSkipBinaryChecks())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Shutdown(ctx, 5*time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNewFailsOnUnsupportedHostWithoutSkip(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, WithHomeDir(t.TempDir()))
	if err == nil {
		t.Skip("host happens to satisfy every capability check; nothing to assert")
	}
	if CategoryOf(err) != CategoryUnsupported {
		t.Errorf("New error category = %s, want Unsupported", CategoryOf(err))
	}
}

func TestCreateRejectsConflictingImageAndRootfs(t *testing.T) {
	ctx := context.Background()
	rt := testRuntime(t)

	_, err := rt.Create(ctx, BoxConfig{Image: "alpine", RootfsPath: t.TempDir(), Cpus: 1, MemoryMib: 256})
	if err == nil {
		t.Fatal("expected Create to reject both image and rootfsPath set")
	}
	if CategoryOf(err) != CategoryInvalidArgument {
		t.Errorf("category = %s, want InvalidArgument", CategoryOf(err))
	}
}

func TestCreateRejectsNeitherImageNorRootfs(t *testing.T) {
	ctx := context.Background()
	rt := testRuntime(t)

	_, err := rt.Create(ctx, BoxConfig{Cpus: 1, MemoryMib: 256})
	if err == nil {
		t.Fatal("expected Create to reject neither image nor rootfsPath set")
	}
	if CategoryOf(err) != CategoryInvalidArgument {
		t.Errorf("category = %s, want InvalidArgument", CategoryOf(err))
	}
}

func TestCreateAssignsGeneratedNameWhenUnset(t *testing.T) {
	ctx := context.Background()
	rt := testRuntime(t)

	b, err := rt.Create(ctx, BoxConfig{RootfsPath: t.TempDir(), Cpus: 1, MemoryMib: 256})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.Name() == "" {
		t.Error("expected a generated name when Name is left unset")
	}
}

func TestListReturnsAllCreatedBoxes(t *testing.T) {
	ctx := context.Background()
	rt := testRuntime(t)

	for i := 0; i < 3; i++ {
		if _, err := rt.Create(ctx, BoxConfig{RootfsPath: t.TempDir(), Cpus: 1, MemoryMib: 256}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	boxes, err := rt.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(boxes) != 3 {
		t.Fatalf("List = %d boxes, want 3", len(boxes))
	}
}

// TestReattachMarksInFlightBoxesFailed simulates a process restart: a box
// persisted mid-Starting is rehydrated into Failed on the next New(), since
// its shim subprocess died with the process that owned it.
func TestReattachMarksInFlightBoxesFailed(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()

	rt := mustNewRuntimeNoCleanup(t, home)
	b, err := rt.Create(ctx, BoxConfig{RootfsPath: t.TempDir(), Cpus: 1, MemoryMib: 256})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b.setState(StateStarting)
	b.persist(ctx)

	// Release the home directory lock without running the normal Stop
	// sweep Shutdown would trigger -- that would flip the box back to
	// Stopped before the next New() ever observes it mid-Starting.
	if err := rt.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	if err := rt.layout.Close(); err != nil {
		t.Fatalf("release lock: %v", err)
	}

	rt2 := mustNewRuntime(t, home)
	got, err := rt2.Get(ctx, b.ID())
	if err != nil {
		t.Fatalf("Get after reattach: %v", err)
	}
	if got.State() != StateFailed {
		t.Errorf("reattached box state = %s, want Failed", got.State())
	}
}

func mustNewRuntime(t *testing.T, home string) *Runtime {
	t.Helper()
	rt := mustNewRuntimeNoCleanup(t, home)
	t.Cleanup(func() { rt.Shutdown(context.Background(), 5*time.Second) })
	return rt
}

func mustNewRuntimeNoCleanup(t *testing.T, home string) *Runtime {
	t.Helper()
	ctx := context.Background()
	rt, err := New(ctx, WithHomeDir(home), WithSkipBinaryChecks())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rt
}
