package network

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"
)

func TestIsolatedStartListensAndStopCloses(t *testing.T) {
	dir := t.TempDir()
	b := NewIsolated(dir)
	ctx := context.Background()

	ep, err := b.Start(ctx, "box-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ep.SocketPath == "" {
		t.Fatal("expected a non-empty socket path")
	}
	if _, err := os.Stat(ep.SocketPath); err != nil {
		t.Fatalf("expected socket file to exist: %v", err)
	}

	conn, err := net.Dial("unix", ep.SocketPath)
	if err != nil {
		t.Fatalf("dial isolated backend socket: %v", err)
	}
	conn.Close()

	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Stop(ctx); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}

	if _, err := net.Dial("unix", ep.SocketPath); err == nil {
		t.Error("expected dialing after Stop to fail")
	}
}

func TestIsolatedMetricsCountAccepts(t *testing.T) {
	dir := t.TempDir()
	b := NewIsolated(dir)
	ctx := context.Background()

	ep, err := b.Start(ctx, "box-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop(ctx)

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("unix", ep.SocketPath)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Metrics().TCPConnections < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := b.Metrics().TCPConnections; got < 3 {
		t.Errorf("Metrics().TCPConnections = %d, want >= 3", got)
	}
}

func TestStartWithRetryRecoversFromOneTransientFailure(t *testing.T) {
	b := &flakyBackend{failuresLeft: 1}
	ep, err := StartWithRetry(context.Background(), b, "box-1")
	if err != nil {
		t.Fatalf("StartWithRetry: %v", err)
	}
	if ep.SocketPath != "ok" {
		t.Errorf("endpoint = %+v, want the successful retry's endpoint", ep)
	}
	if b.attempts != 2 {
		t.Errorf("attempts = %d, want 2 (one failure, one retry)", b.attempts)
	}
}

func TestStartWithRetryPropagatesSecondFailure(t *testing.T) {
	b := &flakyBackend{failuresLeft: 2}
	_, err := StartWithRetry(context.Background(), b, "box-1")
	if err == nil {
		t.Fatal("expected the second consecutive failure to propagate")
	}
	if b.attempts != 2 {
		t.Errorf("attempts = %d, want 2 (no second retry)", b.attempts)
	}
}

type flakyBackend struct {
	failuresLeft int
	attempts     int
}

func (b *flakyBackend) Start(ctx context.Context, boxID string) (Endpoint, error) {
	b.attempts++
	if b.failuresLeft > 0 {
		b.failuresLeft--
		return Endpoint{}, errors.New("transient failure")
	}
	return Endpoint{SocketPath: "ok"}, nil
}

func (b *flakyBackend) Stop(ctx context.Context) error { return nil }
func (b *flakyBackend) Metrics() Metrics               { return Metrics{} }
