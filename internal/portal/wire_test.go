package portal

import (
	"net"
	"testing"
)

func TestFrameConnRoundTrip(t *testing.T) {
	hostSide, guestSide := net.Pipe()
	defer hostSide.Close()
	defer guestSide.Close()

	a := newFrameConn(hostSide)
	b := newFrameConn(guestSide)

	sent := frame{
		Type:      frameRequest,
		ReqID:     42,
		Service:   "Execution",
		Op:        "Exec",
		StreamTag: "stdout",
		Payload:   []byte(`{"command":"echo"}`),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.writeFrame(sent) }()

	got, err := b.readFrame()
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	if got.Type != sent.Type || got.ReqID != sent.ReqID || got.Service != sent.Service ||
		got.Op != sent.Op || got.StreamTag != sent.StreamTag || string(got.Payload) != string(sent.Payload) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, sent)
	}
}

func TestFrameConnRejectsOversizedLengthPrefix(t *testing.T) {
	hostSide, guestSide := net.Pipe()
	defer hostSide.Close()
	defer guestSide.Close()

	b := newFrameConn(guestSide)

	go func() {
		lenPrefix := []byte{0xFF, 0xFF, 0xFF, 0xFF} // far beyond maxFrameSize
		hostSide.Write(lenPrefix)
	}()

	if _, err := b.readFrame(); err == nil {
		t.Error("expected readFrame to reject an oversized length prefix")
	}
}

func TestFrameConnMultipleFramesInOrder(t *testing.T) {
	hostSide, guestSide := net.Pipe()
	defer hostSide.Close()
	defer guestSide.Close()

	a := newFrameConn(hostSide)
	b := newFrameConn(guestSide)

	const n = 5
	done := make(chan error, 1)
	go func() {
		for i := uint64(0); i < n; i++ {
			if err := a.writeFrame(frame{Type: frameStreamChunk, ReqID: i}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := uint64(0); i < n; i++ {
		f, err := b.readFrame()
		if err != nil {
			t.Fatalf("readFrame %d: %v", i, err)
		}
		if f.ReqID != i {
			t.Errorf("frame %d has ReqID %d, want %d (frames arrived out of order)", i, f.ReqID, i)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
}
