package portal

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// FakeAgent is a minimal double for the in-guest agent, used by tests that
// exercise the Client against a real stream connection without a real VM.
type FakeAgent struct {
	conn *frameConn

	mu         sync.Mutex
	executions map[string]*fakeExecution
	nextExecID int
}

type fakeExecution struct {
	exitCode int
	killed   bool
}

// NewFakeAgent wraps rw (the server side of a connected pipe) and starts
// serving requests until rw is closed.
func NewFakeAgent(rw io.ReadWriteCloser) *FakeAgent {
	a := &FakeAgent{
		conn:       newFrameConn(rw),
		executions: make(map[string]*fakeExecution),
	}
	go a.serve()
	return a
}

func (a *FakeAgent) serve() {
	for {
		f, err := a.conn.readFrame()
		if err != nil {
			return
		}
		if f.Type != frameRequest {
			continue
		}
		a.handle(f)
	}
}

func (a *FakeAgent) handle(f frame) {
	switch f.Service + "." + f.Op {
	case "Guest.Init":
		a.respond(f, GuestInitResponse{})
	case "Guest.Ping":
		a.respond(f, GuestPingResponse{})
	case "Guest.Shutdown":
		a.respond(f, GuestShutdownResponse{})
	case "Container.Init":
		a.respond(f, ContainerInitResponse{ContainerID: "fake-container"})
	case "Execution.Exec":
		var req ExecRequest
		json.Unmarshal(f.Payload, &req)
		a.mu.Lock()
		a.nextExecID++
		id := fmt.Sprintf("exec-%d", a.nextExecID)
		a.executions[id] = &fakeExecution{}
		a.mu.Unlock()
		a.respond(f, ExecResponse{ExecutionID: id})
	case "Execution.Attach":
		var req AttachRequest
		json.Unmarshal(f.Payload, &req)
		a.conn.writeFrame(frame{Type: frameStreamChunk, ReqID: f.ReqID, StreamTag: "stdout", Payload: []byte("hello\n")})
		a.conn.writeFrame(frame{Type: frameStreamEnd, ReqID: f.ReqID})
	case "Execution.Wait":
		var req WaitRequest
		json.Unmarshal(f.Payload, &req)
		a.mu.Lock()
		exitCode := 0
		if e, ok := a.executions[req.ExecutionID]; ok {
			exitCode = e.exitCode
		}
		a.mu.Unlock()
		a.respond(f, WaitResponse{ExitCode: exitCode})
	case "Execution.Kill":
		var req KillRequest
		json.Unmarshal(f.Payload, &req)
		a.mu.Lock()
		if e, ok := a.executions[req.ExecutionID]; ok {
			e.killed = true
		}
		a.mu.Unlock()
		a.respond(f, KillResponse{})
	case "Execution.ResizeTty":
		a.respond(f, ResizeTtyResponse{})
	default:
		a.fail(f, fmt.Errorf("fakeagent: unknown operation %s.%s", f.Service, f.Op))
	}
}

func (a *FakeAgent) respond(req frame, resp any) {
	payload, _ := json.Marshal(resp)
	a.conn.writeFrame(frame{Type: frameResponse, ReqID: req.ReqID, Payload: payload})
}

func (a *FakeAgent) fail(req frame, err error) {
	payload, _ := json.Marshal(errorPayload{Message: err.Error()})
	a.conn.writeFrame(frame{Type: frameError, ReqID: req.ReqID, Payload: payload})
}

func (a *FakeAgent) Close() error {
	return a.conn.Close()
}
