package portal

// Operation request/response payloads for the Guest, Container, and
// Execution service groups. JSON-tagged since the frame payload is JSON,
// not gob (gob only encodes the envelope).

type GuestInitRequest struct {
	Mounts []MountSpec `json:"mounts"`
}

type MountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly"`
}

type GuestInitResponse struct{}

type GuestPingRequest struct{}
type GuestPingResponse struct{}

type GuestShutdownRequest struct{}
type GuestShutdownResponse struct{}

type ContainerInitRequest struct {
	RootfsDir  string            `json:"rootfsDir"`
	WorkingDir string            `json:"workingDir"`
	Env        map[string]string `json:"env"`
	Entrypoint []string          `json:"entrypoint"`
}

type ContainerInitResponse struct {
	ContainerID string `json:"containerId"`
}

type ExecRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Env     map[string]string `json:"env"`
	TTY     bool     `json:"tty"`
}

type ExecResponse struct {
	ExecutionID string `json:"executionId"`
}

type AttachRequest struct {
	ExecutionID string `json:"executionId"`
}

type WaitRequest struct {
	ExecutionID string `json:"executionId"`
}

type WaitResponse struct {
	ExitCode int `json:"exitCode"`
}

type KillRequest struct {
	ExecutionID string `json:"executionId"`
}

type KillResponse struct{}

type ResizeTtyRequest struct {
	ExecutionID string `json:"executionId"`
	Columns     int    `json:"columns"`
	Rows        int    `json:"rows"`
}

type ResizeTtyResponse struct{}

type errorPayload struct {
	Message string `json:"message"`
}
