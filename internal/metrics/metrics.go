// Package metrics implements the lock-free runtime and per-box counters and
// the initialization pipeline's stage timing breakdown. Counters are plain
// atomics; no mutex guards them, matching the Data Model's "updated
// lock-free" invariant.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Runtime holds the runtime-wide monotonic counters.
type Runtime struct {
	BoxesCreatedTotal    atomic.Uint64
	BoxesFailedTotal     atomic.Uint64
	NumRunningBoxes      atomic.Int64
	TotalCommandsExecuted atomic.Uint64
	TotalExecErrors      atomic.Uint64
}

// Snapshot is a point-in-time plain-struct rendering, safe to marshal.
type RuntimeSnapshot struct {
	BoxesCreatedTotal     uint64 `json:"boxesCreatedTotal"`
	BoxesFailedTotal      uint64 `json:"boxesFailedTotal"`
	NumRunningBoxes       int64  `json:"numRunningBoxes"`
	TotalCommandsExecuted uint64 `json:"totalCommandsExecuted"`
	TotalExecErrors       uint64 `json:"totalExecErrors"`
}

func (r *Runtime) Snapshot() RuntimeSnapshot {
	return RuntimeSnapshot{
		BoxesCreatedTotal:     r.BoxesCreatedTotal.Load(),
		BoxesFailedTotal:      r.BoxesFailedTotal.Load(),
		NumRunningBoxes:       r.NumRunningBoxes.Load(),
		TotalCommandsExecuted: r.TotalCommandsExecuted.Load(),
		TotalExecErrors:       r.TotalExecErrors.Load(),
	}
}

// StageName identifies one of the eight initialization pipeline stages.
type StageName string

const (
	StageFilesystemSetup  StageName = "filesystem_setup"
	StageImagePrepare     StageName = "image_prepare"
	StageGuestRootfs      StageName = "guest_rootfs"
	StageBoxConfig        StageName = "box_config"
	StageNetworkStart     StageName = "network_backend_start"
	StageBoxSpawn         StageName = "box_spawn"
	StageGuestConnect     StageName = "guest_connect"
	StageContainerInit    StageName = "container_init"
)

var AllStages = []StageName{
	StageFilesystemSetup, StageImagePrepare, StageGuestRootfs, StageBoxConfig,
	StageNetworkStart, StageBoxSpawn, StageGuestConnect, StageContainerInit,
}

// Box holds per-box counters, on-demand gauges, and stage timings. Portal
// byte counts live on the portal.Client itself (it's the thing actually
// moving bytes); Snapshot takes them as parameters rather than duplicating
// a second set of counters here.
type Box struct {
	CommandsExecutedTotal atomic.Uint64
	ExecErrorsTotal       atomic.Uint64

	mu     sync.Mutex
	stages map[StageName]time.Duration
}

func NewBox() *Box {
	return &Box{stages: make(map[StageName]time.Duration, len(AllStages))}
}

// RecordStage stores the elapsed duration of a completed pipeline stage.
func (b *Box) RecordStage(name StageName, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stages[name] = d
}

// StageMs returns the recorded stage duration in milliseconds, or 0 if the
// stage has not completed.
func (b *Box) StageMs(name StageName) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stages[name].Milliseconds()
}

// Gauges are sampled on demand; the box handle's Metrics populates CPU% and
// RSS from the process table keyed by the shim's PID, and the network
// counters from the box's network backend.
type Gauges struct {
	CPUPercent            float64 `json:"cpuPercent"`
	MemoryBytes           uint64  `json:"memoryBytes"`
	NetworkBytesSent      uint64  `json:"networkBytesSent"`
	NetworkBytesReceived  uint64  `json:"networkBytesReceived"`
	NetworkTCPConnections uint64  `json:"networkTcpConnections"`
	NetworkTCPErrors      uint64  `json:"networkTcpErrors"`
}

// BoxSnapshot is the full metrics rollup for one box: counters, the latest
// sampled gauges, and the stage timing breakdown.
type BoxSnapshot struct {
	CommandsExecutedTotal uint64           `json:"commandsExecutedTotal"`
	ExecErrorsTotal       uint64           `json:"execErrorsTotal"`
	BytesSentTotal        uint64           `json:"bytesSentTotal"`
	BytesReceivedTotal    uint64           `json:"bytesReceivedTotal"`
	Gauges                Gauges           `json:"gauges"`
	StageMs               map[string]int64 `json:"stageMs"`
}

func (b *Box) Snapshot(gauges Gauges, bytesSent, bytesReceived uint64) BoxSnapshot {
	b.mu.Lock()
	stageMs := make(map[string]int64, len(b.stages))
	for k, v := range b.stages {
		stageMs[string(k)] = v.Milliseconds()
	}
	b.mu.Unlock()

	return BoxSnapshot{
		CommandsExecutedTotal: b.CommandsExecutedTotal.Load(),
		ExecErrorsTotal:       b.ExecErrorsTotal.Load(),
		BytesSentTotal:        bytesSent,
		BytesReceivedTotal:    bytesReceived,
		Gauges:                gauges,
		StageMs:               stageMs,
	}
}

// StageTimer times a single pipeline stage and records it on b when stopped.
type StageTimer struct {
	box   *Box
	stage StageName
	start time.Time
}

func (b *Box) StartStage(stage StageName) *StageTimer {
	return &StageTimer{box: b, stage: stage, start: time.Now()}
}

// Stop records the elapsed duration. Safe to call at most once.
func (t *StageTimer) Stop() time.Duration {
	d := time.Since(t.start)
	t.box.RecordStage(t.stage, d)
	return d
}
