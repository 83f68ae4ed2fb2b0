package boxlite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/banksean/boxlite/internal/imagestore"
	"github.com/banksean/boxlite/internal/metrics"
	"github.com/banksean/boxlite/internal/network"
	"github.com/banksean/boxlite/internal/portal"
	"github.com/banksean/boxlite/internal/rootfs"
	"github.com/banksean/boxlite/internal/shim"
	"github.com/banksean/boxlite/internal/store"
)

// BoxState is one of the six states in the lifecycle state machine.
type BoxState string

const (
	StateCreated  BoxState = "Created"
	StateStarting BoxState = "Starting"
	StateRunning  BoxState = "Running"
	StateStopping BoxState = "Stopping"
	StateStopped  BoxState = "Stopped"
	StateFailed   BoxState = "Failed"
)

// shimHandle is the subset of *shim.Handle's surface the box handle needs,
// narrowed to an interface so tests can substitute a fake subprocess
// without actually exec'ing a shim binary.
type shimHandle interface {
	Alive() bool
	Exited() <-chan struct{}
	ExitErr() error
	Stop(ctx context.Context, grace time.Duration) error
}

// shimSpawnFunc starts the per-box shim subprocess. The real implementation
// (runtime.go) wraps shim.Spawn; tests substitute a fake that skips the
// actual subprocess exec.
type shimSpawnFunc func(ctx context.Context, boxID, configPath, notifySocketPath string, readyTimeout time.Duration) (shimHandle, int, error)

// portalDialFunc opens the host-side end of the vsock-bridged stream once
// the shim has signalled ready. The real implementation dials a UNIX
// socket; tests substitute an in-memory pipe wired to a FakeAgent.
type portalDialFunc func(ctx context.Context, boxID, socketPath string, timeout time.Duration) (io.ReadWriteCloser, error)

// BoxInfo is the plain-struct snapshot returned by Box.Info.
type BoxInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	State     BoxState  `json:"state"`
	Config    BoxConfig `json:"config"`
	CreatedAt time.Time `json:"createdAt"`
	ShimPID   int       `json:"shimPid,omitempty"`
}

// Box is a handle to one box. Safe for concurrent use; exec is concurrent
// with itself and with readers, stop/remove are exclusive with everything
// else on the same handle.
type Box struct {
	id        string
	rt        *Runtime
	createdAt time.Time

	opMu sync.Mutex // serializes Starting/Stopping/Remove

	stateMu sync.RWMutex
	state   BoxState
	cfg     BoxConfig

	shimH   shimHandle
	shimPID int
	client  *portal.Client
	netBack network.Backend

	// stopRequested is set before Stop() tells the shim to exit, so the
	// reaper goroutine can tell a deliberate shutdown from a crash.
	stopRequested atomic.Bool

	metricsBox *metrics.Box

	procMu sync.Mutex
	proc   *process.Process // cached so CPUPercent() measures a real interval, not since process start

	execMu sync.Mutex
	execs  map[string]*Execution
}

func newBox(rt *Runtime, id string, cfg BoxConfig, state BoxState, createdAt time.Time) *Box {
	return &Box{
		id:         id,
		rt:         rt,
		cfg:        cfg,
		state:      state,
		createdAt:  createdAt,
		metricsBox: metrics.NewBox(),
		execs:      make(map[string]*Execution),
	}
}

func (b *Box) ID() string { return b.id }

func (b *Box) Name() string {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.cfg.Name
}

// State returns the current lifecycle state. Observers never block behind
// a Starting/Stopping transition in progress.
func (b *Box) State() BoxState {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

func (b *Box) Info() BoxInfo {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return BoxInfo{
		ID:        b.id,
		Name:      b.cfg.Name,
		State:     b.state,
		Config:    b.cfg,
		CreatedAt: b.createdAt,
		ShimPID:   b.shimPID,
	}
}

// Metrics returns the per-box counters, stage timings, and freshly sampled
// gauges.
func (b *Box) Metrics() metrics.BoxSnapshot {
	b.stateMu.RLock()
	pid := b.shimPID
	client := b.client
	b.stateMu.RUnlock()

	gauges := metrics.Gauges{}
	if b.netBack != nil {
		nm := b.netBack.Metrics()
		gauges.NetworkBytesSent = nm.BytesSent
		gauges.NetworkBytesReceived = nm.BytesReceived
		gauges.NetworkTCPConnections = nm.TCPConnections
		gauges.NetworkTCPErrors = nm.TCPErrors
	}
	gauges.CPUPercent, gauges.MemoryBytes = b.sampleProcess(pid)

	var bytesSent, bytesReceived uint64
	if client != nil {
		bytesSent, bytesReceived = client.BytesSent(), client.BytesReceived()
	}
	return b.metricsBox.Snapshot(gauges, bytesSent, bytesReceived)
}

// sampleProcess reads the shim subprocess's CPU% and resident memory via the
// OS process table, keyed by pid. Reuses the same *process.Process handle
// across calls so CPUPercent reflects the interval since the last sample
// rather than since the process started.
func (b *Box) sampleProcess(pid int) (cpuPercent float64, memoryBytes uint64) {
	if pid == 0 {
		return 0, 0
	}

	b.procMu.Lock()
	defer b.procMu.Unlock()

	if b.proc == nil || b.proc.Pid != int32(pid) {
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			return 0, 0
		}
		b.proc = p
	}

	cpuPercent, _ = b.proc.CPUPercent()
	if mi, err := b.proc.MemoryInfo(); err == nil && mi != nil {
		memoryBytes = mi.RSS
	}
	return cpuPercent, memoryBytes
}

func (b *Box) setState(s BoxState) {
	b.stateMu.Lock()
	b.state = s
	b.stateMu.Unlock()
}

func (b *Box) persist(ctx context.Context) {
	b.stateMu.RLock()
	row := store.BoxRow{
		ID:      b.id,
		Name:    b.cfg.Name,
		State:   string(b.state),
		ShimPID: b.shimPID,
	}
	cfgJSON, _ := json.Marshal(b.cfg)
	row.ConfigJSON = cfgJSON
	row.CreatedAt = b.createdAt
	row.DiskRetained = b.cfg.diskRetained()
	b.stateMu.RUnlock()

	if err := b.rt.store.Upsert(ctx, row); err != nil {
		b.rt.logger.ErrorContext(ctx, "persist box row failed", "box", b.id, "error", err)
	}
}

// persistState updates only the state and shim PID of a row that already
// exists (every lifecycle transition after the initial persist in
// Runtime.Create), instead of rewriting the whole config every time.
func (b *Box) persistState(ctx context.Context) {
	b.stateMu.RLock()
	state := string(b.state)
	shimPID := b.shimPID
	b.stateMu.RUnlock()

	if err := b.rt.store.UpdateState(ctx, b.id, state, shimPID); err != nil {
		b.rt.logger.ErrorContext(ctx, "persist box state failed", "box", b.id, "error", err)
	}
}

// Exec starts a process inside the guest container, triggering lazy
// initialization if the box hasn't been started yet.
func (b *Box) Exec(ctx context.Context, command string, args []string, env map[string]string, tty bool) (*Execution, error) {
	const op = "Box.Exec"

	if err := b.ensureRunning(ctx); err != nil {
		return nil, err
	}

	b.stateMu.RLock()
	client := b.client
	state := b.state
	b.stateMu.RUnlock()
	if state != StateRunning {
		return nil, newErr(CategoryStopped, op, fmt.Errorf("box %s stopped before exec was acknowledged", b.id))
	}

	resp, err := client.Exec(ctx, portal.ExecRequest{Command: command, Args: args, Env: env, TTY: tty})
	if err != nil {
		b.metricsBox.ExecErrorsTotal.Add(1)
		b.rt.metrics.TotalExecErrors.Add(1)
		return nil, newErr(CategoryExecution, op, err)
	}

	e := &Execution{id: resp.ExecutionID, box: b, client: client}
	b.execMu.Lock()
	b.execs[e.id] = e
	b.execMu.Unlock()

	b.metricsBox.CommandsExecutedTotal.Add(1)
	b.rt.metrics.TotalCommandsExecuted.Add(1)
	return e, nil
}

// ensureRunning drives the lazy initialization pipeline if the box is
// Created or Stopped, serialized against concurrent stop/remove/start by
// opMu. A concurrent Exec racing with this one blocks here until the
// pipeline (or another caller's in-flight one) completes.
func (b *Box) ensureRunning(ctx context.Context) error {
	const op = "Box.ensureRunning"

	b.opMu.Lock()
	defer b.opMu.Unlock()

	switch b.State() {
	case StateRunning:
		return nil
	case StateCreated, StateStopped:
		return b.start(ctx)
	case StateFailed:
		return newErr(CategoryInvalidState, op, fmt.Errorf("box %s is Failed", b.id))
	case StateStopping:
		return newErr(CategoryInvalidState, op, fmt.Errorf("box %s is Stopping", b.id))
	default:
		return newErr(CategoryInvalidState, op, fmt.Errorf("box %s is %s", b.id, b.State()))
	}
}

// start runs the eight-stage initialization pipeline. Any stage failure
// rolls back every completed stage's side effects in reverse order and
// transitions the box to Failed.
func (b *Box) start(ctx context.Context) error {
	const op = "Box.start"

	attemptID := uuid.New().String()
	b.rt.logger.InfoContext(ctx, "box starting", "box", b.id, "attempt", attemptID)

	b.setState(StateStarting)
	b.persistState(ctx)

	var cleanups []func()
	rollback := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(category Category, format string, args ...any) error {
		rollback()
		b.setState(StateFailed)
		b.persistState(ctx)
		b.rt.metrics.BoxesFailedTotal.Add(1)
		err := errf(category, op, format, args...)
		b.rt.logger.ErrorContext(ctx, "box start failed", "box", b.id, "attempt", attemptID, "error", err)
		return err
	}

	// Stage 1: Filesystem Setup.
	t := b.metricsBox.StartStage(metrics.StageFilesystemSetup)
	if err := b.rt.layout.CreateBoxDirs(b.id); err != nil {
		t.Stop()
		return fail(CategoryStorage, "create box dirs: %v", err)
	}
	t.Stop()
	cleanups = append(cleanups, func() { b.rt.layout.RemoveBoxDirs(b.id) })

	// Stage 2: Image Prepare.
	t = b.metricsBox.StartStage(metrics.StageImagePrepare)
	var layerDirs []string
	var imageDesc *imagestore.ManifestDescriptor
	if b.cfg.Image != "" {
		desc, err := b.rt.images.Resolve(ctx, b.cfg.Image)
		if err != nil {
			t.Stop()
			return fail(CategoryImage, "resolve %s: %v", b.cfg.Image, err)
		}
		dirs, err := b.rt.images.Ensure(ctx, desc)
		if err != nil {
			t.Stop()
			return fail(CategoryImage, "ensure layers for %s: %v", b.cfg.Image, err)
		}
		layerDirs = dirs
		imageDesc = desc
	} else {
		layerDirs = []string{b.cfg.RootfsPath}
	}
	t.Stop()

	// Stage 3: Guest Rootfs.
	t = b.metricsBox.StartStage(metrics.StageGuestRootfs)
	rootfsDir := b.rt.layout.BoxRootfsDir(b.id)
	if err := rootfs.Assemble(layerDirs, rootfsDir); err != nil {
		t.Stop()
		return fail(CategoryStorage, "assemble rootfs: %v", err)
	}
	if err := rootfs.WriteResolvConf(rootfsDir, nil); err != nil {
		t.Stop()
		return fail(CategoryStorage, "write resolv.conf: %v", err)
	}
	if err := rootfs.WriteHostname(rootfsDir, b.hostname()); err != nil {
		t.Stop()
		return fail(CategoryStorage, "write hostname: %v", err)
	}
	t.Stop()

	// Stage 4: Box Config.
	t = b.metricsBox.StartStage(metrics.StageBoxConfig)
	vsockPort := reservedVsockPort(b.id)
	shimCfg := shim.Config{
		BoxID:      b.id,
		RootfsDir:  rootfsDir,
		WorkDir:    b.rt.layout.BoxWorkDir(b.id),
		Cpus:       b.cfg.Cpus,
		MemoryMib:  b.cfg.MemoryMib,
		DiskPath:   b.diskPath(),
		VsockPort:  vsockPort,
		Entrypoint: mergedEntrypoint(b.cfg, imageDesc),
		Env:        mergedEnv(b.cfg, imageDesc),
	}
	configPath := b.rt.layout.BoxConfigPath(b.id)
	t.Stop()

	// Stage 5: Network Backend Start.
	t = b.metricsBox.StartStage(metrics.StageNetworkStart)
	backend := b.resolveNetworkBackend()
	ep, err := network.StartWithRetry(ctx, backend, b.id)
	if err != nil {
		t.Stop()
		return fail(CategoryNetwork, "start network backend: %v", err)
	}
	b.netBack = backend
	cleanups = append(cleanups, func() { backend.Stop(context.Background()) })
	shimCfg.NetworkEndpoint = ep.SocketPath
	shimCfg.NotifySocket = filepath.Join(b.rt.layout.BoxSocketsDir(b.id), "shim-ready.sock")
	t.Stop()

	configBytes, err := json.Marshal(shimCfg)
	if err != nil {
		return fail(CategoryInternal, "marshal shim config: %v", err)
	}
	if err := os.WriteFile(configPath, configBytes, 0o600); err != nil {
		return fail(CategoryStorage, "write shim config: %v", err)
	}

	// Stage 6: Box Spawn.
	t = b.metricsBox.StartStage(metrics.StageBoxSpawn)
	handle, pid, err := b.rt.spawnShim(ctx, b.id, configPath, shimCfg.NotifySocket, b.rt.cfg.GuestReadyTimeout)
	if err != nil {
		t.Stop()
		return fail(CategoryEngine, "spawn shim: %v", err)
	}
	b.shimH = handle
	b.shimPID = pid
	cleanups = append(cleanups, func() { handle.Stop(context.Background(), b.rt.cfg.ShimGraceStop) })
	go b.reapShim(handle)
	t.Stop()

	// Stage 7: Guest Connect.
	t = b.metricsBox.StartStage(metrics.StageGuestConnect)
	dataSocket := filepath.Join(b.rt.layout.BoxSocketsDir(b.id), "portal.sock")
	conn, err := b.rt.dialPortal(ctx, b.id, dataSocket, b.rt.cfg.GuestReadyTimeout)
	if err != nil {
		t.Stop()
		return fail(CategoryTimeout, "guest connect: %v", err)
	}
	client := portal.Dial(conn)
	b.client = client
	cleanups = append(cleanups, func() { client.Close() })
	if err := client.GuestPing(ctx); err != nil {
		t.Stop()
		return fail(CategoryPortal, "guest ping: %v", err)
	}
	t.Stop()

	// Stage 8: Container Init.
	t = b.metricsBox.StartStage(metrics.StageContainerInit)
	if _, err := client.GuestInit(ctx, portal.GuestInitRequest{Mounts: b.mountSpecs()}); err != nil {
		t.Stop()
		return fail(CategoryPortal, "guest init: %v", err)
	}
	if _, err := client.ContainerInit(ctx, portal.ContainerInitRequest{
		RootfsDir:  rootfsDir,
		WorkingDir: mergedWorkingDir(b.cfg, imageDesc),
		Env:        mergedEnv(b.cfg, imageDesc),
		Entrypoint: mergedEntrypoint(b.cfg, imageDesc),
	}); err != nil {
		t.Stop()
		return fail(CategoryPortal, "container init: %v", err)
	}
	t.Stop()

	b.setState(StateRunning)
	b.persistState(ctx)
	b.rt.metrics.NumRunningBoxes.Add(1)
	b.rt.metrics.BoxesCreatedTotal.Add(1)
	b.rt.logger.InfoContext(ctx, "box running", "box", b.id, "attempt", attemptID)
	return nil
}

// reapShim blocks until the shim subprocess exits, then feeds the exit into
// the box state machine. It only acts while the box is Running: a shim exit
// during the start pipeline is already handled by start's own rollback, and
// a shim exit following Box.Stop is already handled there.
func (b *Box) reapShim(handle shimHandle) {
	<-handle.Exited()
	if b.stopRequested.Load() {
		return
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()

	if b.stopRequested.Load() || b.State() != StateRunning {
		return
	}

	ctx := context.Background()
	exitErr := handle.ExitErr()

	target := StateFailed
	if exitErr == nil {
		target = StateStopped
	}
	b.setState(target)
	b.persistState(ctx)
	b.rt.metrics.NumRunningBoxes.Add(-1)
	if target == StateFailed {
		b.rt.metrics.BoxesFailedTotal.Add(1)
		b.rt.logger.ErrorContext(ctx, "shim exited unexpectedly", "box", b.id, "error", exitErr)
	} else {
		b.rt.logger.WarnContext(ctx, "shim exited", "box", b.id)
	}
}

// mergedEntrypoint returns the box's own command if set, otherwise the
// image's default entrypoint+cmd (OCI image config semantics: cmd is
// appended as default arguments to entrypoint).
func mergedEntrypoint(cfg BoxConfig, desc *imagestore.ManifestDescriptor) []string {
	if len(cfg.Command) > 0 {
		return cfg.Command
	}
	if desc == nil || desc.ConfigFile == nil {
		return nil
	}
	cmd := append([]string{}, desc.ConfigFile.Config.Entrypoint...)
	cmd = append(cmd, desc.ConfigFile.Config.Cmd...)
	return cmd
}

// mergedEnv layers the box's env over the image config's default env, box
// entries winning on key collision.
func mergedEnv(cfg BoxConfig, desc *imagestore.ManifestDescriptor) map[string]string {
	env := map[string]string{}
	if desc != nil && desc.ConfigFile != nil {
		for _, kv := range desc.ConfigFile.Config.Env {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
	}
	for k, v := range Resolve(cfg.Env) {
		env[k] = v
	}
	return env
}

// mergedWorkingDir returns the box's own working dir if set, otherwise the
// image config's default.
func mergedWorkingDir(cfg BoxConfig, desc *imagestore.ManifestDescriptor) string {
	if cfg.WorkingDir != "" {
		return cfg.WorkingDir
	}
	if desc == nil || desc.ConfigFile == nil {
		return ""
	}
	return desc.ConfigFile.Config.WorkingDir
}

func (b *Box) hostname() string {
	if b.cfg.Name != "" {
		return b.cfg.Name
	}
	if len(b.id) > 12 {
		return b.id[:12]
	}
	return b.id
}

func (b *Box) diskPath() string {
	if b.cfg.DiskSizeGb == 0 {
		return ""
	}
	return b.rt.layout.BoxDiskPath(b.id)
}

func (b *Box) mountSpecs() []portal.MountSpec {
	specs := make([]portal.MountSpec, 0, len(b.cfg.Volumes))
	for _, v := range b.cfg.Volumes {
		specs = append(specs, portal.MountSpec{Source: v.HostPath, Target: v.GuestPath, ReadOnly: v.ReadOnly})
	}
	return specs
}

func (b *Box) resolveNetworkBackend() network.Backend {
	return network.NewIsolated(b.rt.layout.BoxSocketsDir(b.id))
}

// Stop requests graceful guest shutdown, then force-kills the shim after
// the grace period. Idempotent on Stopped; rejected on Created.
func (b *Box) Stop(ctx context.Context) error {
	const op = "Box.Stop"

	b.opMu.Lock()
	defer b.opMu.Unlock()

	switch b.State() {
	case StateStopped:
		return nil
	case StateCreated:
		return newErr(CategoryInvalidState, op, fmt.Errorf("box %s was never started", b.id))
	case StateFailed:
		return newErr(CategoryInvalidState, op, fmt.Errorf("box %s is Failed", b.id))
	}

	b.setState(StateStopping)
	b.persistState(ctx)
	b.stopRequested.Store(true)

	var merr *multierror.Error
	if b.client != nil {
		if err := b.client.GuestShutdown(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("guest shutdown: %w", err))
		}
		if err := b.client.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("close portal: %w", err))
		}
	}
	if b.netBack != nil {
		if err := b.netBack.Stop(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("stop network backend: %w", err))
		}
	}
	if b.shimH != nil {
		if err := b.shimH.Stop(ctx, b.rt.cfg.ShimGraceStop); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("stop shim: %w", err))
		}
	}

	b.setState(StateStopped)
	b.persistState(ctx)
	b.rt.metrics.NumRunningBoxes.Add(-1)

	if merr != nil {
		return newErr(CategoryEngine, op, merr.ErrorOrNil())
	}
	return nil
}

// Remove requires Stopped, Failed or a never-started Created box unless
// force, which stops the box first. Deletes the per-box subtree (rootfs,
// work, logs, sockets, config), the persistent disk (unless retained), the
// metadata row, and unregisters the handle along with its metrics.
func (b *Box) Remove(ctx context.Context, force bool) error {
	const op = "Box.Remove"

	state := b.State()
	if state != StateStopped && state != StateFailed && state != StateCreated {
		if !force {
			return newErr(CategoryInvalidState, op, fmt.Errorf("box %s is %s, not Stopped", b.id, state))
		}
		if err := b.Stop(ctx); err != nil && CategoryOf(err) != CategoryInvalidState {
			return err
		}
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()

	if b.cfg.diskRetained() {
		boxDir := b.rt.layout.BoxDir(b.id)
		entries, err := os.ReadDir(boxDir)
		if err != nil && !os.IsNotExist(err) {
			return errf(CategoryStorage, op, "read box dir: %v", err)
		}
		diskName := filepath.Base(b.rt.layout.BoxDiskPath(b.id))
		for _, e := range entries {
			if e.Name() == diskName {
				continue
			}
			if err := os.RemoveAll(filepath.Join(boxDir, e.Name())); err != nil {
				return errf(CategoryStorage, op, "remove box dirs: %v", err)
			}
		}
	} else if err := b.rt.layout.RemoveBoxDirs(b.id); err != nil {
		return errf(CategoryStorage, op, "remove box dirs: %v", err)
	}
	if err := b.rt.store.Delete(ctx, b.id); err != nil {
		return errf(CategoryDatabase, op, "delete box row: %v", err)
	}

	b.rt.manager.unregister(b.id)
	return nil
}

// reservedVsockPort derives a stable per-box vsock port from the BoxId so
// host and guest agree on a port without a side channel, per the "shared
// constants module, never duplicated" requirement -- here the BoxId itself
// is the shared input, hashed into the ephemeral range.
func reservedVsockPort(boxID string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(boxID); i++ {
		h ^= uint32(boxID[i])
		h *= 16777619
	}
	return 40000 + (h % 20000)
}
