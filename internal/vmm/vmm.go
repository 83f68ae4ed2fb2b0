// Package vmm adapts the abstract hardware-virtualization facility the
// runtime embeds: the runtime delegates CPU/memory virtualization and vsock
// transport to it, rather than implementing a hypervisor itself. VMM is
// invoked from inside the shim subprocess, never from the host process,
// because Enter never returns while the guest is running. Lacking a real
// in-process hypervisor binding to link against, the concrete adapter here
// wraps an external VMM binary via os/exec rather than inventing a fake cgo
// binding.
package vmm

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
)

// BoxSpec is the fully-resolved configuration the VMM needs to start a
// guest: derived from shim.Config plus whatever the concrete binding
// requires beyond it.
type BoxSpec struct {
	BoxID           string
	RootfsDir       string
	WorkDir         string
	Cpus            int
	MemoryMib       int
	DiskPath        string
	NetworkEndpoint string
	VsockPort       uint32
	Entrypoint      []string
	Env             map[string]string
}

// VMM is the abstraction the shim drives. Enter blocks for the lifetime of
// the guest; it returns only when the guest has shut down or failed.
type VMM interface {
	Enter(ctx context.Context, spec BoxSpec) error
}

// ProcessVMM runs an external VMM binary as a child of the shim, passing the
// spec as flags. This is the one concrete binding this module ships: real
// hypervisor frameworks (Virtualization.framework, KVM/kvmtool, Hyper-V)
// are linked in by the embedder via their own VMM implementation of this
// interface.
type ProcessVMM struct {
	// Binary is the path to the external VMM process. Defaults to
	// "boxlite-vmm" on PATH if empty.
	Binary string
}

func (p *ProcessVMM) Enter(ctx context.Context, spec BoxSpec) error {
	bin := p.Binary
	if bin == "" {
		bin = "boxlite-vmm"
	}

	args := []string{
		"--box-id", spec.BoxID,
		"--rootfs", spec.RootfsDir,
		"--work", spec.WorkDir,
		"--cpus", fmt.Sprint(spec.Cpus),
		"--memory-mib", fmt.Sprint(spec.MemoryMib),
		"--network-endpoint", spec.NetworkEndpoint,
		"--vsock-port", fmt.Sprint(spec.VsockPort),
	}
	if spec.DiskPath != "" {
		args = append(args, "--disk", spec.DiskPath)
	}
	if len(spec.Entrypoint) > 0 {
		args = append(args, "--")
		args = append(args, spec.Entrypoint...)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// Enter never returns while the guest runs: Run blocks for the VMM
	// process's entire lifetime, exactly matching the contract callers of
	// VMM.Enter expect.
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("vmm: enter: %w", err)
	}
	return nil
}
