package boxlite

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// capabilityCheck is one gate in the runtime's startup probe, an
// OS-agnostic hypervisor and vsock bridge check: a caller embedding
// boxlite on an unsupported host needs to find out at New(), not at the
// first box's Starting stage.
type capabilityCheck struct {
	ID          string
	Description string
	Run         func(context.Context, RuntimeConfig) error
}

var capabilityChecks = []capabilityCheck{
	{
		ID:          "hypervisor-platform",
		Description: "host OS exposes a hardware-virtualization facility this module knows how to embed",
		Run: func(ctx context.Context, cfg RuntimeConfig) error {
			switch runtime.GOOS {
			case "darwin", "linux", "windows":
				return nil
			default:
				return fmt.Errorf("unsupported host OS %q", runtime.GOOS)
			}
		},
	},
	{
		ID:          "vmm-binary",
		Description: "VMM binary is present on PATH",
		Run: func(ctx context.Context, cfg RuntimeConfig) error {
			bin := cfg.VMMBinary
			if bin == "" {
				bin = defaultVMMBinary
			}
			if _, err := exec.LookPath(bin); err != nil {
				return fmt.Errorf("VMM binary %q not found on PATH: %w", bin, err)
			}
			return nil
		},
	},
	{
		ID:          "shim-binary",
		Description: "shim binary is present on PATH",
		Run: func(ctx context.Context, cfg RuntimeConfig) error {
			bin := cfg.ShimBinary
			if bin == "" {
				bin = defaultShimBinary
			}
			if _, err := exec.LookPath(bin); err != nil {
				return fmt.Errorf("shim binary %q not found on PATH: %w", bin, err)
			}
			return nil
		},
	},
}

// verifyCapabilities runs every registered check and joins the failures into
// a single Unsupported error. A failure is fatal to New() rather than merely
// logged: creating a runtime on an unsupported host fails immediately.
func verifyCapabilities(ctx context.Context, cfg RuntimeConfig, skipBinaryChecks bool) error {
	const op = "Runtime.verifyCapabilities"

	var failed []string
	for _, check := range capabilityChecks {
		if skipBinaryChecks && (check.ID == "vmm-binary" || check.ID == "shim-binary") {
			continue
		}
		if err := check.Run(ctx, cfg); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", check.ID, err))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return errf(CategoryUnsupported, op, "capability checks failed: %v", failed)
}
