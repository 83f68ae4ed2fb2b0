// Command boxlite-shim is the per-box supervisor subprocess. Box.start
// spawns one of these per box, passing the serialized shim.Config path as
// its single argument; it reports readiness over a one-shot UNIX socket
// and then blocks inside vmm.VMM.Enter for the guest's entire lifetime.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/banksean/boxlite/internal/shim"
	"github.com/banksean/boxlite/internal/vmm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "boxlite-shim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 2 {
		return fmt.Errorf("usage: boxlite-shim <config-path>")
	}

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var cfg shim.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	conn, err := net.Dial("unix", cfg.NotifySocket)
	if err != nil {
		return fmt.Errorf("dial notify socket: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(shim.ReadyMsg{Ready: true, PID: os.Getpid()}); err != nil {
		conn.Close()
		return fmt.Errorf("send ready message: %w", err)
	}
	conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	m := &vmm.ProcessVMM{}
	return m.Enter(ctx, vmm.BoxSpec{
		BoxID:           cfg.BoxID,
		RootfsDir:       cfg.RootfsDir,
		WorkDir:         cfg.WorkDir,
		Cpus:            cfg.Cpus,
		MemoryMib:       cfg.MemoryMib,
		DiskPath:        cfg.DiskPath,
		NetworkEndpoint: cfg.NetworkEndpoint,
		VsockPort:       cfg.VsockPort,
		Entrypoint:      cfg.Entrypoint,
		Env:             cfg.Env,
	})
}
