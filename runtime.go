// Package boxlite embeds a micro-VM runtime for running OCI container
// workloads inside hardware-isolated lightweight VMs.
package boxlite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/banksean/boxlite/internal/imagestore"
	"github.com/banksean/boxlite/internal/layout"
	"github.com/banksean/boxlite/internal/metrics"
	"github.com/banksean/boxlite/internal/shim"
	"github.com/banksean/boxlite/internal/store"
)

// Runtime is the top-level handle embedding applications hold: one per
// process, owning the home directory lock, the image store, the metadata
// database, and every live box handle.
type Runtime struct {
	cfg    RuntimeConfig
	layout *layout.Layout
	store  *store.Store
	images *imagestore.Store
	names  *nameGen

	logger *slog.Logger
	metrics *metrics.Runtime

	tracerProvider trace.TracerProvider
	tracerShutdown func(context.Context) error

	manager *boxManager

	spawnShim  shimSpawnFunc
	dialPortal portalDialFunc
}

// New constructs a Runtime, applying opts over the package defaults. It
// validates the host's capabilities (WithSkipBinaryChecks skips only the
// VMM/shim binary-on-PATH checks),
// opens the home directory lock, the image store, and the metadata
// database, and reattaches any boxes a previous process left registered.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	const op = "New"

	cfg, err := defaultRuntimeConfig()
	if err != nil {
		return nil, errf(CategoryConfig, op, "default config: %v", err)
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := verifyCapabilities(ctx, cfg, cfg.SkipBinaryChecks); err != nil {
		return nil, err
	}

	lay, err := layout.Open(cfg.HomeDir)
	if err != nil {
		return nil, errf(CategoryStorage, op, "open layout: %v", err)
	}

	st, err := store.Open(lay.DBPath())
	if err != nil {
		lay.Close()
		return nil, errf(CategoryDatabase, op, "open store: %v", err)
	}

	logger := newLogger(cfg)
	tp, tpShutdown, err := newTracerProvider(ctx, cfg)
	if err != nil {
		st.Close()
		lay.Close()
		return nil, errf(CategoryInternal, op, "init tracing: %v", err)
	}

	rt := &Runtime{
		cfg:            cfg,
		layout:         lay,
		store:          st,
		images:         imagestore.New(lay, cfg.Registries),
		names:          newNameGen(),
		logger:         logger,
		metrics:        &metrics.Runtime{},
		tracerProvider: tp,
		tracerShutdown: tpShutdown,
	}
	rt.manager = newBoxManager(rt)
	rt.spawnShim = rt.realSpawnShim
	rt.dialPortal = rt.realDialPortal

	if err := rt.reattach(ctx); err != nil {
		rt.logger.ErrorContext(ctx, "reattach persisted boxes failed", "error", err)
	}

	rt.logger.InfoContext(ctx, "runtime started", "home", cfg.HomeDir)
	return rt, nil
}

// reattach rehydrates box handles for every row the metadata store still
// has from a previous process. A box found Running or Starting is marked
// Failed: its shim subprocess died with the process that owned it, and no
// re-exec/reconnect protocol exists for an orphaned shim.
func (rt *Runtime) reattach(ctx context.Context) error {
	rows, err := rt.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list persisted boxes: %w", err)
	}
	for _, row := range rows {
		var cfg BoxConfig
		if err := json.Unmarshal(row.ConfigJSON, &cfg); err != nil {
			rt.logger.Error("skip unreadable box row", "box", row.ID, "error", err)
			continue
		}
		state := BoxState(row.State)
		if state == StateRunning || state == StateStarting || state == StateStopping {
			state = StateFailed
		}
		b := newBox(rt, row.ID, cfg, state, row.CreatedAt)
		if state == StateFailed {
			b.persistState(ctx)
		}
		if err := rt.manager.register(b); err != nil {
			rt.logger.Error("reattach: register box failed", "box", row.ID, "error", err)
		}
	}
	return nil
}

// Create allocates a BoxId, validates cfg, and registers a handle in the
// Created state. No VM, shim, or network backend is started yet -- that
// happens lazily on the first Exec.
func (rt *Runtime) Create(ctx context.Context, cfg BoxConfig) (*Box, error) {
	const op = "Runtime.Create"

	cfg = cfg.withDefaults()
	if err := cfg.validate(rt.cfg.Registries); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = rt.names.next()
	}

	id, err := newBoxId()
	if err != nil {
		return nil, errf(CategoryInternal, op, "allocate box id: %v", err)
	}

	b := newBox(rt, id, cfg, StateCreated, time.Now())
	if err := rt.manager.register(b); err != nil {
		return nil, err
	}
	b.persist(ctx)

	rt.logger.InfoContext(ctx, "box created", "box", id, "name", cfg.Name)
	return b, nil
}

// Get resolves a box by exact ID, exact name, or unambiguous ID prefix
// (>= 8 characters).
func (rt *Runtime) Get(ctx context.Context, idOrNameOrPrefix string) (*Box, error) {
	return rt.manager.get(idOrNameOrPrefix)
}

// List returns every box handle the runtime currently knows about.
func (rt *Runtime) List(ctx context.Context) ([]*Box, error) {
	return rt.manager.list(), nil
}

// Metrics returns the runtime-wide counter snapshot.
func (rt *Runtime) Metrics() metrics.RuntimeSnapshot {
	return rt.metrics.Snapshot()
}

// Shutdown stops every running box (bounded by timeout), closes the
// metadata store, flushes and shuts down tracing, and releases the home
// directory lock. The Runtime must not be used after Shutdown returns.
func (rt *Runtime) Shutdown(ctx context.Context, timeout time.Duration) error {
	const op = "Runtime.Shutdown"

	var firstErr error
	if err := rt.manager.shutdownAll(ctx, timeout); err != nil {
		firstErr = err
	}
	if rt.tracerShutdown != nil {
		if err := rt.tracerShutdown(ctx); err != nil && firstErr == nil {
			firstErr = errf(CategoryInternal, op, "shutdown tracer: %v", err)
		}
	}
	if err := rt.store.Close(); err != nil && firstErr == nil {
		firstErr = errf(CategoryDatabase, op, "close store: %v", err)
	}
	if err := rt.layout.Close(); err != nil && firstErr == nil {
		firstErr = errf(CategoryStorage, op, "release lock: %v", err)
	}
	return firstErr
}

// realSpawnShim is the production shimSpawnFunc: it exec's rt.cfg.ShimBinary.
func (rt *Runtime) realSpawnShim(ctx context.Context, boxID, configPath, notifySocketPath string, readyTimeout time.Duration) (shimHandle, int, error) {
	h, err := shim.Spawn(ctx, rt.cfg.ShimBinary, boxID, configPath, notifySocketPath, readyTimeout)
	if err != nil {
		return nil, 0, err
	}
	return h, h.PID, nil
}

// realDialPortal is the production portalDialFunc: it dials the UNIX
// socket the shim bridges the guest's vsock connection onto, retrying
// until the socket exists and accepts a connection or timeout elapses.
func (rt *Runtime) realDialPortal(ctx context.Context, boxID, socketPath string, timeout time.Duration) (io.ReadWriteCloser, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		d := net.Dialer{}
		dctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		conn, err := d.DialContext(dctx, "unix", socketPath)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("dial portal socket %s: %w", socketPath, lastErr)
}
