package boxlite

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// minPrefixLen is the shortest BoxId prefix boxManager.get will resolve
// against.
const minPrefixLen = 8

// boxManager is the runtime-wide registry of live box handles, keyed by ID
// and (when set) by name. An unbounded live-handle table rather than a
// bounded warm pool, since a box's own state machine (not pool membership)
// gates whether it is doing work.
type boxManager struct {
	rt *Runtime

	mu       sync.RWMutex
	boxes    map[string]*Box
	names    map[string]string // name -> id
	shutdown bool
}

func newBoxManager(rt *Runtime) *boxManager {
	return &boxManager{
		rt:    rt,
		boxes: make(map[string]*Box),
		names: make(map[string]string),
	}
}

func (m *boxManager) register(b *Box) error {
	const op = "boxManager.register"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return errf(CategoryInvalidState, op, "runtime is shutting down")
	}
	if name := b.Name(); name != "" {
		if _, exists := m.names[name]; exists {
			return errf(CategoryAlreadyExists, op, "box name %q already in use", name)
		}
		m.names[name] = b.id
	}
	m.boxes[b.id] = b
	return nil
}

func (m *boxManager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.boxes[id]; ok {
		if name := b.Name(); name != "" {
			delete(m.names, name)
		}
	}
	delete(m.boxes, id)
}

// get resolves idOrNameOrPrefix against, in order: an exact ID match, an
// exact name match, then a unique >= minPrefixLen ID prefix match.
func (m *boxManager) get(idOrNameOrPrefix string) (*Box, error) {
	const op = "boxManager.get"

	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.boxes[idOrNameOrPrefix]; ok {
		return b, nil
	}
	if id, ok := m.names[idOrNameOrPrefix]; ok {
		if b, ok := m.boxes[id]; ok {
			return b, nil
		}
	}

	if len(idOrNameOrPrefix) < minPrefixLen {
		return nil, errf(CategoryInvalidArgument, op, "%q is shorter than the minimum prefix length %d", idOrNameOrPrefix, minPrefixLen)
	}

	var match *Box
	for id, b := range m.boxes {
		if len(id) >= len(idOrNameOrPrefix) && id[:len(idOrNameOrPrefix)] == idOrNameOrPrefix {
			if match != nil {
				return nil, errf(CategoryInvalidArgument, op, "prefix %q matches more than one box", idOrNameOrPrefix)
			}
			match = b
		}
	}
	if match == nil {
		return nil, errf(CategoryNotFound, op, "no box matches %q", idOrNameOrPrefix)
	}
	return match, nil
}

func (m *boxManager) list() []*Box {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Box, 0, len(m.boxes))
	for _, b := range m.boxes {
		out = append(out, b)
	}
	return out
}

// shutdownAll stops every running box in parallel, bounded by timeout, and
// aggregates every failure into one error. Further register calls are
// rejected once shutdown has started.
func (m *boxManager) shutdownAll(ctx context.Context, timeout time.Duration) error {
	const op = "boxManager.shutdownAll"

	m.mu.Lock()
	m.shutdown = true
	boxes := make([]*Box, 0, len(m.boxes))
	for _, b := range m.boxes {
		boxes = append(boxes, b)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var merr *multierror.Error
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range boxes {
		b := b
		g.Go(func() error {
			if b.State() == StateStopped || b.State() == StateCreated {
				return nil
			}
			if err := b.Stop(gctx); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if merr != nil {
		return errf(CategoryEngine, op, "%v", merr.ErrorOrNil())
	}
	return nil
}
