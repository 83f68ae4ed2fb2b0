package boxlite

import (
	"sync"
	"time"

	"github.com/goombaio/namegenerator"
)

// nameGen produces docker-style random box names ("eager_turing") when a
// caller doesn't supply one at create(). One generator is shared
// runtime-wide; namegenerator.Generator is not documented as concurrency
// safe, so access is serialized.
type nameGen struct {
	mu  sync.Mutex
	gen namegenerator.Generator
}

func newNameGen() *nameGen {
	return &nameGen{gen: namegenerator.NewNameGenerator(time.Now().UnixNano())}
}

func (g *nameGen) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen.Generate()
}
