package taskqueue

import (
	"sync"

	"github.com/google/uuid"
)

// TIDGenerator produces the client transaction ids that tie a draft to its
// server echo.
type TIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 tids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined tids in order. Panics once they
// are used up, to catch tests that send more drafts than they planned.
type FixedGenerator struct {
	mu   sync.Mutex
	tids []string
	idx  int
}

// NewFixedGenerator creates a generator that returns tids in order.
func NewFixedGenerator(tids ...string) *FixedGenerator {
	return &FixedGenerator{tids: tids}
}

func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.tids) {
		panic("FixedGenerator: all tids exhausted")
	}
	tid := g.tids[g.idx]
	g.idx++
	return tid
}
