package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/craftkit/region"
	"github.com/deepnoodle-ai/craftkit/steps"
)

// Request is a user submission.
type Request struct {
	Prompt   string
	Category string
}

// Selection narrows the analysis to part of the master image. Mask wins when
// both fields are set; a Hint alone is resolved by the orchestrator's
// Segmenter.
type Selection struct {
	Mask *region.Mask
	Hint string
}

// Generation is one user request and the nodes it spawned. Operations on a
// Generation are serialized; Cancel may be called at any time from any
// goroutine.
type Generation struct {
	ID        string
	Prompt    string
	Category  string
	MasterID  string
	CreatedAt time.Time

	cancelled atomic.Bool

	// stopMu guards stopCalls, the cancel function of the context bound to
	// the operation currently running.
	stopMu    sync.Mutex
	stopCalls context.CancelCauseFunc

	// mu is held for the duration of every pipeline operation on the
	// generation and guards the fields below.
	mu          sync.Mutex
	materialsID string
	materials   []string
	groups      []steps.Group
	stepIDs     map[int]string
	selection   *Selection
}

// Cancel stops the generation from issuing further calls, retry attempts
// included. A call already in flight is allowed to complete; a master result
// that arrives after Cancel is discarded.
func (g *Generation) Cancel() {
	g.cancelled.Store(true)
	g.stopMu.Lock()
	defer g.stopMu.Unlock()
	if g.stopCalls != nil {
		g.stopCalls(ErrCancelled)
	}
}

// bind returns a child of ctx that Cancel ends with cause ErrCancelled. The
// release function must be called when the operation is done.
func (g *Generation) bind(ctx context.Context) (context.Context, func()) {
	bound, cancel := context.WithCancelCause(ctx)
	g.stopMu.Lock()
	g.stopCalls = cancel
	g.stopMu.Unlock()
	if g.Cancelled() {
		cancel(ErrCancelled)
	}
	return bound, func() {
		g.stopMu.Lock()
		g.stopCalls = nil
		g.stopMu.Unlock()
		cancel(nil)
	}
}

// Cancelled reports whether Cancel was called since the last retry.
func (g *Generation) Cancelled() bool {
	return g.cancelled.Load()
}

// Groups returns the step groups derived from the analysis, or nil before
// the analysis completes.
func (g *Generation) Groups() []steps.Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]steps.Group, len(g.groups))
	copy(out, g.groups)
	return out
}

// Selection returns the selection the last analysis attempt ran with, or nil
// when it analyzed the whole master image.
func (g *Generation) Selection() *Selection {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.selection == nil {
		return nil
	}
	sel := *g.selection
	return &sel
}

// MaterialsID returns the id of the materials node, or "" before the
// analysis completes.
func (g *Generation) MaterialsID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.materialsID
}

// StepNodeID returns the node id of the given step number.
func (g *Generation) StepNodeID(number int) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.stepIDs[number]
	return id, ok
}

// groupOf returns the index of the group holding step number n. The caller
// must hold g.mu.
func (g *Generation) groupOf(n int) int {
	for i, group := range g.groups {
		if group.Contains(n) {
			return i
		}
	}
	return -1
}
