package scene

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Handle tracks one asynchronous load or unload started by a Primitive. The
// scheduler polls it once per tick until Done reports true.
type Handle interface {
	Progress() float64
	Done() bool
	// Err is meaningful once Done returns true.
	Err() error
}

// Primitive is the external collaborator that actually brings scene payloads
// in and out of memory. The scheduler only calls LoadAsync for names that are
// not loaded and UnloadAsync for names that are.
type Primitive interface {
	LoadAsync(ctx context.Context, name string) Handle
	UnloadAsync(ctx context.Context, name string) Handle
}

// ErrSceneNotFound is reported by MemoryPrimitive for names marked missing.
var ErrSceneNotFound = errors.New("scene not found")

// MemoryPrimitive is an in-process Primitive. Each operation completes after
// a configurable number of Done polls, which the scheduler issues once per
// tick. It records every call for inspection.
type MemoryPrimitive struct {
	mu       sync.Mutex
	steps    int
	perName  map[string]int
	missing  map[string]bool
	failNext map[Operation]error
	active   map[string]bool
	calls    []Operation
}

// NewMemoryPrimitive returns a primitive whose operations finish after steps
// polls (minimum one).
func NewMemoryPrimitive(steps int) *MemoryPrimitive {
	if steps < 1 {
		steps = 1
	}
	return &MemoryPrimitive{
		steps:    steps,
		perName:  map[string]int{},
		missing:  map[string]bool{},
		failNext: map[Operation]error{},
		active:   map[string]bool{},
	}
}

// SetSteps overrides the poll count for one scene.
func (p *MemoryPrimitive) SetSteps(name string, steps int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if steps < 1 {
		steps = 1
	}
	p.perName[name] = steps
}

// MarkMissing makes every future load of name fail with ErrSceneNotFound.
func (p *MemoryPrimitive) MarkMissing(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.missing[name] = true
}

// FailNext makes the next operation of kind on name fail with err.
func (p *MemoryPrimitive) FailNext(kind Kind, name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[Operation{Kind: kind, Name: name}] = err
}

// IsActive reports whether name is currently present.
func (p *MemoryPrimitive) IsActive(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[name]
}

// Active returns the sorted names currently present.
func (p *MemoryPrimitive) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.active))
	for name := range p.active {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Calls returns every operation started so far, in order.
func (p *MemoryPrimitive) Calls() []Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

func (p *MemoryPrimitive) LoadAsync(ctx context.Context, name string) Handle {
	return p.start(ctx, Operation{Kind: Load, Name: name})
}

func (p *MemoryPrimitive) UnloadAsync(ctx context.Context, name string) Handle {
	return p.start(ctx, Operation{Kind: Unload, Name: name})
}

func (p *MemoryPrimitive) start(ctx context.Context, op Operation) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, op)

	h := &memoryHandle{p: p, op: op, steps: p.steps}
	if n, ok := p.perName[op.Name]; ok {
		h.steps = n
	}
	if err, ok := p.failNext[op]; ok {
		delete(p.failNext, op)
		h.err = err
	} else if op.Kind == Load && p.missing[op.Name] {
		h.err = fmt.Errorf("%w: %s", ErrSceneNotFound, op.Name)
	} else if ctx != nil && ctx.Err() != nil {
		h.err = ctx.Err()
	}
	return h
}

type memoryHandle struct {
	p     *MemoryPrimitive
	op    Operation
	steps int
	polls int
	done  bool
	err   error
}

func (h *memoryHandle) Progress() float64 {
	if h.done {
		return 1
	}
	return float64(h.polls) / float64(h.steps)
}

func (h *memoryHandle) Done() bool {
	if h.done {
		return true
	}
	h.polls++
	if h.polls < h.steps {
		return false
	}
	h.done = true
	if h.err == nil {
		h.p.mu.Lock()
		if h.op.Kind == Load {
			h.p.active[h.op.Name] = true
		} else {
			delete(h.p.active, h.op.Name)
		}
		h.p.mu.Unlock()
	}
	return true
}

func (h *memoryHandle) Err() error {
	if !h.done {
		return nil
	}
	return h.err
}
