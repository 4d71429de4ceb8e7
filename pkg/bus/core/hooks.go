package core

import (
	"context"
	"sort"
	"sync"

	"github.com/crossbus-go/bus/pkg/bus/definition"
)

// Direction distinguishes the inbound and outbound hook chains.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// HookContext is the small record passed alongside the value a hook
// transforms.
type HookContext struct {
	Kind        string
	Direction   Direction
	PeerID      string
	HandlerName string
}

// Hook transforms value, given its context. A hook may be asynchronous;
// the pipeline awaits each in order via ctx.
type Hook func(ctx context.Context, value any, hctx HookContext) (any, error)

type hookEntry struct {
	fn       Hook
	priority int
}

// HookPipeline holds a priority-ordered list of hooks for one direction.
// Hooks are best-effort transforms: an error or panic is logged and the
// previous value propagates unmodified.
type HookPipeline struct {
	mu    sync.Mutex
	hooks []hookEntry
	log   definition.Logger
}

// NewHookPipeline builds an empty pipeline.
func NewHookPipeline(log definition.Logger) *HookPipeline {
	return &HookPipeline{log: log}
}

// Add attaches a hook at the given priority (higher runs first).
func (p *HookPipeline) Add(fn Hook, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, hookEntry{fn: fn, priority: priority})
	sort.SliceStable(p.hooks, func(i, j int) bool {
		return p.hooks[i].priority > p.hooks[j].priority
	})
}

// Run folds left through the hook chain: the result of hook i+1 is
// produced from the result of hook i. A hook that errors or panics is
// logged and bypassed with the unmodified previous value.
func (p *HookPipeline) Run(ctx context.Context, value any, hctx HookContext) any {
	p.mu.Lock()
	chain := append([]hookEntry(nil), p.hooks...)
	p.mu.Unlock()

	current := value
	for _, entry := range chain {
		current = p.runOne(ctx, entry.fn, current, hctx)
	}
	return current
}

func (p *HookPipeline) runOne(ctx context.Context, fn Hook, value any, hctx HookContext) (result any) {
	result = value
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("hook panicked on %s/%s: %v", hctx.Direction, hctx.Kind, r)
			result = value
		}
	}()
	next, err := fn(ctx, value, hctx)
	if err != nil {
		p.log.Errorf("hook errored on %s/%s: %v", hctx.Direction, hctx.Kind, err)
		return value
	}
	return next
}

// Len reports the number of registered hooks, for diagnostics.
func (p *HookPipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hooks)
}
