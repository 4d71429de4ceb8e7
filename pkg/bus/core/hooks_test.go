package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crossbus-go/bus/pkg/bus/definition"
)

func TestHookPipelineRunsInPriorityOrder(t *testing.T) {
	p := NewHookPipeline(definition.NewDefaultLogger())
	var order []string

	p.Add(func(_ context.Context, value any, _ HookContext) (any, error) {
		order = append(order, "low")
		return value, nil
	}, 1)
	p.Add(func(_ context.Context, value any, _ HookContext) (any, error) {
		order = append(order, "high")
		return value, nil
	}, 10)
	p.Add(func(_ context.Context, value any, _ HookContext) (any, error) {
		order = append(order, "mid")
		return value, nil
	}, 5)

	p.Run(context.Background(), "v", HookContext{})
	require.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestHookPipelineThreadsValueThroughChain(t *testing.T) {
	p := NewHookPipeline(definition.NewDefaultLogger())
	p.Add(func(_ context.Context, value any, _ HookContext) (any, error) {
		return value.(int) + 1, nil
	}, 2)
	p.Add(func(_ context.Context, value any, _ HookContext) (any, error) {
		return value.(int) * 10, nil
	}, 1)

	result := p.Run(context.Background(), 1, HookContext{})
	require.Equal(t, 20, result)
}

func TestHookErrorPropagatesUnmodifiedValue(t *testing.T) {
	p := NewHookPipeline(definition.NewDefaultLogger())
	p.Add(func(_ context.Context, value any, _ HookContext) (any, error) {
		return nil, errors.New("boom")
	}, 1)
	p.Add(func(_ context.Context, value any, _ HookContext) (any, error) {
		return value.(string) + "-next", nil
	}, 0)

	result := p.Run(context.Background(), "start", HookContext{})
	require.Equal(t, "start-next", result)
}

func TestHookPanicIsRecoveredAndValuePreserved(t *testing.T) {
	p := NewHookPipeline(definition.NewDefaultLogger())
	p.Add(func(_ context.Context, value any, _ HookContext) (any, error) {
		panic("unexpected")
	}, 1)

	result := p.Run(context.Background(), "untouched", HookContext{})
	require.Equal(t, "untouched", result)
}

func TestHookPipelineLenReportsRegisteredCount(t *testing.T) {
	p := NewHookPipeline(definition.NewDefaultLogger())
	require.Equal(t, 0, p.Len())
	p.Add(func(ctx context.Context, value any, hctx HookContext) (any, error) { return value, nil }, 0)
	p.Add(func(ctx context.Context, value any, hctx HookContext) (any, error) { return value, nil }, 0)
	require.Equal(t, 2, p.Len())
}

func TestHookContextFieldsAreVisibleToHooks(t *testing.T) {
	p := NewHookPipeline(definition.NewDefaultLogger())
	var seen HookContext
	p.Add(func(_ context.Context, value any, hctx HookContext) (any, error) {
		seen = hctx
		return value, nil
	}, 0)

	p.Run(context.Background(), "v", HookContext{Kind: "request", Direction: DirectionInbound, PeerID: "a", HandlerName: "echo"})
	require.Equal(t, HookContext{Kind: "request", Direction: DirectionInbound, PeerID: "a", HandlerName: "echo"}, seen)
}
