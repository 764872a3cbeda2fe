package metadata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	mu    sync.Mutex
	loads int
	lists int
	convs map[string]Conversation
}

func (p *countingProvider) Conversation(ctx context.Context, id string) (Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	c, ok := p.convs[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (p *countingProvider) List(ctx context.Context) ([]Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists++
	out := make([]Conversation, 0, len(p.convs))
	for _, c := range p.convs {
		out = append(out, c)
	}
	return out, nil
}

func (p *countingProvider) loadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads
}

func TestCachedProviderLoadsOncePerTTL(t *testing.T) {
	inner := &countingProvider{convs: map[string]Conversation{
		"conv-1": {ID: "conv-1", Name: "refactor", Mode: ModeAgent},
	}}
	p := NewCachedProvider(inner, time.Minute)

	for range 5 {
		c, err := p.Conversation(context.Background(), "conv-1")
		require.NoError(t, err)
		require.Equal(t, "refactor", c.Name)
	}
	require.Equal(t, 1, inner.loadCount())
}

func TestCachedProviderDoesNotCacheErrors(t *testing.T) {
	inner := &countingProvider{convs: map[string]Conversation{}}
	p := NewCachedProvider(inner, time.Minute)

	_, err := p.Conversation(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = p.Conversation(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.Equal(t, 2, inner.loadCount())
}

func TestCachedProviderInvalidateForcesReload(t *testing.T) {
	inner := &countingProvider{convs: map[string]Conversation{
		"conv-1": {ID: "conv-1", Name: "before"},
	}}
	p := NewCachedProvider(inner, time.Minute)

	_, err := p.Conversation(context.Background(), "conv-1")
	require.NoError(t, err)

	inner.mu.Lock()
	inner.convs["conv-1"] = Conversation{ID: "conv-1", Name: "after"}
	inner.mu.Unlock()

	// Still cached until invalidated.
	c, err := p.Conversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, "before", c.Name)

	p.Invalidate(context.Background(), "conv-1")
	c, err = p.Conversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, "after", c.Name)
	require.Equal(t, 2, inner.loadCount())
}

func TestCachedProviderListBypassesCache(t *testing.T) {
	inner := &countingProvider{convs: map[string]Conversation{
		"conv-1": {ID: "conv-1"},
	}}
	p := NewCachedProvider(inner, time.Minute)

	_, err := p.List(context.Background())
	require.NoError(t, err)
	_, err = p.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, inner.lists)
}
