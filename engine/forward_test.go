package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/ggmlcore/llamacore/engine/sample"
	"github.com/ggmlcore/llamacore/gpu"
	"github.com/ggmlcore/llamacore/kvcache"
	"github.com/ggmlcore/llamacore/modelfile"
)

func newTestEngine(t *testing.T) (*Engine, modelfile.Descriptor) {
	t.Helper()
	desc := modelfile.Descriptor{
		Dtype:        gpu.DTypeF16,
		VocabSize:    3,
		HiddenSize:   4,
		Intermediate: 4,
		NumLayers:    2,
		NumHeads:     2,
		NumKVHeads:   2,
		HeadDim:      2,
		KVDim:        4,
		HeadGroup:    1,
		MaxPosition:  8,
		RMSNormEps:   1e-5,
		RopeTheta:    10000,
	}
	provider := fakeProvider{desc: desc}

	ctx, err := gpu.NewContext(0)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })

	compute, err := ctx.NewStream()
	require.NoError(t, err)
	transfer, err := ctx.NewStream()
	require.NoError(t, err)
	rt, err := ctx.NewRuntime(desc.Dtype, 256)
	require.NoError(t, err)
	blas, err := ctx.NewBlas()
	require.NoError(t, err)

	win, err := NewWindow(ctx, transfer, provider, 1)
	require.NoError(t, err)
	t.Cleanup(func() { win.Close() })

	e := &Engine{
		gctx: ctx, provider: provider, desc: desc, win: win,
		compute: compute, transfer: transfer, rt: rt, blas: blas,
		guard: semaphore.NewWeighted(1),
	}
	return e, desc
}

func newTestCache(t *testing.T, e *Engine, desc modelfile.Descriptor) []kvcache.LayerCache {
	t.Helper()
	cache, err := kvcache.NewCache(e.transfer, desc)
	require.NoError(t, err)
	t.Cleanup(func() { kvcache.Close(cache) })
	return cache
}

func TestDecodePrefillOnlyProducesNoPairs(t *testing.T) {
	e, desc := newTestEngine(t)
	cache := newTestCache(t, e, desc)

	req := Request[string]{ID: "r1", Tokens: []uint32{0, 1}, Pos: 0, Cache: cache, Decode: false}
	pairs, err := Decode(context.Background(), e, []Request[string]{req}, sample.Greedy())
	require.NoError(t, err)
	require.Nil(t, pairs)
}

func TestDecodePrefillWithDecodeFlagProducesOnePair(t *testing.T) {
	e, desc := newTestEngine(t)
	cache := newTestCache(t, e, desc)

	req := Request[string]{ID: "r1", Tokens: []uint32{0, 1}, Pos: 0, Cache: cache, Decode: true}
	pairs, err := Decode(context.Background(), e, []Request[string]{req}, sample.Greedy())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, "r1", pairs[0].ID)
}

func TestDecodeSequentialPrefillThenContinuation(t *testing.T) {
	e, desc := newTestEngine(t)
	cache := newTestCache(t, e, desc)

	prefill := Request[string]{ID: "r1", Tokens: []uint32{0, 1}, Pos: 0, Cache: cache, Decode: false}
	pairs, err := Decode(context.Background(), e, []Request[string]{prefill}, sample.Greedy())
	require.NoError(t, err)
	require.Nil(t, pairs)

	cont := Request[string]{ID: "r1", Tokens: []uint32{2}, Pos: 2, Cache: cache, Decode: true}
	pairs, err = Decode(context.Background(), e, []Request[string]{cont}, sample.Greedy())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Less(t, pairs[0].Token, uint32(desc.VocabSize))
}

func TestDecodeMixedBatchOfPrefillAndContinuation(t *testing.T) {
	e, desc := newTestEngine(t)
	prefillCache := newTestCache(t, e, desc)
	contCache := newTestCache(t, e, desc)

	seed, err := Decode(context.Background(), e, []Request[string]{
		{ID: "seed", Tokens: []uint32{0}, Pos: 0, Cache: contCache, Decode: false},
	}, sample.Greedy())
	require.NoError(t, err)
	require.Nil(t, seed)

	reqs := []Request[string]{
		{ID: "fresh", Tokens: []uint32{0, 1, 2}, Pos: 0, Cache: prefillCache, Decode: true},
		{ID: "ongoing", Tokens: []uint32{1}, Pos: 1, Cache: contCache, Decode: true},
	}
	pairs, err := Decode(context.Background(), e, reqs, sample.Greedy())
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	ids := map[string]bool{}
	for _, p := range pairs {
		ids[p.ID] = true
	}
	require.True(t, ids["fresh"])
	require.True(t, ids["ongoing"])
}

func TestDecodeRejectsConcurrentCall(t *testing.T) {
	e, desc := newTestEngine(t)
	cache := newTestCache(t, e, desc)

	require.True(t, e.guard.TryAcquire(1))
	defer e.guard.Release(1)

	req := Request[string]{ID: "r1", Tokens: []uint32{0}, Pos: 0, Cache: cache, Decode: true}
	_, err := Decode(context.Background(), e, []Request[string]{req}, sample.Greedy())
	require.ErrorIs(t, err, ErrEngineBusy)
}

func TestDecodeEmptyRequestsReturnsNil(t *testing.T) {
	e, _ := newTestEngine(t)
	pairs, err := Decode(context.Background(), e, []Request[string]{}, sample.Greedy())
	require.NoError(t, err)
	require.Nil(t, pairs)
}
