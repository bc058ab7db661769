package engine

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggmlcore/llamacore/gpu"
	"github.com/ggmlcore/llamacore/modelfile"
)

type decodeTestProvider struct {
	fakeProvider
	modelNorm []float32
	lmHead    []float32
}

func (p decodeTestProvider) ModelNorm() []byte {
	b := make([]byte, len(p.modelNorm)*gpu.Sizeof(p.desc.Dtype))
	encodeTestF16(b, p.modelNorm)
	return b
}

func (p decodeTestProvider) LMHead() []byte {
	b := make([]byte, len(p.lmHead)*gpu.Sizeof(p.desc.Dtype))
	encodeTestF16(b, p.lmHead)
	return b
}

// roundingSampler returns round(logits[0]) as the token id, letting tests
// assert on the exact value that reached the sampler after the
// norm -> lm_head -> host-readback round trip, rather than on which index
// won an argmax.
type roundingSampler struct{ seen [][]float32 }

func (s *roundingSampler) Sample(logits []float32) (uint32, error) {
	cp := append([]float32(nil), logits...)
	s.seen = append(s.seen, cp)
	return uint32(math.Round(float64(logits[0]))), nil
}

func TestDecodeOutputsCompactsOnlyDecodeRows(t *testing.T) {
	desc := modelfile.Descriptor{
		Dtype:       gpu.DTypeF16,
		VocabSize:   2,
		HiddenSize:  2,
		NumLayers:   1,
		NumHeads:    1,
		NumKVHeads:  1,
		HeadDim:     2,
		KVDim:       2,
		HeadGroup:   1,
		RMSNormEps:  1e-5,
	}
	provider := decodeTestProvider{
		fakeProvider: fakeProvider{desc: desc},
		modelNorm:    []float32{1, 1},
		lmHead:       []float32{1, 2, 3, 4}, // row-major (H=2,V=2): [[1,2],[3,4]]
	}

	ctx, err := gpu.NewContext(0)
	require.NoError(t, err)
	defer ctx.Close()
	transfer, err := ctx.NewStream()
	require.NoError(t, err)
	compute, err := ctx.NewStream()
	require.NoError(t, err)
	rt, err := ctx.NewRuntime(desc.Dtype, 256)
	require.NoError(t, err)
	blas, err := ctx.NewBlas()
	require.NoError(t, err)
	require.NoError(t, blas.SetStream(compute))

	win, err := NewWindow(ctx, transfer, provider, 1)
	require.NoError(t, err)
	defer win.Close()

	e := &Engine{desc: desc, win: win, compute: compute, transfer: transfer, rt: rt, blas: blas}

	// Row layout: request A is prefill-only (2 rows, never compacted);
	// B and C are single-row decode requests whose last (only) row is
	// compacted, normed, and projected to logits.
	x0Bytes := make([]byte, 4*desc.HiddenSize*gpu.Sizeof(desc.Dtype))
	encodeTestF16(x0Bytes, []float32{9, 9, 9, 9, 3, 4, 1, 0})
	x0, err := compute.Alloc(len(x0Bytes))
	require.NoError(t, err)
	defer x0.Free()
	require.NoError(t, x0.CopyFromHost(compute, x0Bytes))

	b := batch[string]{
		requests: []Request[string]{
			{ID: "A", Tokens: []uint32{1, 2}, Decode: false},
			{ID: "B", Tokens: []uint32{3}, Decode: true},
			{ID: "C", Tokens: []uint32{4}, Decode: true},
		},
		offsets: []int{0, 2, 3},
		nt:      4,
	}

	sampler := &roundingSampler{}
	pairs, err := decodeOutputs(context.Background(), e, b, x0, sampler)
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	assert.Equal(t, "B", pairs[0].ID)
	assert.Equal(t, "C", pairs[1].ID)

	// normBuf(B) = [3,4]/sqrt(12.5) -> logits = normBuf . W = [4.2428, 6.2228]
	assert.Equal(t, uint32(4), pairs[0].Token)
	// normBuf(C) = [1,0]/sqrt(0.5) -> logits = [1.4142, 2.8284]
	assert.Equal(t, uint32(1), pairs[1].Token)

	require.Len(t, sampler.seen, 2)
	assert.InDelta(t, 6.2228, sampler.seen[0][1], 0.05)
	assert.InDelta(t, 2.8284, sampler.seen[1][1], 0.05)
}

func TestDecodeOutputsEmptyWhenNoDecodeRequests(t *testing.T) {
	desc := modelfile.Descriptor{Dtype: gpu.DTypeF16, VocabSize: 2, HiddenSize: 2, NumLayers: 1, HeadDim: 2, KVDim: 2, HeadGroup: 1}
	provider := decodeTestProvider{fakeProvider: fakeProvider{desc: desc}, modelNorm: []float32{1, 1}, lmHead: []float32{1, 0, 0, 1}}

	ctx, err := gpu.NewContext(0)
	require.NoError(t, err)
	defer ctx.Close()
	transfer, _ := ctx.NewStream()
	compute, _ := ctx.NewStream()
	rt, _ := ctx.NewRuntime(desc.Dtype, 256)
	blas, _ := ctx.NewBlas()
	blas.SetStream(compute)
	win, err := NewWindow(ctx, transfer, provider, 1)
	require.NoError(t, err)
	defer win.Close()

	e := &Engine{desc: desc, win: win, compute: compute, transfer: transfer, rt: rt, blas: blas}

	x0, _ := compute.Alloc(2 * desc.HiddenSize * gpu.Sizeof(desc.Dtype))
	defer x0.Free()
	b := batch[string]{requests: []Request[string]{{ID: "A", Tokens: []uint32{1, 2}, Decode: false}}, offsets: []int{0}, nt: 2}

	pairs, err := decodeOutputs(context.Background(), e, b, x0, &roundingSampler{})
	require.NoError(t, err)
	assert.Nil(t, pairs)
}
