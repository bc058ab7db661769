package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggmlcore/llamacore/gpu"
	"github.com/ggmlcore/llamacore/modelfile"
)

func testDescriptor() modelfile.Descriptor {
	return modelfile.Descriptor{
		Dtype:       gpu.DTypeF16,
		HiddenSize:  8,
		NumLayers:   2,
		NumHeads:    4,
		NumKVHeads:  2,
		MaxPosition: 16,
		HeadDim:     2,
		KVDim:       4,
		HeadGroup:   2,
	}
}

func newTestContext(t *testing.T) (gpu.Context, gpu.Stream) {
	t.Helper()
	ctx, err := gpu.NewContext(0)
	require.NoError(t, err)
	stream, err := ctx.NewStream()
	require.NoError(t, err)
	return ctx, stream
}

func TestNewCacheAllocatesOneKVPairPerLayer(t *testing.T) {
	ctx, stream := newTestContext(t)
	defer ctx.Close()
	desc := testDescriptor()

	caches, err := NewCache(stream, desc)
	require.NoError(t, err)
	require.Len(t, caches, desc.NumLayers)

	for _, lc := range caches {
		assert.Equal(t, []int{desc.NumKVHeads, desc.MaxPosition, desc.HeadDim}, lc.K.Shape())
		assert.Equal(t, []int{desc.NumKVHeads, desc.MaxPosition, desc.HeadDim}, lc.V.Shape())
	}
	require.NoError(t, Close(caches))
}

func TestAppendTargetSlicesAtPosition(t *testing.T) {
	ctx, stream := newTestContext(t)
	defer ctx.Close()
	desc := testDescriptor()

	caches, err := NewCache(stream, desc)
	require.NoError(t, err)
	defer Close(caches)

	lc := caches[0]
	k, v, err := lc.AppendTarget(5, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{desc.NumKVHeads, 3, desc.HeadDim}, k.Shape())
	assert.Equal(t, []int{desc.NumKVHeads, 3, desc.HeadDim}, v.Shape())
	assert.Equal(t, 5*desc.HeadDim, k.Offset())

	_, _, err = lc.AppendTarget(desc.MaxPosition-1, 3)
	assert.Error(t, err)
}

func TestAttendedCoversFromZero(t *testing.T) {
	ctx, stream := newTestContext(t)
	defer ctx.Close()
	desc := testDescriptor()

	caches, err := NewCache(stream, desc)
	require.NoError(t, err)
	defer Close(caches)

	lc := caches[0]
	k, v, err := lc.Attended(7)
	require.NoError(t, err)
	assert.Equal(t, []int{desc.NumKVHeads, 7, desc.HeadDim}, k.Shape())
	assert.Equal(t, []int{desc.NumKVHeads, 7, desc.HeadDim}, v.Shape())
	assert.Equal(t, 0, k.Offset())
	assert.Equal(t, desc.MaxPosition*desc.HeadDim, k.Stride(0))
}
