package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggmlcore/llamacore/gpu"
	"github.com/ggmlcore/llamacore/modelfile"
)

type fakeProvider struct {
	desc modelfile.Descriptor
}

func (p fakeProvider) Descriptor() modelfile.Descriptor { return p.desc }

func (p fakeProvider) bytes(n int) []byte { return make([]byte, n*gpu.Sizeof(p.desc.Dtype)) }

func (p fakeProvider) EmbedTokens() []byte { return p.bytes(p.desc.VocabSize * p.desc.HiddenSize) }
func (p fakeProvider) ModelNorm() []byte   { return p.bytes(p.desc.HiddenSize) }
func (p fakeProvider) LMHead() []byte      { return p.bytes(p.desc.HiddenSize * p.desc.VocabSize) }

func (p fakeProvider) LayerInputLayerNorm(layer int) []byte { return p.bytes(p.desc.HiddenSize) }
func (p fakeProvider) LayerQKV(layer int) []byte {
	return p.bytes((p.desc.HiddenSize + 2*p.desc.KVDim) * p.desc.HiddenSize)
}
func (p fakeProvider) LayerOProj(layer int) []byte { return p.bytes(p.desc.HiddenSize * p.desc.HiddenSize) }
func (p fakeProvider) LayerPostAttentionNorm(layer int) []byte {
	return p.bytes(p.desc.HiddenSize)
}
func (p fakeProvider) LayerGateUp(layer int) []byte {
	return p.bytes(2 * p.desc.Intermediate * p.desc.HiddenSize)
}
func (p fakeProvider) LayerDown(layer int) []byte {
	return p.bytes(p.desc.Intermediate * p.desc.HiddenSize)
}
func (p fakeProvider) Close() error { return nil }

func testFakeDescriptor() modelfile.Descriptor {
	return modelfile.Descriptor{
		Dtype:        gpu.DTypeF16,
		VocabSize:    5,
		HiddenSize:   4,
		Intermediate: 6,
		NumLayers:    3,
		NumHeads:     2,
		NumKVHeads:   2,
		HeadDim:      2,
		KVDim:        4,
		HeadGroup:    1,
	}
}

func newTestWindow(t *testing.T, preload int) (*Window, gpu.Context, gpu.Stream) {
	t.Helper()
	ctx, err := gpu.NewContext(0)
	require.NoError(t, err)
	transfer, err := ctx.NewStream()
	require.NoError(t, err)
	provider := fakeProvider{desc: testFakeDescriptor()}
	win, err := NewWindow(ctx, transfer, provider, preload)
	require.NoError(t, err)
	return win, ctx, transfer
}

func TestNewWindowClampsSizeToLayerCount(t *testing.T) {
	win, ctx, _ := newTestWindow(t, 10) // preload > NumLayers(3)
	defer ctx.Close()
	require.Equal(t, 3, win.w)
	require.NoError(t, win.Close())
}

func TestNewWindowClampsSizeToAtLeastOne(t *testing.T) {
	win, ctx, _ := newTestWindow(t, 0)
	defer ctx.Close()
	require.Equal(t, 1, win.w)
	require.NoError(t, win.Close())
}

func TestWindowRingCyclesThroughEveryLayer(t *testing.T) {
	win, ctx, transfer := newTestWindow(t, 2)
	defer ctx.Close()
	defer win.Close()

	compute, err := ctx.NewStream()
	require.NoError(t, err)

	// Drive the ring across more than one full lap (L=3, W=2) and confirm
	// Load/Sync never raise ErrSchedulerAssertion.
	for lap := 0; lap < 2; lap++ {
		for l := 0; l < win.NumLayers(); l++ {
			require.NoError(t, win.Load(l))
			_, err := win.Sync(l, compute)
			require.NoError(t, err)
		}
	}
	_ = transfer
}

func TestWindowSyncRejectsSlotMismatch(t *testing.T) {
	win, ctx, _ := newTestWindow(t, 2)
	defer ctx.Close()
	defer win.Close()

	compute, err := ctx.NewStream()
	require.NoError(t, err)

	_, err = win.Sync(2, compute) // slot 0 actually holds layer 0, not 2
	require.ErrorIs(t, err, ErrSchedulerAssertion)
}

func TestWindowGlobalsExposeSizedBuffers(t *testing.T) {
	win, ctx, _ := newTestWindow(t, 1)
	defer ctx.Close()
	defer win.Close()

	d := testFakeDescriptor()
	es := gpu.Sizeof(d.Dtype)
	require.Equal(t, d.VocabSize*d.HiddenSize*es, win.EmbedTokens().Size())
	require.Equal(t, d.HiddenSize*es, win.ModelNorm().Size())
	require.Equal(t, d.HiddenSize*d.VocabSize*es, win.LMHead().Size())

	compute, err := ctx.NewStream()
	require.NoError(t, err)
	require.NoError(t, win.ReleaseGlobals(compute))
	require.NoError(t, win.ReleaseGlobals(compute)) // idempotent
}
