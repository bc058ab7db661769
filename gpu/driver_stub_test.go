//go:build !cuda

package gpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) (Context, Stream, Runtime, Blas) {
	t.Helper()
	ctx, err := NewContext(0)
	require.NoError(t, err)
	stream, err := ctx.NewStream()
	require.NoError(t, err)
	rt, err := ctx.NewRuntime(DTypeF16, 256)
	require.NoError(t, err)
	blas, err := ctx.NewBlas()
	require.NoError(t, err)
	require.NoError(t, blas.SetStream(stream))
	return ctx, stream, rt, blas
}

func hostF16(stream Stream, vals []float32) Buffer {
	buf, _ := stream.Alloc(len(vals) * 2)
	b := make([]byte, len(vals)*2)
	encodeF16(b, vals)
	buf.CopyFromHost(stream, b)
	return buf
}

func readF16(buf Buffer, n int) []float32 {
	b := make([]byte, n*2)
	buf.CopyToHost(nil, b)
	return decodeF16(b)
}

func TestGatherCopiesRows(t *testing.T) {
	ctx, stream, rt, _ := newTestRuntime(t)
	defer ctx.Close()

	table := hostF16(stream, []float32{1, 1, 2, 2, 3, 3})
	out, _ := stream.Alloc(2 * 2 * 2)
	require.NoError(t, rt.Gather(stream, out, table, []uint32{2, 0}, 2, 3))

	got := readF16(out, 4)
	assert.Equal(t, []float32{3, 3, 1, 1}, got)

	err := rt.Gather(stream, out, table, []uint32{5}, 2, 3)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRMSNormScalesByWeight(t *testing.T) {
	ctx, stream, rt, _ := newTestRuntime(t)
	defer ctx.Close()

	in := hostF16(stream, []float32{3, 4})
	weight := hostF16(stream, []float32{1, 1})
	out, _ := stream.Alloc(2 * 2)
	require.NoError(t, rt.RMSNorm(stream, out, in, weight, 1, 2, 1e-5))

	got := readF16(out, 2)
	rms := math.Sqrt((9.0 + 16.0) / 2.0)
	assert.InDelta(t, 3/rms, got[0], 0.01)
	assert.InDelta(t, 4/rms, got[1], 0.01)
}

func TestRotaryEmbeddingPreservesPairNorm(t *testing.T) {
	ctx, stream, rt, _ := newTestRuntime(t)
	defer ctx.Close()

	x := hostF16(stream, []float32{1, 0, 0, 1})
	pos, _ := stream.Alloc(4)
	posBytes := make([]byte, 4)
	encodeU32(posBytes, []uint32{1})
	pos.CopyFromHost(stream, posBytes)

	require.NoError(t, rt.RotaryEmbedding(stream, x, pos, 1, 1, 4, 10000))
	got := readF16(x, 4)
	norm0 := math.Hypot(float64(got[0]), float64(got[1]))
	norm1 := math.Hypot(float64(got[2]), float64(got[3]))
	assert.InDelta(t, 1.0, norm0, 0.01)
	assert.InDelta(t, 1.0, norm1, 0.01)
}

func TestReformCopiesSpans(t *testing.T) {
	ctx, stream, rt, _ := newTestRuntime(t)
	defer ctx.Close()

	src := hostF16(stream, []float32{1, 2, 3, 4})
	dst, _ := stream.Alloc(4 * 2)
	spans := []CopySpan{{SrcOffset: 2, DstOffset: 0, Run: 2}, {SrcOffset: 0, DstOffset: 2, Run: 2}}
	require.NoError(t, rt.Reform(stream, dst, src, spans, 2))

	got := readF16(dst, 4)
	assert.Equal(t, []float32{3, 4, 1, 2}, got)

	err := rt.Reform(stream, dst, src, []CopySpan{{SrcOffset: 10, DstOffset: 0, Run: 2}}, 2)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFusedSoftmaxAppliesCausalMask(t *testing.T) {
	ctx, stream, rt, _ := newTestRuntime(t)
	defer ctx.Close()

	// One head, a 3-token prefill attending over its own 3-token window:
	// row r may only see columns [0, r].
	x := hostF16(stream, []float32{1, 1, 1, 1, 1, 1, 1, 1, 1})
	require.NoError(t, rt.FusedSoftmax(stream, x, 1, 3, 3))
	got := readF16(x, 9)

	assert.InDelta(t, 1.0, got[0], 0.01)
	assert.InDelta(t, 0.0, got[1], 0.01)
	assert.InDelta(t, 0.0, got[2], 0.01)

	assert.InDelta(t, 0.5, got[3], 0.01)
	assert.InDelta(t, 0.5, got[4], 0.01)
	assert.InDelta(t, 0.0, got[5], 0.01)

	assert.InDelta(t, 1.0/3, got[6], 0.01)
	assert.InDelta(t, 1.0/3, got[7], 0.01)
	assert.InDelta(t, 1.0/3, got[8], 0.01)
}

func TestSwiGLUAppliesSiluGate(t *testing.T) {
	ctx, stream, rt, _ := newTestRuntime(t)
	defer ctx.Close()

	gate := hostF16(stream, []float32{0, 2})
	up := hostF16(stream, []float32{1, 1})
	require.NoError(t, rt.SwiGLU(stream, gate, up, 1, 2))
	got := readF16(gate, 2)
	assert.InDelta(t, 0.0, got[0], 0.01)
	assert.InDelta(t, silu(2), got[1], 0.02)
}

func TestBlasGemmIdentity(t *testing.T) {
	ctx, stream, _, blas := newTestRuntime(t)
	defer ctx.Close()

	a := hostF16(stream, []float32{1, 2, 3, 4}) // 2x2
	b := hostF16(stream, []float32{1, 0, 0, 1}) // identity 2x2
	c, _ := stream.Alloc(4 * 2)

	require.NoError(t, blas.Gemm(GemmOperand{Buf: c}, 0, GemmOperand{Buf: a}, GemmOperand{Buf: b}, 1, 2, 2, 2, 1))
	got := readF16(c, 4)
	assert.Equal(t, []float32{1, 2, 3, 4}, got)
}

func TestBlasGemmTransposedOperand(t *testing.T) {
	ctx, stream, _, blas := newTestRuntime(t)
	defer ctx.Close()

	// a = [[1,2],[3,4]], bT physically stored as b^T = [[1,3],[2,4]] (b=[[1,2],[3,4]])
	a := hostF16(stream, []float32{1, 2, 3, 4})
	bT := hostF16(stream, []float32{1, 3, 2, 4})
	c, _ := stream.Alloc(4 * 2)

	require.NoError(t, blas.Gemm(GemmOperand{Buf: c}, 0, GemmOperand{Buf: a}, GemmOperand{Buf: bT, Trans: true}, 1, 2, 2, 2, 1))
	got := readF16(c, 4)
	// a * b = [[1*1+2*3, 1*2+2*4],[3*1+4*3, 3*2+4*4]] = [[7,10],[15,22]]
	assert.Equal(t, []float32{7, 10, 15, 22}, got)
}

func TestBlasGemmBatchedWithOffsetAndStride(t *testing.T) {
	ctx, stream, _, blas := newTestRuntime(t)
	defer ctx.Close()

	// Two batches of 1x2 * 2x1, laid out back to back in one buffer, with
	// an extra leading element to exercise Offset.
	a := hostF16(stream, []float32{0, 1, 2, 3, 4}) // batch0 at offset1: [1,2], batch1 at offset3: [3,4]
	b := hostF16(stream, []float32{1, 1, 2, 2})    // batch0: [1,1], batch1: [2,2]
	c, _ := stream.Alloc(2 * 2)

	require.NoError(t, blas.Gemm(
		GemmOperand{Buf: c, Stride: 1},
		0,
		GemmOperand{Buf: a, Offset: 1, Stride: 2},
		GemmOperand{Buf: b, Stride: 2},
		1, 1, 1, 2, 2,
	))
	got := readF16(c, 2)
	assert.Equal(t, []float32{3, 14}, got) // 1*1+2*1=3, 3*2+4*2=14
}
