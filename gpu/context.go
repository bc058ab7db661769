package gpu

// NewContext creates a GPU context bound to the given device ordinal.
// The concrete implementation (CUDA driver or host stub) is selected at
// build time by the "cuda" build tag; see driver_cuda.go / driver_stub.go.
func NewContext(deviceIndex int) (Context, error) {
	return newContext(deviceIndex)
}

// Runtime is the JIT-compiled kernel bank: the six kernels of §4.2 plus
// the scalar parameters each needs. All shapes are expressed in elements,
// not bytes; Sizeof(dt) converts when a backend needs byte counts.
type Runtime interface {
	// Gather copies out[i] <- table[tokens[i]] for i in [0, nt), table
	// rows of width d. tokens is a host-resident slice; the kernel bank
	// validates every id against v before launching and returns
	// ErrShapeMismatch (wrapping TokenOutOfRange semantics) otherwise.
	Gather(stream Stream, out, table Buffer, tokens []uint32, d, v int) error

	// RMSNorm computes, for each of rows vectors of width d,
	// out = in * weight / sqrt(mean(in^2) + eps). out and in may alias
	// iff they refer to the identical byte range.
	RMSNorm(stream Stream, out, in, weight Buffer, rows, d int, eps float32) error

	// RotaryEmbedding rotates x in place. x holds nt rows of heads*dh
	// elements; pos is a device buffer of nt U32 position ids, staged by
	// the caller ahead of this call (see engine/forward.go step 1).
	RotaryEmbedding(stream Stream, x Buffer, pos Buffer, nt, heads, dh int, theta float32) error

	// Reform copies src into dst element-wise; src and dst share the
	// same logical shape (n elements) but may have different physical
	// layouts, expressed here as a list of (srcOffset, dstOffset, run)
	// contiguous spans computed by the caller from the two tensors'
	// strides.
	Reform(stream Stream, dst, src Buffer, spans []CopySpan, elemSize int) error

	// FusedSoftmax applies a row-wise softmax with an implicit causal
	// mask to x, shaped [heads, q, k] (k <= maxPosition required by the
	// caller before this is invoked).
	FusedSoftmax(stream Stream, x Buffer, heads, q, k int) error

	// SwiGLU computes gate <- silu(gate) * up in place on gate; gate and
	// up both hold rows vectors of width di.
	SwiGLU(stream Stream, gate, up Buffer, rows, di int) error

	Close() error
}

// CopySpan describes one contiguous run copied by Reform: elemSize*run
// bytes starting at srcOffset elements in src land at dstOffset elements
// in dst.
type CopySpan struct {
	SrcOffset int
	DstOffset int
	Run       int
}
