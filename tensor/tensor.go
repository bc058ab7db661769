// Package tensor implements the logical n-dimensional tensor view of
// spec.md §3: a shape/stride/offset description over a physical gpu.Buffer,
// supporting non-owning re-views (reshape, slice, permute, split) without
// ever copying device memory. The physical layout is row-major unless a
// view has been permuted.
package tensor

import (
	"errors"
	"fmt"

	"github.com/ggmlcore/llamacore/gpu"
)

var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Tensor is a non-owning view: shape, strides (in elements), an offset
// (in elements; ByteOffset converts it to bytes via Sizeof), a
// dtype, and a handle to the physical storage. Two Tensors may alias the
// same Buffer; nothing here tracks lifetime beyond what the Buffer
// itself guarantees.
type Tensor struct {
	shape   []int
	strides []int
	offset  int
	dtype   gpu.DType
	buf     gpu.Buffer
	// Name is a debug-only label (e.g. "model.layers.3.mlp.down_proj").
	// No package in this module sets it, and no kernel reads it.
	Name string
}

// New creates a contiguous row-major view over the whole of buf.
func New(buf gpu.Buffer, dtype gpu.DType, shape ...int) Tensor {
	return Tensor{
		shape:   append([]int(nil), shape...),
		strides: contiguousStrides(shape),
		dtype:   dtype,
		buf:     buf,
	}
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func (t Tensor) Rank() int       { return len(t.shape) }
func (t Tensor) Shape() []int    { return append([]int(nil), t.shape...) }
func (t Tensor) Dim(n int) int   { return t.shape[n] }
func (t Tensor) Stride(n int) int { return t.strides[n] }
func (t Tensor) DType() gpu.DType { return t.dtype }
func (t Tensor) Buffer() gpu.Buffer { return t.buf }

// Offset is the view's starting element offset into Buffer.
func (t Tensor) Offset() int { return t.offset }

// ByteOffset is Offset converted to bytes for the view's dtype.
func (t Tensor) ByteOffset() int { return t.offset * gpu.Sizeof(t.dtype) }

func (t Tensor) NumElements() int {
	n := 1
	for _, s := range t.shape {
		n *= s
	}
	return n
}

// ContiguousLastK reports whether the tensor's last k axes are
// contiguous, i.e. their strides equal the product of the inner shape —
// the precondition several kernels (rotary_embedding, reform's fast
// path) require.
func (t Tensor) ContiguousLastK(k int) bool {
	if k > t.Rank() {
		return false
	}
	acc := 1
	for i := t.Rank() - 1; i >= t.Rank()-k; i-- {
		if t.strides[i] != acc {
			return false
		}
		acc *= t.shape[i]
	}
	return true
}

// Reshape returns a non-owning view with a new shape over the same
// storage. The source must be fully contiguous (reshape of a sliced or
// permuted view is not representable as a pure stride change in general)
// and the element count must be preserved.
func (t Tensor) Reshape(shape ...int) (Tensor, error) {
	if !t.ContiguousLastK(t.Rank()) {
		return Tensor{}, fmt.Errorf("%w: reshape requires a contiguous source", ErrShapeMismatch)
	}
	n := 1
	for _, s := range shape {
		n *= s
	}
	if n != t.NumElements() {
		return Tensor{}, fmt.Errorf("%w: reshape %v -> %v changes element count", ErrShapeMismatch, t.shape, shape)
	}
	out := t
	out.shape = append([]int(nil), shape...)
	out.strides = contiguousStrides(shape)
	return out, nil
}

// Slice restricts axis to the half-open range [low, high), returning a
// non-owning view with an adjusted offset. Bounds must lie within the
// source's extent on that axis.
func (t Tensor) Slice(axis, low, high int) (Tensor, error) {
	if axis < 0 || axis >= t.Rank() {
		return Tensor{}, fmt.Errorf("%w: axis %d out of range", ErrShapeMismatch, axis)
	}
	if low < 0 || high > t.shape[axis] || low > high {
		return Tensor{}, fmt.Errorf("%w: slice [%d:%d) out of extent %d on axis %d", ErrShapeMismatch, low, high, t.shape[axis], axis)
	}
	out := t
	out.shape = append([]int(nil), t.shape...)
	out.shape[axis] = high - low
	out.offset = t.offset + low*t.strides[axis]
	return out, nil
}

// Permute reorders axes according to perm (a permutation of [0, rank)),
// transposing shape and strides without moving data.
func (t Tensor) Permute(perm ...int) (Tensor, error) {
	if len(perm) != t.Rank() {
		return Tensor{}, fmt.Errorf("%w: permute needs %d indices, got %d", ErrShapeMismatch, t.Rank(), len(perm))
	}
	seen := make([]bool, t.Rank())
	newShape := make([]int, t.Rank())
	newStrides := make([]int, t.Rank())
	for i, p := range perm {
		if p < 0 || p >= t.Rank() || seen[p] {
			return Tensor{}, fmt.Errorf("%w: invalid permutation %v", ErrShapeMismatch, perm)
		}
		seen[p] = true
		newShape[i] = t.shape[p]
		newStrides[i] = t.strides[p]
	}
	out := t
	out.shape = newShape
	out.strides = newStrides
	return out, nil
}

// SplitSizes partitions axis into contiguous sub-tensors of the given
// sizes, which must sum to the axis's extent. Used to split a fused qkv
// or gate_up projection's output into its named parts.
func (t Tensor) SplitSizes(axis int, sizes []int) ([]Tensor, error) {
	sum := 0
	for _, s := range sizes {
		sum += s
	}
	if axis < 0 || axis >= t.Rank() || sum != t.shape[axis] {
		return nil, fmt.Errorf("%w: split sizes %v don't partition axis %d (extent %d)", ErrShapeMismatch, sizes, axis, t.shape[axis])
	}
	out := make([]Tensor, len(sizes))
	low := 0
	for i, s := range sizes {
		v, err := t.Slice(axis, low, low+s)
		if err != nil {
			return nil, err
		}
		out[i] = v
		low += s
	}
	return out, nil
}

// SplitAxis replaces axis (of extent E) with len(sizes) new axes whose
// product equals E, in row-major nesting order: the first of sizes
// varies slowest, the last fastest. Unlike Reshape, this needs no
// contiguity precondition — it is a pure re-description of one axis's
// index arithmetic, valid regardless of that axis's stride. Used to
// expose a head dimension folded into a projection's output column axis
// (e.g. qkv's D columns as [NH, DH]) without copying.
func (t Tensor) SplitAxis(axis int, sizes ...int) (Tensor, error) {
	if axis < 0 || axis >= t.Rank() {
		return Tensor{}, fmt.Errorf("%w: axis %d out of range", ErrShapeMismatch, axis)
	}
	prod := 1
	for _, s := range sizes {
		prod *= s
	}
	if prod != t.shape[axis] {
		return Tensor{}, fmt.Errorf("%w: split sizes %v don't divide axis %d (extent %d)", ErrShapeMismatch, sizes, axis, t.shape[axis])
	}

	axisStrides := make([]int, len(sizes))
	s := t.strides[axis]
	for i := len(sizes) - 1; i >= 0; i-- {
		axisStrides[i] = s
		s *= sizes[i]
	}

	newShape := append([]int{}, t.shape[:axis]...)
	newShape = append(newShape, sizes...)
	newShape = append(newShape, t.shape[axis+1:]...)

	newStrides := append([]int{}, t.strides[:axis]...)
	newStrides = append(newStrides, axisStrides...)
	newStrides = append(newStrides, t.strides[axis+1:]...)

	out := t
	out.shape = newShape
	out.strides = newStrides
	return out, nil
}

// Spans computes the list of (srcOffset, dstOffset, run) contiguous
// element ranges that copy src into a tensor shaped like dst — the
// bridge between the tensor view algebra and gpu.Runtime.Reform, which
// operates on flat element spans. Both tensors must have identical
// shape. The decomposition walks every axis but the innermost
// contiguous run, so where dst and src are both contiguous in their last
// k axes it produces long runs rather than one span per element.
func Spans(dst, src Tensor) ([]gpu.CopySpan, error) {
	if len(dst.shape) != len(src.shape) {
		return nil, fmt.Errorf("%w: reform shape rank mismatch", ErrShapeMismatch)
	}
	for i := range dst.shape {
		if dst.shape[i] != src.shape[i] {
			return nil, fmt.Errorf("%w: reform shape mismatch %v vs %v", ErrShapeMismatch, dst.shape, src.shape)
		}
	}

	rank := dst.Rank()
	if rank == 0 {
		return []gpu.CopySpan{{SrcOffset: src.offset, DstOffset: dst.offset, Run: 1}}, nil
	}

	// Find the longest common contiguous inner-axis run shared by both
	// tensors (both must be contiguous there for a linear run to exist).
	innerRun := 1
	k := 0
	for axis := rank - 1; axis >= 0; axis-- {
		if dst.strides[axis] != innerRun || src.strides[axis] != innerRun {
			break
		}
		innerRun *= dst.shape[axis]
		k++
	}
	outerShape := dst.shape[:rank-k]
	spans := make([]gpu.CopySpan, 0, productInts(outerShape))
	idx := make([]int, len(outerShape))
	for {
		srcOff, dstOff := src.offset, dst.offset
		for i, ix := range idx {
			srcOff += ix * src.strides[i]
			dstOff += ix * dst.strides[i]
		}
		spans = append(spans, gpu.CopySpan{SrcOffset: srcOff, DstOffset: dstOff, Run: innerRun})

		pos := len(idx) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < outerShape[pos] {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}
	return spans, nil
}

func productInts(s []int) int {
	n := 1
	for _, v := range s {
		n *= v
	}
	return n
}
