//go:build !cuda

package gpu

import (
	"fmt"
	"math"
)

// newContext is the non-CUDA build of gpu.NewContext: a host-memory
// reference runtime. It executes every kernel synchronously on the
// calling goroutine with float32 math (decoding/encoding F16 bytes at the
// Buffer boundary via gpu.decodeF16/encodeF16), so the rest of the module
// builds and its tests run without a CUDA toolchain or device. Streams
// and events are tracked only well enough to catch use-before-record
// bugs; there is no real concurrency to synchronize.
func newContext(deviceIndex int) (Context, error) {
	return &stubContext{device: deviceIndex}, nil
}

type stubContext struct {
	device int
	closed bool
}

func (c *stubContext) NewStream() (Stream, error) {
	if c.closed {
		return nil, ErrNoDevice
	}
	return &stubStream{ctx: c}, nil
}

func (c *stubContext) NewEvent() (Event, error) {
	return &stubEvent{}, nil
}

func (c *stubContext) NewRuntime(dt DType, blockSize int) (Runtime, error) {
	if dt != DTypeF16 {
		return nil, fmt.Errorf("%w: %s", ErrDtypeUnsupported, dt)
	}
	return &stubRuntime{blockSize: blockSize}, nil
}

func (c *stubContext) NewBlas() (Blas, error) {
	return &stubBlas{}, nil
}

func (c *stubContext) NewHostPinned(size int) (HostPinned, error) {
	return &stubHostPinned{data: make([]byte, size)}, nil
}

func (c *stubContext) DeviceIndex() int { return c.device }

func (c *stubContext) Close() error {
	c.closed = true
	return nil
}

type stubStream struct {
	ctx *stubContext
}

func (s *stubStream) Alloc(size int) (Buffer, error) {
	if size < 0 {
		return nil, ErrOutOfDeviceMemory
	}
	return &stubBuffer{data: make([]byte, size), bornOn: s}, nil
}

func (s *stubStream) Record(e Event) error {
	se := e.(*stubEvent)
	se.recorded = true
	return nil
}

func (s *stubStream) Wait(e Event) error {
	se := e.(*stubEvent)
	if !se.recorded {
		return fmt.Errorf("gpu: wait on unrecorded event")
	}
	return nil
}

func (s *stubStream) Synchronize() error { return nil }

func (s *stubStream) Close() error { return nil }

type stubEvent struct {
	recorded bool
}

func (e *stubEvent) Destroy() error { return nil }

type stubBuffer struct {
	data   []byte
	bornOn *stubStream
}

func (b *stubBuffer) Size() int { return len(b.data) }

func (b *stubBuffer) CopyFromHost(stream Stream, src []byte) error {
	if len(src) > len(b.data) {
		return fmt.Errorf("%w: copy %d into %d", ErrShapeMismatch, len(src), len(b.data))
	}
	copy(b.data, src)
	return nil
}

func (b *stubBuffer) CopyToHost(stream Stream, dst []byte) error {
	if len(dst) > len(b.data) {
		return fmt.Errorf("%w: copy %d from %d", ErrShapeMismatch, len(dst), len(b.data))
	}
	copy(dst, b.data)
	return nil
}

func (b *stubBuffer) CopyFromDevice(stream Stream, src Buffer, srcOffset, dstOffset, n int) error {
	s := src.(*stubBuffer)
	if srcOffset+n > len(s.data) || dstOffset+n > len(b.data) {
		return fmt.Errorf("%w: device copy out of range", ErrShapeMismatch)
	}
	copy(b.data[dstOffset:dstOffset+n], s.data[srcOffset:srcOffset+n])
	return nil
}

func (b *stubBuffer) Free() error {
	b.data = nil
	return nil
}

type stubHostPinned struct {
	data []byte
}

func (h *stubHostPinned) Bytes() []byte { return h.data }
func (h *stubHostPinned) Close() error  { h.data = nil; return nil }

type stubRuntime struct {
	blockSize int
}

func (r *stubRuntime) Gather(stream Stream, out, table Buffer, tokens []uint32, d, v int) error {
	ob := out.(*stubBuffer)
	tb := table.(*stubBuffer)
	for i, tok := range tokens {
		if int(tok) >= v {
			return fmt.Errorf("%w: token id %d >= vocab %d", ErrShapeMismatch, tok, v)
		}
		rowBytes := d * Sizeof(DTypeF16)
		copy(ob.data[i*rowBytes:(i+1)*rowBytes], tb.data[int(tok)*rowBytes:(int(tok)+1)*rowBytes])
	}
	return nil
}

func (r *stubRuntime) RMSNorm(stream Stream, out, in, weight Buffer, rows, d int, eps float32) error {
	ib := in.(*stubBuffer)
	ob := out.(*stubBuffer)
	wb := weight.(*stubBuffer)
	w := decodeF16(wb.data)
	inVals := decodeF16(ib.data)
	outVals := make([]float32, len(inVals))
	copy(outVals, inVals)
	for r0 := 0; r0 < rows; r0++ {
		row := outVals[r0*d : (r0+1)*d]
		var sumSq float64
		for _, x := range row {
			sumSq += float64(x) * float64(x)
		}
		scale := float32(1 / math.Sqrt(sumSq/float64(d)+float64(eps)))
		for j := range row {
			row[j] = row[j] * scale * w[j]
		}
	}
	encodeF16(ob.data, outVals)
	return nil
}

func (r *stubRuntime) RotaryEmbedding(stream Stream, x Buffer, pos Buffer, nt, heads, dh int, theta float32) error {
	xb := x.(*stubBuffer)
	pb := pos.(*stubBuffer)
	positions := decodeU32(pb.data)
	vals := decodeF16(xb.data)
	half := dh / 2
	for t := 0; t < nt; t++ {
		p := float64(positions[t])
		for h := 0; h < heads; h++ {
			base := (t*heads + h) * dh
			for k := 0; k < half; k++ {
				freq := math.Pow(float64(theta), -2*float64(k)/float64(dh))
				angle := p * freq
				cosA, sinA := math.Cos(angle), math.Sin(angle)
				x0 := vals[base+2*k]
				x1 := vals[base+2*k+1]
				vals[base+2*k] = float32(float64(x0)*cosA - float64(x1)*sinA)
				vals[base+2*k+1] = float32(float64(x0)*sinA + float64(x1)*cosA)
			}
		}
	}
	encodeF16(xb.data, vals)
	return nil
}

func (r *stubRuntime) Reform(stream Stream, dst, src Buffer, spans []CopySpan, elemSize int) error {
	db := dst.(*stubBuffer)
	sb := src.(*stubBuffer)
	for _, sp := range spans {
		n := sp.Run * elemSize
		so, do := sp.SrcOffset*elemSize, sp.DstOffset*elemSize
		if so+n > len(sb.data) || do+n > len(db.data) {
			return fmt.Errorf("%w: reform span out of range", ErrShapeMismatch)
		}
		copy(db.data[do:do+n], sb.data[so:so+n])
	}
	return nil
}

func (r *stubRuntime) FusedSoftmax(stream Stream, x Buffer, heads, q, k int) error {
	xb := x.(*stubBuffer)
	vals := decodeF16(xb.data)
	for h := 0; h < heads; h++ {
		for row := 0; row < q; row++ {
			base := (h*q + row) * k
			causalLimit := k - q + row // positions > this are masked
			var maxV float32 = float32(math.Inf(-1))
			for c := 0; c <= causalLimit && c < k; c++ {
				if vals[base+c] > maxV {
					maxV = vals[base+c]
				}
			}
			var sum float64
			for c := 0; c < k; c++ {
				if c > causalLimit {
					vals[base+c] = 0
					continue
				}
				e := math.Exp(float64(vals[base+c] - maxV))
				vals[base+c] = float32(e)
				sum += e
			}
			if sum == 0 {
				continue
			}
			for c := 0; c <= causalLimit && c < k; c++ {
				vals[base+c] = float32(float64(vals[base+c]) / sum)
			}
		}
	}
	encodeF16(xb.data, vals)
	return nil
}

func (r *stubRuntime) SwiGLU(stream Stream, gate, up Buffer, rows, di int) error {
	gb := gate.(*stubBuffer)
	ub := up.(*stubBuffer)
	g := decodeF16(gb.data)
	u := decodeF16(ub.data)
	n := rows * di
	for i := 0; i < n; i++ {
		g[i] = silu(g[i]) * u[i]
	}
	encodeF16(gb.data, g)
	return nil
}

func (r *stubRuntime) Close() error { return nil }

type stubBlas struct {
	stream Stream
}

func (b *stubBlas) SetStream(s Stream) error {
	b.stream = s
	return nil
}

// Gemm computes C <- alpha*op(A)*op(B) + beta*C for `batch` independent
// (m x k) * (k x n) row-major products. Each operand's Offset/Stride
// locate its batch-0 element and its per-batch element advance inside
// its own buffer, so an operand may be a sub-range of a larger buffer
// (e.g. a KV-cache slice) rather than a dedicated packed allocation.
func (b *stubBlas) Gemm(c GemmOperand, beta float32, a, bm GemmOperand, alpha float32, m, n, k, batch int) error {
	cb := c.Buf.(*stubBuffer)
	ab := a.Buf.(*stubBuffer)
	bb := bm.Buf.(*stubBuffer)
	av := decodeF16(ab.data)
	bv := decodeF16(bb.data)
	cv := decodeF16(cb.data)

	aAt := func(off, row, col int) float32 {
		if a.Trans {
			return av[off+col*m+row]
		}
		return av[off+row*k+col]
	}
	bAt := func(off, row, col int) float32 {
		if bm.Trans {
			return bv[off+col*k+row]
		}
		return bv[off+row*n+col]
	}

	for batchIdx := 0; batchIdx < batch; batchIdx++ {
		aOff := a.Offset + batchIdx*a.Stride
		bOff := bm.Offset + batchIdx*bm.Stride
		cOff := c.Offset + batchIdx*c.Stride
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float64
				for p := 0; p < k; p++ {
					sum += float64(aAt(aOff, i, p)) * float64(bAt(bOff, p, j))
				}
				idx := cOff + i*n + j
				cv[idx] = float32(alpha)*float32(sum) + beta*cv[idx]
			}
		}
	}
	encodeF16(cb.data, cv)
	return nil
}
