package engine

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"

	"github.com/ggmlcore/llamacore/gpu"
)

// decodeOutputs implements spec.md §4.6: compact the rows of x0
// belonging to requests marked Decode: true into a dense buffer, run
// model_norm + lm_head over just those rows, and hand each resulting
// logits row to sampler. Requests with Decode: false never reach
// model_norm or lm_head — their row exists in x0 only to extend the
// residual stream for later layers' attention, per spec.md §3.
//
// Every error returned from here up through a gpu/tensor op is one of the
// call-time sentinel kinds of spec.md §7 (shape mismatch, OOM, kernel
// launch, scheduler assertion): this function panics on them rather than
// returning, since the engine cannot resume mid-decode with torn GPU
// state. The two exceptions are ctx cancellation and a sampler error,
// both external to GPU state and safe to surface as ordinary errors.
func decodeOutputs[Id comparable](ctx context.Context, e *Engine, b batch[Id], x0 gpu.Buffer, sampler Sampler) ([]Pair[Id], error) {
	d := e.desc
	es := gpu.Sizeof(d.Dtype)
	rowBytes := d.HiddenSize * es

	type decoding struct {
		id  Id
		row int
	}
	var decoders []decoding
	for i, r := range b.requests {
		if !r.Decode {
			continue
		}
		lastRow := b.offsets[i] + r.seqLen() - 1
		decoders = append(decoders, decoding{id: r.ID, row: lastRow})
	}
	if len(decoders) == 0 {
		return nil, nil
	}
	nd := len(decoders)

	compact, err := e.compute.Alloc(nd * rowBytes)
	if err != nil {
		panic(err)
	}
	defer compact.Free()
	for i, dec := range decoders {
		if err := compact.CopyFromDevice(e.compute, x0, dec.row*rowBytes, i*rowBytes, rowBytes); err != nil {
			panic(fmt.Errorf("engine: compacting decode row %d: %w", i, err))
		}
	}

	if err := e.win.ReleaseGlobals(e.compute); err != nil {
		panic(err)
	}

	normBuf, err := e.compute.Alloc(nd * rowBytes)
	if err != nil {
		panic(err)
	}
	defer normBuf.Free()
	if err := e.rt.RMSNorm(e.compute, normBuf, compact, e.win.ModelNorm(), nd, d.HiddenSize, d.RMSNormEps); err != nil {
		panic(fmt.Errorf("engine: final norm: %w", err))
	}

	logitsBuf, err := e.compute.Alloc(nd * d.VocabSize * es)
	if err != nil {
		panic(err)
	}
	defer logitsBuf.Free()
	if err := e.blas.Gemm(
		gpu.GemmOperand{Buf: logitsBuf}, 0,
		gpu.GemmOperand{Buf: normBuf}, gpu.GemmOperand{Buf: e.win.LMHead()},
		1, nd, d.VocabSize, d.HiddenSize, 1,
	); err != nil {
		panic(fmt.Errorf("engine: lm_head matmul: %w", err))
	}

	if err := e.compute.Synchronize(); err != nil {
		panic(fmt.Errorf("engine: sync before logits readback: %w", err))
	}

	hostLogits := make([]byte, nd*d.VocabSize*es)
	if err := logitsBuf.CopyToHost(e.compute, hostLogits); err != nil {
		panic(fmt.Errorf("engine: logits readback: %w", err))
	}

	pairs := make([]Pair[Id], nd)
	row := make([]float32, d.VocabSize)
	for i, dec := range decoders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rowBytesLogits := hostLogits[i*d.VocabSize*es : (i+1)*d.VocabSize*es]
		decodeRowF16(row, rowBytesLogits)
		tok, err := sampler.Sample(row)
		if err != nil {
			return nil, fmt.Errorf("engine: sampling request %v: %w", dec.id, err)
		}
		pairs[i] = Pair[Id]{ID: dec.id, Token: tok}
	}
	return pairs, nil
}

// decodeRowF16 decodes src, a little-endian IEEE 754 half-precision
// vector, into dst. Kept local to the engine package rather than reusing
// gpu's internal fp16 helpers, which are unexported: the GPU boundary
// ends at logitsBuf.CopyToHost, so decoding its bytes is the caller's
// concern, not the device runtime's.
func decodeRowF16(dst []float32, src []byte) {
	for i := range dst {
		h := float16.Float16(binary.LittleEndian.Uint16(src[2*i:]))
		dst[i] = h.Float32()
	}
}
