package engine

import (
	"fmt"
	"math"

	"github.com/ggmlcore/llamacore/gpu"
	"github.com/ggmlcore/llamacore/tensor"
	"github.com/ggmlcore/llamacore/xlog"
)

// forward runs spec.md §4.5's per-layer loop over a packed batch and
// returns the residual stream x0[nt, D] after the last layer, ready for
// decode compaction; the caller frees x0. Every other allocation here is
// scratch, born on e.compute (or e.transfer for pos), and freed before
// forward returns.
func forward[Id comparable](e *Engine, b batch[Id]) (x0 gpu.Buffer, err error) {
	d := e.desc
	es := gpu.Sizeof(d.Dtype)
	nt := b.nt

	var freeables []gpu.Buffer
	defer func() {
		for _, buf := range freeables {
			if ferr := buf.Free(); ferr != nil && err == nil {
				err = ferr
			}
		}
	}()
	alloc := func(stream gpu.Stream, size int) (gpu.Buffer, error) {
		buf, aerr := stream.Alloc(size)
		if aerr != nil {
			return nil, fmt.Errorf("%w", aerr)
		}
		freeables = append(freeables, buf)
		return buf, nil
	}

	x0Buf, err := e.compute.Alloc(nt * d.HiddenSize * es)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			x0Buf.Free()
		}
	}()
	if err := e.rt.Gather(e.compute, x0Buf, e.win.EmbedTokens(), b.tokens, d.HiddenSize, d.VocabSize); err != nil {
		return nil, fmt.Errorf("engine: embed gather: %w", err)
	}

	posBuf, err := e.transfer.Alloc(nt * 4)
	if err != nil {
		return nil, err
	}
	freeables = append(freeables, posBuf)
	posBytes := make([]byte, nt*4)
	for i, p := range b.pos {
		posBytes[4*i] = byte(p)
		posBytes[4*i+1] = byte(p >> 8)
		posBytes[4*i+2] = byte(p >> 16)
		posBytes[4*i+3] = byte(p >> 24)
	}
	if err := posBuf.CopyFromHost(e.transfer, posBytes); err != nil {
		return nil, fmt.Errorf("engine: pos upload: %w", err)
	}
	posEvent, err := e.gctx.NewEvent()
	if err != nil {
		return nil, err
	}
	defer posEvent.Destroy()
	if err := e.transfer.Record(posEvent); err != nil {
		return nil, err
	}
	if err := e.compute.Wait(posEvent); err != nil {
		return nil, fmt.Errorf("engine: compute wait on pos transfer: %w", err)
	}

	x1Buf, err := alloc(e.compute, nt*d.HiddenSize*es)
	if err != nil {
		return nil, err
	}
	qkvBuf, err := alloc(e.compute, nt*(d.HiddenSize+2*d.KVDim)*es)
	if err != nil {
		return nil, err
	}
	gateUpBuf, err := alloc(e.compute, nt*2*d.Intermediate*es)
	if err != nil {
		return nil, err
	}
	qBuf, err := alloc(e.compute, nt*d.HiddenSize*es)
	if err != nil {
		return nil, err
	}
	kBuf, err := alloc(e.compute, nt*d.KVDim*es)
	if err != nil {
		return nil, err
	}
	vBuf, err := alloc(e.compute, nt*d.KVDim*es)
	if err != nil {
		return nil, err
	}
	attnOutBuf, err := alloc(e.compute, nt*d.HiddenSize*es)
	if err != nil {
		return nil, err
	}
	gateBuf, err := alloc(e.compute, nt*d.Intermediate*es)
	if err != nil {
		return nil, err
	}
	upBuf, err := alloc(e.compute, nt*d.Intermediate*es)
	if err != nil {
		return nil, err
	}

	if err := e.blas.SetStream(e.compute); err != nil {
		return nil, err
	}

	for l := 0; l < d.NumLayers; l++ {
		if err := e.win.Load(l); err != nil {
			return nil, err
		}
		params, err := e.win.Sync(l, e.compute)
		if err != nil {
			return nil, err
		}

		if err := e.rt.RMSNorm(e.compute, x1Buf, x0Buf, params.inputLayerNorm, nt, d.HiddenSize, d.RMSNormEps); err != nil {
			return nil, fmt.Errorf("engine: layer %d input norm: %w", l, err)
		}

		qkvN := d.HiddenSize + 2*d.KVDim
		if err := e.blas.Gemm(
			gpu.GemmOperand{Buf: qkvBuf}, 0,
			gpu.GemmOperand{Buf: x1Buf}, gpu.GemmOperand{Buf: params.wQKV},
			1, nt, qkvN, d.HiddenSize, 1,
		); err != nil {
			return nil, fmt.Errorf("engine: layer %d qkv matmul: %w", l, err)
		}

		qkvT := tensor.New(qkvBuf, d.Dtype, nt, qkvN)
		cols, err := qkvT.SplitSizes(1, []int{d.HiddenSize, d.KVDim, d.KVDim})
		if err != nil {
			return nil, err
		}
		if err := reformInto(e, qBuf, qkvBuf, tensor.New(qBuf, d.Dtype, nt, d.HiddenSize), cols[0]); err != nil {
			return nil, err
		}
		if err := reformInto(e, kBuf, qkvBuf, tensor.New(kBuf, d.Dtype, nt, d.KVDim), cols[1]); err != nil {
			return nil, err
		}
		if err := reformInto(e, vBuf, qkvBuf, tensor.New(vBuf, d.Dtype, nt, d.KVDim), cols[2]); err != nil {
			return nil, err
		}

		if err := e.rt.RotaryEmbedding(e.compute, qBuf, posBuf, nt, d.NumHeads, d.HeadDim, d.RopeTheta); err != nil {
			return nil, fmt.Errorf("engine: layer %d q rotary: %w", l, err)
		}
		if err := e.rt.RotaryEmbedding(e.compute, kBuf, posBuf, nt, d.NumKVHeads, d.HeadDim, d.RopeTheta); err != nil {
			return nil, fmt.Errorf("engine: layer %d k rotary: %w", l, err)
		}

		q := tensor.New(qBuf, d.Dtype, nt, d.NumHeads, d.HeadDim)
		k := tensor.New(kBuf, d.Dtype, nt, d.NumKVHeads, d.HeadDim)
		v := tensor.New(vBuf, d.Dtype, nt, d.NumKVHeads, d.HeadDim)

		for i, r := range b.requests {
			if err := attendRequest(e, l, b.offsets[i], r, q, k, v, attnOutBuf); err != nil {
				return nil, fmt.Errorf("engine: layer %d request %d attention: %w", l, i, err)
			}
		}

		if err := e.blas.Gemm(
			gpu.GemmOperand{Buf: x0Buf}, 1,
			gpu.GemmOperand{Buf: attnOutBuf}, gpu.GemmOperand{Buf: params.oProj},
			1, nt, d.HiddenSize, d.HiddenSize, 1,
		); err != nil {
			return nil, fmt.Errorf("engine: layer %d o_proj matmul: %w", l, err)
		}

		if err := e.rt.RMSNorm(e.compute, x1Buf, x0Buf, params.postAttnNorm, nt, d.HiddenSize, d.RMSNormEps); err != nil {
			return nil, fmt.Errorf("engine: layer %d post-attn norm: %w", l, err)
		}

		guN := 2 * d.Intermediate
		if err := e.blas.Gemm(
			gpu.GemmOperand{Buf: gateUpBuf}, 0,
			gpu.GemmOperand{Buf: x1Buf}, gpu.GemmOperand{Buf: params.gateUp},
			1, nt, guN, d.HiddenSize, 1,
		); err != nil {
			return nil, fmt.Errorf("engine: layer %d gate_up matmul: %w", l, err)
		}

		guT := tensor.New(gateUpBuf, d.Dtype, nt, guN)
		guParts, err := guT.SplitSizes(1, []int{d.Intermediate, d.Intermediate})
		if err != nil {
			return nil, err
		}
		if err := reformInto(e, gateBuf, gateUpBuf, tensor.New(gateBuf, d.Dtype, nt, d.Intermediate), guParts[0]); err != nil {
			return nil, err
		}
		if err := reformInto(e, upBuf, gateUpBuf, tensor.New(upBuf, d.Dtype, nt, d.Intermediate), guParts[1]); err != nil {
			return nil, err
		}

		if err := e.rt.SwiGLU(e.compute, gateBuf, upBuf, nt, d.Intermediate); err != nil {
			return nil, fmt.Errorf("engine: layer %d swiglu: %w", l, err)
		}

		if err := e.blas.Gemm(
			gpu.GemmOperand{Buf: x0Buf}, 1,
			gpu.GemmOperand{Buf: gateBuf}, gpu.GemmOperand{Buf: params.down},
			1, nt, d.HiddenSize, d.Intermediate, 1,
		); err != nil {
			return nil, fmt.Errorf("engine: layer %d down matmul: %w", l, err)
		}
	}

	xlog.Trace("forward pass complete", "nt", nt, "layers", d.NumLayers)

	return x0Buf, nil
}

// reformInto copies src (a strided view over a shared buffer) into dst,
// a freshly allocated contiguous buffer described by dstView.
func reformInto(e *Engine, dst gpu.Buffer, srcBuf gpu.Buffer, dstView, src tensor.Tensor) error {
	spans, err := tensor.Spans(dstView, src)
	if err != nil {
		return err
	}
	return e.rt.Reform(e.compute, dst, srcBuf, spans, gpu.Sizeof(e.desc.Dtype))
}

// attendRequest runs spec.md §4.5's per-request attention step for one
// request at one layer: reform Q into a head-major scratch buffer,
// append K/V straight into the request's cache at its position, compute
// masked attention over the cache's attended range, and reform the
// result back into attnOut's rows for this request.
func attendRequest[Id comparable](e *Engine, layer, off int, r Request[Id], q, k, v tensor.Tensor, attnOut gpu.Buffer) error {
	d := e.desc
	es := gpu.Sizeof(d.Dtype)
	sl := r.seqLen()
	al := r.attLen()
	pos := r.Pos
	lc := r.Cache[layer]

	qReq, err := q.Slice(0, off, off+sl)
	if err != nil {
		return err
	}
	kReq, err := k.Slice(0, off, off+sl)
	if err != nil {
		return err
	}
	vReq, err := v.Slice(0, off, off+sl)
	if err != nil {
		return err
	}
	qPerm, err := qReq.Permute(1, 0, 2)
	if err != nil {
		return err
	}
	kPerm, err := kReq.Permute(1, 0, 2)
	if err != nil {
		return err
	}
	vPerm, err := vReq.Permute(1, 0, 2)
	if err != nil {
		return err
	}

	qAttBuf, err := e.compute.Alloc(d.NumHeads * sl * d.HeadDim * es)
	if err != nil {
		return err
	}
	defer qAttBuf.Free()
	qAttDst := tensor.New(qAttBuf, d.Dtype, d.NumHeads, sl, d.HeadDim)
	if spans, serr := tensor.Spans(qAttDst, qPerm); serr != nil {
		return serr
	} else if err := e.rt.Reform(e.compute, qAttBuf, q.Buffer(), spans, es); err != nil {
		return fmt.Errorf("q reform: %w", err)
	}

	kTarget, vTarget, err := lc.AppendTarget(pos, sl)
	if err != nil {
		return err
	}
	if spans, serr := tensor.Spans(kTarget, kPerm); serr != nil {
		return serr
	} else if err := e.rt.Reform(e.compute, kTarget.Buffer(), k.Buffer(), spans, es); err != nil {
		return fmt.Errorf("k cache append: %w", err)
	}
	if spans, serr := tensor.Spans(vTarget, vPerm); serr != nil {
		return serr
	} else if err := e.rt.Reform(e.compute, vTarget.Buffer(), v.Buffer(), spans, es); err != nil {
		return fmt.Errorf("v cache append: %w", err)
	}

	kAtt, vAtt, err := lc.Attended(al)
	if err != nil {
		return err
	}

	headGroup := d.HeadGroup
	attBuf, err := e.compute.Alloc(d.NumKVHeads * headGroup * sl * al * es)
	if err != nil {
		return err
	}
	defer attBuf.Free()

	scale := float32(1 / math.Sqrt(float64(d.HeadDim)))
	if err := e.blas.Gemm(
		gpu.GemmOperand{Buf: attBuf, Stride: headGroup * sl * al},
		0,
		gpu.GemmOperand{Buf: qAttBuf, Stride: headGroup * sl * d.HeadDim},
		gpu.GemmOperand{Buf: kAtt.Buffer(), Offset: kAtt.Offset(), Stride: kAtt.Stride(0), Trans: true},
		scale, headGroup*sl, al, d.HeadDim, d.NumKVHeads,
	); err != nil {
		return fmt.Errorf("qk matmul: %w", err)
	}

	if err := e.rt.FusedSoftmax(e.compute, attBuf, d.NumHeads, sl, al); err != nil {
		return fmt.Errorf("fused softmax: %w", err)
	}

	x2Buf, err := e.compute.Alloc(d.NumHeads * sl * d.HeadDim * es)
	if err != nil {
		return err
	}
	defer x2Buf.Free()
	if err := e.blas.Gemm(
		gpu.GemmOperand{Buf: x2Buf, Stride: headGroup * sl * d.HeadDim},
		0,
		gpu.GemmOperand{Buf: attBuf, Stride: headGroup * sl * al},
		gpu.GemmOperand{Buf: vAtt.Buffer(), Offset: vAtt.Offset(), Stride: vAtt.Stride(0)},
		1, headGroup*sl, d.HeadDim, al, d.NumKVHeads,
	); err != nil {
		return fmt.Errorf("att*v matmul: %w", err)
	}

	x2View := tensor.New(x2Buf, d.Dtype, d.NumHeads, sl, d.HeadDim)
	x2Perm, err := x2View.Permute(1, 0, 2)
	if err != nil {
		return err
	}
	attnOutT := tensor.New(attnOut, d.Dtype, q.Dim(0), d.NumHeads, d.HeadDim)
	dstReq, err := attnOutT.Slice(0, off, off+sl)
	if err != nil {
		return err
	}
	spans, err := tensor.Spans(dstReq, x2Perm)
	if err != nil {
		return err
	}
	if err := e.rt.Reform(e.compute, attnOut, x2Buf, spans, es); err != nil {
		return fmt.Errorf("attn output reform: %w", err)
	}
	return nil
}
