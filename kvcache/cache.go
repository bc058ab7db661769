// Package kvcache implements the per-request, per-layer KV-cache
// protocol of spec.md §3/§4.5: storage is allocated once by the caller
// (via NewCache) when a request is admitted, reused across every decode
// call that names the request, and destroyed by the caller after the
// final token. This is deliberately simpler than the teacher's shared
// causal-cache slab (kvcache.Causal in the source pack, which multiplexes
// many sequences into one ring of cells with sliding-window eviction):
// the spec's cache is request-owned and position-indexed directly, with
// no eviction policy, so the bookkeeping that package needed (cellRanges,
// findLocs, sliding-window trimming) has no counterpart here.
package kvcache

import (
	"fmt"

	"github.com/ggmlcore/llamacore/gpu"
	"github.com/ggmlcore/llamacore/modelfile"
	"github.com/ggmlcore/llamacore/tensor"
)

// LayerCache holds one layer's K/V history for one request, each of
// device shape [NKVH, MP, DH] in the model's dtype (spec.md §6
// new_cache()).
type LayerCache struct {
	K, V tensor.Tensor
}

// NewCache allocates NumLayers LayerCaches on stream, sized from desc.
// The returned buffers are owned by the caller: they must outlive every
// Engine.Decode call that references the request and be released (via
// the Buffer.Free each Tensor wraps) once the caller is done with the
// request.
func NewCache(stream gpu.Stream, desc modelfile.Descriptor) ([]LayerCache, error) {
	caches := make([]LayerCache, desc.NumLayers)
	elemSize := gpu.Sizeof(desc.Dtype)
	sizeBytes := desc.NumKVHeads * desc.MaxPosition * desc.HeadDim * elemSize

	for l := 0; l < desc.NumLayers; l++ {
		kBuf, err := stream.Alloc(sizeBytes)
		if err != nil {
			return nil, fmt.Errorf("kvcache: alloc K layer %d: %w", l, err)
		}
		vBuf, err := stream.Alloc(sizeBytes)
		if err != nil {
			return nil, fmt.Errorf("kvcache: alloc V layer %d: %w", l, err)
		}
		caches[l] = LayerCache{
			K: tensor.New(kBuf, desc.Dtype, desc.NumKVHeads, desc.MaxPosition, desc.HeadDim),
			V: tensor.New(vBuf, desc.Dtype, desc.NumKVHeads, desc.MaxPosition, desc.HeadDim),
		}
	}
	return caches, nil
}

// AppendTarget returns the [NKVH, seqLen, DH] slice of the cache that a
// request's freshly computed K or V projection for this pass should be
// written into, per spec.md §4.5: "the k,v targets are slices
// cache[:, p:p+sl, :] of the request's cache for this layer."
func (lc LayerCache) AppendTarget(pos, seqLen int) (k, v tensor.Tensor, err error) {
	k, err = lc.K.Slice(1, pos, pos+seqLen)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("kvcache: k append target: %w", err)
	}
	v, err = lc.V.Slice(1, pos, pos+seqLen)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("kvcache: v append target: %w", err)
	}
	return k, v, nil
}

// Attended returns the [NKVH, attLen, DH] history slice attention reads
// over: every position from 0 up to (and including) the positions just
// appended by this pass.
func (lc LayerCache) Attended(attLen int) (k, v tensor.Tensor, err error) {
	k, err = lc.K.Slice(1, 0, attLen)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("kvcache: k attended range: %w", err)
	}
	v, err = lc.V.Slice(1, 0, attLen)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("kvcache: v attended range: %w", err)
	}
	return k, v, nil
}

// Close releases every layer's K and V buffers. Buffers are freed
// asynchronously on whatever stream allocated them (see gpu.Buffer.Free);
// the caller should Synchronize that stream first if it needs the memory
// reclaimed before proceeding.
func Close(caches []LayerCache) error {
	for _, lc := range caches {
		if err := lc.K.Buffer().Free(); err != nil {
			return err
		}
		if err := lc.V.Buffer().Free(); err != nil {
			return err
		}
	}
	return nil
}
