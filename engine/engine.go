package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/ggmlcore/llamacore/gpu"
	"github.com/ggmlcore/llamacore/kvcache"
	"github.com/ggmlcore/llamacore/modelfile"
	"github.com/ggmlcore/llamacore/xlog"
)

// Engine is the constructed collaborator of spec.md §4: a device
// context, the model's weight provider and streaming window, a compute
// and a transfer stream, the JIT kernel bank, and the BLAS handle — plus
// a borrow guard so at most one Decode call runs against this Engine's
// window and streams at a time (spec.md §5).
type Engine struct {
	gctx     gpu.Context
	provider modelfile.Provider
	desc     modelfile.Descriptor
	win      *Window
	compute  gpu.Stream
	transfer gpu.Stream
	rt       gpu.Runtime
	blas     gpu.Blas
	guard    *semaphore.Weighted
}

// New constructs an Engine per spec.md §6: parses configPath and
// weightsPath into a Provider against gctx (caller-owned — gctx may be a
// real CUDA context from gpu.NewContext or the host stub), JIT-compiles
// the kernel bank, binds BLAS, and builds the streaming weight window
// with preloadLayers slots (spec.md §4.3's "W, clamped to [1, L]"). ctx
// bounds only the construction-time I/O (config/weight file reads), not
// the Engine's subsequent lifetime.
func New(ctx context.Context, configPath, weightsPath string, preloadLayers int, gctx gpu.Context) (*Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, err := modelfile.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	desc := cfg.Descriptor()
	if desc.TorchDtype != "float16" {
		return nil, fmt.Errorf("%w: torch_dtype %q (kernels are F16-only)", gpu.ErrDtypeUnsupported, desc.TorchDtype)
	}

	provider, err := modelfile.OpenSafetensors(weightsPath, desc, gctx)
	if err != nil {
		return nil, err
	}

	compute, err := gctx.NewStream()
	if err != nil {
		return nil, err
	}
	transfer, err := gctx.NewStream()
	if err != nil {
		return nil, err
	}

	rt, err := gctx.NewRuntime(desc.Dtype, 256)
	if err != nil {
		return nil, err
	}
	blas, err := gctx.NewBlas()
	if err != nil {
		return nil, err
	}

	win, err := NewWindow(gctx, transfer, provider, preloadLayers)
	if err != nil {
		return nil, err
	}

	xlog.Info("engine constructed", "layers", desc.NumLayers, "window", win.w, "vocab", desc.VocabSize)

	return &Engine{
		gctx:     gctx,
		provider: provider,
		desc:     desc,
		win:      win,
		compute:  compute,
		transfer: transfer,
		rt:       rt,
		blas:     blas,
		guard:    semaphore.NewWeighted(1),
	}, nil
}

// NewCache allocates a fresh per-layer KV-cache for one request, sized
// from this Engine's descriptor (spec.md §6 new_cache()).
func (e *Engine) NewCache() ([]kvcache.LayerCache, error) {
	return kvcache.NewCache(e.transfer, e.desc)
}

// Descriptor returns the model descriptor this Engine was constructed
// with, for callers that size requests or caches against it directly.
func (e *Engine) Descriptor() modelfile.Descriptor { return e.desc }

// Close releases the window, kernel bank, streams, and provider. It does
// not close the gpu.Context passed to New, which the caller owns and may
// be sharing with other Engines or resources.
func (e *Engine) Close() error {
	if err := e.win.Close(); err != nil {
		return err
	}
	if err := e.rt.Close(); err != nil {
		return err
	}
	if err := e.compute.Close(); err != nil {
		return err
	}
	if err := e.transfer.Close(); err != nil {
		return err
	}
	return e.provider.Close()
}

// Decode runs one forward pass over requests and returns one sampled
// token per request marked Decode: true, per spec.md §4. At most one
// Decode may run against a given Engine at a time; a concurrent call
// returns ErrEngineBusy rather than blocking, since the window's cursor
// and the compute/transfer streams are borrowed exclusively for the
// call's duration (spec.md §5).
//
// Any shape-mismatch, out-of-memory, kernel-launch, or scheduler-assertion
// error detected once the batch starts executing panics rather than
// returning, per spec.md §7: the engine does not attempt to resume a
// decode call that leaves GPU state mid-flight. ctx cancellation and a
// sampler error are the only call-time failures returned normally.
//
// Decode is a package-level function, not a method, because Request and
// Pair are generic in the caller-chosen request identifier type Id, and
// a Go method cannot introduce a type parameter beyond its receiver's.
func Decode[Id comparable](ctx context.Context, e *Engine, requests []Request[Id], sampler Sampler) ([]Pair[Id], error) {
	if !e.guard.TryAcquire(1) {
		return nil, ErrEngineBusy
	}
	defer e.guard.Release(1)

	if len(requests) == 0 {
		return nil, nil
	}

	if err := e.blas.SetStream(e.compute); err != nil {
		panic(err)
	}

	b := assembleBatch(requests)

	// forward never touches ctx or the sampler: every error it can return
	// is one of spec.md §7's call-time sentinel kinds (shape mismatch,
	// OOM, kernel launch, scheduler assertion), fatal per §7 since the GPU
	// state a failed layer leaves behind cannot be safely resumed from.
	x0, err := forward(e, b)
	if err != nil {
		panic(err)
	}
	defer x0.Free()

	return decodeOutputs(ctx, e, b, x0, sampler)
}

// Sampler turns one request's logits row into a chosen token id
// (spec.md §4.6's "handed to sampling").
type Sampler interface {
	Sample(logits []float32) (uint32, error)
}
