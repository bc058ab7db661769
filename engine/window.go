package engine

import (
	"fmt"

	"github.com/ggmlcore/llamacore/gpu"
	"github.com/ggmlcore/llamacore/modelfile"
)

// layerWeights is one transformer layer's device-resident parameters, in
// the upload layout: the four projection matrices hold the transpose of
// their logical shape (spec.md §9, "weight transpose").
type layerWeights struct {
	inputLayerNorm gpu.Buffer // [D]
	wQKV           gpu.Buffer // [D, D+2*DKV] bytes
	oProj          gpu.Buffer // [D, D] bytes
	postAttnNorm   gpu.Buffer // [D]
	gateUp         gpu.Buffer // [D, 2*DI] bytes
	down           gpu.Buffer // [DI, D] bytes
}

type slot struct {
	layer   int
	weights layerWeights
	event   gpu.Event
}

// globals holds the model-parameter weights used once at the start
// (embed_tokens) and once at the end (model_norm, lm_head) of a forward
// pass, as distinct from the per-layer ring.
type globals struct {
	embedTokens gpu.Buffer // [V, D]
	modelNorm   gpu.Buffer // [D]
	lmHead      gpu.Buffer // [D, V] bytes
	event       gpu.Event
}

// Window is the model weight window of spec.md §4.3: a ring of W
// device-resident per-layer weight sets plus the global embed/norm/head
// weights, rotated through device memory on a dedicated transfer stream.
type Window struct {
	desc     modelfile.Descriptor
	provider modelfile.Provider
	transfer gpu.Stream
	ctx      gpu.Context

	w       int
	current int
	slots   []slot
	globals globals
}

// NewWindow allocates W = min(preloadLayers, desc.NumLayers) slots,
// stages layers 0..W from provider, and uploads the global weights —
// all on transfer, per spec.md §4.3's construction step.
func NewWindow(ctx gpu.Context, transfer gpu.Stream, provider modelfile.Provider, preloadLayers int) (*Window, error) {
	desc := provider.Descriptor()
	w := preloadLayers
	if w < 1 {
		w = 1
	}
	if w > desc.NumLayers {
		w = desc.NumLayers
	}

	win := &Window{
		desc:     desc,
		provider: provider,
		transfer: transfer,
		ctx:      ctx,
		w:        w,
		slots:    make([]slot, w),
	}

	for i := 0; i < w; i++ {
		weights, err := win.allocLayerBuffers()
		if err != nil {
			return nil, err
		}
		win.slots[i] = slot{layer: i, weights: weights}
		if err := win.uploadLayer(i, i); err != nil {
			return nil, err
		}
		event, err := ctx.NewEvent()
		if err != nil {
			return nil, fmt.Errorf("engine: window preload event layer %d: %w", i, err)
		}
		if err := transfer.Record(event); err != nil {
			return nil, fmt.Errorf("engine: window preload record layer %d: %w", i, err)
		}
		win.slots[i].event = event
	}

	if err := win.uploadGlobals(); err != nil {
		return nil, err
	}

	return win, nil
}

func (win *Window) elemSize() int { return gpu.Sizeof(win.desc.Dtype) }

func (win *Window) allocLayerBuffers() (layerWeights, error) {
	d := win.desc
	es := win.elemSize()

	inputLN, err := win.transfer.Alloc(d.HiddenSize * es)
	if err != nil {
		return layerWeights{}, err
	}
	qkv, err := win.transfer.Alloc((d.HiddenSize + 2*d.KVDim) * d.HiddenSize * es)
	if err != nil {
		return layerWeights{}, err
	}
	oProj, err := win.transfer.Alloc(d.HiddenSize * d.HiddenSize * es)
	if err != nil {
		return layerWeights{}, err
	}
	postLN, err := win.transfer.Alloc(d.HiddenSize * es)
	if err != nil {
		return layerWeights{}, err
	}
	gateUp, err := win.transfer.Alloc(2 * d.Intermediate * d.HiddenSize * es)
	if err != nil {
		return layerWeights{}, err
	}
	down, err := win.transfer.Alloc(d.Intermediate * d.HiddenSize * es)
	if err != nil {
		return layerWeights{}, err
	}

	return layerWeights{
		inputLayerNorm: inputLN,
		wQKV:           qkv,
		oProj:          oProj,
		postAttnNorm:   postLN,
		gateUp:         gateUp,
		down:           down,
	}, nil
}

// uploadLayer copies layer's weights from the provider into slot i's
// existing buffers — an H2D copy against buffers allocated once and
// reused across every refill of that slot.
func (win *Window) uploadLayer(slotIdx, layer int) error {
	w := win.slots[slotIdx].weights
	copies := []struct {
		buf  gpu.Buffer
		host []byte
	}{
		{w.inputLayerNorm, win.provider.LayerInputLayerNorm(layer)},
		{w.wQKV, win.provider.LayerQKV(layer)},
		{w.oProj, win.provider.LayerOProj(layer)},
		{w.postAttnNorm, win.provider.LayerPostAttentionNorm(layer)},
		{w.gateUp, win.provider.LayerGateUp(layer)},
		{w.down, win.provider.LayerDown(layer)},
	}
	for _, c := range copies {
		if err := c.buf.CopyFromHost(win.transfer, c.host); err != nil {
			return fmt.Errorf("engine: staging layer %d: %w", layer, err)
		}
	}
	return nil
}

func (win *Window) uploadGlobals() error {
	d := win.desc
	es := win.elemSize()

	embed, err := win.transfer.Alloc(d.VocabSize * d.HiddenSize * es)
	if err != nil {
		return err
	}
	if err := embed.CopyFromHost(win.transfer, win.provider.EmbedTokens()); err != nil {
		return fmt.Errorf("engine: staging embed_tokens: %w", err)
	}

	norm, err := win.transfer.Alloc(d.HiddenSize * es)
	if err != nil {
		return err
	}
	if err := norm.CopyFromHost(win.transfer, win.provider.ModelNorm()); err != nil {
		return fmt.Errorf("engine: staging model_norm: %w", err)
	}

	lmHead, err := win.transfer.Alloc(d.HiddenSize * d.VocabSize * es)
	if err != nil {
		return err
	}
	if err := lmHead.CopyFromHost(win.transfer, win.provider.LMHead()); err != nil {
		return fmt.Errorf("engine: staging lm_head: %w", err)
	}

	event, err := win.ctx.NewEvent()
	if err != nil {
		return fmt.Errorf("engine: window globals event: %w", err)
	}
	if err := win.transfer.Record(event); err != nil {
		return fmt.Errorf("engine: window globals record: %w", err)
	}

	win.globals = globals{embedTokens: embed, modelNorm: norm, lmHead: lmHead, event: event}
	return nil
}

// Load refills, if necessary, the slot that will be consumed W steps
// from now with the weights of layer (lReq+W-1) mod L. A no-op if the
// slot already holds that layer, which holds for every layer before the
// ring first wraps around.
func (win *Window) Load(lReq int) error {
	slotIdx := mod(win.current+win.w-1, win.w)
	targetLayer := mod(lReq+win.w-1, win.desc.NumLayers)

	if win.slots[slotIdx].layer == targetLayer {
		return nil
	}

	if err := win.uploadLayer(slotIdx, targetLayer); err != nil {
		return err
	}
	if win.slots[slotIdx].event != nil {
		if err := win.slots[slotIdx].event.Destroy(); err != nil {
			return fmt.Errorf("engine: destroying stale slot event: %w", err)
		}
	}
	event, err := win.ctx.NewEvent()
	if err != nil {
		return fmt.Errorf("engine: window refill event layer %d: %w", targetLayer, err)
	}
	if err := win.transfer.Record(event); err != nil {
		return fmt.Errorf("engine: window refill record layer %d: %w", targetLayer, err)
	}
	win.slots[slotIdx].layer = targetLayer
	win.slots[slotIdx].event = event
	return nil
}

// Sync advances the ring cursor, asserts the slot now at current holds
// lReq, makes compute wait on that slot's transfer event, and returns a
// borrowed view of the slot's weights.
func (win *Window) Sync(lReq int, compute gpu.Stream) (layerWeights, error) {
	s := win.slots[win.current]
	if s.layer != lReq {
		return layerWeights{}, fmt.Errorf("%w: slot %d holds layer %d, expected %d", ErrSchedulerAssertion, win.current, s.layer, lReq)
	}
	if err := compute.Wait(s.event); err != nil {
		return layerWeights{}, fmt.Errorf("engine: compute wait on slot %d event: %w", win.current, err)
	}
	win.current = (win.current + 1) % win.w
	return s.weights, nil
}

// ReleaseGlobals makes compute wait on the globals' staging event. Safe
// to call any number of times per Decode call, including zero: the event
// is recorded once at construction and never re-armed, so repeated waits
// are harmless and a call that skips it (an all-prefill batch) never
// touches model-global weights (spec.md §9 Open Question, resolved as
// option (a) in DESIGN.md).
func (win *Window) ReleaseGlobals(compute gpu.Stream) error {
	return compute.Wait(win.globals.event)
}

func (win *Window) EmbedTokens() gpu.Buffer { return win.globals.embedTokens }
func (win *Window) ModelNorm() gpu.Buffer   { return win.globals.modelNorm }
func (win *Window) LMHead() gpu.Buffer      { return win.globals.lmHead }

// NumLayers reports L, the total number of transformer layers.
func (win *Window) NumLayers() int { return win.desc.NumLayers }

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}

// Close releases every slot and global buffer and event. The window must
// not be used afterward.
func (win *Window) Close() error {
	for _, s := range win.slots {
		if s.event != nil {
			if err := s.event.Destroy(); err != nil {
				return err
			}
		}
		for _, b := range []gpu.Buffer{s.weights.inputLayerNorm, s.weights.wQKV, s.weights.oProj, s.weights.postAttnNorm, s.weights.gateUp, s.weights.down} {
			if err := b.Free(); err != nil {
				return err
			}
		}
	}
	if win.globals.event != nil {
		if err := win.globals.event.Destroy(); err != nil {
			return err
		}
	}
	for _, b := range []gpu.Buffer{win.globals.embedTokens, win.globals.modelNorm, win.globals.lmHead} {
		if err := b.Free(); err != nil {
			return err
		}
	}
	return nil
}
