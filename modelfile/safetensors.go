package modelfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/ggmlcore/llamacore/gpu"
)

// tensorInfo is one entry of a safetensors JSON header.
type tensorInfo struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

func dtypeName(dt gpu.DType) string {
	switch dt {
	case gpu.DTypeF16:
		return "F16"
	case gpu.DTypeBF16:
		return "BF16"
	case gpu.DTypeF32:
		return "F32"
	default:
		return ""
	}
}

type layerNames struct {
	inputLayerNorm, qkv, oProj, postAttnNorm, gateUp, down string
}

func layerTensorNames(i int) layerNames {
	prefix := fmt.Sprintf("model.layers.%d.", i)
	return layerNames{
		inputLayerNorm: prefix + "input_layernorm.weight",
		qkv:            prefix + "self_attn.qkv_proj.weight",
		oProj:          prefix + "self_attn.o_proj.weight",
		postAttnNorm:   prefix + "post_attention_layernorm.weight",
		gateUp:         prefix + "mlp.gate_up_proj.weight",
		down:           prefix + "mlp.down_proj.weight",
	}
}

type byteRange struct {
	off, n int
}

type safetensorsProvider struct {
	desc   Descriptor
	pinned gpu.HostPinned

	embedTokens, modelNorm, lmHead byteRange
	layers                         []struct {
		inputLayerNorm, qkv, oProj, postAttnNorm, gateUp, down byteRange
	}
}

// OpenSafetensors parses a safetensors file against desc, validates every
// required tensor's shape and dtype, and materializes it into a single
// host-pinned buffer suitable for repeated async H2D staging copies. The
// four projection matrices per layer and lm_head are transposed once,
// here, into a second region of the same buffer (see Provider doc).
func OpenSafetensors(path string, desc Descriptor, gctx gpu.Context) (Provider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWeightFormat, err)
	}
	defer f.Close()

	var headerLen uint64
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%w: reading header length: %v", ErrWeightFormat, err)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrWeightFormat, err)
	}

	var header map[string]tensorInfo
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("%w: parsing header json: %v", ErrWeightFormat, err)
	}
	delete(header, "__metadata__")

	dataStart := int64(8 + headerLen)
	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWeightFormat, err)
	}
	dataSize := int(stat.Size() - dataStart)

	elemSize := gpu.Sizeof(desc.Dtype)
	perLayerTransposeSize := 0
	perLayerTransposeSize += (desc.HiddenSize + 2*desc.KVDim) * desc.HiddenSize * elemSize // qkv
	perLayerTransposeSize += desc.HiddenSize * desc.HiddenSize * elemSize                  // o_proj
	perLayerTransposeSize += 2 * desc.Intermediate * desc.HiddenSize * elemSize            // gate_up
	perLayerTransposeSize += desc.HiddenSize * desc.Intermediate * elemSize                // down
	transposeSize := perLayerTransposeSize*desc.NumLayers + desc.VocabSize*desc.HiddenSize*elemSize // + lm_head

	pinned, err := gctx.NewHostPinned(dataSize + transposeSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWeightFormat, err)
	}
	buf := pinned.Bytes()

	if _, err := f.ReadAt(buf[:dataSize], dataStart); err != nil && err != io.EOF {
		pinned.Close()
		return nil, fmt.Errorf("%w: reading tensor data: %v", ErrWeightFormat, err)
	}

	p := &safetensorsProvider{desc: desc, pinned: pinned, layers: make([]struct {
		inputLayerNorm, qkv, oProj, postAttnNorm, gateUp, down byteRange
	}, desc.NumLayers)}

	transposeCursor := dataSize

	lookup := func(name string, wantShape []int) (byteRange, error) {
		info, ok := header[name]
		if !ok {
			return byteRange{}, fmt.Errorf("%w: missing tensor %q", ErrWeightFormat, name)
		}
		if info.Dtype != dtypeName(desc.Dtype) {
			return byteRange{}, fmt.Errorf("%w: tensor %q dtype %s, want %s", ErrWeightFormat, name, info.Dtype, dtypeName(desc.Dtype))
		}
		if !shapeEqual(info.Shape, wantShape) {
			return byteRange{}, fmt.Errorf("%w: tensor %q shape %v, want %v", ErrWeightFormat, name, info.Shape, wantShape)
		}
		return byteRange{off: info.DataOffsets[0], n: info.DataOffsets[1] - info.DataOffsets[0]}, nil
	}

	// transposeInto copies the 2D matrix at src (rows x cols, row-major)
	// into the transpose region as cols x rows, returning its range.
	transposeInto := func(src byteRange, rows, cols int) byteRange {
		dstOff := transposeCursor
		transpose2D(buf[dstOff:dstOff+src.n], buf[src.off:src.off+src.n], rows, cols, elemSize)
		transposeCursor += src.n
		return byteRange{off: dstOff, n: src.n}
	}

	p.embedTokens, err = lookup("model.embed_tokens.weight", []int{desc.VocabSize, desc.HiddenSize})
	if err != nil {
		pinned.Close()
		return nil, err
	}
	p.modelNorm, err = lookup("model.norm.weight", []int{desc.HiddenSize})
	if err != nil {
		pinned.Close()
		return nil, err
	}
	lmHeadRaw, err := lookup("lm_head.weight", []int{desc.VocabSize, desc.HiddenSize})
	if err != nil {
		pinned.Close()
		return nil, err
	}
	p.lmHead = transposeInto(lmHeadRaw, desc.VocabSize, desc.HiddenSize)

	qkvRows := desc.HiddenSize + 2*desc.KVDim
	for i := 0; i < desc.NumLayers; i++ {
		names := layerTensorNames(i)

		il, err := lookup(names.inputLayerNorm, []int{desc.HiddenSize})
		if err != nil {
			pinned.Close()
			return nil, err
		}
		qkvRaw, err := lookup(names.qkv, []int{qkvRows, desc.HiddenSize})
		if err != nil {
			pinned.Close()
			return nil, err
		}
		oRaw, err := lookup(names.oProj, []int{desc.HiddenSize, desc.HiddenSize})
		if err != nil {
			pinned.Close()
			return nil, err
		}
		pl, err := lookup(names.postAttnNorm, []int{desc.HiddenSize})
		if err != nil {
			pinned.Close()
			return nil, err
		}
		guRaw, err := lookup(names.gateUp, []int{2 * desc.Intermediate, desc.HiddenSize})
		if err != nil {
			pinned.Close()
			return nil, err
		}
		downRaw, err := lookup(names.down, []int{desc.HiddenSize, desc.Intermediate})
		if err != nil {
			pinned.Close()
			return nil, err
		}

		p.layers[i].inputLayerNorm = il
		p.layers[i].qkv = transposeInto(qkvRaw, qkvRows, desc.HiddenSize)
		p.layers[i].oProj = transposeInto(oRaw, desc.HiddenSize, desc.HiddenSize)
		p.layers[i].postAttnNorm = pl
		p.layers[i].gateUp = transposeInto(guRaw, 2*desc.Intermediate, desc.HiddenSize)
		p.layers[i].down = transposeInto(downRaw, desc.HiddenSize, desc.Intermediate)
	}

	return p, nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// transpose2D writes the transpose of an (rows x cols) row-major matrix
// of elemSize-byte elements from src into dst (cols x rows, row-major).
func transpose2D(dst, src []byte, rows, cols, elemSize int) {
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			srcOff := (r*cols + c) * elemSize
			dstOff := (c*rows + r) * elemSize
			copy(dst[dstOff:dstOff+elemSize], src[srcOff:srcOff+elemSize])
		}
	}
}

func (p *safetensorsProvider) Descriptor() Descriptor { return p.desc }

func (p *safetensorsProvider) slice(r byteRange) []byte {
	return p.pinned.Bytes()[r.off : r.off+r.n]
}

func (p *safetensorsProvider) EmbedTokens() []byte { return p.slice(p.embedTokens) }
func (p *safetensorsProvider) ModelNorm() []byte   { return p.slice(p.modelNorm) }
func (p *safetensorsProvider) LMHead() []byte      { return p.slice(p.lmHead) }

func (p *safetensorsProvider) LayerInputLayerNorm(i int) []byte   { return p.slice(p.layers[i].inputLayerNorm) }
func (p *safetensorsProvider) LayerQKV(i int) []byte              { return p.slice(p.layers[i].qkv) }
func (p *safetensorsProvider) LayerOProj(i int) []byte            { return p.slice(p.layers[i].oProj) }
func (p *safetensorsProvider) LayerPostAttentionNorm(i int) []byte { return p.slice(p.layers[i].postAttnNorm) }
func (p *safetensorsProvider) LayerGateUp(i int) []byte           { return p.slice(p.layers[i].gateUp) }
func (p *safetensorsProvider) LayerDown(i int) []byte             { return p.slice(p.layers[i].down) }

func (p *safetensorsProvider) Close() error { return p.pinned.Close() }
