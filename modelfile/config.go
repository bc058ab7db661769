// Package modelfile parses the two on-disk artifacts spec.md §6 names as
// constructor inputs — config.json and a safetensors weights file — into
// an immutable, host-resident Provider the engine streams from. Neither
// format's parsing is "the hard part" of this spec (§1 calls model file
// parsing an external collaborator), but a runnable repo needs a real
// implementation behind the Provider interface rather than a mock.
package modelfile

import (
	"errors"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/ggmlcore/llamacore/gpu"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrConfigParse  = errors.New("modelfile: config parse error")
	ErrWeightFormat = errors.New("modelfile: weight format error")
)

// Config is the decoded shape of config.json (spec.md §6).
type Config struct {
	BosTokenID            int     `json:"bos_token_id"`
	EosTokenID            int     `json:"eos_token_id"`
	HiddenSize            int     `json:"hidden_size"`
	IntermediateSize      int     `json:"intermediate_size"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumKeyValueHeads      int     `json:"num_key_value_heads"`
	VocabSize             int     `json:"vocab_size"`
	RMSNormEps            float32 `json:"rms_norm_eps"`
	RopeTheta             float32 `json:"rope_theta"`
	TorchDtype            string  `json:"torch_dtype"`
}

// Descriptor is spec.md §3's immutable model descriptor, with the
// derived quantities pre-computed.
type Descriptor struct {
	Dtype       gpu.DType
	VocabSize   int
	HiddenSize  int
	Intermediate int
	NumLayers   int
	NumHeads    int
	NumKVHeads  int
	MaxPosition int
	RMSNormEps  float32
	RopeTheta   float32
	BosTokenID  int
	EosTokenID  int

	HeadDim   int // D / NH
	KVDim     int // NKVH * HeadDim
	HeadGroup int // NH / NKVH

	// Architecture and TorchDtype are carried through for logging and
	// validation only; no kernel reads them.
	Architecture string
	TorchDtype   string
}

// LoadConfig reads and validates config.json, applying the documented
// defaults and returning ErrConfigParse wrapping the first violated
// invariant.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfigParse, err)
	}

	cfg := Config{RMSNormEps: 1e-5, RopeTheta: 1e4}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfigParse, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.NumKeyValueHeads == 0 || c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
		return fmt.Errorf("%w: num_attention_heads (%d) must be a multiple of num_key_value_heads (%d)", ErrConfigParse, c.NumAttentionHeads, c.NumKeyValueHeads)
	}
	if c.NumAttentionHeads == 0 || c.HiddenSize%c.NumAttentionHeads != 0 {
		return fmt.Errorf("%w: hidden_size (%d) must be a multiple of num_attention_heads (%d)", ErrConfigParse, c.HiddenSize, c.NumAttentionHeads)
	}
	if c.MaxPositionEmbeddings < 1 {
		return fmt.Errorf("%w: max_position_embeddings must be >= 1", ErrConfigParse)
	}
	switch c.TorchDtype {
	case "float16", "bfloat16", "float32":
	default:
		return fmt.Errorf("%w: unsupported torch_dtype %q", ErrConfigParse, c.TorchDtype)
	}
	return nil
}

// Descriptor derives spec.md §3's Model descriptor from the parsed
// config.
func (c Config) Descriptor() Descriptor {
	var dt gpu.DType
	switch c.TorchDtype {
	case "float16":
		dt = gpu.DTypeF16
	case "bfloat16":
		dt = gpu.DTypeBF16
	case "float32":
		dt = gpu.DTypeF32
	}

	headDim := c.HiddenSize / c.NumAttentionHeads
	return Descriptor{
		Dtype:        dt,
		VocabSize:    c.VocabSize,
		HiddenSize:   c.HiddenSize,
		Intermediate: c.IntermediateSize,
		NumLayers:    c.NumHiddenLayers,
		NumHeads:     c.NumAttentionHeads,
		NumKVHeads:   c.NumKeyValueHeads,
		MaxPosition:  c.MaxPositionEmbeddings,
		RMSNormEps:   c.RMSNormEps,
		RopeTheta:    c.RopeTheta,
		BosTokenID:   c.BosTokenID,
		EosTokenID:   c.EosTokenID,
		HeadDim:      headDim,
		KVDim:        c.NumKeyValueHeads * headDim,
		HeadGroup:    c.NumAttentionHeads / c.NumKeyValueHeads,
		Architecture: "llama",
		TorchDtype:   c.TorchDtype,
	}
}
