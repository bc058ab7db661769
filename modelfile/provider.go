package modelfile

// Provider is the immutable, host-resident weight provider spec.md §1
// names as an external collaborator: "an immutable host-resident weight
// provider exposing per-tensor accessors". Every accessor returns raw
// bytes in the model's dtype, sliced out of a single pinned host
// allocation so H2D staging copies (gpu.Buffer.CopyFromHost) need no
// intermediate host buffer per layer.
//
// The four projection tensors per layer and the global lm_head are
// returned already transposed on their two axes (§9: "the uploaded
// layout of projection matrices is the transpose of the logical shape").
// The transpose happens once here, at parse time, rather than on every
// window refill, since the host data backing a Provider never changes
// across a streaming layer's repeated reloads.
type Provider interface {
	Descriptor() Descriptor

	EmbedTokens() []byte // [V, D], logical layout (not transposed: it is read by gather, not matmul)
	ModelNorm() []byte    // [D]
	LMHead() []byte       // [D, V] bytes, transpose of logical [V, D]

	LayerInputLayerNorm(layer int) []byte  // [D]
	LayerQKV(layer int) []byte             // [D, D+2*KVDim] bytes, transpose of logical [(D+2*KVDim), D]
	LayerOProj(layer int) []byte           // [D, D] bytes, transpose of logical [D, D]
	LayerPostAttentionNorm(layer int) []byte // [D]
	LayerGateUp(layer int) []byte          // [D, 2*Intermediate] bytes, transpose of logical [2*Intermediate, D]
	LayerDown(layer int) []byte            // [Intermediate, D] bytes, transpose of logical [D, Intermediate]

	Close() error
}
