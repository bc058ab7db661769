package engine

import (
	"encoding/binary"

	"github.com/x448/float16"
)

// encodeTestF16 packs vals as little-endian IEEE 754 half-precision
// floats into dst, mirroring the encoding gpu.Buffer stores internally.
// Kept local to tests: the engine package itself never encodes F16 host
// side (only decodeRowF16, for reading logits back).
func encodeTestF16(dst []byte, vals []float32) {
	for i, v := range vals {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(float16.Fromfloat32(v)))
	}
}
