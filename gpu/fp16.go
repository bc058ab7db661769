package gpu

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// encodeF16 packs v into dst as IEEE 754 half-precision, little-endian.
// Used only by the host-stub Runtime below (driver_stub.go); the CUDA
// path never round-trips through Go float32, the device kernels operate
// on __half natively.
func encodeF16(dst []byte, v []float32) {
	for i, f := range v {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(float16.Fromfloat32(f)))
	}
}

func decodeF16(src []byte) []float32 {
	out := make([]float32, len(src)/2)
	for i := range out {
		h := float16.Float16(binary.LittleEndian.Uint16(src[2*i:]))
		out[i] = h.Float32()
	}
	return out
}

func decodeU32(src []byte) []uint32 {
	out := make([]uint32, len(src)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(src[4*i:])
	}
	return out
}

func encodeU32(dst []byte, v []uint32) {
	for i, x := range v {
		binary.LittleEndian.PutUint32(dst[4*i:], x)
	}
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}
