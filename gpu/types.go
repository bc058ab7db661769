// Package gpu is the device runtime: scoped device allocations, streams,
// events, a JIT-compiled kernel bank, and a BLAS binding. It is the only
// package in this module that talks to a GPU; everything above it
// (tensor, kvcache, engine) is written against the interfaces here.
//
// Two implementations exist behind a build tag. driver_cuda.go (tag
// "cuda") binds the CUDA driver API, NVRTC, and cuBLAS via cgo. It is the
// production path. driver_stub.go (the default, no tag) is a host-memory
// reference implementation of the same kernels, used so the rest of the
// module builds and tests on a machine without a CUDA toolchain.
package gpu

import "errors"

// DType is the element type a Tensor or Buffer holds. Only DTypeF16 is
// accepted by the kernel bank; DTypeBF16 and DTypeF32 exist so config and
// weight files naming them can still be parsed and rejected with a clear
// error rather than failing to compile.
type DType int

const (
	DTypeF16 DType = iota
	DTypeBF16
	DTypeF32
	DTypeU32
)

// Sizeof returns the element size in bytes.
func Sizeof(dt DType) int {
	switch dt {
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeF32, DTypeU32:
		return 4
	default:
		panic("gpu: unknown dtype")
	}
}

func (dt DType) String() string {
	switch dt {
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeF32:
		return "f32"
	case DTypeU32:
		return "u32"
	default:
		return "unknown"
	}
}

var (
	ErrNoDevice           = errors.New("gpu: no device available")
	ErrOutOfDeviceMemory  = errors.New("gpu: out of device memory")
	ErrKernelLaunch       = errors.New("gpu: kernel launch failed")
	ErrDtypeUnsupported   = errors.New("gpu: dtype unsupported by kernel bank")
	ErrShapeMismatch      = errors.New("gpu: shape mismatch")
)

// Context is a GPU context: the scoped resource that owns every stream,
// event, buffer, and compiled kernel created from it. Nothing created
// from a Context may be used after it is closed.
type Context interface {
	// NewStream creates an independent command stream.
	NewStream() (Stream, error)

	// NewEvent creates an event that has not yet been recorded.
	NewEvent() (Event, error)

	// NewRuntime JIT-compiles the kernel bank for the given dtype and
	// block-size specialization.
	NewRuntime(dt DType, blockSize int) (Runtime, error)

	// NewBlas returns a handle to the vendor BLAS bound to this context.
	NewBlas() (Blas, error)

	// NewHostPinned allocates a host-resident, page-locked buffer of the
	// given size in bytes, suitable as the source of an async H2D copy.
	NewHostPinned(size int) (HostPinned, error)

	// DeviceIndex returns the ordinal of the device this context is
	// bound to.
	DeviceIndex() int

	// Close releases the context. Must be called on the same OS thread
	// that created it. The stub only marks itself closed, after which
	// NewStream returns ErrNoDevice.
	Close() error
}

// Stream is an ordered, asynchronous command queue. Operations enqueued
// on one stream execute in submission order; there is no ordering
// guarantee across two streams except through Event waits.
type Stream interface {
	// Alloc asynchronously allocates a device buffer; the allocation is
	// ordered after everything previously enqueued on this stream.
	Alloc(size int) (Buffer, error)

	// Record writes a marker into the stream's command queue; Wait
	// on another stream will block that stream's future work until every
	// op submitted before this Record has completed.
	Record(e Event) error

	// Wait blocks all future work on this stream until e's Record has
	// completed (cross-stream synchronization; does not block the host).
	Wait(e Event) error

	// Synchronize blocks the calling host thread until every op
	// submitted to this stream so far has completed.
	Synchronize() error

	// Close releases stream resources after synchronizing.
	Close() error
}

// Event is a point in a stream's command queue other streams can wait on.
type Event interface {
	Destroy() error
}

// Buffer is a scoped device allocation. It is born on the stream that
// allocated it; Free is issued asynchronously on that same stream so
// every operation already enqueued against the buffer completes before
// the memory is reclaimed (see gpu.Stream.Alloc).
type Buffer interface {
	Size() int

	// CopyFromHost enqueues an async H2D copy on stream.
	CopyFromHost(stream Stream, src []byte) error

	// CopyToHost enqueues an async D2H copy on stream into dst.
	CopyToHost(stream Stream, dst []byte) error

	// CopyFromDevice enqueues an async D2D copy from src into this
	// buffer on stream.
	CopyFromDevice(stream Stream, src Buffer, srcOffset, dstOffset, n int) error

	// Free asynchronously releases the buffer on the stream it was born
	// on. The caller must not use the buffer after calling Free.
	Free() error
}

// HostPinned is a page-locked host allocation, the source of weight
// staging copies.
type HostPinned interface {
	Bytes() []byte
	Close() error
}

// GemmOperand describes one matrix operand of a batched Gemm: the device
// buffer it lives in, the element offset of batch index 0's top-left
// element, the element stride between consecutive batch indices (unused
// when batch == 1), and whether Buf physically stores this operand
// already transposed. A non-zero Offset/Stride lets Gemm read batched
// matrices directly out of a larger buffer — e.g. a KV-cache slice —
// without first repacking them into a dedicated contiguous allocation.
type GemmOperand struct {
	Buf    Buffer
	Offset int
	Stride int
	Trans  bool
}

// Blas is the vendor BLAS binding used for matmul. The engine calls
// SetStream at the start of each Decode call, before that call's Gemms,
// per its single-threaded call discipline.
type Blas interface {
	SetStream(s Stream) error

	// Gemm computes, for each of batch leading slices, C <- alpha*op(A)*op(B) + beta*C,
	// where op(A) is (m x k) and op(B) is (k x n), both row-major, dtype
	// DTypeF16. op(X).Trans selects op(X) = X^T instead of X: when Trans,
	// the physical operand is stored (k x m) for A or (n x k) for B.
	// Used for the attention step's Q*K^T and att*V reading straight out
	// of the per-request KV-cache without materializing a transposed copy.
	Gemm(c GemmOperand, beta float32, a, b GemmOperand, alpha float32, m, n, k, batch int) error
}
