//go:build cuda

package gpu

/*
#cgo LDFLAGS: -lcublas
#include <cublas_v2.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

type cudaBlas struct {
	ctx    *cudaContext
	handle C.cublasHandle_t
}

func newCudaBlas(ctx *cudaContext) (Blas, error) {
	if err := ctx.attach(); err != nil {
		return nil, err
	}
	var h C.cublasHandle_t
	if C.cublasCreate(&h) != C.CUBLAS_STATUS_SUCCESS {
		return nil, fmt.Errorf("%w: cublasCreate", ErrKernelLaunch)
	}
	return &cudaBlas{ctx: ctx, handle: h}, nil
}

// SetStream rebinds the handle's stream; the engine calls this once per
// Decode before any matmul, since cuBLAS otherwise serializes on its
// default stream (spec §5: "the BLAS stream is re-bound at call start").
func (b *cudaBlas) SetStream(s Stream) error {
	cs := s.(*cudaStream)
	if C.cublasSetStream(b.handle, C.cudaStream_t(unsafe.Pointer(cs.s))) != C.CUBLAS_STATUS_SUCCESS {
		return fmt.Errorf("%w: cublasSetStream", ErrKernelLaunch)
	}
	return nil
}

// Gemm computes, for each of batch row-major (m x k) * (k x n) products,
// C <- alpha*op(A)*op(B) + beta*C using cublasGemmStridedBatchedEx on F16
// operands with F32 compute and accumulation (CUBLAS_COMPUTE_32F), matching the
// kernel bank's "specified for F16" dtype contract while avoiding
// half-precision accumulation error across long reductions (DI, D can
// run into the thousands).
//
// cuBLAS is column-major; row-major C(m,n) = op(A)(m,k)*op(B)(k,n) is
// computed as column-major C'(n,m) = op(B)'(n,k)*op(A)'(k,m), i.e. swap
// operand order and dimensions rather than transposing data. A row-major
// buffer reinterpreted as column-major is already its own transpose, so
// each operand's cuBLAS transpose flag equals its transX argument
// unchanged (not inverted) once the swap above is applied; only the
// leading dimension flips between the physical row-major extents.
func (b *cudaBlas) Gemm(c GemmOperand, beta float32, a, bm GemmOperand, alpha float32, m, n, k, batch int) error {
	cPtr := operandPtr(c)
	aPtr := operandPtr(a)
	bPtr := operandPtr(bm)
	alphaC, betaC := C.float(alpha), C.float(beta)

	opA, opB := C.CUBLAS_OP_N, C.CUBLAS_OP_N
	ldA, ldB := k, n
	if a.Trans {
		opA = C.CUBLAS_OP_T
		ldA = m
	}
	if bm.Trans {
		opB = C.CUBLAS_OP_T
		ldB = k
	}

	res := C.cublasGemmStridedBatchedEx(
		b.handle,
		C.cublasOperation_t(opB), C.cublasOperation_t(opA),
		C.int(n), C.int(m), C.int(k),
		unsafe.Pointer(&alphaC),
		unsafe.Pointer(uintptr(bPtr)), C.CUDA_R_16F, C.int(ldB), C.longlong(bm.Stride),
		unsafe.Pointer(uintptr(aPtr)), C.CUDA_R_16F, C.int(ldA), C.longlong(a.Stride),
		unsafe.Pointer(&betaC),
		unsafe.Pointer(uintptr(cPtr)), C.CUDA_R_16F, C.int(n), C.longlong(c.Stride),
		C.int(batch),
		C.CUBLAS_COMPUTE_32F,
		C.CUBLAS_GEMM_DEFAULT)

	if res != C.CUBLAS_STATUS_SUCCESS {
		return fmt.Errorf("%w: cublasGemmStridedBatchedEx", ErrKernelLaunch)
	}
	return nil
}

// operandPtr returns the device pointer to a GemmOperand's batch-0
// top-left element, applying its element Offset (F16, 2 bytes/element —
// the only dtype the kernel bank accepts).
func operandPtr(op GemmOperand) C.CUdeviceptr {
	return C.CUdeviceptr(uintptr(devptr(op.Buf)) + uintptr(op.Offset*2))
}
