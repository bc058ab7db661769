//go:build cuda

package gpu

/*
#cgo LDFLAGS: -lcuda -lcudart
#include <cuda.h>
#include <stdlib.h>

static CUresult gpu_stream_create(CUstream *s) {
	return cuStreamCreate(s, CU_STREAM_NON_BLOCKING);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

func cuCheck(res C.CUresult, op string) error {
	if res != C.CUDA_SUCCESS {
		var msg *C.char
		C.cuGetErrorString(res, &msg)
		return fmt.Errorf("%w: %s: %s", ErrKernelLaunch, op, C.GoString(msg))
	}
	return nil
}

type cudaContext struct {
	device  C.CUdevice
	ctx     C.CUcontext
	devIdx  int
}

func newContext(deviceIndex int) (Context, error) {
	if res := C.cuInit(0); res != C.CUDA_SUCCESS {
		return nil, fmt.Errorf("%w: cuInit", ErrNoDevice)
	}

	var dev C.CUdevice
	if err := cuCheck(C.cuDeviceGet(&dev, C.int(deviceIndex)), "cuDeviceGet"); err != nil {
		return nil, err
	}

	var ctx C.CUcontext
	if err := cuCheck(C.cuCtxCreate(&ctx, 0, dev), "cuCtxCreate"); err != nil {
		return nil, err
	}

	return &cudaContext{device: dev, ctx: ctx, devIdx: deviceIndex}, nil
}

func (c *cudaContext) attach() error {
	return cuCheck(C.cuCtxSetCurrent(c.ctx), "cuCtxSetCurrent")
}

func (c *cudaContext) NewStream() (Stream, error) {
	if err := c.attach(); err != nil {
		return nil, err
	}
	var s C.CUstream
	if err := cuCheck(C.gpu_stream_create(&s), "cuStreamCreate"); err != nil {
		return nil, err
	}
	return &cudaStream{ctx: c, s: s}, nil
}

func (c *cudaContext) NewEvent() (Event, error) {
	if err := c.attach(); err != nil {
		return nil, err
	}
	var e C.CUevent
	if err := cuCheck(C.cuEventCreate(&e, C.CU_EVENT_DEFAULT), "cuEventCreate"); err != nil {
		return nil, err
	}
	return &cudaEvent{ctx: c, e: e}, nil
}

func (c *cudaContext) NewRuntime(dt DType, blockSize int) (Runtime, error) {
	return newCudaRuntime(c, dt, blockSize)
}

func (c *cudaContext) NewBlas() (Blas, error) {
	return newCudaBlas(c)
}

func (c *cudaContext) NewHostPinned(size int) (HostPinned, error) {
	if err := c.attach(); err != nil {
		return nil, err
	}
	var ptr unsafe.Pointer
	if err := cuCheck(C.cuMemHostAlloc(&ptr, C.size_t(size), C.CU_MEMHOSTALLOC_DEVICEMAP), "cuMemHostAlloc"); err != nil {
		return nil, ErrOutOfDeviceMemory
	}
	return &cudaHostPinned{ptr: ptr, size: size}, nil
}

func (c *cudaContext) DeviceIndex() int { return c.devIdx }

func (c *cudaContext) Close() error {
	if err := c.attach(); err != nil {
		return err
	}
	return cuCheck(C.cuCtxDestroy(c.ctx), "cuCtxDestroy")
}

type cudaStream struct {
	ctx *cudaContext
	s   C.CUstream
}

func (s *cudaStream) Alloc(size int) (Buffer, error) {
	if err := s.ctx.attach(); err != nil {
		return nil, err
	}
	var ptr C.CUdeviceptr
	res := C.cuMemAllocAsync(&ptr, C.size_t(size), s.s)
	if res != C.CUDA_SUCCESS {
		return nil, ErrOutOfDeviceMemory
	}
	return &cudaBuffer{ptr: ptr, size: size, bornOn: s}, nil
}

func (s *cudaStream) Record(e Event) error {
	ce := e.(*cudaEvent)
	return cuCheck(C.cuEventRecord(ce.e, s.s), "cuEventRecord")
}

func (s *cudaStream) Wait(e Event) error {
	ce := e.(*cudaEvent)
	return cuCheck(C.cuStreamWaitEvent(s.s, ce.e, 0), "cuStreamWaitEvent")
}

func (s *cudaStream) Synchronize() error {
	return cuCheck(C.cuStreamSynchronize(s.s), "cuStreamSynchronize")
}

func (s *cudaStream) Close() error {
	if err := s.Synchronize(); err != nil {
		return err
	}
	return cuCheck(C.cuStreamDestroy(s.s), "cuStreamDestroy")
}

type cudaEvent struct {
	ctx *cudaContext
	e   C.CUevent
}

func (e *cudaEvent) Destroy() error {
	return cuCheck(C.cuEventDestroy(e.e), "cuEventDestroy")
}

type cudaBuffer struct {
	ptr    C.CUdeviceptr
	size   int
	bornOn *cudaStream
}

func (b *cudaBuffer) Size() int { return b.size }

func (b *cudaBuffer) CopyFromHost(stream Stream, src []byte) error {
	s := stream.(*cudaStream)
	if len(src) > b.size {
		return fmt.Errorf("%w: H2D copy %d into %d", ErrShapeMismatch, len(src), b.size)
	}
	return cuCheck(C.cuMemcpyHtoDAsync(b.ptr, unsafe.Pointer(&src[0]), C.size_t(len(src)), s.s), "cuMemcpyHtoDAsync")
}

func (b *cudaBuffer) CopyToHost(stream Stream, dst []byte) error {
	s := stream.(*cudaStream)
	if len(dst) > b.size {
		return fmt.Errorf("%w: D2H copy %d from %d", ErrShapeMismatch, len(dst), b.size)
	}
	return cuCheck(C.cuMemcpyDtoHAsync(unsafe.Pointer(&dst[0]), b.ptr, C.size_t(len(dst)), s.s), "cuMemcpyDtoHAsync")
}

func (b *cudaBuffer) CopyFromDevice(stream Stream, src Buffer, srcOffset, dstOffset, n int) error {
	s := stream.(*cudaStream)
	sb := src.(*cudaBuffer)
	dst := b.ptr + C.CUdeviceptr(dstOffset)
	from := sb.ptr + C.CUdeviceptr(srcOffset)
	return cuCheck(C.cuMemcpyDtoDAsync(dst, from, C.size_t(n), s.s), "cuMemcpyDtoDAsync")
}

func (b *cudaBuffer) Free() error {
	return cuCheck(C.cuMemFreeAsync(b.ptr, b.bornOn.s), "cuMemFreeAsync")
}

type cudaHostPinned struct {
	ptr  unsafe.Pointer
	size int
}

func (h *cudaHostPinned) Bytes() []byte {
	return unsafe.Slice((*byte)(h.ptr), h.size)
}

func (h *cudaHostPinned) Close() error {
	return cuCheck(C.cuMemFreeHost(h.ptr), "cuMemFreeHost")
}
