//go:build cuda

package gpu

/*
#cgo LDFLAGS: -lcuda -lnvrtc
#include <cuda.h>
#include <nvrtc.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/ggmlcore/llamacore/xlog"
)

type cudaRuntime struct {
	ctx       *cudaContext
	mod       C.CUmodule
	blockSize int

	gather  C.CUfunction
	rmsnorm C.CUfunction
	rotary  C.CUfunction
	reform  C.CUfunction
	softmax C.CUfunction
	swiglu  C.CUfunction
}

// newCudaRuntime compiles kernelSource with NVRTC and loads the resulting
// PTX into a module, pulling out the six kernel entry points. Compiler
// warnings are non-fatal and surfaced via xlog per the error-handling
// design (§7): JIT diagnostics are a logging concern, not a launch
// failure.
func newCudaRuntime(ctx *cudaContext, dt DType, blockSize int) (Runtime, error) {
	if dt != DTypeF16 {
		return nil, fmt.Errorf("%w: %s", ErrDtypeUnsupported, dt)
	}

	src := C.CString(kernelSource)
	defer C.free(unsafe.Pointer(src))
	name := C.CString("kernel_bank.cu")
	defer C.free(unsafe.Pointer(name))

	var prog C.nvrtcProgram
	if res := C.nvrtcCreateProgram(&prog, src, name, 0, nil, nil); res != C.NVRTC_SUCCESS {
		return nil, fmt.Errorf("%w: nvrtcCreateProgram", ErrKernelLaunch)
	}
	defer C.nvrtcDestroyProgram(&prog)

	compileRes := C.nvrtcCompileProgram(prog, 0, nil)

	var logSize C.size_t
	C.nvrtcGetProgramLogSize(prog, &logSize)
	if logSize > 1 {
		log := make([]byte, logSize)
		C.nvrtcGetProgramLog(prog, (*C.char)(unsafe.Pointer(&log[0])))
		xlog.Warn("nvrtc compile diagnostics", "log", string(log))
	}

	if compileRes != C.NVRTC_SUCCESS {
		return nil, fmt.Errorf("%w: nvrtc compile failed", ErrKernelLaunch)
	}

	var ptxSize C.size_t
	C.nvrtcGetPTXSize(prog, &ptxSize)
	ptx := make([]byte, ptxSize)
	C.nvrtcGetPTX(prog, (*C.char)(unsafe.Pointer(&ptx[0])))

	var mod C.CUmodule
	if err := cuCheck(C.cuModuleLoadDataEx(&mod, unsafe.Pointer(&ptx[0]), 0, nil, nil), "cuModuleLoadDataEx"); err != nil {
		return nil, err
	}

	r := &cudaRuntime{ctx: ctx, mod: mod, blockSize: blockSize}
	fns := map[string]*C.CUfunction{
		"gather_f16":        &r.gather,
		"rms_norm_f16":      &r.rmsnorm,
		"rotary_embedding_f16": &r.rotary,
		"reform_f16":        &r.reform,
		"fused_softmax_f16": &r.softmax,
		"swiglu_f16":        &r.swiglu,
	}
	for name, fn := range fns {
		cname := C.CString(name)
		err := cuCheck(C.cuModuleGetFunction(fn, mod, cname), "cuModuleGetFunction:"+name)
		C.free(unsafe.Pointer(cname))
		if err != nil {
			return nil, err
		}
	}

	return r, nil
}

func devptr(b Buffer) C.CUdeviceptr {
	return b.(*cudaBuffer).ptr
}

func launch(stream Stream, fn C.CUfunction, gridX, gridY, gridZ, blockX int, shared int, args []unsafe.Pointer) error {
	s := stream.(*cudaStream)
	var argPtr *unsafe.Pointer
	if len(args) > 0 {
		argPtr = &args[0]
	}
	res := C.cuLaunchKernel(fn,
		C.uint(gridX), C.uint(gridY), C.uint(gridZ),
		C.uint(blockX), 1, 1,
		C.uint(shared), s.s,
		argPtr, nil)
	return cuCheck(res, "cuLaunchKernel")
}

func (r *cudaRuntime) Gather(stream Stream, out, table Buffer, tokens []uint32, d, v int) error {
	for _, tok := range tokens {
		if int(tok) >= v {
			return fmt.Errorf("%w: token id %d >= vocab %d", ErrShapeMismatch, tok, v)
		}
	}
	s := stream.(*cudaStream)
	tokBuf, err := s.Alloc(len(tokens) * 4)
	if err != nil {
		return err
	}
	defer tokBuf.Free()
	raw := make([]byte, len(tokens)*4)
	encodeU32(raw, tokens)
	if err := tokBuf.CopyFromHost(stream, raw); err != nil {
		return err
	}

	outPtr, tablePtr, tokPtr := devptr(out), devptr(table), devptr(tokBuf)
	dArg := C.int(d)
	args := []unsafe.Pointer{unsafe.Pointer(&outPtr), unsafe.Pointer(&tablePtr), unsafe.Pointer(&tokPtr), unsafe.Pointer(&dArg)}
	return launch(stream, r.gather, len(tokens), 1, 1, r.blockSize, 0, args)
}

func (r *cudaRuntime) RMSNorm(stream Stream, out, in, weight Buffer, rows, d int, eps float32) error {
	outPtr, inPtr, wPtr := devptr(out), devptr(in), devptr(weight)
	dArg, epsArg := C.int(d), C.float(eps)
	args := []unsafe.Pointer{unsafe.Pointer(&outPtr), unsafe.Pointer(&inPtr), unsafe.Pointer(&wPtr), unsafe.Pointer(&dArg), unsafe.Pointer(&epsArg)}
	shared := r.blockSize * 4
	return launch(stream, r.rmsnorm, rows, 1, 1, r.blockSize, shared, args)
}

func (r *cudaRuntime) RotaryEmbedding(stream Stream, x Buffer, pos Buffer, nt, heads, dh int, theta float32) error {
	if dh/2 >= r.blockSize {
		return fmt.Errorf("%w: head dim %d requires block size > %d", ErrShapeMismatch, dh, dh/2)
	}
	xPtr, posPtr := devptr(x), devptr(pos)
	headsArg, dhArg, thetaArg := C.int(heads), C.int(dh), C.float(theta)
	args := []unsafe.Pointer{unsafe.Pointer(&xPtr), unsafe.Pointer(&posPtr), unsafe.Pointer(&headsArg), unsafe.Pointer(&dhArg), unsafe.Pointer(&thetaArg)}
	return launch(stream, r.rotary, nt, heads, 1, dh/2, 0, args)
}

func (r *cudaRuntime) Reform(stream Stream, dst, src Buffer, spans []CopySpan, elemSize int) error {
	s := stream.(*cudaStream)
	n := len(spans)
	srcOff := make([]byte, n*4)
	dstOff := make([]byte, n*4)
	runs := make([]byte, n*4)
	for i, sp := range spans {
		encodeU32(srcOff[i*4:], []uint32{uint32(sp.SrcOffset)})
		encodeU32(dstOff[i*4:], []uint32{uint32(sp.DstOffset)})
		encodeU32(runs[i*4:], []uint32{uint32(sp.Run)})
	}
	srcOffBuf, err := s.Alloc(len(srcOff))
	if err != nil {
		return err
	}
	defer srcOffBuf.Free()
	dstOffBuf, err := s.Alloc(len(dstOff))
	if err != nil {
		return err
	}
	defer dstOffBuf.Free()
	runsBuf, err := s.Alloc(len(runs))
	if err != nil {
		return err
	}
	defer runsBuf.Free()
	if err := srcOffBuf.CopyFromHost(stream, srcOff); err != nil {
		return err
	}
	if err := dstOffBuf.CopyFromHost(stream, dstOff); err != nil {
		return err
	}
	if err := runsBuf.CopyFromHost(stream, runs); err != nil {
		return err
	}

	dstPtr, srcPtr := devptr(dst), devptr(src)
	srcOffPtr, dstOffPtr, runsPtr := devptr(srcOffBuf), devptr(dstOffBuf), devptr(runsBuf)
	args := []unsafe.Pointer{unsafe.Pointer(&dstPtr), unsafe.Pointer(&srcPtr), unsafe.Pointer(&srcOffPtr), unsafe.Pointer(&dstOffPtr), unsafe.Pointer(&runsPtr)}
	return launch(stream, r.reform, n, 1, 1, r.blockSize, 0, args)
}

func (r *cudaRuntime) FusedSoftmax(stream Stream, x Buffer, heads, q, k int) error {
	xPtr := devptr(x)
	qArg, kArg := C.int(q), C.int(k)
	args := []unsafe.Pointer{unsafe.Pointer(&xPtr), unsafe.Pointer(&qArg), unsafe.Pointer(&kArg)}
	shared := r.blockSize * 4
	return launch(stream, r.softmax, q, heads, 1, r.blockSize, shared, args)
}

func (r *cudaRuntime) SwiGLU(stream Stream, gate, up Buffer, rows, di int) error {
	gPtr, uPtr := devptr(gate), devptr(up)
	diArg := C.int(di)
	args := []unsafe.Pointer{unsafe.Pointer(&gPtr), unsafe.Pointer(&uPtr), unsafe.Pointer(&diArg)}
	return launch(stream, r.swiglu, rows, 1, 1, r.blockSize, 0, args)
}

func (r *cudaRuntime) Close() error {
	return cuCheck(C.cuModuleUnload(r.mod), "cuModuleUnload")
}
