//go:build cuda

package gpu

// kernelSource is the CUDA C source JIT-compiled at NewRuntime time. It
// is specialized for F16 (the only dtype the kernel bank accepts) and
// for a block size chosen by the caller. Each kernel is deliberately
// simple: correctness over throughput, since the batching and windowing
// above this package is where the engine's actual design effort goes.
const kernelSource = `
extern "C" __global__ void gather_f16(
	__half *out, const __half *table, const unsigned int *tokens, int d)
{
	int i = blockIdx.x;
	int j = threadIdx.x;
	unsigned int tok = tokens[i];
	for (; j < d; j += blockDim.x) {
		out[i * d + j] = table[tok * d + j];
	}
}

extern "C" __global__ void rms_norm_f16(
	__half *out, const __half *in, const __half *weight, int d, float eps)
{
	extern __shared__ float shared[];
	int row = blockIdx.x;
	int tid = threadIdx.x;

	float sumsq = 0.f;
	for (int j = tid; j < d; j += blockDim.x) {
		float v = __half2float(in[row * d + j]);
		sumsq += v * v;
	}
	shared[tid] = sumsq;
	__syncthreads();
	for (int s = blockDim.x / 2; s > 0; s >>= 1) {
		if (tid < s) shared[tid] += shared[tid + s];
		__syncthreads();
	}
	float scale = rsqrtf(shared[0] / d + eps);

	for (int j = tid; j < d; j += blockDim.x) {
		float v = __half2float(in[row * d + j]) * scale * __half2float(weight[j]);
		out[row * d + j] = __float2half(v);
	}
}

extern "C" __global__ void rotary_embedding_f16(
	__half *x, const unsigned int *pos, int heads, int dh, float theta)
{
	int t = blockIdx.x;
	int h = blockIdx.y;
	int k = threadIdx.x; // pair index, requires dh/2 < block_size
	int half = dh / 2;
	if (k >= half) return;

	float p = (float)pos[t];
	float freq = powf(theta, -2.f * k / dh);
	float angle = p * freq;
	float c = cosf(angle), s = sinf(angle);

	__half *base = x + ((size_t)t * heads + h) * dh;
	float x0 = __half2float(base[2 * k]);
	float x1 = __half2float(base[2 * k + 1]);
	base[2 * k] = __float2half(x0 * c - x1 * s);
	base[2 * k + 1] = __float2half(x0 * s + x1 * c);
}

extern "C" __global__ void reform_f16(
	__half *dst, const __half *src, const int *srcOffsets, const int *dstOffsets, const int *runs)
{
	int span = blockIdx.x;
	int i = threadIdx.x;
	int run = runs[span];
	for (; i < run; i += blockDim.x) {
		dst[dstOffsets[span] + i] = src[srcOffsets[span] + i];
	}
}

extern "C" __global__ void fused_softmax_f16(__half *x, int q, int k)
{
	int h = blockIdx.y;
	int row = blockIdx.x;
	int tid = threadIdx.x;
	int causalLimit = k - q + row;

	__half *base = x + ((size_t)h * q + row) * k;

	extern __shared__ float shared[];
	float maxv = -INFINITY;
	for (int c = tid; c <= causalLimit && c < k; c += blockDim.x) {
		float v = __half2float(base[c]);
		maxv = fmaxf(maxv, v);
	}
	shared[tid] = maxv;
	__syncthreads();
	for (int s = blockDim.x / 2; s > 0; s >>= 1) {
		if (tid < s) shared[tid] = fmaxf(shared[tid], shared[tid + s]);
		__syncthreads();
	}
	maxv = shared[0];
	__syncthreads();

	float sum = 0.f;
	for (int c = tid; c < k; c += blockDim.x) {
		if (c > causalLimit) {
			base[c] = __float2half(0.f);
			continue;
		}
		float e = expf(__half2float(base[c]) - maxv);
		base[c] = __float2half(e);
		sum += e;
	}
	shared[tid] = sum;
	__syncthreads();
	for (int s = blockDim.x / 2; s > 0; s >>= 1) {
		if (tid < s) shared[tid] += shared[tid + s];
		__syncthreads();
	}
	sum = shared[0];
	if (sum == 0.f) return;

	for (int c = tid; c <= causalLimit && c < k; c += blockDim.x) {
		base[c] = __float2half(__half2float(base[c]) / sum);
	}
}

extern "C" __global__ void swiglu_f16(__half *gate, const __half *up, int di)
{
	int row = blockIdx.x;
	int j = threadIdx.x;
	for (; j < di; j += blockDim.x) {
		float g = __half2float(gate[row * di + j]);
		float silu = g / (1.f + expf(-g));
		gate[row * di + j] = __float2half(silu * __half2float(up[row * di + j]));
	}
}
`
