package kernels

import (
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// CPU feature flags. These pick between the plain loop and the 4-way
// unrolled dot product.
var (
	hasAVX2   = cpu.X86.HasAVX2 && cpu.X86.HasFMA
	hasAVX512 = cpu.X86.HasAVX512F
	hasNEON   = cpu.ARM64.HasASIMD
	hasSDOT   = cpu.ARM64.HasASIMDDP

	wideDot = hasAVX2 || hasNEON
)

// Features describes the detected vector extensions, e.g. "amd64: avx2 fma".
func Features() string {
	var feats []string
	switch runtime.GOARCH {
	case "amd64":
		if hasAVX2 {
			feats = append(feats, "avx2", "fma")
		}
		if hasAVX512 {
			feats = append(feats, "avx512f")
		}
	case "arm64":
		if hasNEON {
			feats = append(feats, "asimd")
		}
		if hasSDOT {
			feats = append(feats, "asimddp")
		}
	}
	if len(feats) == 0 {
		feats = append(feats, "scalar")
	}
	return runtime.GOARCH + ": " + strings.Join(feats, " ")
}

// dotProduct returns sum(a[i]*b[i]) over the first n elements.
func dotProduct(a, b []float32, n int) float32 {
	if n == 0 {
		return 0
	}
	if len(a) < n || len(b) < n {
		panic("dotProduct: slice too small")
	}
	if wideDot && n >= 16 {
		return dotProductInline(a[:n], b[:n])
	}
	return dotProductScalar(a, b, n)
}

// dotProductScalar is the portable scalar implementation
func dotProductScalar(a, b []float32, n int) float32 {
	sum := float32(0)
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// dotProductInline computes the dot product of two equal-length float32 slices
// with simple unrolling to keep ILP high without introducing additional
// allocations.
func dotProductInline(a, b []float32) float32 {
	n := len(a)
	if n == 0 {
		return 0
	}
	b = b[:n]

	sum0, sum1, sum2, sum3 := float32(0), float32(0), float32(0), float32(0)
	i := 0

	for ; i+16 <= n; i += 16 {
		sum0 += a[i+0]*b[i+0] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
		sum1 += a[i+4]*b[i+4] + a[i+5]*b[i+5] + a[i+6]*b[i+6] + a[i+7]*b[i+7]
		sum2 += a[i+8]*b[i+8] + a[i+9]*b[i+9] + a[i+10]*b[i+10] + a[i+11]*b[i+11]
		sum3 += a[i+12]*b[i+12] + a[i+13]*b[i+13] + a[i+14]*b[i+14] + a[i+15]*b[i+15]
	}

	for ; i+4 <= n; i += 4 {
		sum0 += a[i+0]*b[i+0] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
	}

	for ; i < n; i++ {
		sum0 += a[i] * b[i]
	}

	return ((sum0 + sum1) + (sum2 + sum3))
}

// axpyAccum performs out += weight * vec.
func axpyAccum(out, vec []float32, weight float32) {
	if weight == 0 {
		return
	}
	vec = vec[:len(out)]
	for i := range out {
		out[i] += weight * vec[i]
	}
}
