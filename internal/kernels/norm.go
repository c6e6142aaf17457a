package kernels

import "math"

// LayerNorm applies layer normalization
// out[i] = (x[i] - mean(x)) / sqrt(var(x) + eps) * gamma[i] + beta[i]
// beta may be nil for bias-free norms.
func LayerNorm(dst, src, gamma, beta []float32, eps float32) {
	n := len(src)
	if len(dst) < n || len(gamma) < n || (beta != nil && len(beta) < n) {
		panic("LayerNorm: buffer size mismatch")
	}

	// accumulate in float64
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += float64(src[i])
	}
	mean := sum / float64(n)

	sumSq := 0.0
	for i := 0; i < n; i++ {
		diff := float64(src[i]) - mean
		sumSq += diff * diff
	}
	variance := sumSq / float64(n)

	invStd := 1.0 / math.Sqrt(variance+float64(eps))
	for i := 0; i < n; i++ {
		normalized := float32((float64(src[i]) - mean) * invStd)
		if beta != nil {
			dst[i] = normalized*gamma[i] + beta[i]
		} else {
			dst[i] = normalized * gamma[i]
		}
	}
}

// LayerNormRows normalizes each row of a [rows, n] buffer.
func LayerNormRows(dst, src, gamma, beta []float32, rows, n int, eps float32) {
	if len(src) < rows*n || len(dst) < rows*n {
		panic("LayerNormRows: buffer size mismatch")
	}
	for r := 0; r < rows; r++ {
		LayerNorm(dst[r*n:(r+1)*n], src[r*n:(r+1)*n], gamma, beta, eps)
	}
}
