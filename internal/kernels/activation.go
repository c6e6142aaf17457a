package kernels

import "math"

// SiLU applies the SiLU (Swish) activation function
// SiLU(x) = x * sigmoid(x) = x / (1 + exp(-x))
func SiLU(dst, src []float32, n int) {
	for i := 0; i < n; i++ {
		x := src[i]
		sigmoid := float32(1.0 / (1.0 + math.Exp(float64(-x))))
		dst[i] = x * sigmoid
	}
}

// GELU applies the exact GELU activation
// GELU(x) = 0.5 * x * (1 + erf(x / sqrt(2)))
func GELU(dst, src []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(src[i])
		dst[i] = float32(0.5 * x * (1 + math.Erf(x/math.Sqrt2)))
	}
}

// GELUTanh applies the GELU activation function (tanh approximation)
// GELU(x) ≈ 0.5 * x * (1 + tanh(sqrt(2/π) * (x + 0.044715 * x^3)))
func GELUTanh(dst, src []float32, n int) {
	const sqrt2OverPi = 0.7978845608028654 // sqrt(2/pi)
	const coeff = 0.044715

	for i := 0; i < n; i++ {
		x := src[i]
		x3 := x * x * x
		inner := sqrt2OverPi * (x + coeff*x3)
		tanh := float32(math.Tanh(float64(inner)))
		dst[i] = 0.5 * x * (1.0 + tanh)
	}
}

// ReLU applies the ReLU activation function
// ReLU(x) = max(0, x)
func ReLU(dst, src []float32, n int) {
	for i := 0; i < n; i++ {
		if src[i] > 0 {
			dst[i] = src[i]
		} else {
			dst[i] = 0
		}
	}
}

// ActivationFunc is the signature shared by the element-wise activations.
type ActivationFunc func(dst, src []float32, n int)

// Activation looks up an activation by its Hugging Face hidden_act name.
func Activation(name string) (ActivationFunc, bool) {
	switch name {
	case "silu", "swish":
		return SiLU, true
	case "gelu":
		return GELU, true
	case "gelu_new", "gelu_pytorch_tanh", "gelu_fast":
		return GELUTanh, true
	case "relu":
		return ReLU, true
	}
	return nil, false
}

// SoftmaxF64 computes softmax with float64 accumulation and writes the
// result rounded back to float32. Rows that are entirely -Inf produce a
// uniform distribution.
func SoftmaxF64(dst, src []float32, n int) {
	if n == 0 {
		return
	}

	maxVal := math.Inf(-1)
	for i := 0; i < n; i++ {
		if v := float64(src[i]); v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(maxVal, -1) {
		inv := float32(1.0 / float64(n))
		for i := 0; i < n; i++ {
			dst[i] = inv
		}
		return
	}

	var buf [64]float64
	exps := buf[:0]
	if n > len(buf) {
		exps = make([]float64, 0, n)
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		e := math.Exp(float64(src[i]) - maxVal)
		exps = append(exps, e)
		sum += e
	}
	for i := 0; i < n; i++ {
		dst[i] = float32(exps[i] / sum)
	}
}
