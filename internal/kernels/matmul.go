// Package kernels provides the float32 math kernels used by the decoder:
// dense projections, normalization, activations, rotary embeddings and
// scaled dot-product attention.
package kernels

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear computes dst = input @ weight.T (+ bias).
// weight: [outDim, inDim] (PyTorch/ggml layout), input: [batch, inDim],
// dst: [batch, outDim]. bias may be nil.
func Linear(dst, input, weight, bias []float32, batch, inDim, outDim int) {
	if len(dst) < batch*outDim {
		panic(fmt.Sprintf("Linear: dst too small: %d < %d", len(dst), batch*outDim))
	}
	if len(input) < batch*inDim {
		panic(fmt.Sprintf("Linear: input too small: %d < %d", len(input), batch*inDim))
	}
	if len(weight) < outDim*inDim {
		panic(fmt.Sprintf("Linear: weight too small: %d < %d", len(weight), outDim*inDim))
	}
	if bias != nil && len(bias) < outDim {
		panic(fmt.Sprintf("Linear: bias too small: %d < %d", len(bias), outDim))
	}
	if batch == 0 || outDim == 0 {
		return
	}
	if inDim == 0 {
		for i := 0; i < batch; i++ {
			row := dst[i*outDim : (i+1)*outDim]
			if bias != nil {
				copy(row, bias[:outDim])
			} else {
				clear(row)
			}
		}
		return
	}

	c := blas32.General{Rows: batch, Cols: outDim, Stride: outDim, Data: dst[:batch*outDim]}
	beta := float32(0)
	if bias != nil {
		for i := 0; i < batch; i++ {
			copy(c.Data[i*outDim:(i+1)*outDim], bias[:outDim])
		}
		beta = 1
	}

	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: batch, Cols: inDim, Stride: inDim, Data: input[:batch*inDim]},
		blas32.General{Rows: outDim, Cols: inDim, Stride: inDim, Data: weight[:outDim*inDim]},
		beta, c)
}

// MatMulGGML performs matrix multiplication with ggml semantics.
// weight: [out_dim, in_dim], input: [batch, in_dim], output: [batch, out_dim]
// This is equivalent to: output = input @ weight.T
//
// It is the blocked reference implementation that Linear is checked
// against; hot paths should call Linear.
func MatMulGGML(dst, weight, input []float32, batch, inDim, outDim int) {
	for i := range dst[:batch*outDim] {
		dst[i] = 0
	}

	const blockSize = 16

	for i0 := 0; i0 < batch; i0 += blockSize {
		i1 := min(i0+blockSize, batch)
		for j0 := 0; j0 < outDim; j0 += blockSize {
			j1 := min(j0+blockSize, outDim)
			for k0 := 0; k0 < inDim; k0 += blockSize {
				k1 := min(k0+blockSize, inDim)

				for i := i0; i < i1; i++ {
					inputBase := i * inDim
					for j := j0; j < j1; j++ {
						weightBase := j * inDim
						dst[i*outDim+j] += dotProduct(
							input[inputBase+k0:inputBase+k1],
							weight[weightBase+k0:weightBase+k1],
							k1-k0,
						)
					}
				}
			}
		}
	}
}
