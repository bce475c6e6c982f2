package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/qat/internal/tensor"
)

// MatMul performs matrix multiplication (M, K) @ (K, N) -> (M, N) with SGEMM.
func (cpu *CPUBackend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	requireFloat32("matmul", a)
	requireFloat32("matmul", b)

	aShape, bShape := a.Shape(), b.Shape()
	if len(aShape) != 2 || len(bShape) != 2 {
		panic(fmt.Sprintf("matmul: only 2D tensors supported, got %dD and %dD", len(aShape), len(bShape)))
	}
	m, k := aShape[0], aShape[1]
	if bShape[0] != k {
		panic(fmt.Sprintf("matmul: shape mismatch [%d,%d] @ [%d,%d]", m, k, bShape[0], bShape[1]))
	}
	n := bShape[1]

	result := cpu.alloc("matmul", tensor.Shape{m, n})
	gemm(blas.NoTrans, blas.NoTrans, m, n, k, a.AsFloat32(), b.AsFloat32(), result.AsFloat32(), 0)
	return result
}

// gemm computes c = op(a) @ op(b) + beta*c for row-major buffers, where op(a)
// is [m, k] and op(b) is [k, n].
func gemm(tA, tB blas.Transpose, m, n, k int, a, b, c []float32, beta float32) {
	ga := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	if tA == blas.Trans {
		ga = blas32.General{Rows: k, Cols: m, Stride: m, Data: a}
	}
	gb := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	if tB == blas.Trans {
		gb = blas32.General{Rows: n, Cols: k, Stride: k, Data: b}
	}
	gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: c}
	blas32.Gemm(tA, tB, 1, ga, gb, beta, gc)
}
