package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"

	"github.com/born-ml/qat/internal/parallel"
	"github.com/born-ml/qat/internal/tensor"
)

// conv1dGeometry holds the validated dimensions of a 1-D convolution.
type conv1dGeometry struct {
	batch, inCh, length int
	outCh, kernel       int
	outLen              int
	stride, padding     int
}

func newConv1DGeometry(input, kernel *tensor.RawTensor, stride, padding int) conv1dGeometry {
	requireFloat32("conv1d", input)
	requireFloat32("conv1d", kernel)

	in, k := input.Shape(), kernel.Shape()
	if len(in) != 3 || len(k) != 3 {
		panic(fmt.Sprintf("conv1d: expected 3D input and kernel, got %v and %v", in, k))
	}
	if in[1] != k[1] {
		panic(fmt.Sprintf("conv1d: input has %d channels, kernel expects %d", in[1], k[1]))
	}
	if stride <= 0 || padding < 0 {
		panic(fmt.Sprintf("conv1d: invalid stride %d or padding %d", stride, padding))
	}
	outLen := (in[2]+2*padding-k[2])/stride + 1
	if outLen <= 0 {
		panic(fmt.Sprintf("conv1d: kernel %d larger than padded input %d", k[2], in[2]+2*padding))
	}

	return conv1dGeometry{
		batch: in[0], inCh: in[1], length: in[2],
		outCh: k[0], kernel: k[2],
		outLen: outLen,
		stride: stride, padding: padding,
	}
}

// colRows is the row count of the im2col matrix: one row per (channel, tap).
func (g conv1dGeometry) colRows() int { return g.inCh * g.kernel }

// im2col lays out one batch item as [inCh*kernel, outLen] so the convolution
// becomes kernel[outCh, inCh*kernel] @ col.
func (g conv1dGeometry) im2col(col, x []float32) {
	for c := 0; c < g.inCh; c++ {
		for k := 0; k < g.kernel; k++ {
			row := col[(c*g.kernel+k)*g.outLen : (c*g.kernel+k+1)*g.outLen]
			for o := range row {
				pos := o*g.stride + k - g.padding
				if pos >= 0 && pos < g.length {
					row[o] = x[c*g.length+pos]
				} else {
					row[o] = 0
				}
			}
		}
	}
}

// col2im scatter-adds a column gradient back onto one batch item's input gradient.
func (g conv1dGeometry) col2im(dx, col []float32) {
	for c := 0; c < g.inCh; c++ {
		for k := 0; k < g.kernel; k++ {
			row := col[(c*g.kernel+k)*g.outLen : (c*g.kernel+k+1)*g.outLen]
			for o, v := range row {
				pos := o*g.stride + k - g.padding
				if pos >= 0 && pos < g.length {
					dx[c*g.length+pos] += v
				}
			}
		}
	}
}

// Conv1D convolves input [batch, inCh, length] with kernel [outCh, inCh, k]
// and returns [batch, outCh, outLen] where
//
//	outLen = (length + 2*padding - k) / stride + 1
func (cpu *CPUBackend) Conv1D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConv1DGeometry(input, kernel, stride, padding)
	result := cpu.alloc("conv1d", tensor.Shape{g.batch, g.outCh, g.outLen})

	x, w, out := input.AsFloat32(), kernel.AsFloat32(), result.AsFloat32()
	inSize, outSize := g.inCh*g.length, g.outCh*g.outLen

	parallel.For(g.batch, func(n int) {
		col := make([]float32, g.colRows()*g.outLen)
		g.im2col(col, x[n*inSize:(n+1)*inSize])
		gemm(blas.NoTrans, blas.NoTrans, g.outCh, g.outLen, g.colRows(),
			w, col, out[n*outSize:(n+1)*outSize], 0)
	}, cpu.parallel.WithMinChunk(1))

	return result
}

// Conv1DInputBackward computes ∂L/∂input = col2im(kernelᵀ @ grad) per batch item.
func (cpu *CPUBackend) Conv1DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConv1DGeometry(input, kernel, stride, padding)
	requireGradShape(grad, g)
	result := cpu.alloc("conv1d backward", input.Shape())

	w, dy, dx := kernel.AsFloat32(), grad.AsFloat32(), result.AsFloat32()
	inSize, outSize := g.inCh*g.length, g.outCh*g.outLen

	parallel.For(g.batch, func(n int) {
		col := make([]float32, g.colRows()*g.outLen)
		// kernel viewed as [outCh, inCh*k], transposed.
		gemm(blas.Trans, blas.NoTrans, g.colRows(), g.outLen, g.outCh,
			w, dy[n*outSize:(n+1)*outSize], col, 0)
		g.col2im(dx[n*inSize:(n+1)*inSize], col)
	}, cpu.parallel.WithMinChunk(1))

	return result
}

// Conv1DKernelBackward computes ∂L/∂kernel = Σ_n grad[n] @ im2col(input[n])ᵀ.
func (cpu *CPUBackend) Conv1DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConv1DGeometry(input, kernel, stride, padding)
	requireGradShape(grad, g)
	result := cpu.alloc("conv1d backward", kernel.Shape())

	x, dy, dw := input.AsFloat32(), grad.AsFloat32(), result.AsFloat32()
	inSize, outSize := g.inCh*g.length, g.outCh*g.outLen

	col := make([]float32, g.colRows()*g.outLen)
	for n := 0; n < g.batch; n++ {
		g.im2col(col, x[n*inSize:(n+1)*inSize])
		gemm(blas.NoTrans, blas.Trans, g.outCh, g.colRows(), g.outLen,
			dy[n*outSize:(n+1)*outSize], col, dw, 1)
	}
	return result
}

func requireGradShape(grad *tensor.RawTensor, g conv1dGeometry) {
	want := tensor.Shape{g.batch, g.outCh, g.outLen}
	if !grad.Shape().Equal(want) {
		panic(fmt.Sprintf("conv1d backward: gradient shape %v, want %v", grad.Shape(), want))
	}
}
