// Package ops defines the differentiable operations recorded on a gradient tape.
//
// Each operation remembers its inputs and output from the forward pass and
// maps an output gradient to input gradients:
//   - AddOp, SubOp, MulOp: element-wise with broadcast reduction
//   - MulScalarOp: d(s·x)/dx = s
//   - MatMulOp: dA = grad @ Bᵀ, dB = Aᵀ @ grad
//   - Conv1DOp: delegates to the backend's Conv1D gradient kernels
//   - EmbeddingOp: scatter-add into the weight, skipping the padding row
//   - ReshapeOp, TransposeOp, SumOp: shape bookkeeping
package ops

import "github.com/born-ml/qat/internal/tensor"

// Operation represents a differentiable operation in the computation graph.
type Operation interface {
	// Backward returns one gradient per entry of Inputs (nil when an input
	// receives no gradient).
	Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.RawTensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.RawTensor
}
