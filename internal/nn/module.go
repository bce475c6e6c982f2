// Package nn implements the layers used for quantization-aware training.
//
// This package provides:
//   - Module interface and Parameter, shared by every layer
//   - Linear, Embedding, Conv1D: full-precision layers
//   - QuantizeLinear, QuantizeEmbedding, QuantizeConv1D: drop-in replacements
//     that fake-quantize their weights (and optionally their inputs) on every
//     forward call while keeping full-precision parameters for the optimizer
//
// Design inspired by PyTorch's nn.Module but adapted for Go generics.
package nn

import (
	"github.com/born-ml/qat/internal/tensor"
)

// Module is the base interface for float32-input layers.
//
// Embedding layers take int32 indices and therefore do not implement Module,
// but they expose the same Parameters/StateDict surface.
//
// Type parameter B must satisfy the tensor.Backend interface.
type Module[B tensor.Backend] interface {
	// Forward computes the output of the module given an input tensor.
	// Shape misuse panics.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns all trainable parameters of this module.
	Parameters() []*Parameter[B]
}

// Stateful is implemented by every layer in this package.
type Stateful interface {
	// StateDict returns the layer's parameters and buffers by name.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict copies values from stateDict into the layer,
	// validating names, shapes and dtypes.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}
