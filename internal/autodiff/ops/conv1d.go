package ops

import "github.com/born-ml/qat/internal/tensor"

// Conv1DOp represents a 1-D convolution.
//
// Forward:
//
//	output[n, o, t] = Σ_c Σ_k input[n, c, t*stride + k - padding] * kernel[o, c, k]
//
// Backward is delegated to the backend's gradient kernels, which share the
// im2col layout with the forward pass.
type Conv1DOp struct {
	input   *tensor.RawTensor // [batch, inCh, length]
	kernel  *tensor.RawTensor // [outCh, inCh, k]
	output  *tensor.RawTensor // [batch, outCh, outLen]
	stride  int
	padding int
}

// NewConv1DOp creates a new Conv1DOp.
func NewConv1DOp(input, kernel, output *tensor.RawTensor, stride, padding int) *Conv1DOp {
	return &Conv1DOp{
		input:   input,
		kernel:  kernel,
		output:  output,
		stride:  stride,
		padding: padding,
	}
}

// Backward computes gradients for input and kernel.
func (op *Conv1DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	gradInput := backend.Conv1DInputBackward(op.input, op.kernel, outputGrad, op.stride, op.padding)
	gradKernel := backend.Conv1DKernelBackward(op.input, op.kernel, outputGrad, op.stride, op.padding)
	return []*tensor.RawTensor{gradInput, gradKernel}
}

// Inputs returns [input, kernel].
func (op *Conv1DOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input, op.kernel}
}

// Output returns the convolution result.
func (op *Conv1DOp) Output() *tensor.RawTensor { return op.output }
