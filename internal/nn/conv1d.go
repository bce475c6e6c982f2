package nn

import (
	"fmt"

	"github.com/born-ml/qat/internal/tensor"
)

// Conv1D is a 1D convolutional layer.
//
// Input shape:  [batch, in_channels, length]
// Weight shape: [out_channels, in_channels, kernel]
// Bias shape:   [out_channels]
// Output shape: [batch, out_channels, out_length]
//
// Where:
//
//	out_length = (length + 2*padding - kernel) / stride + 1
//
// Example:
//
//	// 80 filterbank channels -> 256 channels, kernel 3, stride 2
//	conv := nn.NewConv1D(80, 256, 3, 2, 1, true, backend)
//	output := conv.Forward(features) // [batch, 256, (length+2-3)/2+1]
type Conv1D[B tensor.Backend] struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     int

	weight *Parameter[B] // [out_channels, in_channels, kernel]
	bias   *Parameter[B] // [out_channels] or nil

	backend B
}

// NewConv1D creates a new 1D convolutional layer. Weights and bias are drawn
// from U(-1/sqrt(fan_in), 1/sqrt(fan_in)) with fan_in = in_channels * kernel.
// Invalid geometry panics.
func NewConv1D[B tensor.Backend](
	inChannels, outChannels int,
	kernel int,
	stride, padding int,
	useBias bool,
	backend B,
) *Conv1D[B] {
	if err := validateConv1D(inChannels, outChannels, kernel, stride, padding); err != nil {
		panic(err.Error())
	}
	weight, bias := newConv1DParams(inChannels, outChannels, kernel, useBias, backend)
	return &Conv1D[B]{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernel,
		stride:      stride,
		padding:     padding,
		weight:      weight,
		bias:        bias,
		backend:     backend,
	}
}

func validateConv1D(inChannels, outChannels, kernel, stride, padding int) error {
	if inChannels <= 0 || outChannels <= 0 {
		return fmt.Errorf("conv1d: invalid channels in=%d, out=%d", inChannels, outChannels)
	}
	if kernel <= 0 {
		return fmt.Errorf("conv1d: invalid kernel size %d", kernel)
	}
	if stride <= 0 {
		return fmt.Errorf("conv1d: invalid stride %d", stride)
	}
	if padding < 0 {
		return fmt.Errorf("conv1d: invalid padding %d", padding)
	}
	return nil
}

func newConv1DParams[B tensor.Backend](inChannels, outChannels, kernel int, useBias bool, backend B) (weight, bias *Parameter[B]) {
	fanIn := inChannels * kernel
	weight = NewParameter("conv1d.weight", FanInUniform(fanIn, tensor.Shape{outChannels, inChannels, kernel}, backend))
	if useBias {
		bias = NewParameter("conv1d.bias", FanInUniform(fanIn, tensor.Shape{outChannels}, backend))
	}
	return weight, bias
}

// Forward performs the forward pass.
//
// Input: [batch, in_channels, length]
// Output: [batch, out_channels, out_length].
func (c *Conv1D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	checkConv1DInput("conv1d", input.Shape(), c.inChannels)
	return conv1dForward(input, c.weight.Tensor(), c.bias, c.stride, c.padding)
}

func checkConv1DInput(layer string, shape tensor.Shape, inChannels int) {
	if len(shape) != 3 {
		panic(fmt.Sprintf("%s: expected 3D input [N,C,L], got %dD", layer, len(shape)))
	}
	if shape[1] != inChannels {
		panic(fmt.Sprintf("%s: input channels %d != expected %d", layer, shape[1], inChannels))
	}
}

// conv1dForward convolves and adds the bias reshaped to [1, out_channels, 1].
func conv1dForward[B tensor.Backend](input, weight *tensor.Tensor[float32, B], bias *Parameter[B], stride, padding int) *tensor.Tensor[float32, B] {
	output := input.Conv1D(weight, stride, padding)
	if bias != nil {
		output = output.Add(bias.Tensor().Reshape(1, bias.Tensor().Shape()[0], 1))
	}
	return output
}

// Parameters returns all trainable parameters.
func (c *Conv1D[B]) Parameters() []*Parameter[B] {
	if c.bias != nil {
		return []*Parameter[B]{c.weight, c.bias}
	}
	return []*Parameter[B]{c.weight}
}

// String returns a string representation of the layer.
func (c *Conv1D[B]) String() string {
	return fmt.Sprintf("Conv1D(in_channels=%d, out_channels=%d, kernel_size=%d, stride=%d, padding=%d, bias=%v)",
		c.inChannels, c.outChannels, c.kernelSize, c.stride, c.padding, c.bias != nil)
}

// Weight returns the weight parameter.
func (c *Conv1D[B]) Weight() *Parameter[B] {
	return c.weight
}

// Bias returns the bias parameter, or nil.
func (c *Conv1D[B]) Bias() *Parameter[B] {
	return c.bias
}

// InChannels returns the number of input channels.
func (c *Conv1D[B]) InChannels() int {
	return c.inChannels
}

// OutChannels returns the number of output channels.
func (c *Conv1D[B]) OutChannels() int {
	return c.outChannels
}

// KernelSize returns the kernel width.
func (c *Conv1D[B]) KernelSize() int {
	return c.kernelSize
}

// Stride returns the stride.
func (c *Conv1D[B]) Stride() int {
	return c.stride
}

// Padding returns the padding.
func (c *Conv1D[B]) Padding() int {
	return c.padding
}

// ComputeOutputSize computes the output length for a given input length.
func (c *Conv1D[B]) ComputeOutputSize(length int) int {
	return conv1dOutputSize(length, c.kernelSize, c.stride, c.padding)
}

func conv1dOutputSize(length, kernel, stride, padding int) int {
	return (length+2*padding-kernel)/stride + 1
}

// StateDict returns a map of parameter names to raw tensors.
func (c *Conv1D[B]) StateDict() map[string]*tensor.RawTensor {
	return paramsState(c.weight, c.bias)
}

// LoadStateDict loads parameters from a state dictionary.
func (c *Conv1D[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return loadParams(stateDict, c.weight, c.bias)
}
